package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
)

// Enhancer rewrites the transcript through a language-model HTTP endpoint
// (punctuation, paragraphing, cleanup). When the job did not ask for
// enhancement the stage is a no-op that still succeeds, so its progress
// weight is credited and the pipeline reaches 100.
type Enhancer struct {
	client   *http.Client
	endpoint string
	model    string
	dir      string
}

func NewEnhancer(client *http.Client, endpoint, model, dir string) *Enhancer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Enhancer{client: client, endpoint: endpoint, model: model, dir: dir}
}

type enhanceRequest struct {
	Model    string `json:"model,omitempty"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type enhanceResponse struct {
	Text string `json:"text"`
}

func (e *Enhancer) Execute(ctx context.Context, in Input) (Output, error) {
	if !in.Options.Enhance {
		return Output{Summary: "enhancement not requested"}, nil
	}

	prior, ok := in.Prior[NameTranscribe]
	if !ok || prior.Location == "" {
		return Output{}, Failf(false, "no transcript to enhance")
	}

	transcript, err := os.ReadFile(prior.Location)
	if err != nil {
		return Output{}, Wrap(false, err, "read transcript")
	}

	body, err := json.Marshal(enhanceRequest{
		Model:    e.model,
		Text:     string(transcript),
		Language: in.Options.Language,
	})
	if err != nil {
		return Output{}, Wrap(false, err, "encode enhancement request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Output{}, Wrap(false, err, "build enhancement request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, Wrap(true, err, "call enhancement service")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return Output{}, Failf(true, "enhancement service returned %s", resp.Status)
	default:
		return Output{}, Failf(false, "enhancement service returned %s", resp.Status)
	}

	var er enhanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return Output{}, Wrap(false, err, "decode enhancement response")
	}
	if er.Text == "" {
		return Output{}, Failf(false, "enhancement service returned empty text")
	}

	outPath := filepath.Join(e.dir, in.JobID+"_enhanced.txt")
	if err := os.WriteFile(outPath, []byte(er.Text), 0o644); err != nil {
		return Output{}, Wrap(true, err, "write enhanced transcript")
	}

	in.report(100)
	return Output{
		Summary:  summarize(er.Text),
		Location: outPath,
	}, nil
}
