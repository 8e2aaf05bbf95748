package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// Transcriber sends the extracted audio to a speech-to-text HTTP service and
// stores the transcript as a local artifact.
type Transcriber struct {
	client   *http.Client
	endpoint string
	dir      string
}

func NewTranscriber(client *http.Client, endpoint, dir string) *Transcriber {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transcriber{client: client, endpoint: endpoint, dir: dir}
}

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

func (t *Transcriber) Execute(ctx context.Context, in Input) (Output, error) {
	prior, ok := in.Prior[NameExtract]
	if !ok || prior.Location == "" {
		return Output{}, Failf(false, "no extracted audio to transcribe")
	}

	audio, err := os.Open(prior.Location)
	if err != nil {
		return Output{}, Wrap(false, err, "open extracted audio")
	}
	defer audio.Close()

	endpoint := t.endpoint
	if in.Options.Language != "" {
		endpoint += "?language=" + url.QueryEscape(in.Options.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, audio)
	if err != nil {
		return Output{}, Wrap(false, err, "build transcription request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, Wrap(true, err, "call transcription service")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return Output{}, Failf(true, "transcription service returned %s", resp.Status)
	default:
		return Output{}, Failf(false, "transcription service returned %s", resp.Status)
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Output{}, Wrap(false, err, "decode transcription response")
	}
	if tr.Text == "" {
		return Output{}, Failf(false, "transcription service returned empty text")
	}

	outPath := filepath.Join(t.dir, in.JobID+"_transcript.txt")
	if err := os.WriteFile(outPath, []byte(tr.Text), 0o644); err != nil {
		return Output{}, Wrap(true, err, "write transcript")
	}

	in.report(100)
	log.Printf("[transcribe] job_id=%s chars=%d language=%s", in.JobID, len(tr.Text), tr.Language)
	return Output{
		Summary:  summarize(tr.Text),
		Location: outPath,
	}, nil
}

// summarize keeps the stored stage result small; the full transcript lives
// at the artifact location.
func summarize(text string) string {
	const max = 200
	if len(text) <= max {
		return text
	}
	return fmt.Sprintf("%s... (%d chars)", text[:max], len(text))
}
