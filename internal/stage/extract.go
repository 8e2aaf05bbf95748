package stage

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// Placeholders substituted into the extract argument template.
const (
	inputPlaceholder  = "${INPUT}"
	outputPlaceholder = "${OUTPUT}"
)

const defaultArgsTemplate = "-y -i ${INPUT} -vn -acodec pcm_s16le -ar 16000 -ac 1 ${OUTPUT}"

// Extractor converts fetched media to audio with an ffmpeg subprocess. The
// argument template is split with shlex and validated once at construction,
// never at job time.
type Extractor struct {
	bin  string
	args []string
	dir  string
}

func NewExtractor(bin, argsTemplate, dir string) (*Extractor, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	if argsTemplate == "" {
		argsTemplate = defaultArgsTemplate
	}

	args, err := shlex.Split(argsTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid extract args template: %w", err)
	}
	if err := validateArgs(args); err != nil {
		return nil, err
	}
	return &Extractor{bin: bin, args: args, dir: dir}, nil
}

// validateArgs rejects templates missing the placeholders or containing
// shell metacharacters. exec never goes through a shell, the check guards
// against templates pasted in from one.
func validateArgs(args []string) error {
	hasInput, hasOutput := false, false
	for _, arg := range args {
		switch arg {
		case inputPlaceholder:
			hasInput = true
			continue
		case outputPlaceholder:
			hasOutput = true
			continue
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character in extract argument %q", arg)
		}
	}
	if !hasInput {
		return fmt.Errorf("extract args template must include %s", inputPlaceholder)
	}
	if !hasOutput {
		return fmt.Errorf("extract args template must include %s", outputPlaceholder)
	}
	return nil
}

func (e *Extractor) Execute(ctx context.Context, in Input) (Output, error) {
	prior, ok := in.Prior[NameFetch]
	if !ok || prior.Location == "" {
		return Output{}, Failf(false, "no fetched source to extract from")
	}

	format := in.Options.Format
	if format == "" {
		format = "wav"
	}
	outPath := filepath.Join(e.dir, fmt.Sprintf("%s_audio.%s", in.JobID, format))

	args := make([]string, len(e.args))
	for i, arg := range e.args {
		arg = strings.ReplaceAll(arg, inputPlaceholder, prior.Location)
		arg = strings.ReplaceAll(arg, outputPlaceholder, outPath)
		args[i] = arg
	}

	cmd := exec.CommandContext(ctx, e.bin, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	log.Printf("[extract] job_id=%s cmd=%s args=%q", in.JobID, e.bin, args)

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, Wrap(false, err, lastLines(buf.String(), 3))
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return Output{}, Wrap(false, err, "extract produced no output")
	}

	in.report(100)
	return Output{
		Summary:  fmt.Sprintf("extracted %s audio, %d bytes", format, info.Size()),
		Location: outPath,
	}, nil
}

// lastLines keeps error messages short; ffmpeg output runs to pages and the
// actual error is printed last.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " / ")
}
