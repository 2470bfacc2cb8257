package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/xvoice/xvoice/internal/worker"
)

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner runs the command with [exec.CommandContext]. Stderr is folded
// into the error.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// WhisperCLI runs the whisper.cpp command line tool once per request. Every
// call pays the model load.
type WhisperCLI struct {
	binary    string
	modelPath string
	language  string
	run       Runner
}

// Compile-time interface assertion.
var _ Backend = (*WhisperCLI)(nil)

// CLIOption configures a [WhisperCLI].
type CLIOption func(*WhisperCLI)

// WithCLILanguage passes a language hint ("-l").
func WithCLILanguage(lang string) CLIOption {
	return func(w *WhisperCLI) { w.language = lang }
}

// WithRunner replaces the subprocess runner. Used by tests.
func WithRunner(r Runner) CLIOption {
	return func(w *WhisperCLI) { w.run = r }
}

// NewWhisperCLI returns a one-shot backend invoking binary with modelPath.
func NewWhisperCLI(binary, modelPath string, opts ...CLIOption) (*WhisperCLI, error) {
	if binary == "" {
		return nil, errors.New("transcribe: whisper-cli binary must not be empty")
	}
	if modelPath == "" {
		return nil, fmt.Errorf("transcribe: whisper-cli: %w", ErrModelNotFound)
	}
	w := &WhisperCLI{binary: binary, modelPath: modelPath, run: execRunner}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Name implements [Backend].
func (*WhisperCLI) Name() string { return "whisper-cli" }

// cliOutput is the JSON document whisper-cli writes with -oj.
type cliOutput struct {
	Text          *string `json:"text"`
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
}

func (o cliOutput) text() (string, bool) {
	if o.Text != nil {
		return *o.Text, true
	}
	if o.Transcription == nil {
		return "", false
	}
	var b strings.Builder
	for _, seg := range o.Transcription {
		b.WriteString(seg.Text)
		b.WriteByte(' ')
	}
	return b.String(), true
}

// Transcribe implements [Backend]. Stdout is parsed as JSON; some builds
// write the JSON to "<path>.json" instead and print plain segments, in which
// case the file is preferred and raw stdout is the last resort.
func (w *WhisperCLI) Transcribe(ctx context.Context, path string) (string, error) {
	args := []string{"-m", w.modelPath, "-f", path, "-oj"}
	if w.language != "" {
		args = append(args, "-l", w.language)
	}
	out, err := w.run(ctx, w.binary, args...)
	jsonPath := path + ".json"
	defer os.Remove(jsonPath)
	if err != nil {
		return "", fmt.Errorf("transcribe: whisper-cli: %w", err)
	}

	var doc cliOutput
	if json.Unmarshal(out, &doc) == nil {
		if text, ok := doc.text(); ok {
			return worker.CleanText(text), nil
		}
	}
	if data, err := os.ReadFile(jsonPath); err == nil {
		var fileDoc cliOutput
		if json.Unmarshal(data, &fileDoc) == nil {
			if text, ok := fileDoc.text(); ok {
				return worker.CleanText(text), nil
			}
		}
	}
	return worker.CleanText(string(out)), nil
}
