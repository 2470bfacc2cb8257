// Package transcribe turns utterance WAV files into text.
//
// A [Service] tries the persistent whisper.cpp worker first and falls back
// to one-shot backends ([WhisperCLI], [Native], [OpenAI]) when the worker is
// unavailable. Per-request worker failures (timeouts, bad responses) drop the
// utterance instead of falling through, so a flaky request does not pay for a
// cold model load.
package transcribe

import (
	"context"
	"errors"

	"github.com/xvoice/xvoice/internal/worker"
)

// ErrModelNotFound is returned when no ggml model file matches the configured
// model name.
var ErrModelNotFound = errors.New("transcribe: model not found")

// Backend transcribes a single audio file. An empty string with a nil error
// means the audio held no speech.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Transcribe returns the cleaned transcript of the WAV file at path.
	Transcribe(ctx context.Context, path string) (string, error)
}

// Persistent adapts a [worker.Supervisor] to [Backend].
type Persistent struct {
	Supervisor *worker.Supervisor
}

// Compile-time interface assertion.
var _ Backend = Persistent{}

// Name implements [Backend].
func (Persistent) Name() string { return "worker" }

// Transcribe implements [Backend].
func (p Persistent) Transcribe(ctx context.Context, path string) (string, error) {
	return p.Supervisor.Transcribe(ctx, path)
}

// dropsUtterance reports whether err is a per-request worker failure. Those
// are returned to the caller instead of trying the next backend.
func dropsUtterance(err error) bool {
	return errors.Is(err, worker.ErrNetwork) || errors.Is(err, worker.ErrBadResponse)
}
