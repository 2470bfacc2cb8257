package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/xvoice/xvoice/internal/worker"
	"github.com/xvoice/xvoice/pkg/audio"
)

// Native runs whisper.cpp in-process through the CGO bindings. The model is
// loaded on first use and kept until Close. The whisper.cpp static library
// and headers must be available at link time.
type Native struct {
	modelPath string
	language  string

	mu    sync.Mutex
	model whisperlib.Model
}

// Compile-time interface assertion.
var _ Backend = (*Native)(nil)

// NewNative returns a backend for the ggml model at modelPath. language may
// be empty for auto-detection.
func NewNative(modelPath, language string) (*Native, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("transcribe: native: %w", ErrModelNotFound)
	}
	return &Native{modelPath: modelPath, language: language}, nil
}

// Name implements [Backend].
func (*Native) Name() string { return "native" }

// Transcribe implements [Backend]. Calls are serialised; a whisper context
// is not safe for concurrent use and inference saturates the CPU anyway.
func (n *Native) Transcribe(ctx context.Context, path string) (string, error) {
	samples, format, err := audio.ReadWAV(path)
	if err != nil {
		return "", fmt.Errorf("transcribe: native: %w", err)
	}
	if format != audio.Mono16k {
		samples = audio.Convert(samples, format, audio.Mono16k)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if n.model == nil {
		model, err := whisperlib.New(n.modelPath)
		if err != nil {
			return "", fmt.Errorf("transcribe: native: load model %q: %w", n.modelPath, err)
		}
		n.model = model
	}

	wctx, err := n.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("transcribe: native: new context: %w", err)
	}
	if n.language != "" {
		if err := wctx.SetLanguage(n.language); err != nil {
			slog.Warn("native whisper: failed to set language", "language", n.language, "err", err)
		}
	}
	if err := wctx.Process(pcmToFloat32(samples), nil, nil, nil); err != nil {
		return "", fmt.Errorf("transcribe: native: process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("transcribe: native: read segment: %w", err)
		}
		if t := strings.TrimSpace(segment.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return worker.CleanText(strings.Join(parts, " ")), nil
}

// Close releases the model if it was loaded.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model == nil {
		return nil
	}
	err := n.model.Close()
	n.model = nil
	return err
}

// pcmToFloat32 scales 16-bit samples to [-1, 1).
func pcmToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
