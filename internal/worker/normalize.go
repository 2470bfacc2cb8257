package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/internal/scratch"
	"github.com/xvoice/xvoice/pkg/audio"
)

// Converter rewrites src as a 16 kHz mono 16-bit PCM WAV file at dst.
type Converter interface {
	Name() string
	Convert(ctx context.Context, src, dst string) error
}

// FFmpeg converts with the ffmpeg binary.
type FFmpeg struct {
	// Binary is the executable name or path. Default "ffmpeg".
	Binary string
}

// Name implements [Converter].
func (FFmpeg) Name() string { return "ffmpeg" }

// Convert implements [Converter].
func (f FFmpeg) Convert(ctx context.Context, src, dst string) error {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-y", "-loglevel", "error",
		"-i", src,
		"-ac", "1",
		"-ar", strconv.Itoa(audio.DefaultSampleRate),
		"-c:a", "pcm_s16le",
		dst,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrConversion, err, out)
	}
	return nil
}

// InProcess converts 16-bit PCM WAV files without external tools by
// down-mixing and linearly resampling.
type InProcess struct{}

// Name implements [Converter].
func (InProcess) Name() string { return "inprocess" }

// Convert implements [Converter].
func (InProcess) Convert(_ context.Context, src, dst string) error {
	samples, from, err := audio.ReadWAV(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConversion, err)
	}
	out := audio.Convert(samples, from, audio.Mono16k)
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConversion, err)
	}
	if err := audio.EncodeWAV(f, out, audio.Mono16k); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %w", ErrConversion, err)
	}
	return f.Close()
}

// Normalized describes the file chosen for dispatch.
type Normalized struct {
	Path string

	// Converter names what produced Path: "none" when the source already
	// matched, "passthrough" when every converter failed, else the
	// converter's Name.
	Converter string

	// Temp reports that Path is a scratch file the caller must remove.
	Temp bool
}

// Normalizer tries each converter in order and falls back to the unmodified
// source.
type Normalizer struct {
	dir        *scratch.Dir
	converters []Converter
	metrics    *observe.Metrics
	log        *slog.Logger
}

// NewNormalizer returns a Normalizer writing converted files into dir.
func NewNormalizer(dir *scratch.Dir, metrics *observe.Metrics, log *slog.Logger, converters ...Converter) *Normalizer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{dir: dir, converters: converters, metrics: metrics, log: log}
}

// Normalize returns a path in the worker's required format. It never fails:
// conversion errors are logged and the next converter is tried.
func (n *Normalizer) Normalize(ctx context.Context, src string) Normalized {
	res := n.normalize(ctx, src)
	n.metrics.RecordNormalization(ctx, res.Converter)
	return res
}

func (n *Normalizer) normalize(ctx context.Context, src string) Normalized {
	if format, depth, err := audio.Inspect(src); err == nil && format == audio.Mono16k && depth == audio.BitsPerSample {
		return Normalized{Path: src, Converter: "none"}
	}
	var errs []error
	for _, c := range n.converters {
		dst := n.dir.File("norm", ".wav")
		if err := c.Convert(ctx, src, dst); err != nil {
			_ = os.Remove(dst)
			errs = append(errs, err)
			continue
		}
		if len(errs) > 0 {
			n.log.Debug("audio conversion fell back", "converter", c.Name(), "err", errors.Join(errs...))
		}
		return Normalized{Path: dst, Converter: c.Name(), Temp: true}
	}
	n.log.Warn("audio conversion failed, sending original file", "path", src, "err", errors.Join(errs...))
	return Normalized{Path: src, Converter: "passthrough"}
}
