package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/internal/scratch"
	"github.com/xvoice/xvoice/pkg/audio"
)

// ErrListenerUsed is yielded when [Listener.Listen] is ranged over a second
// time. A listener's sequence cannot be restarted.
var ErrListenerUsed = errors.New("segment: listener already started")

// ListenerConfig holds the timing policy of a [Listener].
type ListenerConfig struct {
	Segmenter  SegmenterConfig
	Calibrator CalibratorConfig
	Filter     Filter

	// CalibrationWindow is the ambient sampling window. Default 2s.
	CalibrationWindow time.Duration

	// IdleRecalibrateAfter is how long the listener must go without an
	// accepted utterance or a false trigger before idle recalibration may
	// fire. Default 60s.
	IdleRecalibrateAfter time.Duration

	// IdleRecalibrateChance is the per-frame probability of recalibrating
	// once idle. Default 0.001.
	IdleRecalibrateChance float64

	// WriteBackoff is slept after a failed WAV write. Default 100ms.
	WriteBackoff time.Duration
}

// Listener drives the calibrate, segment, filter cycle from a single
// goroutine and yields one WAV path per accepted utterance.
type Listener struct {
	src     audio.Source
	cfg     ListenerConfig
	cal     *Calibrator
	seg     *Segmenter
	scratch *scratch.Dir
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time
	chance  func() float64

	// Written and read only by the goroutine ranging over Listen.
	profile       Profile
	threshold     float64
	falseTriggers int
	lastActivity  time.Time

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ListenerOption is a functional option for [NewListener].
type ListenerOption func(*Listener)

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) ListenerOption {
	return func(l *Listener) { l.log = log }
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) ListenerOption {
	return func(l *Listener) { l.now = now }
}

// WithChance overrides the random source for idle recalibration. fn must
// return values in [0, 1).
func WithChance(fn func() float64) ListenerOption {
	return func(l *Listener) { l.chance = fn }
}

// NewListener builds a listener reading from src and writing utterances into
// dir. The listener takes ownership of src and dir; [Listener.Close] releases
// both.
func NewListener(src audio.Source, dir *scratch.Dir, cfg ListenerConfig, opts ...ListenerOption) *Listener {
	if cfg.CalibrationWindow <= 0 {
		cfg.CalibrationWindow = 2 * time.Second
	}
	if cfg.IdleRecalibrateAfter <= 0 {
		cfg.IdleRecalibrateAfter = time.Minute
	}
	if cfg.IdleRecalibrateChance <= 0 {
		cfg.IdleRecalibrateChance = 0.001
	}
	if cfg.WriteBackoff <= 0 {
		cfg.WriteBackoff = 100 * time.Millisecond
	}
	if cfg.Filter == (Filter{}) {
		cfg.Filter = DefaultFilter()
	}
	l := &Listener{
		src:     src,
		cfg:     cfg,
		scratch: dir,
		now:     time.Now,
		chance:  rand.Float64,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.cal = NewCalibrator(cfg.Calibrator, l.now)
	l.seg = NewSegmenter(cfg.Segmenter)
	return l
}

// Profile returns the most recent calibration profile.
func (l *Listener) Profile() Profile { return l.profile }

// Threshold returns the threshold currently in effect, including escalation.
func (l *Listener) Threshold() float64 { return l.threshold }

// FalseTriggers returns the number of consecutive rejected utterances.
func (l *Listener) FalseTriggers() int { return l.falseTriggers }

// Listen opens the source, calibrates, and returns the lazy, unbounded
// sequence of utterance WAV paths. The sequence ends when ctx is cancelled
// (checked at each frame boundary), when the source reaches EOF, or after
// yielding a fatal device error. The consumer owns each yielded file.
func (l *Listener) Listen(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !l.started.CompareAndSwap(false, true) {
			yield("", ErrListenerUsed)
			return
		}
		if err := l.src.Open(); err != nil {
			yield("", fmt.Errorf("segment: open source: %w", err))
			return
		}
		l.calibrate(ctx, "startup")

		for ctx.Err() == nil {
			f, err := l.src.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("segment: capture: %w", err))
				return
			}

			u, done := l.seg.Push(f, l.threshold)
			if !done {
				if l.seg.State() == WaitingForSpeech && l.idleDue() {
					l.calibrate(ctx, "idle")
				}
				continue
			}
			if u.Truncated {
				l.log.Debug("utterance reached duration cap", "duration", u.Duration)
			}

			if reason := l.cfg.Filter.Reason(u, l.threshold); reason != "" {
				l.rejected(ctx, u, reason)
				continue
			}
			l.accepted()

			path, err := l.scratch.WriteUtterance(u.Frames)
			if err != nil {
				l.log.Warn("failed to persist utterance", "err", err)
				l.metrics.RecordUtterance(ctx, "write_failed", 0)
				if !sleepCtx(ctx, l.cfg.WriteBackoff) {
					return
				}
				continue
			}
			l.metrics.RecordUtterance(ctx, "accepted", u.Duration.Seconds())
			l.log.Debug("utterance captured",
				"path", path,
				"duration", u.Duration,
				"voiced", u.VoicedDuration,
				"avg_amplitude", u.AvgAmplitude,
				"truncated", u.Truncated,
			)
			if !yield(path, nil) {
				return
			}
		}
	}
}

// Close releases the audio source and the scratch directory, including any
// utterance files not yet consumed. Safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = errors.Join(l.src.Close(), l.scratch.Remove())
	})
	return l.closeErr
}

func (l *Listener) calibrate(ctx context.Context, reason string) {
	frames := audio.FramesFor(l.cfg.CalibrationWindow, l.cfg.Segmenter.SampleRate, l.cfg.Segmenter.FrameSize)
	p, err := l.cal.Calibrate(l.src, frames)
	if err != nil {
		l.log.Warn("calibration incomplete", "reason", reason, "samples", p.Samples, "err", err)
	}
	l.profile = p
	l.threshold = p.Threshold
	l.falseTriggers = 0
	l.lastActivity = l.now()
	l.seg.Reset()
	l.seg.Skip(p.Samples * l.cfg.Segmenter.FrameSize)
	l.metrics.RecordCalibration(ctx, reason, p.Degraded, p.Threshold)
	l.log.Info("calibrated silence threshold",
		"reason", reason,
		"threshold", p.Threshold,
		"noisy", p.Noisy,
		"degraded", p.Degraded,
		"p90", p.P90,
		"p95", p.P95,
	)
}

// rejected handles a false trigger. The rejection also restarts the idle
// clock, so escalation always takes precedence over idle recalibration.
func (l *Listener) rejected(ctx context.Context, u Utterance, reason string) {
	l.falseTriggers++
	l.threshold = Escalate(l.profile.Threshold, l.falseTriggers)
	l.lastActivity = l.now()
	l.metrics.RecordFalseTrigger(ctx, l.threshold)
	l.log.Debug("discarded false trigger",
		"reason", reason,
		"count", l.falseTriggers,
		"threshold", l.threshold,
		"duration", u.Duration,
	)
}

// accepted clears escalation. The threshold returns to the calibrated base
// so the next false trigger escalates from there.
func (l *Listener) accepted() {
	l.falseTriggers = 0
	l.threshold = l.profile.Threshold
	l.lastActivity = l.now()
}

func (l *Listener) idleDue() bool {
	if l.now().Sub(l.lastActivity) <= l.cfg.IdleRecalibrateAfter {
		return false
	}
	return l.chance() < l.cfg.IdleRecalibrateChance
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
