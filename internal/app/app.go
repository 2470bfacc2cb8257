// Package app wires the dictation pipeline into a running application.
//
// The App struct owns the session lifecycle: New assembles the subsystems,
// Preflight verifies that text can be typed and transcribed, Run drives the
// capture loop (listen, transcribe, format, inject) next to the optional
// status server, and Shutdown tears everything down in order.
//
// Every subsystem is consumed through a small interface so tests can inject
// doubles; cmd/xvoice passes the real segment, transcribe, format, inject and
// worker implementations.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xvoice/xvoice/internal/config"
	"github.com/xvoice/xvoice/internal/format"
	"github.com/xvoice/xvoice/internal/health"
	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/internal/transcribe"
	"github.com/xvoice/xvoice/internal/vocab"
	"github.com/xvoice/xvoice/internal/worker"
	"github.com/xvoice/xvoice/pkg/history"
)

// ErrNoTranscriptionPath is returned by [App.Preflight] when neither the
// persistent worker nor any one-shot backend can serve requests.
var ErrNoTranscriptionPath = errors.New("app: no transcription path available")

// Capture yields one WAV path per accepted utterance. Implemented by
// [segment.Listener]. Threshold is only called from the goroutine ranging
// over Listen.
type Capture interface {
	Listen(ctx context.Context) iter.Seq2[string, error]
	Threshold() float64
	Close() error
}

// Transcriber is implemented by [transcribe.Service].
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (transcribe.Result, error)
	Backends() []string
}

// Formatter is implemented by [format.Formatter]. Format never fails; it
// returns the input when formatting is not possible.
type Formatter interface {
	Format(ctx context.Context, text string, mode format.Mode) string
}

// Vocabulary is implemented by [vocab.Corrector].
type Vocabulary interface {
	Correct(text string) (string, []vocab.Correction)
}

// Injector is implemented by [inject.Injector].
type Injector interface {
	Available(ctx context.Context) error
	Type(ctx context.Context, text string) error
	PressEnter(ctx context.Context) error
}

// Worker is implemented by [worker.Supervisor].
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	State() worker.State
	Check(ctx context.Context) error
}

// shutdownGrace bounds the status server's graceful shutdown.
const shutdownGrace = 5 * time.Second

// defaultFailureBackoff is the pause after a failed transcription before
// capture resumes.
const defaultFailureBackoff = 500 * time.Millisecond

// App owns all subsystem lifetimes and runs the dictation loop.
type App struct {
	cfg         *config.Config
	capture     Capture
	transcriber Transcriber
	injector    Injector

	formatter Formatter
	vocab     Vocabulary
	history   history.Store
	worker    Worker
	metrics   *observe.Metrics
	out       io.Writer
	log       *slog.Logger
	now       func() time.Time

	failureBackoff time.Duration

	session   *session
	capturing atomic.Bool

	// closers are called in order during Shutdown, after the capture source
	// and the worker.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject optional
// subsystems and test doubles.
type Option func(*App)

// WithFormatter enables LLM formatting of transcripts.
func WithFormatter(f Formatter) Option {
	return func(a *App) { a.formatter = f }
}

// WithVocabulary corrects transcripts against a term list before they are
// formatted.
func WithVocabulary(v Vocabulary) Option {
	return func(a *App) { a.vocab = v }
}

// WithHistory records every typed transcript in store.
func WithHistory(store history.Store) Option {
	return func(a *App) { a.history = store }
}

// WithWorker hands the persistent worker to the app so that Preflight warms
// it up, /readyz reports it, and Shutdown stops it.
func WithWorker(w Worker) Option {
	return func(a *App) { a.worker = w }
}

// WithMetrics sets the metric instruments used by the status server.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutput sets where user-facing progress lines are printed. Defaults to
// os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithFailureBackoff sets the pause after a failed transcription before
// capture resumes. Defaults to 500ms; zero disables it.
func WithFailureBackoff(d time.Duration) Option {
	return func(a *App) { a.failureBackoff = d }
}

// WithCloser registers an extra function to run during Shutdown, such as
// releasing an in-process model.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App. capture, transcriber and injector are required.
func New(cfg *config.Config, capture Capture, transcriber Transcriber, injector Injector, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if capture == nil || transcriber == nil || injector == nil {
		return nil, errors.New("app: capture, transcriber and injector are required")
	}
	a := &App{
		cfg:         cfg,
		capture:     capture,
		transcriber: transcriber,
		injector:    injector,
		out:         os.Stdout,
		now:         time.Now,

		failureBackoff: defaultFailureBackoff,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.session = newSession(cfg.Mode, a.now())
	return a, nil
}

// Preflight checks the startup dependencies: the text injector must work,
// and at least one transcription path must be usable. The persistent worker
// is started here so the model is loaded before the first utterance. A
// worker that fails to start is tolerated when a one-shot backend remains.
func (a *App) Preflight(ctx context.Context) error {
	if err := a.injector.Available(ctx); err != nil {
		return fmt.Errorf("app: text injection unavailable: %w", err)
	}

	fallbacks := slices.DeleteFunc(slices.Clone(a.transcriber.Backends()), func(name string) bool {
		return name == transcribe.Persistent{}.Name()
	})
	if a.worker == nil {
		if len(fallbacks) == 0 {
			return ErrNoTranscriptionPath
		}
		return nil
	}

	if err := a.worker.Start(ctx); err != nil {
		if len(fallbacks) == 0 {
			return fmt.Errorf("%w: %w", ErrNoTranscriptionPath, err)
		}
		a.log.Warn("persistent worker unavailable, using one-shot transcription",
			"fallbacks", fallbacks, "err", err)
		fmt.Fprintf(a.out, "Persistent transcription unavailable, falling back to %s\n", strings.Join(fallbacks, ", "))
	}
	return nil
}

// Run captures and processes utterances until ctx is cancelled, the audio
// source ends, or capture fails fatally. When server.listen_addr is set the
// status server runs alongside and is shut down when capture stops.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: status server: %w", err)
		}
		srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		a.log.Info("status server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.listen(gctx)
	})

	return g.Wait()
}

// listen ranges over the capture sequence. It only returns an error for a
// fatal capture failure; per-utterance problems are reported and skipped.
func (a *App) listen(ctx context.Context) error {
	a.capturing.Store(true)
	defer a.capturing.Store(false)

	fmt.Fprintf(a.out, "Listening (%s mode). Press Ctrl+C to stop.\n", a.cfg.Mode)
	for path, err := range a.capture.Listen(ctx) {
		if err != nil {
			return fmt.Errorf("app: capture: %w", err)
		}
		a.session.captured(a.capture.Threshold())
		a.handle(ctx, path)
	}
	return nil
}

// handle processes one utterance file and removes it afterwards.
func (a *App) handle(ctx context.Context, path string) {
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.log.Debug("failed to remove utterance", "path", path, "err", err)
		}
	}()

	fmt.Fprintln(a.out, "Transcribing...")
	start := a.now()
	res, err := a.transcriber.Transcribe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.session.failed()
		a.log.Warn("transcription failed", "path", path, "err", err)
		fmt.Fprintln(a.out, "Transcription failed, utterance dropped")
		sleepCtx(ctx, a.failureBackoff)
		return
	}

	text := strings.TrimSpace(res.Text)
	at := a.now()
	a.session.transcribed(res.Backend, text == "", at)
	if text == "" {
		fmt.Fprintln(a.out, "No speech detected")
		return
	}
	raw := text

	if a.vocab != nil {
		var fixes []vocab.Correction
		text, fixes = a.vocab.Correct(text)
		for _, f := range fixes {
			a.log.Debug("vocabulary correction", "original", f.Original, "corrected", f.Corrected, "method", f.Method, "confidence", f.Confidence)
		}
	}

	mode := a.cfg.Mode
	if a.formatter != nil {
		text = a.formatter.Format(ctx, text, mode)
	}
	fmt.Fprintf(a.out, "Transcribed: %s\n", text)
	a.record(ctx, history.Entry{
		Mode:      string(mode),
		Backend:   res.Backend,
		Text:      text,
		RawText:   raw,
		Timestamp: at,
		Latency:   at.Sub(start),
	})

	if err := a.injector.Type(ctx, text); err != nil {
		a.log.Warn("failed to type text", "err", err)
		fmt.Fprintln(a.out, "Failed to type text")
		return
	}
	if mode == format.ModeCommand && a.cfg.Injector.ExecuteCommands {
		if err := a.injector.PressEnter(ctx); err != nil {
			a.log.Warn("failed to execute command", "err", err)
		}
	}
}

// record writes e to the history, if any. A failed write is logged and does
// not affect dictation.
func (a *App) record(ctx context.Context, e history.Entry) {
	if a.history == nil {
		return
	}
	e.SessionID = a.session.snapshot().ID
	if err := a.history.Write(ctx, e); err != nil {
		a.log.Warn("failed to record transcript", "err", err)
	}
}

// Snapshot returns the current session state. Safe for concurrent use.
func (a *App) Snapshot() SessionInfo {
	info := a.session.snapshot()
	if a.worker != nil {
		info.Worker = a.worker.State().String()
	}
	return info
}

// Handler returns the status server's HTTP handler: health endpoints,
// /status, and Prometheus /metrics, wrapped in the observe middleware.
func (a *App) Handler() http.Handler {
	checkers := []health.Checker{{
		Name: "capture",
		Check: func(context.Context) error {
			if !a.capturing.Load() {
				return errors.New("not capturing")
			}
			return nil
		},
	}}
	if a.worker != nil {
		checkers = append(checkers, health.Checker{Name: "worker", Check: a.worker.Check})
	}

	mux := http.NewServeMux()
	health.New(func() any { return a.Snapshot() }, checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Shutdown releases the capture source (and any unconsumed utterance
// files), stops the worker process, then runs the registered closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		closers := []func() error{a.capture.Close}
		if a.worker != nil {
			closers = append(closers, a.worker.Stop)
		}
		closers = append(closers, a.closers...)
		a.log.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
