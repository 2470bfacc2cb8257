// Package worker supervises a long-lived whisper.cpp server process so that
// the model is loaded once per session instead of once per utterance.
//
// A [Supervisor] launches the server, waits out a start-up grace period,
// polls its health endpoint, and serialises transcription requests to it. A
// worker found dead is restarted exactly once; if that fails the supervisor
// disables itself for the rest of the session and every call returns
// [ErrUnavailable], which callers treat as the signal to use a one-shot
// backend instead.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/internal/scratch"
)

var (
	// ErrUnavailable means persistent mode is disabled or stopped. Callers
	// should fall back to a one-shot backend.
	ErrUnavailable = errors.New("worker: transcription service unavailable")

	// ErrStartFailed means the worker process could not be brought up.
	ErrStartFailed = errors.New("worker: start failed")

	// ErrNetwork wraps transport failures and timeouts of a single request.
	// The worker is left running.
	ErrNetwork = errors.New("worker: network error")

	// ErrBadResponse means the worker answered with a non-success status or
	// a body that could not be parsed.
	ErrBadResponse = errors.New("worker: bad response")

	// ErrConversion wraps audio normalisation failures.
	ErrConversion = errors.New("worker: audio conversion failed")
)

// State is the lifecycle state of the worker process.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Crashed
	// Disabled means start or restart failed; no further attempts are made.
	Disabled
	// Stopped means Stop has been called.
	Stopped
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	case Disabled:
		return "disabled"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config describes the worker process and the supervision timings.
type Config struct {
	// Binary is the whisper.cpp server executable.
	Binary string

	// ModelPath is the ggml model file passed with -m.
	ModelPath string

	Host string
	Port int

	// Threads is passed with -t when positive.
	Threads int

	// Language is passed to the server and sent with every request.
	Language string

	// Temperature is sent with every request.
	Temperature float64

	// ExtraArgs are appended to the server command line.
	ExtraArgs []string

	// StartGrace is waited after launch before the first health probe. A
	// process that exits during the grace period has failed to start.
	StartGrace time.Duration

	HealthPath    string
	HealthRetries int
	HealthBackoff time.Duration

	InferencePath  string
	RequestTimeout time.Duration

	// StopTimeout bounds the wait after SIGTERM before the process is killed.
	StopTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8178
	}
	if c.StartGrace <= 0 {
		c.StartGrace = 2 * time.Second
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.HealthRetries <= 0 {
		c.HealthRetries = 10
	}
	if c.HealthBackoff <= 0 {
		c.HealthBackoff = 500 * time.Millisecond
	}
	if c.InferencePath == "" {
		c.InferencePath = "/inference"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
}

// args returns the server command line.
func (c *Config) args() []string {
	args := []string{
		"-m", c.ModelPath,
		"--host", c.Host,
		"--port", strconv.Itoa(c.Port),
	}
	if c.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(c.Threads))
	}
	if c.Language != "" {
		args = append(args, "-l", c.Language)
	}
	return append(args, c.ExtraArgs...)
}

// Supervisor owns one worker process. All methods are safe for concurrent
// use; requests are serialised because the server handles one at a time.
type Supervisor struct {
	cfg      Config
	baseURL  string
	launcher Launcher
	client   *http.Client
	dir      *scratch.Dir
	norm     *Normalizer
	metrics  *observe.Metrics
	log      *slog.Logger

	scratchParent string
	converters    []Converter

	// mu serialises Start, Transcribe and Stop, and is held for a whole
	// request. smu guards state and proc; writers hold both, so status
	// reads take only smu and never wait behind a request.
	mu    sync.Mutex
	smu   sync.Mutex
	state State
	proc  Process
}

// Option is a functional option for [New].
type Option func(*Supervisor)

// WithLauncher replaces the subprocess launcher. Defaults to [ExecLauncher].
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithHTTPClient replaces the client used for health probes and requests.
// Per-request timeouts are applied through contexts.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.client = c }
}

// WithConverters sets the normalisation chain. Defaults to ffmpeg followed
// by the in-process converter.
func WithConverters(cs ...Converter) Option {
	return func(s *Supervisor) { s.converters = cs }
}

// WithScratchParent sets where the scratch directory is created.
func WithScratchParent(dir string) Option {
	return func(s *Supervisor) { s.scratchParent = dir }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// New returns a supervisor in the [NotStarted] state. The process is launched
// lazily by the first [Supervisor.Transcribe] or explicitly by
// [Supervisor.Start].
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.Binary == "" {
		return nil, errors.New("worker: binary must not be empty")
	}
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:        cfg,
		baseURL:    "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		launcher:   ExecLauncher{},
		client:     &http.Client{},
		converters: []Converter{FFmpeg{}, InProcess{}},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "worker")

	dir, err := scratch.New(s.scratchParent, "xvoice-worker-")
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	s.dir = dir
	s.norm = NewNormalizer(dir, s.metrics, s.log, s.converters...)
	return s, nil
}

// BaseURL returns the server's base URL, e.g. "http://127.0.0.1:8178".
func (s *Supervisor) BaseURL() string { return s.baseURL }

// State returns the current lifecycle state. A running worker whose process
// has exited is reported as [Crashed].
func (s *Supervisor) State() State {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.state == Running && !alive(s.proc) {
		return Crashed
	}
	return s.state
}

// Pid returns the worker's process ID, or 0 when no process is held.
func (s *Supervisor) Pid() int {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Check reports nil while persistent mode is usable: the worker is running,
// or has not been started yet. Suitable as a readiness checker.
func (s *Supervisor) Check(_ context.Context) error {
	switch st := s.State(); st {
	case Running, NotStarted, Starting:
		return nil
	default:
		return fmt.Errorf("worker %s", st)
	}
}

// Start launches the worker if it is not already running. A failed start
// disables persistent mode for the rest of the session.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Running:
		if alive(s.proc) {
			return nil
		}
	case Disabled, Stopped:
		return fmt.Errorf("%w: %s", ErrUnavailable, s.state)
	}
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	s.setState(Starting)
	s.log.Info("starting worker", "binary", s.cfg.Binary, "model", s.cfg.ModelPath, "addr", s.baseURL)

	proc, err := s.launcher.Launch(ctx, s.cfg.Binary, s.cfg.args()...)
	if err != nil {
		return s.disable(err)
	}
	s.smu.Lock()
	s.proc = proc
	s.smu.Unlock()

	grace := time.NewTimer(s.cfg.StartGrace)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return s.disable(errors.New("process exited during start-up grace period"))
	case <-ctx.Done():
		s.abortStart()
		return ctx.Err()
	case <-grace.C:
	}

	for attempt := 1; attempt <= s.cfg.HealthRetries; attempt++ {
		if !alive(proc) {
			return s.disable(errors.New("process exited during health check"))
		}
		err := s.probe(ctx)
		if err == nil {
			s.setState(Running)
			s.metrics.RecordWorkerStart(ctx, "healthy")
			s.log.Info("worker ready", "pid", proc.Pid(), "attempts", attempt)
			return nil
		}
		s.log.Debug("worker health probe failed", "attempt", attempt, "err", err)
		if attempt == s.cfg.HealthRetries {
			break
		}
		wait := time.NewTimer(s.cfg.HealthBackoff)
		select {
		case <-proc.Done():
		case <-ctx.Done():
			wait.Stop()
			s.abortStart()
			return ctx.Err()
		case <-wait.C:
		}
		wait.Stop()
	}

	if !alive(proc) {
		return s.disable(errors.New("process exited during health check"))
	}
	s.setState(Running)
	s.metrics.RecordWorkerStart(ctx, "optimistic")
	s.log.Warn("worker health endpoint unreachable, assuming ready", "pid", proc.Pid(), "retries", s.cfg.HealthRetries)
	return nil
}

// setState must be called with mu held.
func (s *Supervisor) setState(st State) {
	s.smu.Lock()
	s.state = st
	s.smu.Unlock()
}

// disable marks persistent mode unusable for the session and reaps any
// process left behind.
func (s *Supervisor) disable(cause error) error {
	s.setState(Disabled)
	s.terminateLocked()
	s.metrics.RecordWorkerStart(context.Background(), "failed")
	s.log.Error("worker failed to start, persistent mode disabled", "err", cause)
	return fmt.Errorf("%w: %w", ErrStartFailed, cause)
}

// abortStart handles cancellation mid-start. The worker is left restartable.
func (s *Supervisor) abortStart() {
	s.terminateLocked()
	s.setState(Crashed)
}

func (s *Supervisor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthBackoff+time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+s.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Transcribe sends the audio file at path to the worker and returns the
// cleaned transcript. An empty string with a nil error means no speech was
// recognised. A dead worker is restarted once; if that fails the error wraps
// [ErrUnavailable] and all later calls fail the same way.
func (s *Supervisor) Transcribe(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "worker.transcribe")
	defer span.End()

	switch s.state {
	case Disabled, Stopped:
		return "", fmt.Errorf("%w: %s", ErrUnavailable, s.state)
	case NotStarted, Crashed:
		if err := s.startLocked(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	case Running:
		if !alive(s.proc) {
			s.setState(Crashed)
			s.metrics.WorkerRestarts.Add(ctx, 1)
			s.log.Warn("worker process died, restarting", "pid", s.proc.Pid())
			if err := s.startLocked(ctx); err != nil {
				return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
		}
	}

	n := s.norm.Normalize(ctx, path)
	if n.Temp {
		defer os.Remove(n.Path)
	}
	span.SetAttributes(attribute.String("converter", n.Converter))

	text, err := s.dispatch(ctx, n.Path)
	if err != nil {
		return "", observe.Fail(span, err)
	}
	return text, nil
}

// Stop terminates the worker, escalating to a kill after the configured
// timeout, and removes the scratch directory. It waits for an in-flight
// request to finish. Calling Stop more than once is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return nil
	}
	s.setState(Stopped)
	s.terminateLocked()
	return s.dir.Remove()
}

// terminateLocked sends SIGTERM, waits up to StopTimeout, then kills.
func (s *Supervisor) terminateLocked() {
	p := s.proc
	if !alive(p) {
		return
	}
	if err := p.Terminate(); err != nil {
		s.log.Debug("terminate worker", "pid", p.Pid(), "err", err)
	}
	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-p.Done():
		return
	case <-t.C:
	}
	s.log.Warn("worker ignored SIGTERM, killing", "pid", p.Pid())
	if err := p.Kill(); err != nil {
		s.log.Error("kill worker", "pid", p.Pid(), "err", err)
		return
	}
	t.Reset(s.cfg.StopTimeout)
	select {
	case <-p.Done():
	case <-t.C:
		s.log.Error("worker did not exit after kill", "pid", p.Pid())
	}
}
