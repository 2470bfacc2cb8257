package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xvoice/xvoice/internal/observe"
	"github.com/xvoice/xvoice/internal/resilience"
)

// Result is the outcome of a successful transcription.
type Result struct {
	// Text is the cleaned transcript; empty means no speech.
	Text string

	// Backend names the backend that served the request.
	Backend string
}

// Service routes transcription requests through an ordered list of backends.
type Service struct {
	chain   *resilience.Chain[Backend]
	metrics *observe.Metrics
	log     *slog.Logger
}

// ServiceOption configures a [Service].
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	metrics  *observe.Metrics
	log      *slog.Logger
	breakers resilience.CircuitBreakerConfig
}

// WithServiceMetrics sets the metrics recorder.
func WithServiceMetrics(m *observe.Metrics) ServiceOption {
	return func(c *serviceConfig) { c.metrics = m }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(c *serviceConfig) { c.log = l }
}

// WithBreaker sets the circuit breaker template applied to every fallback
// backend. Name is overwritten per backend.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ServiceOption {
	return func(c *serviceConfig) { c.breakers = cfg }
}

// NewService builds a Service. primary may be nil when persistent mode is
// off; it never gets a circuit breaker because the supervisor applies its own
// restart policy. Each fallback is guarded by a breaker.
func NewService(primary Backend, fallbacks []Backend, opts ...ServiceOption) (*Service, error) {
	cfg := serviceConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	chain := resilience.NewChain[Backend](func(err error) bool { return !dropsUtterance(err) }, cfg.log)
	if primary != nil {
		chain.Add(primary.Name(), primary, nil)
	}
	for _, b := range fallbacks {
		if b == nil {
			continue
		}
		bc := cfg.breakers
		bc.Name = b.Name()
		chain.Add(b.Name(), b, resilience.NewCircuitBreaker(bc))
	}
	if len(chain.Names()) == 0 {
		return nil, errors.New("transcribe: no backends configured")
	}
	return &Service{chain: chain, metrics: cfg.metrics, log: cfg.log}, nil
}

// Backends returns the backend names in the order they are tried.
func (s *Service) Backends() []string { return s.chain.Names() }

// Transcribe returns the transcript of the audio file at path.
func (s *Service) Transcribe(ctx context.Context, path string) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "transcribe")
	defer span.End()

	if _, err := os.Stat(path); err != nil {
		return Result{}, observe.Fail(span, fmt.Errorf("transcribe: %w", err))
	}

	text, served, err := resilience.Run(ctx, s.chain, func(ctx context.Context, b Backend) (string, error) {
		// The worker records its own duration, including error kinds.
		if _, ok := b.(Persistent); ok {
			return b.Transcribe(ctx, path)
		}
		start := time.Now()
		text, err := b.Transcribe(ctx, path)
		kind := ""
		if err != nil {
			kind = "backend"
		}
		s.metrics.RecordTranscription(ctx, b.Name(), time.Since(start).Seconds(), kind)
		return text, err
	})
	span.SetAttributes(attribute.String("backend", served))
	if err != nil {
		return Result{Backend: served}, observe.Fail(span, err)
	}
	observe.Logger(ctx).Debug("transcribed", "backend", served, "chars", len(text))
	return Result{Text: text, Backend: served}, nil
}
