package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/xvoice/xvoice/internal/format"
	"github.com/xvoice/xvoice/internal/transcribe"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// BackendFactory builds a one-shot transcription backend from the
// configuration. modelPath is the resolved ggml model file, empty when none
// was found.
type BackendFactory func(cfg *Config, modelPath string) (transcribe.Backend, error)

// FormatterFactory builds the LLM completer used by the formatter.
type FormatterFactory func(cfg FormatterConfig) (format.Completer, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	backends   map[string]BackendFactory
	formatters map[string]FormatterFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends:   make(map[string]BackendFactory),
		formatters: make(map[string]FormatterFactory),
	}
}

// RegisterBackend registers a transcription backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterFormatter registers an LLM provider factory under name.
func (r *Registry) RegisterFormatter(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[name] = factory
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateBackend instantiates the backend registered under name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateBackend(name string, cfg *Config, modelPath string) (transcribe.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg, modelPath)
}

// CreateFormatter instantiates the completer registered under cfg.Provider.
func (r *Registry) CreateFormatter(cfg FormatterConfig) (format.Completer, error) {
	r.mu.RLock()
	factory, ok := r.formatters[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: formatter/%q", ErrBackendNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
