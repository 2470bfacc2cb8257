package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Chain] failed or was
// skipped.
var ErrAllFailed = errors.New("resilience: all backends failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain tries an ordered list of backends. Whether an error moves on to the
// next entry or is returned to the caller is decided by the chain's
// fall-through predicate, so per-request failures can be surfaced without
// burning the fallbacks.
type Chain[T any] struct {
	entries     []entry[T]
	fallThrough func(error) bool
	log         *slog.Logger
}

// NewChain returns an empty chain. A nil fallThrough moves on after any error.
func NewChain[T any](fallThrough func(error) bool, log *slog.Logger) *Chain[T] {
	if fallThrough == nil {
		fallThrough = func(error) bool { return true }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Chain[T]{fallThrough: fallThrough, log: log}
}

// Add appends a backend. A nil breaker means the entry is always tried.
func (c *Chain[T]) Add(name string, value T, breaker *CircuitBreaker) *Chain[T] {
	c.entries = append(c.entries, entry[T]{name: name, value: value, breaker: breaker})
	return c
}

// Names returns the entry names in order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Run calls fn on each entry in order and returns the first result together
// with the serving entry's name. An error the fall-through predicate rejects
// is returned immediately. Skipped entries (open breaker) always fall
// through. This is a function rather than a method because methods cannot
// declare type parameters.
func Run[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, e := range c.entries {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		var res R
		call := func() error {
			var err error
			res, err = fn(ctx, e.value)
			return err
		}
		var err error
		if e.breaker != nil {
			err = e.breaker.Execute(call)
		} else {
			err = call()
		}
		if err == nil {
			return res, e.name, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			c.log.Debug("skipping backend, circuit open", "backend", e.name)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		if !c.fallThrough(err) {
			return zero, e.name, err
		}
		c.log.Warn("backend failed, trying next", "backend", e.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
