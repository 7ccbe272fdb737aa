package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Group] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// Member is one named backend in a [Group].
type Member[T any] struct {
	Name  string
	Value T
}

type entry[T any] struct {
	Member[T]
	breaker *CircuitBreaker
}

// Group wraps a primary and zero or more fallback instances of the same
// backend type. Entries are tried in order; an entry whose breaker is open is
// skipped.
type Group[T any] struct {
	entries []entry[T]
}

// NewGroup creates a [Group] with primary first, then fallbacks in order.
// Every entry gets its own breaker built from cfg; cfg.Name is replaced by
// the member name.
func NewGroup[T any](cfg CircuitBreakerConfig, primary Member[T], fallbacks ...Member[T]) *Group[T] {
	g := &Group[T]{}
	for _, m := range append([]Member[T]{primary}, fallbacks...) {
		c := cfg
		c.Name = m.Name
		g.entries = append(g.entries, entry[T]{Member: m, breaker: NewCircuitBreaker(c)})
	}
	return g
}

// Primary returns the first member.
func (g *Group[T]) Primary() Member[T] { return g.entries[0].Member }

// States reports each member's breaker state, keyed by member name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.entries))
	for _, e := range g.entries {
		out[e.Name] = e.breaker.State()
	}
	return out
}

// Do calls fn against each healthy entry in order until one succeeds. Once
// ctx is done no further entry is tried and the last error is returned as is.
// When every entry fails the result wraps [ErrAllFailed] and the last error.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var zero R
	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		report, err := e.breaker.Allow()
		if err != nil {
			slog.Debug("skipping backend (circuit open)", "backend", e.Name)
			lastErr = err
			continue
		}
		res, err := fn(e.Value)
		report(err)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		slog.Warn("backend failed, trying next", "backend", e.Name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
