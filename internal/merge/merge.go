// Package merge combines per-chunk context pools into one pool for the whole
// transcript.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/pool"
	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// Defaults applied by [New].
const (
	DefaultTemperature = 0.1
	DefaultTimeout     = 90 * time.Second
)

const mergeTemplate = `You are a data merging expert. Merge the following JSON context objects into a single JSON object.

Requirements:
1. Merge characters that refer to the same person, keeping the most complete description.
2. Deduplicate terminology, combining the different explanations of the same term.
3. Merge the corrections, removing duplicates.
4. Output plain JSON only, using the same fields as the input objects.

JSON array to merge:
%s

Output the merged JSON object:`

// Merger merges pools with a model and falls back to concatenation.
type Merger struct {
	llm         llm.Provider
	temperature float64
	timeout     time.Duration
	metrics     *observe.Metrics
}

// Option configures a Merger.
type Option func(*Merger)

// WithTemperature sets the sampling temperature of the merge request.
func WithTemperature(t float64) Option {
	return func(m *Merger) { m.temperature = t }
}

// WithTimeout bounds the merge request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Merger) { m.timeout = d }
}

// WithMetrics records parse fallbacks on m.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Merger) { m.metrics = mt }
}

// New creates a Merger backed by p.
func New(p llm.Provider, opts ...Option) *Merger {
	m := &Merger{llm: p, temperature: DefaultTemperature, timeout: DefaultTimeout}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Merge returns one pool for pools.
//
// No pools yield [pool.Empty] and a single pool is returned unchanged; neither
// calls the backend. Two or more pools are merged by the model. When its
// output cannot be parsed, or the request fails for any reason other than
// cancellation of ctx, the result is [pool.Concat] of the inputs.
func (m *Merger) Merge(ctx context.Context, pools []pool.Pool) (pool.Pool, error) {
	switch len(pools) {
	case 0:
		return pool.Empty(), nil
	case 1:
		return pools[0].Normalize(), nil
	}

	ctx, span := observe.StartSpan(ctx, "merge.merge")
	defer span.End()
	log := observe.Logger(ctx).With("pools", len(pools))

	text, err := m.complete(ctx, pools)
	if err != nil {
		if ctx.Err() != nil {
			return pool.Empty(), fmt.Errorf("merge: %w", ctx.Err())
		}
		log.Warn("merge: request failed, concatenating pools", "err", err)
		m.recordFallback(ctx)
		return pool.Concat(pools...), nil
	}

	merged, err := pool.Parse(text)
	if err != nil {
		log.Warn("merge: unparsable output, concatenating pools", "err", err)
		m.recordFallback(ctx)
		return pool.Concat(pools...), nil
	}
	return merged, nil
}

func (m *Merger) complete(ctx context.Context, pools []pool.Pool) (string, error) {
	normalized := make([]pool.Pool, len(pools))
	for i, p := range pools {
		normalized[i] = p.Normalize()
	}
	payload, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return "", fmt.Errorf("merge: encode pools: %w", err)
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	resp, err := m.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(mergeTemplate, payload)}},
		Temperature: m.temperature,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

func (m *Merger) recordFallback(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.RecordParseFallback(ctx, "merge")
	}
}
