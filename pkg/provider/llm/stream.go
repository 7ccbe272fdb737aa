package llm

import (
	"context"
	"maps"
	"slices"
)

// StreamBuffer is the channel capacity adapters use for streamed chunks.
const StreamBuffer = 32

// ToolCallAccumulator assembles tool calls from streamed deltas. Backends send
// a call's ID and name once and its arguments in fragments, keyed by the
// call's position in the reply. The zero value is ready to use.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
}

// Add merges one delta into the call at index.
func (a *ToolCallAccumulator) Add(index int, id, name, arguments string) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}
	tc, ok := a.calls[index]
	if !ok {
		tc = &ToolCall{}
		a.calls[index] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += arguments
}

// Calls returns the assembled calls ordered by index, or nil when none were
// seen.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.calls))
	for _, i := range slices.Sorted(maps.Keys(a.calls)) {
		out = append(out, *a.calls[i])
	}
	return out
}

// Send delivers c on ch unless ctx ends first. It reports whether c was
// delivered.
func Send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
