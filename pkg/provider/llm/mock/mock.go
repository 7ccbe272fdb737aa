// Package mock provides a test double for the llm.Provider interface.
//
// Responses can be configured three ways, checked in this order:
//
//   - CompleteFunc / StreamFunc compute a reply from the request.
//   - CompleteResponses / StreamResponses are consumed one per call; the last
//     entry repeats once the queue is exhausted.
//   - CompleteResponse / StreamChunks are returned for every call.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponses: []*llm.CompletionResponse{
//	        {ToolCalls: []llm.ToolCall{{ID: "1", Name: "web_search", Arguments: `{"query":"Acme"}`}}},
//	        {Content: `{"characters":[]}`},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Zero values return zero
// responses and nil errors.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, if set, computes the reply for each Complete call.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteResponses is consumed one entry per Complete call.
	CompleteResponses []*llm.CompletionResponse

	// CompleteResponse is returned by Complete when no queue or func is set.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// StreamFunc, if set, computes the chunks for each StreamCompletion call.
	StreamFunc func(ctx context.Context, req llm.CompletionRequest) ([]llm.Chunk, error)

	// StreamResponses is consumed one entry per StreamCompletion call.
	StreamResponses [][]llm.Chunk

	// StreamChunks is emitted by StreamCompletion when no queue or func is set.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a channel.
	StreamErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and returns a channel of the configured chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	n := len(p.StreamCalls)
	fn := p.StreamFunc
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	switch {
	case fn != nil:
	case len(p.StreamResponses) > 0:
		chunks = append(chunks, p.StreamResponses[min(n, len(p.StreamResponses))-1]...)
	default:
		chunks = append(chunks, p.StreamChunks...)
	}
	p.mu.Unlock()

	if fn != nil {
		var err error
		chunks, err = fn(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	n := len(p.CompleteCalls)
	fn := p.CompleteFunc
	var resp *llm.CompletionResponse
	switch {
	case fn != nil:
	case len(p.CompleteResponses) > 0:
		resp = p.CompleteResponses[min(n, len(p.CompleteResponses))-1]
	default:
		resp = p.CompleteResponse
	}
	err := p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Completes returns a snapshot of the recorded Complete calls.
func (p *Provider) Completes() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}

// Streams returns a snapshot of the recorded StreamCompletion calls.
func (p *Provider) Streams() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.StreamCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
