// Package toolloop runs a bounded tool-calling conversation with a model.
//
// Each iteration sends the conversation to the backend once. When the reply
// requests tools, every call is executed in order, the results are appended
// as tool messages and the loop requests again; a reply without tool calls
// finishes the loop. When the iteration budget runs out the loop stops with
// the best text it has seen instead of failing.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/tools"
	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// DefaultMaxIterations bounds a loop when the request sets no budget.
const DefaultMaxIterations = 3

// State is the loop's position in its request/execute cycle.
type State int

const (
	StateRequesting State = iota
	StateToolCallsPending
	StateFinished
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateToolCallsPending:
		return "tool-calls-pending"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Hooks are notified synchronously around each executed tool call. Calls to
// unregistered tools fire no hooks.
type Hooks struct {
	OnInvoke   func(call llm.ToolCall)
	OnComplete func(call llm.ToolCall, output string)
}

// Invocation records one executed tool call.
type Invocation struct {
	Call    llm.ToolCall
	Output  string
	IsError bool
}

// Request describes one loop run.
type Request struct {
	SystemPrompt string

	// Messages is prior conversation, sent before UserContent.
	Messages []llm.Message

	// UserContent, when non-empty, is appended as the final user message.
	UserContent string

	// MaxIterations bounds the number of backend requests. Zero or less uses
	// DefaultMaxIterations.
	MaxIterations int

	Temperature float64
	MaxTokens   int

	Hooks Hooks
}

// Result is the outcome of a loop run.
type Result struct {
	// Text is the final reply, or the last non-empty assistant text when the
	// budget was exhausted.
	Text string

	// Iterations is the number of backend requests made.
	Iterations int

	// Exhausted reports that the budget ran out while tools were still requested.
	Exhausted bool

	// Invocations lists executed tool calls in order.
	Invocations []Invocation

	// Messages is the full conversation, excluding the system prompt.
	Messages []llm.Message
}

// Loop runs tool-calling conversations against one backend and registry.
// A Loop is safe for concurrent use; each Run owns its conversation.
type Loop struct {
	llm         llm.Provider
	tools       tools.Registry
	callTimeout time.Duration
}

// Option configures a Loop.
type Option func(*Loop)

// WithCallTimeout bounds each backend request. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Loop) { l.callTimeout = d }
}

// New creates a Loop. reg may be nil, in which case no tools are offered.
func New(p llm.Provider, reg tools.Registry, opts ...Option) *Loop {
	l := &Loop{llm: p, tools: reg}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run drives the conversation until the model stops calling tools or the
// budget is exhausted. Backend errors, including per-call timeouts, abort the
// run and are returned.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	var defs []llm.ToolDefinition
	known := map[string]bool{}
	if l.tools != nil {
		defs = l.tools.Definitions()
		for _, d := range defs {
			known[d.Name] = true
		}
	}

	msgs := append([]llm.Message(nil), req.Messages...)
	if req.UserContent != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.UserContent})
	}

	log := observe.Logger(ctx)
	res := &Result{}
	var lastText string
	state := StateRequesting

	for state != StateFinished {
		if res.Iterations >= maxIter {
			log.Info("toolloop: iteration budget exhausted",
				"iterations", res.Iterations, "tool_calls", len(res.Invocations))
			res.Exhausted = true
			res.Text = lastText
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("toolloop: %w", err)
		}

		res.Iterations++
		resp, err := l.complete(ctx, llm.CompletionRequest{
			SystemPrompt: req.SystemPrompt,
			Messages:     msgs,
			Tools:        defs,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("toolloop: iteration %d: %w", res.Iterations, err)
		}
		if resp.Content != "" {
			lastText = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			res.Text = resp.Content
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			state = StateFinished
			continue
		}

		state = StateToolCallsPending
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		log.Debug("toolloop: executing tool calls", "iteration", res.Iterations, "count", len(resp.ToolCalls))

		for _, call := range resp.ToolCalls {
			if !known[call.Name] {
				log.Warn("toolloop: ignoring call to unregistered tool", "tool", call.Name)
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("Tool %q is not available.", call.Name),
				})
				continue
			}

			inv, err := l.execute(ctx, call, req.Hooks)
			if err != nil {
				return nil, err
			}
			res.Invocations = append(res.Invocations, inv)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: inv.Output})
		}
		state = StateRequesting
	}

	res.Messages = msgs
	return res, nil
}

func (l *Loop) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if l.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.callTimeout)
		defer cancel()
	}
	resp, err := l.llm.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	return resp, nil
}

// execute runs one registered tool call. Tool failures become error text in
// the conversation; only cancellation of ctx is returned as an error.
func (l *Loop) execute(ctx context.Context, call llm.ToolCall, hooks Hooks) (Invocation, error) {
	if hooks.OnInvoke != nil {
		hooks.OnInvoke(call)
	}

	inv := Invocation{Call: call}
	out, err := l.tools.Execute(ctx, call.Name, call.Arguments)
	switch {
	case err != nil && ctx.Err() != nil:
		return inv, fmt.Errorf("toolloop: tool %q: %w", call.Name, ctx.Err())
	case errors.Is(err, tools.ErrNotFound):
		inv.Output = fmt.Sprintf("Tool %q is not available.", call.Name)
		inv.IsError = true
	case err != nil:
		observe.Logger(ctx).Warn("toolloop: tool execution failed", "tool", call.Name, "err", err)
		inv.Output = "Tool error: " + err.Error()
		inv.IsError = true
	default:
		inv.Output = out.Content
		inv.IsError = out.IsError
	}

	if hooks.OnComplete != nil {
		hooks.OnComplete(call, inv.Output)
	}
	return inv, nil
}
