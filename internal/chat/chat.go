// Package chat answers conversational questions, searching the web when the
// model asks for it and streaming the answer as [stream.Event] values.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/stream"
	"github.com/MrWong99/refinery/internal/toolloop"
	"github.com/MrWong99/refinery/internal/tools"
	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful AI assistant. When the user asks for real-time information, use the web_search tool to find answers. Math formulas should be wrapped in $$."

// DefaultTemperature is the sampling temperature of both phases.
const DefaultTemperature = 0.3

// ErrInvalidRequest is returned for malformed caller input.
var ErrInvalidRequest = errors.New("chat: invalid request")

// Message is one turn of the caller's conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of a chat call.
type Request struct {
	Messages []Message `json:"messages"`
}

// Validate checks roles and that the conversation ends with a user turn.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
		default:
			return fmt.Errorf("%w: message %d has unsupported role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	if last := r.Messages[len(r.Messages)-1]; last.Role != llm.RoleUser || strings.TrimSpace(last.Content) == "" {
		return fmt.Errorf("%w: the last message must be a non-empty user message", ErrInvalidRequest)
	}
	return nil
}

// Service runs chat requests.
type Service struct {
	loop        *toolloop.Loop
	synth       llm.Provider
	system      string
	maxIter     int
	temperature float64
}

// Option configures a Service.
type Option func(*Service)

// WithSynthesis sets the backend that streams the answer after searches.
// Without it the tool backend is used.
func WithSynthesis(p llm.Provider) Option {
	return func(s *Service) { s.synth = p }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.system = prompt }
}

// WithMaxIterations bounds the tool loop.
func WithMaxIterations(n int) Option {
	return func(s *Service) { s.maxIter = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// New creates a Service that calls tools from reg through toolLLM.
func New(toolLLM llm.Provider, reg tools.Registry, opts ...Option) *Service {
	s := &Service{
		loop:        toolloop.New(toolLLM, reg),
		synth:       toolLLM,
		system:      DefaultSystemPrompt,
		temperature: DefaultTemperature,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stream validates req and answers it in a new goroutine. The channel is
// closed when the answer is complete or the run failed.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan stream.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan stream.Event, 64)
	go func() {
		defer close(ch)
		_ = s.Run(ctx, req, stream.NewEmitter(ctx, ch))
	}()
	return ch, nil
}

// Run answers req, writing events to em.
//
// The tool loop runs first. If it executed no tool, its reply is emitted as a
// single content event. Otherwise the conversation including the tool results
// is streamed from the synthesis backend.
func (s *Service) Run(ctx context.Context, req Request, em *stream.Emitter) error {
	if err := req.Validate(); err != nil {
		return err
	}
	ctx = observe.WithRunID(ctx, ulid.Make().String())
	ctx, span := observe.StartSpan(ctx, "chat.run")
	defer span.End()
	log := observe.Logger(ctx)

	msgs := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = llm.Message{Role: m.Role, Content: m.Content}
	}

	res, err := s.loop.Run(ctx, toolloop.Request{
		SystemPrompt:  s.system,
		Messages:      msgs,
		MaxIterations: s.maxIter,
		Temperature:   s.temperature,
		Hooks: toolloop.Hooks{
			OnInvoke:   func(call llm.ToolCall) { em.SearchQuery(tools.Describe(call)) },
			OnComplete: func(call llm.ToolCall, _ string) { em.SearchDone(tools.Describe(call)) },
		},
	})
	if err != nil {
		return s.fail(ctx, em, err)
	}

	if len(res.Invocations) == 0 {
		// A loop that only hit unregistered tools can run out of budget
		// without any text.
		if res.Text != "" {
			em.Content(res.Text)
		}
		em.Status(stream.StatusCompleted)
		return nil
	}

	log.Debug("chat: streaming answer after tool calls", "tool_calls", len(res.Invocations))
	ch, err := s.synth.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: s.system,
		Messages:     withoutFinalReply(res.Messages),
		Temperature:  s.temperature,
	})
	if err != nil {
		return s.fail(ctx, em, fmt.Errorf("chat: stream answer: %w", err))
	}
	for part := range ch {
		if part.FinishReason == llm.FinishReasonError {
			return s.fail(ctx, em, fmt.Errorf("chat: stream answer: %s", part.Text))
		}
		if part.Text != "" {
			em.Content(part.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	em.Status(stream.StatusCompleted)
	return nil
}

func (s *Service) fail(ctx context.Context, em *stream.Emitter, err error) error {
	if ctx.Err() == nil {
		observe.Logger(ctx).Error("chat: run failed", "err", err)
		em.Status(stream.StatusError(err.Error()))
	}
	return err
}

// withoutFinalReply drops a trailing assistant message without tool calls so
// the synthesis backend writes the answer itself.
func withoutFinalReply(msgs []llm.Message) []llm.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleAssistant && len(msgs[n-1].ToolCalls) == 0 {
		return msgs[:n-1]
	}
	return msgs
}
