package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/refinery/pkg/provider/llm"
)

func TestConvertMessage_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	asst := convertMessage(llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "web_search", Arguments: `{"query":"Acme"}`}},
	})
	if asst.Role != llm.RoleAssistant {
		t.Errorf("role = %q, want assistant", asst.Role)
	}
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(asst.ToolCalls))
	}
	if got := asst.ToolCalls[0]; got.Type != "function" || got.Function.Name != "web_search" || got.Function.Arguments != `{"query":"Acme"}` {
		t.Errorf("unexpected tool call %+v", got)
	}

	tool := convertMessage(llm.Message{Role: llm.RoleTool, Content: "Answer: Acme Corp", ToolCallID: "call_1"})
	if tool.ToolCallID != "call_1" || tool.Content != "Answer: Acme Corp" {
		t.Errorf("unexpected tool message %+v", tool)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-sonnet-4-5"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "merge these pools",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "[...]"}},
		Temperature:  0.1,
		MaxTokens:    8192,
		Tools:        []llm.ToolDefinition{{Name: "web_search"}},
	})

	if params.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("expected system message first, got %+v", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 8192 {
		t.Errorf("max tokens = %v, want 8192", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "web_search" {
		t.Errorf("unexpected tools %+v", params.Tools)
	}

	zero := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if zero.Temperature != nil || zero.MaxTokens != nil {
		t.Error("zero temperature and max tokens should be left to the backend default")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{name: "empty backend", backend: "", model: "m", wantErr: true},
		{name: "empty model", backend: "anthropic", model: "", wantErr: true},
		{name: "unsupported", backend: "fakecloud", model: "m", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("x")}, wantErr: true},
		{name: "anthropic", backend: "anthropic", model: "claude-sonnet-4-5", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{name: "ollama without key", backend: "ollama", model: "qwen2.5"},
		{name: "case insensitive", backend: "DeepSeek", model: "deepseek-chat", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("k")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.backend, tc.model, tc.opts...)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Capabilities().ContextWindow <= 0 {
				t.Error("expected positive context window")
			}
		})
	}
}
