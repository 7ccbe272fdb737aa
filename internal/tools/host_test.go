package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/refinery/pkg/provider/llm"
	"github.com/MrWong99/refinery/pkg/provider/search"
	searchmock "github.com/MrWong99/refinery/pkg/provider/search/mock"
)

func TestHost_Builtins(t *testing.T) {
	t.Parallel()

	h := New()
	defer h.Close()

	sp := &searchmock.Provider{Results: map[string]search.Result{
		"Acme": {Kind: search.KindAnswer, Answer: "Acme makes widgets.", Hits: []search.Hit{{Title: "Acme", Content: "Widgets"}}},
	}}
	if err := h.RegisterBuiltin(WebSearch(sp, time.Second)); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	if err := h.RegisterBuiltin(Builtin{
		Definition: llm.ToolDefinition{Name: "clock"},
		Handler:    func(context.Context, string) (string, error) { return "noon", nil },
	}); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	defs := h.Definitions()
	if len(defs) != 2 || defs[0].Name != "clock" || defs[1].Name != WebSearchName {
		t.Fatalf("definitions not sorted by name: %+v", defs)
	}
	if defs[0].Parameters == nil {
		t.Error("builtin without schema should get an object schema")
	}

	res, err := h.Execute(context.Background(), WebSearchName, `{"query":"Acme"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || !strings.HasPrefix(res.Content, "Answer: Acme makes widgets.") {
		t.Errorf("unexpected result %+v", res)
	}
	if got := sp.Calls(); len(got) != 1 || got[0] != "Acme" {
		t.Errorf("search queries = %q", got)
	}
}

func TestHost_ExecuteErrors(t *testing.T) {
	t.Parallel()

	h := New()
	_ = h.RegisterBuiltin(WebSearch(&searchmock.Provider{}, 0))
	_ = h.RegisterBuiltin(Builtin{
		Definition: llm.ToolDefinition{Name: "slow"},
		Timeout:    10 * time.Millisecond,
		Handler: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	if _, err := h.Execute(context.Background(), "lookup_stock", "{}"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown tool err = %v, want ErrNotFound", err)
	}

	res, err := h.Execute(context.Background(), WebSearchName, `{"q":1}`)
	if err != nil {
		t.Fatalf("bad args should not be a transport error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "invalid web_search arguments") {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = h.Execute(context.Background(), "slow", "{}")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "deadline") {
		t.Errorf("timed-out builtin result = %+v", res)
	}
}

func TestHost_RegisterValidation(t *testing.T) {
	t.Parallel()

	h := New()
	if err := h.RegisterBuiltin(Builtin{Handler: func(context.Context, string) (string, error) { return "", nil }}); err == nil {
		t.Error("expected error for unnamed builtin")
	}
	if err := h.RegisterBuiltin(Builtin{Definition: llm.ToolDefinition{Name: "x"}}); err == nil {
		t.Error("expected error for nil handler")
	}

	ctx := context.Background()
	tests := []ServerConfig{
		{Transport: TransportStdio, Command: "srv"},
		{Name: "a", Transport: "grpc"},
		{Name: "b", Transport: TransportStdio},
		{Name: "c", Transport: TransportStreamableHTTP},
	}
	for _, cfg := range tests {
		if err := h.RegisterServer(ctx, cfg); err == nil {
			t.Errorf("RegisterServer(%+v) = nil, want error", cfg)
		}
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		call llm.ToolCall
		want string
	}{
		{llm.ToolCall{Name: WebSearchName, Arguments: `{"query":" 张总 公司 "}`}, "张总 公司"},
		{llm.ToolCall{Name: WebSearchName, Arguments: `oops`}, "web_search oops"},
		{llm.ToolCall{Name: "lookup", Arguments: `{}`}, "lookup"},
		{llm.ToolCall{Name: "lookup", Arguments: `{"id":3}`}, `lookup {"id":3}`},
	}
	for _, tc := range tests {
		if got := Describe(tc.call); got != tc.want {
			t.Errorf("Describe(%+v) = %q, want %q", tc.call, got, tc.want)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	type schema struct {
		Type string `json:"type"`
	}
	if got := schemaToMap(schema{Type: "object"}); got["type"] != "object" {
		t.Errorf("struct schema = %v", got)
	}
	if got := schemaToMap(nil); got["type"] != "object" {
		t.Errorf("nil schema = %v", got)
	}
}
