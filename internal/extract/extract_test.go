package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/refinery/internal/chunk"
	"github.com/MrWong99/refinery/internal/tools"
	"github.com/MrWong99/refinery/pkg/provider/llm"
	llmmock "github.com/MrWong99/refinery/pkg/provider/llm/mock"
	"github.com/MrWong99/refinery/pkg/provider/search"
	searchmock "github.com/MrWong99/refinery/pkg/provider/search/mock"
)

const acmePool = `{"characters":[{"identifier":"Alice","role":"CEO of Acme"}],"terminology":[{"term":"Acme","category":"company"}],"corrections":[{"original":"Akme","corrected":"Acme"}]}`

func searchRegistry(t *testing.T, sp search.Provider) *tools.Host {
	t.Helper()
	h := tools.New()
	if err := h.RegisterBuiltin(tools.WebSearch(sp, time.Second)); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	return h
}

func searchCall(query string) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{
		ID:        "call-" + query,
		Name:      tools.WebSearchName,
		Arguments: fmt.Sprintf(`{"query":%q}`, query),
	}}}
}

// recorder collects hook events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnSearch:     func(q string) { r.add("search:" + q) },
		OnSearchDone: func(q string) { r.add("done:" + q) },
		OnThinking:   func() { r.add("thinking") },
		OnProgress:   func(done, total int) { r.add(fmt.Sprintf("progress:%d/%d", done, total)) },
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestAnalyze_EmptyChunkSkipsBackends(t *testing.T) {
	t.Parallel()

	a := &llmmock.Provider{}
	b := &llmmock.Provider{}
	e := New(a, nil, WithSynthesis(b))

	for _, text := range []string{"", "   \n\t "} {
		p, err := e.Analyze(context.Background(), chunk.Chunk{Text: text, Total: 1}, "", Hooks{})
		if err != nil {
			t.Fatalf("Analyze(%q): %v", text, err)
		}
		if !p.IsEmpty() || p.Characters == nil || p.Notes == nil {
			t.Errorf("Analyze(%q) = %+v, want empty non-nil pool", text, p)
		}
	}
	if len(a.Completes())+len(b.Completes()) != 0 {
		t.Error("backend called for an empty chunk")
	}
}

func TestAnalyze_WithoutToolCallsParsesDirectly(t *testing.T) {
	t.Parallel()

	a := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Here you go:\n" + acmePool + "\nDone."}}
	b := &llmmock.Provider{}
	e := New(a, searchRegistry(t, &searchmock.Provider{}), WithSynthesis(b))

	var rec recorder
	p, err := e.Analyze(context.Background(), chunk.Chunk{Index: 1, Total: 3, Text: "Alice from Akme speaks."}, "investor call", rec.hooks())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(p.Characters) != 1 || p.Characters[0].Identifier != "Alice" {
		t.Errorf("Characters = %+v", p.Characters)
	}
	if len(b.Completes()) != 0 {
		t.Error("synthesis backend called without tool calls")
	}
	if ev := rec.snapshot(); len(ev) != 0 {
		t.Errorf("hooks fired without tool calls: %v", ev)
	}

	req := a.Completes()[0].Req
	if !strings.Contains(req.SystemPrompt, "part 2/3") {
		t.Errorf("system prompt lacks chunk position: %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "investor call") {
		t.Errorf("system prompt lacks background: %q", req.SystemPrompt)
	}
	if req.Temperature != DefaultTemperature || req.MaxTokens != DefaultMaxTokens {
		t.Errorf("temperature/max tokens = %v/%d", req.Temperature, req.MaxTokens)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != tools.WebSearchName {
		t.Errorf("Tools = %+v, want web_search", req.Tools)
	}
}

func TestAnalyze_ToolCallsHandOffToSynthesis(t *testing.T) {
	t.Parallel()

	sp := &searchmock.Provider{Results: map[string]search.Result{
		"Acme Corp": {Kind: search.KindAnswer, Answer: "Acme is a manufacturer."},
	}}
	a := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{
		searchCall("Acme Corp"),
		{Content: "I have enough information."},
	}}
	b := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: acmePool}}
	e := New(a, searchRegistry(t, sp), WithSynthesis(b))

	var rec recorder
	p, err := e.Analyze(context.Background(), chunk.Chunk{Total: 1, Text: "Akme builds rockets."}, "", rec.hooks())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(p.Corrections) != 1 || p.Corrections[0].Corrected != "Acme" {
		t.Errorf("Corrections = %+v", p.Corrections)
	}

	want := []string{"search:Acme Corp", "done:Acme Corp", "thinking"}
	if got := rec.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("hooks = %v, want %v", got, want)
	}

	calls := b.Completes()
	if len(calls) != 1 {
		t.Fatalf("synthesis calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if len(req.Tools) != 0 {
		t.Error("synthesis request offered tools")
	}
	if req.MaxTokens != DefaultSynthesisMaxTokens {
		t.Errorf("synthesis MaxTokens = %d", req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Content != "Akme builds rockets." {
		t.Fatalf("synthesis messages = %+v", req.Messages)
	}
	handoff := req.Messages[1].Content
	for _, s := range []string{"[Search: Acme Corp]", "Answer: Acme is a manufacturer."} {
		if !strings.Contains(handoff, s) {
			t.Errorf("handoff message lacks %q:\n%s", s, handoff)
		}
	}
}

func TestAnalyze_SearchFailureStillReachesModel(t *testing.T) {
	t.Parallel()

	failed := search.Failed("", "500 Internal Server Error")
	sp := &searchmock.Provider{Default: &failed}
	a := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{
		searchCall("Acme"),
		{Content: "{}"},
	}}
	e := New(a, searchRegistry(t, sp))

	if _, err := e.Analyze(context.Background(), chunk.Chunk{Total: 1, Text: "Akme"}, "", Hooks{}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	calls := a.Completes()
	if len(calls) < 2 {
		t.Fatalf("tool backend calls = %d, want the loop to continue after the failed search", len(calls))
	}
	msgs := calls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Content, "Search failed: 500") {
		t.Errorf("tool result = %+v", last)
	}
}

func TestAnalyze_MalformedOutputDegrades(t *testing.T) {
	t.Parallel()

	for _, content := range []string{"no json here", `{"characters": "oops"}`, `{"terminology": [`} {
		a := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
		p, err := New(a, nil).Analyze(context.Background(), chunk.Chunk{Total: 1, Text: "text"}, "", Hooks{})
		if err != nil {
			t.Errorf("Analyze(%q) error = %v, want nil", content, err)
		}
		if !p.IsEmpty() || p.Terminology == nil {
			t.Errorf("Analyze(%q) = %+v, want empty pool", content, p)
		}
	}
}

func TestAnalyze_TimeoutPropagates(t *testing.T) {
	t.Parallel()

	a := &llmmock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := New(a, nil, WithTimeout(10*time.Millisecond))

	_, err := e.Analyze(context.Background(), chunk.Chunk{Total: 1, Text: "text"}, "", Hooks{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestAnalyze_SynthesisFailurePropagates(t *testing.T) {
	t.Parallel()

	a := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{searchCall("x"), {Content: "ok"}}}
	b := &llmmock.Provider{CompleteErr: errors.New("upstream 502")}
	e := New(a, searchRegistry(t, &searchmock.Provider{}), WithSynthesis(b))

	_, err := e.Analyze(context.Background(), chunk.Chunk{Total: 1, Text: "text"}, "", Hooks{})
	if err == nil || !strings.Contains(err.Error(), "upstream 502") {
		t.Fatalf("err = %v, want synthesis failure", err)
	}
}

func TestAnalyzeAll_PreservesOrder(t *testing.T) {
	t.Parallel()

	const n = 6
	var inFlight, peak atomic.Int64
	a := &llmmock.Provider{CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		// Later chunks finish first.
		var idx int
		fmt.Sscanf(req.Messages[0].Content, "chunk %d", &idx)
		time.Sleep(time.Duration(n-idx) * 5 * time.Millisecond)
		return &llm.CompletionResponse{Content: fmt.Sprintf(`{"notes":["note %d"]}`, idx)}, nil
	}}
	e := New(a, nil)

	chunks := make([]chunk.Chunk, n)
	for i := range chunks {
		chunks[i] = chunk.Chunk{Index: i, Total: n, Text: fmt.Sprintf("chunk %d", i)}
	}

	var rec recorder
	pools, err := e.AnalyzeAll(context.Background(), chunks, "", rec.hooks(), 2)
	if err != nil {
		t.Fatalf("AnalyzeAll: %v", err)
	}
	for i, p := range pools {
		want := fmt.Sprintf("note %d", i)
		if len(p.Notes) != 1 || p.Notes[0] != want {
			t.Errorf("pools[%d].Notes = %v, want [%s]", i, p.Notes, want)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	ev := rec.snapshot()
	if len(ev) != n || ev[n-1] != fmt.Sprintf("progress:%d/%d", n, n) {
		t.Errorf("progress events = %v", ev)
	}
}

func TestAnalyzeAll_FirstErrorCancelsRest(t *testing.T) {
	t.Parallel()

	var started atomic.Int64
	a := &llmmock.Provider{CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		started.Add(1)
		if req.Messages[0].Content == "bad" {
			return nil, errors.New("connection reset")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &llm.CompletionResponse{Content: "{}"}, nil
		}
	}}
	e := New(a, nil)

	chunks := []chunk.Chunk{
		{Index: 0, Total: 3, Text: "slow"},
		{Index: 1, Total: 3, Text: "bad"},
		{Index: 2, Total: 3, Text: "slow"},
	}
	start := time.Now()
	_, err := e.AnalyzeAll(context.Background(), chunks, "", Hooks{}, 3)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v, want first failure", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("siblings were not cancelled")
	}
}

func TestAnalyzeAll_Empty(t *testing.T) {
	t.Parallel()

	pools, err := New(&llmmock.Provider{}, nil).AnalyzeAll(context.Background(), nil, "", Hooks{}, 0)
	if err != nil || len(pools) != 0 {
		t.Fatalf("AnalyzeAll(nil) = %v, %v", pools, err)
	}
}

func TestSystemPrompt_OmitsEmptyBackground(t *testing.T) {
	t.Parallel()

	got := SystemPrompt(chunk.Chunk{Index: 0, Total: 1}, "  ")
	if strings.Contains(got, "Background provided by the user") {
		t.Errorf("prompt mentions background for blank input:\n%s", got)
	}
	if !strings.Contains(got, "part 1/1") {
		t.Errorf("prompt lacks position:\n%s", got)
	}
}
