package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/refinery/internal/chat"
	"github.com/MrWong99/refinery/internal/health"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/refine"
	"github.com/MrWong99/refinery/internal/server"
	"github.com/MrWong99/refinery/internal/stream"
)

var runEvents = []stream.Event{
	{Type: stream.TypeStatus, Content: stream.StatusAnalyzing},
	stream.ProgressEvent(1, 1),
	{Type: stream.TypePrompt, Content: "[Context]\nNotes:\n- <b>html</b> stays unescaped"},
	{Type: stream.TypeStatus, Content: stream.StatusProcessing(0, 1)},
	{Type: stream.TypeContent, Content: "Hello."},
	{Type: stream.TypeStatus, Content: stream.StatusCompleted},
}

// fakeRefiner validates like the real pipeline and replays a fixed event list.
// With block set, it emits nothing and waits for cancellation.
type fakeRefiner struct {
	block bool

	mu         sync.Mutex
	refines    []refine.Request
	translates []refine.TranslateRequest
	cancelled  chan struct{}
}

func newFakeRefiner() *fakeRefiner { return &fakeRefiner{cancelled: make(chan struct{})} }

func (f *fakeRefiner) Stream(ctx context.Context, req refine.Request) (*refine.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.refines = append(f.refines, req)
	f.mu.Unlock()
	return &refine.Run{ID: "01JRUNTEST", Events: f.emit(ctx)}, nil
}

func (f *fakeRefiner) StreamTranslate(ctx context.Context, req refine.TranslateRequest) (*refine.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.translates = append(f.translates, req)
	f.mu.Unlock()
	return &refine.Run{ID: "01JTRANSLATE", Events: f.emit(ctx)}, nil
}

func (f *fakeRefiner) emit(ctx context.Context) <-chan stream.Event {
	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		if f.block {
			<-ctx.Done()
			close(f.cancelled)
			return
		}
		em := stream.NewEmitter(ctx, ch)
		for _, ev := range runEvents {
			if !em.Emit(ev) {
				return
			}
		}
	}()
	return ch
}

type fakeChat struct{}

func (fakeChat) Stream(ctx context.Context, req chat.Request) (<-chan stream.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan stream.Event, 2)
	ch <- stream.Event{Type: stream.TypeContent, Content: "Paris."}
	ch <- stream.Event{Type: stream.TypeStatus, Content: stream.StatusCompleted}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, r server.Refiner, opts ...server.Option) *httptest.Server {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]server.Option{server.WithMetrics(m)}, opts...)
	srv := httptest.NewServer(server.New(r, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, r io.Reader) []stream.Event {
	t.Helper()
	var out []stream.Event
	for ev, err := range stream.Read(r) {
		if err != nil {
			t.Fatalf("read events: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestRefine_StreamsNDJSON(t *testing.T) {
	t.Parallel()

	fr := newFakeRefiner()
	srv := newTestServer(t, fr)

	resp := post(t, srv.URL+"/v1/refine", `{"text":"Alice:\nHello.","basePrompt":"A podcast","startChunkIndex":0}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := resp.Header.Get("X-Run-ID"); id != "01JRUNTEST" {
		t.Errorf("X-Run-ID = %q", id)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "<b>html</b>") {
		t.Errorf("HTML was escaped in %q", raw)
	}
	got := readEvents(t, strings.NewReader(string(raw)))
	if !slices.Equal(got, runEvents) {
		t.Errorf("events = %+v\nwant %+v", got, runEvents)
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.refines) != 1 || fr.refines[0].BasePrompt != "A podcast" {
		t.Errorf("requests = %+v", fr.refines)
	}
}

func TestRefine_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeRefiner(), server.WithMaxBodyBytes(64))

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantErr    string
	}{
		{"malformed JSON", "/v1/refine", `{"text":`, http.StatusBadRequest, "invalid JSON body"},
		{"missing text", "/v1/refine", `{"text":"  "}`, http.StatusBadRequest, "text is required"},
		{"negative start", "/v1/refine", `{"text":"x","startChunkIndex":-1}`, http.StatusBadRequest, "startChunkIndex"},
		{"translate missing text", "/v1/translate", `{}`, http.StatusBadRequest, "text is required"},
		{"body too large", "/v1/refine", `{"text":"` + strings.Repeat("a", 100) + `"}`, http.StatusRequestEntityTooLarge, "exceeds 64 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := post(t, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if !strings.Contains(body.Error, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", body.Error, tt.wantErr)
			}
		})
	}
}

func TestTranslate_StreamsNDJSON(t *testing.T) {
	t.Parallel()

	fr := newFakeRefiner()
	srv := newTestServer(t, fr)

	resp := post(t, srv.URL+"/v1/translate", `{"text":"Alice:\nHello.","startChunkIndex":1,"targetLanguage":"German"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if id := resp.Header.Get("X-Run-ID"); id != "01JTRANSLATE" {
		t.Errorf("X-Run-ID = %q", id)
	}
	if got := readEvents(t, resp.Body); len(got) != len(runEvents) {
		t.Errorf("got %d events, want %d", len(got), len(runEvents))
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.translates) != 1 || fr.translates[0].TargetLanguage != "German" || fr.translates[0].StartChunkIndex != 1 {
		t.Errorf("requests = %+v", fr.translates)
	}
}

func TestChat(t *testing.T) {
	t.Parallel()

	t.Run("disabled without a chatter", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, newFakeRefiner())
		resp := post(t, srv.URL+"/v1/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("streams reply", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, newFakeRefiner(), server.WithChat(fakeChat{}))
		resp := post(t, srv.URL+"/v1/chat", `{"messages":[{"role":"user","content":"Capital of France?"}]}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if id := resp.Header.Get("X-Run-ID"); id != "" {
			t.Errorf("X-Run-ID = %q, want none", id)
		}
		got := readEvents(t, resp.Body)
		want := []stream.Event{
			{Type: stream.TypeContent, Content: "Paris."},
			{Type: stream.TypeStatus, Content: stream.StatusCompleted},
		}
		if !slices.Equal(got, want) {
			t.Errorf("events = %+v, want %+v", got, want)
		}
	})

	t.Run("rejects conversation without user turn", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, newFakeRefiner(), server.WithChat(fakeChat{}))
		resp := post(t, srv.URL+"/v1/chat", `{"messages":[{"role":"assistant","content":"hi"}]}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/refine/ws"
}

func TestRefineWS_StreamsFrames(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeRefiner())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, refine.Request{Text: "Alice:\nHello."}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var got []stream.Event
	for {
		var ev stream.Event
		err := wsjson.Read(ctx, conn, &ev)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
				t.Fatalf("read: %v (close status %v), want normal closure", err, status)
			}
			break
		}
		got = append(got, ev)
	}
	if !slices.Equal(got, runEvents) {
		t.Errorf("events = %+v\nwant %+v", got, runEvents)
	}
}

func TestRefineWS_InvalidRequest(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeRefiner())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, refine.Request{}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var ev stream.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if ev.Type != stream.TypeStatus || !strings.HasPrefix(ev.Content, "Error occurred: ") {
		t.Errorf("event = %+v, want error status", ev)
	}
	err = wsjson.Read(ctx, conn, &ev)
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", status)
	}
}

func TestRefineWS_ClientCloseCancelsRun(t *testing.T) {
	t.Parallel()

	fr := newFakeRefiner()
	fr.block = true
	srv := newTestServer(t, fr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := wsjson.Write(ctx, conn, refine.Request{Text: "Alice:\nHello."}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// Wait until the run has started before going away.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fr.mu.Lock()
		n := len(fr.refines)
		fr.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.Close(websocket.StatusGoingAway, "bye")

	select {
	case <-fr.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("closing the socket did not cancel the run")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	h := health.New(health.Checker{Name: "providers", Check: func(context.Context) error {
		return errors.New("rewrite backend unreachable")
	}})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "refinery_active_runs 0\n")
	})
	srv := newTestServer(t, newFakeRefiner(), server.WithHealth(h), server.WithMetricsHandler(metrics))

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusServiceUnavailable, "rewrite backend unreachable"},
		{"/metrics", http.StatusOK, "refinery_active_runs"},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
		}
		if !strings.Contains(string(body), tt.wantBody) {
			t.Errorf("%s: body = %q, want it to contain %q", tt.path, body, tt.wantBody)
		}
	}
}

func TestShutdown_Drains(t *testing.T) {
	t.Parallel()

	h := health.New()
	s := server.New(newFakeRefiner(), server.WithHealth(h))
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", rec.Code)
	}
}
