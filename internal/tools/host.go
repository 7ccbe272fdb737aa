package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/pkg/provider/llm"
)

const builtinServer = "__builtin__"

type entry struct {
	def     llm.ToolDefinition
	server  string
	timeout time.Duration
	fn      func(ctx context.Context, args string) (string, error)
}

// Host is the concrete [Registry]. It is safe for concurrent use; the zero
// value is not usable, create instances with [New].
type Host struct {
	mu       sync.RWMutex
	tools    map[string]entry
	sessions map[string]*mcpsdk.ClientSession

	// client is shared by all server sessions.
	client  *mcpsdk.Client
	metrics *observe.Metrics
}

var _ Registry = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithMetrics records tool latency and call counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// New returns an empty Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:    make(map[string]entry),
		sessions: make(map[string]*mcpsdk.ClientSession),
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "refinery", Version: "1.0.0"}, nil),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterBuiltin adds or replaces an in-process tool.
func (h *Host) RegisterBuiltin(b Builtin) error {
	if b.Definition.Name == "" {
		return fmt.Errorf("tools: builtin must have a non-empty name")
	}
	if b.Handler == nil {
		return fmt.Errorf("tools: builtin %q must have a handler", b.Definition.Name)
	}
	if b.Definition.Parameters == nil {
		b.Definition.Parameters = map[string]any{"type": "object"}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[b.Definition.Name] = entry{def: b.Definition, server: builtinServer, timeout: b.Timeout, fn: b.Handler}
	return nil
}

// RegisterServer connects to an MCP server and imports its tool catalogue.
// Re-registering a server name replaces the previous session and its tools.
// Imported tools never shadow a builtin of the same name.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tools: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.Command(parts[0], parts[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a URL", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if len(cfg.Headers) > 0 {
			t.HTTPClient = &http.Client{Transport: headerTransport{headers: cfg.Headers, next: http.DefaultTransport}}
		}
		transport = t
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of server %q: %w", cfg.Name, err)
		}
		if len(cfg.Allow) > 0 && !slices.Contains(cfg.Allow, tool.Name) {
			continue
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, e := range h.tools {
			if e.server == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.sessions[cfg.Name] = session

	for _, t := range discovered {
		if existing, ok := h.tools[t.Name]; ok && existing.server != cfg.Name {
			observe.Logger(ctx).Warn("tools: skipping duplicate tool name",
				"tool", t.Name, "server", cfg.Name, "owner", existing.server)
			continue
		}
		h.tools[t.Name] = entry{
			def: llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			server:  cfg.Name,
			timeout: cfg.Timeout,
		}
	}
	return nil
}

// Definitions implements [Registry].
func (h *Host) Definitions() []llm.ToolDefinition {
	h.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	h.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute implements [Registry].
func (h *Host) Execute(ctx context.Context, name, args string) (*Result, error) {
	h.mu.RLock()
	e, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	if e.fn != nil {
		res = runBuiltin(ctx, e, args)
	} else {
		res, err = h.callServer(ctx, e, args)
	}
	elapsed := time.Since(start)

	if h.metrics != nil {
		status := "ok"
		if err != nil || res.IsError {
			status = "error"
		}
		h.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(observe.Attr("tool", name)))
		h.metrics.RecordToolCall(ctx, name, status)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = elapsed
	return res, nil
}

func runBuiltin(ctx context.Context, e entry, args string) *Result {
	out, err := e.fn(ctx, args)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}
	}
	return &Result{Content: out}
}

func (h *Host) callServer(ctx context.Context, e entry, args string) (*Result, error) {
	h.mu.RLock()
	session, ok := h.sessions[e.server]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: server %q for tool %q is not connected", e.server, e.def.Name)
	}

	var params map[string]any
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return &Result{Content: fmt.Sprintf("invalid arguments for %s: %v", e.def.Name, err), IsError: true}, nil
		}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: e.def.Name, Arguments: params})
	if err != nil {
		return nil, fmt.Errorf("tools: call %q on server %q: %w", e.def.Name, e.server, err)
	}

	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(tc.Text)
		}
	}
	return &Result{Content: b.String(), IsError: res.IsError}, nil
}

// Close ends all server sessions and clears the registry.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
	}
	h.sessions = make(map[string]*mcpsdk.ClientSession)
	h.tools = make(map[string]entry)
	return firstErr
}

// schemaToMap converts an SDK input schema to the generic form used by
// llm.ToolDefinition.
func schemaToMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.next.RoundTrip(r)
}
