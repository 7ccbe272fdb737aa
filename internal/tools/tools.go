// Package tools is the registry of functions a model may call during context
// extraction and chat. Tools are either built-in Go handlers (the web search
// tool) or imported from external MCP servers reached over stdio or
// streamable HTTP with the official MCP Go SDK.
package tools

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/refinery/pkg/provider/llm"
)

// ErrNotFound is returned by Execute for an unregistered tool name.
var ErrNotFound = errors.New("tools: tool not found")

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the text handed back to the model.
	Content string

	// IsError marks an application-level failure. Content then describes it.
	IsError bool

	Duration time.Duration
}

// Registry exposes tool definitions and executes calls by name.
type Registry interface {
	// Definitions returns every available tool, sorted by name.
	Definitions() []llm.ToolDefinition

	// Execute runs the named tool with JSON-encoded args. It returns an error
	// wrapping ErrNotFound for unknown names and other errors only for
	// transport or protocol failure.
	Execute(ctx context.Context, name, args string) (*Result, error)
}

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes an external MCP server.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Command is the executable and arguments for stdio servers.
	Command string

	// Env holds extra environment variables for stdio servers.
	Env map[string]string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Headers are added to every request sent to a streamable-http server,
	// e.g. an Authorization bearer token.
	Headers map[string]string

	// Allow restricts which of the server's tools are imported. Empty imports all.
	Allow []string

	// Timeout bounds each call to this server's tools. Zero means no limit
	// beyond the caller's context.
	Timeout time.Duration
}

// Builtin is a tool implemented as an in-process Go function.
type Builtin struct {
	Definition llm.ToolDefinition

	// Handler receives the JSON-encoded arguments. A returned error becomes an
	// IsError result whose Content is the error text.
	Handler func(ctx context.Context, args string) (string, error)

	// Timeout bounds each call. Zero means no limit beyond the caller's context.
	Timeout time.Duration
}
