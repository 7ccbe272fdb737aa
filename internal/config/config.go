// Package config provides the configuration schema, loader, and provider registry
// for the refinery transcript refinement service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/refinery/internal/tools"
)

// LogLevel controls log verbosity for the refinery server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [Load] and [LoadFromReader] for fields left empty.
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
)

// Config is the root configuration structure for refinery.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Chat      ChatConfig      `yaml:"chat"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown of in-flight streams.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which backend serves each model role. Each entry
// selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// ToolLLM drives the tool-call loop during context extraction and chat.
	ToolLLM LLMEntry `yaml:"tool_llm"`

	// SynthesisLLM turns search results into the final context JSON.
	// When unset, ToolLLM is used.
	SynthesisLLM LLMEntry `yaml:"synthesis_llm"`

	// MergeLLM deduplicates per-chunk context pools. When unset, RewriteLLM is used.
	MergeLLM LLMEntry `yaml:"merge_llm"`

	// RewriteLLM streams the refined or translated output.
	RewriteLLM LLMEntry `yaml:"rewrite_llm"`

	// Search backs the web_search tool. When unset, no search tool is offered.
	Search ProviderEntry `yaml:"search"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "tavily").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// LLMEntry configures one model role together with its ordered failover chain.
type LLMEntry struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// IsSet reports whether the role names a provider.
func (e LLMEntry) IsSet() bool { return e.Name != "" }

// PipelineConfig tunes chunking, analysis fan-out and backend calls.
// Zero values select the defaults of the owning package.
type PipelineConfig struct {
	// AnalysisChunkSize is the target analysis chunk size in runes.
	AnalysisChunkSize int `yaml:"analysis_chunk_size"`

	// ProcessingChunkSize is the target rewrite chunk size in runes.
	ProcessingChunkSize int `yaml:"processing_chunk_size"`

	// AnalysisConcurrency bounds how many chunks are analysed at once.
	AnalysisConcurrency int `yaml:"analysis_concurrency"`

	// MaxToolIterations caps backend requests per tool-call loop.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// BackendTimeout bounds each extraction, synthesis and merge call.
	BackendTimeout time.Duration `yaml:"backend_timeout"`

	// SearchTimeout bounds each web search.
	SearchTimeout time.Duration `yaml:"search_timeout"`

	AnalysisTemperature float64 `yaml:"analysis_temperature"`
	MergeTemperature    float64 `yaml:"merge_temperature"`
	RewriteTemperature  float64 `yaml:"rewrite_temperature"`

	// AnalysisMaxTokens caps the tool-loop responses during extraction.
	AnalysisMaxTokens int `yaml:"analysis_max_tokens"`

	// SynthesisMaxTokens caps the synthesis response.
	SynthesisMaxTokens int `yaml:"synthesis_max_tokens"`

	// RewriteMaxTokens caps each streamed chunk. Zero leaves it to the provider.
	RewriteMaxTokens int `yaml:"rewrite_max_tokens"`
}

// ChatConfig configures the search-grounded chat endpoint.
type ChatConfig struct {
	// SystemPrompt replaces the built-in chat system prompt when set.
	SystemPrompt string `yaml:"system_prompt"`

	Temperature float64 `yaml:"temperature"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools are
// offered to the model next to web_search.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport tools.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http"
	// (e.g., "https://mcp.example.com/mcp"). Ignored for stdio transport.
	URL string `yaml:"url"`

	// Auth configures authentication for streamable-http servers.
	// When nil, requests are sent without authentication.
	Auth *MCPAuthConfig `yaml:"auth"`

	// Env holds additional environment variables passed to the subprocess for
	// stdio transport.
	Env map[string]string `yaml:"env"`

	// Allow restricts which of the server's tools are imported. Empty imports all.
	Allow []string `yaml:"allow"`

	// Timeout bounds each call to this server's tools.
	Timeout time.Duration `yaml:"timeout"`
}

// MCPAuthConfig holds credentials for a streamable-http MCP server.
type MCPAuthConfig struct {
	// Token is sent as "Authorization: Bearer <token>".
	Token string `yaml:"token"`
}

// ToolServer converts the YAML entry into the form used by [tools.Host].
func (s MCPServerConfig) ToolServer() tools.ServerConfig {
	sc := tools.ServerConfig{
		Name:      s.Name,
		Transport: s.Transport,
		Command:   s.Command,
		Env:       s.Env,
		URL:       s.URL,
		Allow:     s.Allow,
		Timeout:   s.Timeout,
	}
	if s.Auth != nil && s.Auth.Token != "" {
		sc.Headers = map[string]string{"Authorization": "Bearer " + s.Auth.Token}
	}
	return sc
}
