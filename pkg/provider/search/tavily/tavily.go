// Package tavily provides a search.Provider backed by the Tavily search API
// (https://tavily.com).
//
// Only net/http and encoding/json are used; Tavily publishes no Go SDK.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/refinery/pkg/provider/search"
)

// DefaultBaseURL is the Tavily API root.
const DefaultBaseURL = "https://api.tavily.com"

var _ search.Provider = (*Provider)(nil)

// Provider implements search.Provider using Tavily. It is safe for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	depth      string
	maxResults int
	withAnswer bool
	httpClient *http.Client
}

type config struct {
	baseURL    string
	depth      string
	maxResults int
	noAnswer   bool
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithSearchDepth sets "basic" (default) or "advanced".
func WithSearchDepth(depth string) Option {
	return func(c *config) { c.depth = depth }
}

// WithMaxResults sets the number of hits requested. Default 5.
func WithMaxResults(n int) Option {
	return func(c *config) { c.maxResults = n }
}

// WithoutAnswer stops Tavily from synthesising an answer.
func WithoutAnswer() Option {
	return func(c *config) { c.noAnswer = true }
}

// WithTimeout sets a per-request HTTP timeout. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client; WithTimeout is then ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Tavily Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("tavily: apiKey must not be empty")
	}
	cfg := &config{
		baseURL:    DefaultBaseURL,
		depth:      "basic",
		maxResults: 5,
		timeout:    30 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}
	switch cfg.depth {
	case "basic", "advanced":
	default:
		return nil, fmt.Errorf("tavily: search depth %q must be basic or advanced", cfg.depth)
	}
	if cfg.maxResults <= 0 {
		return nil, fmt.Errorf("tavily: max results must be positive, got %d", cfg.maxResults)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	return &Provider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		depth:      cfg.depth,
		maxResults: cfg.maxResults,
		withAnswer: !cfg.noAnswer,
		httpClient: hc,
	}, nil
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
	MaxResults    int    `json:"max_results"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements search.Provider.
func (p *Provider) Search(ctx context.Context, query string) search.Result {
	body, err := json.Marshal(searchRequest{
		APIKey:        p.apiKey,
		Query:         query,
		SearchDepth:   p.depth,
		IncludeAnswer: p.withAnswer,
		MaxResults:    p.maxResults,
	})
	if err != nil {
		return search.Failed(query, "encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return search.Failed(query, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return search.Failed(query, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return search.Failed(query, "%s", resp.Status)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return search.Failed(query, "decode response: %v", err)
	}
	if len(out.Results) == 0 {
		return search.Result{Query: query, Kind: search.KindEmpty}
	}

	res := search.Result{Query: query, Kind: search.KindResults}
	for _, r := range out.Results {
		res.Hits = append(res.Hits, search.Hit{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	if out.Answer != "" {
		res.Kind = search.KindAnswer
		res.Answer = out.Answer
	}
	return res
}
