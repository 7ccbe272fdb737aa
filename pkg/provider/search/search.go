// Package search defines the Provider interface for web search backends used
// as a model tool while extracting transcript context.
//
// Search never fails from the caller's point of view: transport errors, error
// statuses and empty result sets all become a [Result] whose [Result.Text]
// tells the model what happened, so a tool-call loop can always answer the
// model's request.
package search

import (
	"context"
	"fmt"
	"strings"
)

// Kind classifies a search outcome.
type Kind int

const (
	// KindResults is a plain list of hits.
	KindResults Kind = iota
	// KindAnswer is a synthesised answer with supporting hits.
	KindAnswer
	// KindEmpty means the backend found nothing.
	KindEmpty
	// KindFailed means the request did not complete.
	KindFailed
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindResults:
		return "results"
	case KindAnswer:
		return "answer"
	case KindEmpty:
		return "empty"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Hit is a single search result.
type Hit struct {
	Title   string
	URL     string
	Content string
}

// Result is the outcome of one query.
type Result struct {
	Query string
	Kind  Kind

	// Answer is set for KindAnswer.
	Answer string

	Hits []Hit

	// Failure describes why a KindFailed search did not complete.
	Failure string
}

// Failed builds a KindFailed result.
func Failed(query string, format string, args ...any) Result {
	return Result{Query: query, Kind: KindFailed, Failure: fmt.Sprintf(format, args...)}
}

// Text renders r as the tool-result text handed back to the model.
func (r Result) Text() string {
	switch r.Kind {
	case KindFailed:
		return "Search failed: " + r.Failure
	case KindEmpty:
		return "No search results found for: " + r.Query
	case KindAnswer:
		var b strings.Builder
		b.WriteString("Answer: ")
		b.WriteString(r.Answer)
		b.WriteString("\n\nReference Snippets:")
		for _, h := range r.Hits {
			fmt.Fprintf(&b, "\n- %s: %s", h.Title, h.Content)
		}
		return b.String()
	default:
		blocks := make([]string, 0, len(r.Hits))
		for _, h := range r.Hits {
			blocks = append(blocks, fmt.Sprintf("Title: %s\nURL: %s\nContent: %s", h.Title, h.URL, h.Content))
		}
		return strings.Join(blocks, "\n\n")
	}
}

// Provider is the abstraction over a web search backend. Implementations must
// be safe for concurrent use and must honour ctx cancellation.
type Provider interface {
	// Search runs query and returns its outcome. It never returns an error;
	// failures are reported as KindFailed results.
	Search(ctx context.Context, query string) Result
}
