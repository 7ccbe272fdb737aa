// Package mock provides a test double for the search.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/refinery/pkg/provider/search"
)

// Provider is a mock search.Provider. Results maps a query to its outcome;
// unknown queries return Default, or a KindEmpty result when Default is nil.
type Provider struct {
	mu sync.Mutex

	Results map[string]search.Result
	Default *search.Result

	// Queries records every query in call order.
	Queries []string
}

// Search records the query and returns the configured result.
func (p *Provider) Search(_ context.Context, query string) search.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Queries = append(p.Queries, query)
	if r, ok := p.Results[query]; ok {
		if r.Query == "" {
			r.Query = query
		}
		return r
	}
	if p.Default != nil {
		r := *p.Default
		r.Query = query
		return r
	}
	return search.Result{Query: query, Kind: search.KindEmpty}
}

// Calls returns a snapshot of the recorded queries.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Queries...)
}

var _ search.Provider = (*Provider)(nil)
