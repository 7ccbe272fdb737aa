package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/MrWong99/refinery/internal/config"
	"github.com/MrWong99/refinery/internal/health"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/resilience"
	"github.com/MrWong99/refinery/pkg/provider/llm"
	"github.com/MrWong99/refinery/pkg/provider/search"
)

// Role names used as metric attributes and breaker labels.
const (
	RoleTool      = "tool"
	RoleSynthesis = "synthesis"
	RoleMerge     = "merge"
	RoleRewrite   = "rewrite"
)

// Providers holds one backend per model role. Synthesis falls back to Tool
// and Merge to Rewrite when nil. A nil Search disables the web_search tool.
type Providers struct {
	Tool      llm.Provider
	Synthesis llm.Provider
	Merge     llm.Provider
	Rewrite   llm.Provider
	Search    search.Provider
}

// BuildProviders instantiates every backend named in cfg through reg. Each
// backend is instrumented with m; a role with fallbacks is wrapped in a
// failover provider with one circuit breaker per backend.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	roles := []struct {
		role  string
		entry config.LLMEntry
		dst   *llm.Provider
	}{
		{RoleTool, cfg.Providers.ToolLLM, &ps.Tool},
		{RoleSynthesis, cfg.Providers.SynthesisLLM, &ps.Synthesis},
		{RoleMerge, cfg.Providers.MergeLLM, &ps.Merge},
		{RoleRewrite, cfg.Providers.RewriteLLM, &ps.Rewrite},
	}
	for _, r := range roles {
		if !r.entry.IsSet() {
			continue
		}
		p, err := buildRole(r.role, r.entry, reg, m)
		if err != nil {
			return nil, err
		}
		*r.dst = p
		slog.Info("provider created", "role", r.role, "name", r.entry.Name, "model", r.entry.Model, "fallbacks", len(r.entry.Fallbacks))
	}

	if name := cfg.Providers.Search.Name; name != "" {
		p, err := reg.CreateSearch(cfg.Providers.Search)
		if err != nil {
			return nil, fmt.Errorf("app: create search provider %q: %w", name, err)
		}
		ps.Search = p
		slog.Info("provider created", "kind", "search", "name", name)
	}
	return ps, nil
}

func buildRole(role string, entry config.LLMEntry, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	create := func(e config.ProviderEntry) (resilience.Member[llm.Provider], error) {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return resilience.Member[llm.Provider]{}, fmt.Errorf("app: create %s provider %q: %w", role, e.Name, err)
		}
		return resilience.Member[llm.Provider]{
			Name:  role + "/" + e.Name,
			Value: observe.InstrumentLLM(p, e.Name, role, m),
		}, nil
	}

	primary, err := create(entry.ProviderEntry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary.Value, nil
	}
	fallbacks := make([]resilience.Member[llm.Provider], 0, len(entry.Fallbacks))
	for _, fb := range entry.Fallbacks {
		member, err := create(fb)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, member)
	}
	return resilience.NewLLM(resilience.CircuitBreakerConfig{}, primary, fallbacks...), nil
}

// resolve fills the derived roles and reports missing required ones.
func (ps *Providers) resolve() error {
	var errs []error
	if ps.Tool == nil {
		errs = append(errs, errors.New("tool LLM provider is required"))
	}
	if ps.Rewrite == nil {
		errs = append(errs, errors.New("rewrite LLM provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if ps.Synthesis == nil {
		ps.Synthesis = ps.Tool
	}
	if ps.Merge == nil {
		ps.Merge = ps.Rewrite
	}
	return nil
}

// breakerStates is implemented by failover providers.
type breakerStates interface {
	States() map[string]resilience.State
}

type roleProvider struct {
	role string
	p    llm.Provider
}

func (ps *Providers) roles() []roleProvider {
	return []roleProvider{
		{RoleTool, ps.Tool},
		{RoleSynthesis, ps.Synthesis},
		{RoleMerge, ps.Merge},
		{RoleRewrite, ps.Rewrite},
	}
}

// backendsChecker fails readiness when every backend of some role has an
// open circuit breaker.
func (ps *Providers) backendsChecker() health.Checker {
	roles := ps.roles()
	return health.Checker{
		Name: "backends",
		Check: func(context.Context) error {
			var errs []error
			for _, r := range roles {
				bs, ok := r.p.(breakerStates)
				if !ok {
					continue
				}
				if allOpen(bs.States()) {
					errs = append(errs, fmt.Errorf("every %s backend has an open circuit", r.role))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// failoverChecker degrades readiness while a role runs on its fallbacks,
// i.e. some but not all of its backends have open circuits.
func (ps *Providers) failoverChecker() health.Checker {
	roles := ps.roles()
	return health.Checker{
		Name:     "failover",
		Optional: true,
		Check: func(context.Context) error {
			var open []string
			for _, r := range roles {
				bs, ok := r.p.(breakerStates)
				if !ok {
					continue
				}
				states := bs.States()
				if allOpen(states) {
					continue
				}
				for name, st := range states {
					if st == resilience.StateOpen {
						open = append(open, name)
					}
				}
			}
			if len(open) == 0 {
				return nil
			}
			// Fallback roles share providers, so names can repeat.
			slices.Sort(open)
			open = slices.Compact(open)
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		},
	}
}

func allOpen(states map[string]resilience.State) bool {
	if len(states) == 0 {
		return false
	}
	for _, s := range states {
		if s != resilience.StateOpen {
			return false
		}
	}
	return true
}
