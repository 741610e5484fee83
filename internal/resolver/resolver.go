// Package resolver implements the Resolver component of spec.md §4.1:
// a thread-safe map from (domain, key) to an ordered candidate list,
// with four-tier precedence resolution and override support.
//
// Structurally grounded on the teacher's module registry (map guarded
// by sync.RWMutex, reads lock-free-fast relative to writes); the
// per-interface typed accessors of that registry are domain-specific to
// the teacher and have no counterpart here — our ordering is entirely
// data-driven by candidate.Sort.
package resolver

import (
	"fmt"
	"sync"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/metrics"
	"github.com/oneiric-dev/oneiric/internal/onerr"
)

// Resolver is the authoritative in-memory candidate registry.
type Resolver struct {
	mu         sync.RWMutex
	candidates map[candidate.Key][]candidate.Candidate
}

// New constructs an empty Resolver.
func New() *Resolver {
	return &Resolver{candidates: make(map[candidate.Key][]candidate.Candidate)}
}

// Register upserts a candidate by its identity tuple. Re-registering the
// same identity updates settings/priority/stack_level in place, per
// spec.md §4.1.
func (r *Resolver) Register(c candidate.Candidate) {
	k := candidate.Key{Domain: c.Domain, Key: c.Key}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.candidates[k]
	for i, existing := range list {
		if existing.Provider == c.Provider && existing.Source == c.Source {
			list[i] = c
			candidate.Sort(list)
			r.candidates[k] = list
			return
		}
	}
	list = append(list, c)
	candidate.Sort(list)
	r.candidates[k] = list
}

// Unregister removes the candidate matching the given identity tuple,
// reporting whether anything was removed.
func (r *Resolver) Unregister(domain candidate.Domain, key, provider string, source candidate.Source) bool {
	k := candidate.Key{Domain: domain, Key: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.candidates[k]
	for i, existing := range list {
		if existing.Provider == provider && existing.Source == source {
			r.candidates[k] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Overrides names a specific provider to force for a (domain, key),
// bypassing normal precedence — the "inline override" mechanism of
// spec.md §4.1.
type Overrides struct {
	Provider string
}

// Resolve applies the four-tier precedence rule (and any override) to
// the candidate list for (domain, key).
func (r *Resolver) Resolve(domain candidate.Domain, key string, overrides *Overrides) (candidate.ResolutionResult, error) {
	k := candidate.Key{Domain: domain, Key: key}

	r.mu.RLock()
	list := append([]candidate.Candidate(nil), r.candidates[k]...)
	r.mu.RUnlock()

	result := candidate.ResolutionResult{Domain: domain, Key: key}

	if len(list) == 0 {
		metrics.ResolutionsTotal.WithLabelValues(string(domain), "no_candidate").Inc()
		result.Trace = []string{"no candidates registered"}
		return result, onerr.New(onerr.KindNoCandidate, fmt.Sprintf("no candidates for (%s, %s)", domain, key))
	}

	if overrides != nil && overrides.Provider != "" {
		for i, c := range list {
			if c.Provider == overrides.Provider {
				result.Winner = &list[i]
				result.Shadowed = shadowedExcept(list, i)
				result.Trace = append(result.Trace,
					fmt.Sprintf("override selected provider=%s", overrides.Provider))
				metrics.ResolutionsTotal.WithLabelValues(string(domain), "ok").Inc()
				return result, nil
			}
		}
		metrics.ResolutionsTotal.WithLabelValues(string(domain), "override_unsatisfied").Inc()
		result.Shadowed = list
		result.Trace = append(result.Trace,
			fmt.Sprintf("override provider=%s not found among registered candidates", overrides.Provider))
		return result, onerr.New(onerr.KindOverrideUnsatisfied,
			fmt.Sprintf("override provider %q not registered for (%s, %s)", overrides.Provider, domain, key))
	}

	winner := list[0]
	result.Winner = &winner
	result.Shadowed = list[1:]
	result.Trace = traceFor(list)
	metrics.ResolutionsTotal.WithLabelValues(string(domain), "ok").Inc()
	return result, nil
}

// Explain returns the full ordered view for (domain, key), including
// shadowed entries, and never fails — an empty candidate list simply
// yields a nil winner.
func (r *Resolver) Explain(domain candidate.Domain, key string) candidate.ResolutionResult {
	k := candidate.Key{Domain: domain, Key: key}

	r.mu.RLock()
	list := append([]candidate.Candidate(nil), r.candidates[k]...)
	r.mu.RUnlock()

	result := candidate.ResolutionResult{Domain: domain, Key: key}
	if len(list) == 0 {
		result.Trace = []string{"no candidates registered"}
		return result
	}
	winner := list[0]
	result.Winner = &winner
	result.Shadowed = list[1:]
	result.Trace = traceFor(list)
	return result
}

// List returns a snapshot ResolutionResult for every (domain, key) the
// registry knows about, optionally filtered to a single domain.
func (r *Resolver) List(domain *candidate.Domain) []candidate.ResolutionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]candidate.ResolutionResult, 0, len(r.candidates))
	for k, list := range r.candidates {
		if domain != nil && k.Domain != *domain {
			continue
		}
		cp := append([]candidate.Candidate(nil), list...)
		result := candidate.ResolutionResult{Domain: k.Domain, Key: k.Key}
		if len(cp) > 0 {
			winner := cp[0]
			result.Winner = &winner
			result.Shadowed = cp[1:]
		}
		result.Trace = traceFor(cp)
		results = append(results, result)
	}
	return results
}

func shadowedExcept(list []candidate.Candidate, winnerIdx int) []candidate.Candidate {
	out := make([]candidate.Candidate, 0, len(list)-1)
	for i, c := range list {
		if i != winnerIdx {
			out = append(out, c)
		}
	}
	return out
}

func traceFor(list []candidate.Candidate) []string {
	trace := make([]string, 0, len(list))
	for i, c := range list {
		role := "shadowed"
		if i == 0 {
			role = "winner"
		}
		trace = append(trace, fmt.Sprintf(
			"%s: provider=%s source=%s stack_level=%d priority=%d",
			role, c.Provider, c.Source, c.StackLevel, c.Priority))
	}
	return trace
}
