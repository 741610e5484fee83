// Package candidate defines the shared data model of spec.md §3:
// Candidate, ResolutionResult, and the precedence/tie-break ordering the
// Resolver enforces.
package candidate

import "sort"

// Domain is one of the six pluggable component categories.
type Domain string

const (
	DomainAdapter  Domain = "adapter"
	DomainService  Domain = "service"
	DomainTask     Domain = "task"
	DomainEvent    Domain = "event"
	DomainWorkflow Domain = "workflow"
	DomainAction   Domain = "action"
)

// Source is the precedence tier a candidate was registered under,
// highest-precedence first.
type Source string

const (
	SourceInline        Source = "inline"
	SourceLocalConfig   Source = "local_config"
	SourceRemoteManifest Source = "remote_manifest"
	SourceEntryPoint    Source = "entry_point"
)

// tierRank gives the four-tier precedence order; lower rank wins.
var tierRank = map[Source]int{
	SourceInline:         0,
	SourceLocalConfig:    1,
	SourceRemoteManifest: 2,
	SourceEntryPoint:     3,
}

// Candidate is one registered way to satisfy a (domain, key).
type Candidate struct {
	Domain       Domain
	Key          string
	Provider     string
	Factory      string // canonical "module.path:symbol" form
	Priority     int
	StackLevel   int
	Source       Source
	Settings     map[string]any
	Capabilities []string
	Metadata     map[string]any
}

// Identity returns the four-tuple that must be unique in the registry.
func (c Candidate) Identity() (Domain, string, string, Source) {
	return c.Domain, c.Key, c.Provider, c.Source
}

// Key identifies the (domain, key) slot a candidate list is keyed by.
type Key struct {
	Domain Domain
	Key    string
}

// ResolutionResult is the outcome of resolving a (domain, key): the
// winning candidate, the candidates it shadowed (in precedence order),
// and a human-readable trace of how the decision was reached.
type ResolutionResult struct {
	Domain   Domain
	Key      string
	Winner   *Candidate
	Shadowed []Candidate
	Trace    []string
}

// Sort orders candidates by the four-tier precedence rule of spec.md
// §3: source tier ascending (inline first), then stack_level descending,
// then priority descending, then provider lexicographically for a
// deterministic tie-break.
func Sort(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := tierRank[a.Source], tierRank[b.Source]; ra != rb {
			return ra < rb
		}
		if a.StackLevel != b.StackLevel {
			return a.StackLevel > b.StackLevel
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Provider < b.Provider
	})
}
