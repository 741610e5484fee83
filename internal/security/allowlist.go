// Package security implements the Security Gate: a factory allowlist, a
// canonical-JSON Ed25519 signature verifier, and a path sanitizer for
// cache filenames derived from remote manifest entries.
package security

import "path"

// FactoryAllowlist is a set of glob-like patterns (as matched by
// path.Match) that a factory reference string must satisfy before the
// Lifecycle Manager is allowed to invoke it. Patterns are pure data;
// Allow never imports or executes anything.
type FactoryAllowlist struct {
	patterns []string
}

// DefaultAllowlist matches the built-in adapter/action namespaces named
// in spec.md §4.2, plus any operator-supplied additions.
func DefaultAllowlist(extra ...string) *FactoryAllowlist {
	patterns := []string{
		"oneiric.adapters.*",
		"oneiric.services.*",
		"oneiric.tasks.*",
		"oneiric.events.*",
		"oneiric.workflows.*",
		"oneiric.actions.*",
	}
	patterns = append(patterns, extra...)
	return &FactoryAllowlist{patterns: patterns}
}

// NewFactoryAllowlist builds an allowlist from an explicit pattern set,
// used by tests and by operators who want to replace the defaults
// entirely rather than extend them.
func NewFactoryAllowlist(patterns []string) *FactoryAllowlist {
	return &FactoryAllowlist{patterns: append([]string(nil), patterns...)}
}

// Allow reports whether factory matches any configured pattern. It is a
// pure function: no code is loaded, no filesystem touched.
func (a *FactoryAllowlist) Allow(factory string) bool {
	for _, pattern := range a.patterns {
		if ok, err := path.Match(pattern, factory); err == nil && ok {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns, for `explain`-style
// diagnostics.
func (a *FactoryAllowlist) Patterns() []string {
	return append([]string(nil), a.patterns...)
}
