// Package bridges implements the six Domain Bridges of spec.md §4.7:
// Adapter, Service, Task, Event, Workflow, and Action. Each wraps the
// same Resolver + Lifecycle Manager + Activity Store primitives behind
// domain-specific verbs, built with a ServiceBuilder-style fluent
// constructor grounded on internal/framework/builder.go.
//
// Every verb below first consults the Activity Store and rejects with
// Paused/Draining when applicable, per spec.md §4.7's closing rule.
package bridges

import (
	"context"
	"fmt"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/onerr"
	"github.com/oneiric-dev/oneiric/internal/resolver"
)

// base is embedded by every bridge, carrying the shared primitives and
// the activity pre-check every verb runs before touching the lifecycle
// manager.
type base struct {
	domain    candidate.Domain
	lifecycle *lifecycle.Manager
	resolver  *resolver.Resolver
	activity  *activity.Store
}

// checkActivity rejects the call if (domain, key) is paused or draining.
func (b *base) checkActivity(ctx context.Context, key string) error {
	if b.activity == nil {
		return nil
	}
	rec, err := b.activity.Get(ctx, b.domain, key)
	if err != nil {
		return nil
	}
	switch rec.State {
	case activity.StatePaused:
		return onerr.New(onerr.KindPaused, fmt.Sprintf("(%s, %s) is paused: %s", b.domain, key, rec.Reason))
	case activity.StateDraining:
		return onerr.New(onerr.KindDraining, fmt.Sprintf("(%s, %s) is draining: %s", b.domain, key, rec.Reason))
	}
	return nil
}

// ensureReady activates (domain, key) lazily if it isn't already, the
// "ensures ready, else activates lazily" behavior the Adapter and
// Service bridges both need.
func (b *base) ensureReady(ctx context.Context, key string) (lifecycle.Instance, error) {
	entry := b.lifecycle.Entry(b.domain, key)
	if entry.State == lifecycle.StateReady && entry.Instance != nil {
		return entry.Instance, nil
	}
	return b.lifecycle.Activate(ctx, b.domain, key, nil)
}

// Builder is the fluent constructor shared by every bridge, grounded on
// ServiceBuilder's chained With* pattern.
type Builder struct {
	domain    candidate.Domain
	lifecycle *lifecycle.Manager
	resolver  *resolver.Resolver
	activity  *activity.Store
}

// NewBuilder starts a bridge builder for the given domain.
func NewBuilder(domain candidate.Domain) *Builder {
	return &Builder{domain: domain}
}

// WithLifecycle sets the Lifecycle Manager a bridge operates over.
func (b *Builder) WithLifecycle(m *lifecycle.Manager) *Builder {
	b.lifecycle = m
	return b
}

// WithResolver sets the Resolver a bridge operates over.
func (b *Builder) WithResolver(r *resolver.Resolver) *Builder {
	b.resolver = r
	return b
}

// WithActivity sets the Activity Store a bridge consults before every
// verb.
func (b *Builder) WithActivity(s *activity.Store) *Builder {
	b.activity = s
	return b
}

func (b *Builder) toBase() base {
	return base{domain: b.domain, lifecycle: b.lifecycle, resolver: b.resolver, activity: b.activity}
}
