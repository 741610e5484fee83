package bridges

import (
	"context"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
)

// AdapterBridge exposes use(key), the Adapter domain's sole distinct
// verb beyond activate/swap (spec.md §4.7).
type AdapterBridge struct{ base }

// BuildAdapter constructs an AdapterBridge from a Builder.
func (b *Builder) BuildAdapter() *AdapterBridge {
	bb := b.toBase()
	bb.domain = candidate.DomainAdapter
	return &AdapterBridge{base: bb}
}

// Use ensures (domain, key) is ready, activating it lazily if it is
// not, and returns the live instance. Rejects if paused/draining.
func (a *AdapterBridge) Use(ctx context.Context, key string) (lifecycle.Instance, error) {
	if err := a.checkActivity(ctx, key); err != nil {
		return nil, err
	}
	return a.ensureReady(ctx, key)
}
