package bridges

import (
	"context"
	"fmt"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/onerr"
)

// Kit is a stateless helper instance invoked for a single operation, the
// product a candidate factory builds for the Action domain.
type Kit interface {
	lifecycle.Instance
	Invoke(ctx context.Context, op string, args map[string]any) (any, error)
}

// ActionBridge exposes invoke(kit, op, args), a one-shot call against a
// stateless helper (spec.md §4.7).
type ActionBridge struct{ base }

// BuildAction constructs an ActionBridge from a Builder.
func (b *Builder) BuildAction() *ActionBridge {
	bb := b.toBase()
	bb.domain = candidate.DomainAction
	return &ActionBridge{base: bb}
}

// Invoke ensures kit is ready and calls op on it with args, without
// retaining any state between calls.
func (a *ActionBridge) Invoke(ctx context.Context, kit string, op string, args map[string]any) (any, error) {
	if err := a.checkActivity(ctx, kit); err != nil {
		return nil, err
	}
	inst, err := a.ensureReady(ctx, kit)
	if err != nil {
		return nil, err
	}
	k, ok := inst.(Kit)
	if !ok {
		return nil, onerr.New(onerr.KindActivationFailed, fmt.Sprintf("candidate for action kit %q does not implement Kit", kit))
	}
	return k.Invoke(ctx, op, args)
}
