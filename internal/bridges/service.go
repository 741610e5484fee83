package bridges

import (
	"context"

	"github.com/oneiric-dev/oneiric/internal/candidate"
)

// ServiceBridge exposes start/stop, wrapping activate/cleanup with an
// explicit user verb (spec.md §4.7).
type ServiceBridge struct{ base }

// BuildService constructs a ServiceBridge from a Builder.
func (b *Builder) BuildService() *ServiceBridge {
	bb := b.toBase()
	bb.domain = candidate.DomainService
	return &ServiceBridge{base: bb}
}

// Start activates (domain, key), a no-op if it is already ready.
func (s *ServiceBridge) Start(ctx context.Context, key string) error {
	if err := s.checkActivity(ctx, key); err != nil {
		return err
	}
	_, err := s.ensureReady(ctx, key)
	return err
}

// Stop cleans up and idles (domain, key).
func (s *ServiceBridge) Stop(ctx context.Context, key string) error {
	if err := s.checkActivity(ctx, key); err != nil {
		return err
	}
	return s.lifecycle.Cleanup(ctx, s.domain, key)
}
