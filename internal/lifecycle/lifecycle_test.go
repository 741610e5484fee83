package lifecycle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/onerr"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
)

type fakeInstance struct {
	name    string
	healthy bool
	closed  bool
}

func (f *fakeInstance) Health(context.Context) lifecycle.Health {
	return lifecycle.Health{OK: f.healthy, Detail: f.name}
}

func (f *fakeInstance) Close(context.Context) error {
	f.closed = true
	return nil
}

func newManager(t *testing.T) (*lifecycle.Manager, *resolver.Resolver, *lifecycle.FactoryRegistry, map[string]*fakeInstance) {
	t.Helper()
	r := resolver.New()
	factories := lifecycle.NewFactoryRegistry()
	instances := make(map[string]*fakeInstance)

	registerFactory := func(name string, healthy bool) {
		factories.Register(name, func(ctx context.Context, c candidate.Candidate) (lifecycle.Instance, error) {
			inst := &fakeInstance{name: c.Provider, healthy: healthy}
			instances[c.Provider] = inst
			return inst, nil
		})
	}
	registerFactory("oneiric.adapters.memory", true)
	registerFactory("oneiric.adapters.redis", false)

	mgr := lifecycle.New(lifecycle.Options{
		Resolver:  r,
		Allowlist: security.DefaultAllowlist(),
		Factories: factories,
		Activity:  activity.New(activity.NewMemoryBackend()),
	})
	return mgr, r, factories, instances
}

func TestActivate_Success(t *testing.T) {
	mgr, r, _, _ := newManager(t)
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory", Factory: "oneiric.adapters.memory", Source: candidate.SourceInline})

	inst, err := mgr.Activate(context.Background(), candidate.DomainAdapter, "cache", nil)
	require.NoError(t, err)
	require.NotNil(t, inst)

	entry := mgr.Entry(candidate.DomainAdapter, "cache")
	assert.Equal(t, lifecycle.StateReady, entry.State)
	require.NotNil(t, entry.ActiveCandidate)
	assert.Equal(t, "memory", entry.ActiveCandidate.Provider)
}

func TestSwap_RollbackOnHealthFailure(t *testing.T) {
	mgr, r, _, instances := newManager(t)
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory", Factory: "oneiric.adapters.memory", Source: candidate.SourceInline})
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "redis", Factory: "oneiric.adapters.redis", Source: candidate.SourceLocalConfig})

	ctx := context.Background()
	_, err := mgr.Activate(ctx, candidate.DomainAdapter, "cache", nil)
	require.NoError(t, err)

	err = mgr.Swap(ctx, candidate.DomainAdapter, "cache", "redis")
	require.Error(t, err)
	assert.True(t, onerr.Is(err, onerr.KindSwapFailed))

	entry := mgr.Entry(candidate.DomainAdapter, "cache")
	assert.Equal(t, lifecycle.StateReady, entry.State)
	require.NotNil(t, entry.ActiveCandidate)
	assert.Equal(t, "memory", entry.ActiveCandidate.Provider, "prior instance must remain active after a failed swap")
	assert.False(t, instances["memory"].closed, "old instance reference must be unchanged, not closed, on rollback")
}

func TestActivate_FactoryDenied(t *testing.T) {
	mgr, r, _, _ := newManager(t)
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "evil", Factory: "not.allowed.factory", Source: candidate.SourceInline})

	_, err := mgr.Activate(context.Background(), candidate.DomainAdapter, "cache", nil)
	require.Error(t, err)
	assert.True(t, onerr.Is(err, onerr.KindFactoryDenied))
}

func TestQuiesce_RejectsNewOperationsAndWaitsForInFlight(t *testing.T) {
	mgr, r, _, _ := newManager(t)
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory", Factory: "oneiric.adapters.memory", Source: candidate.SourceInline})

	ctx := context.Background()
	require.NoError(t, mgr.Quiesce(ctx))
	assert.Zero(t, mgr.InFlight())

	_, err := mgr.Activate(ctx, candidate.DomainAdapter, "cache", nil)
	require.Error(t, err)
	assert.True(t, onerr.Is(err, onerr.KindNotReady))
}

func TestPause_BlocksSwap(t *testing.T) {
	mgr, r, _, _ := newManager(t)
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory", Factory: "oneiric.adapters.memory", Source: candidate.SourceInline})

	ctx := context.Background()
	_, err := mgr.Activate(ctx, candidate.DomainAdapter, "cache", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Pause(ctx, candidate.DomainAdapter, "cache", "maintenance"))

	err = mgr.Swap(ctx, candidate.DomainAdapter, "cache", "memory")
	require.Error(t, err)
	assert.True(t, onerr.Is(err, onerr.KindPaused))
}
