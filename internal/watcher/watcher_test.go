package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
	"github.com/oneiric-dev/oneiric/internal/watcher"
)

type stubInstance struct{}

func (stubInstance) Health(context.Context) lifecycle.Health { return lifecycle.Health{OK: true} }
func (stubInstance) Close(context.Context) error             { return nil }

func setup(t *testing.T) (*lifecycle.Manager, *resolver.Resolver, *activity.Store, string) {
	t.Helper()
	r := resolver.New()
	factories := lifecycle.NewFactoryRegistry()
	factories.Register("oneiric.adapters.memory", func(context.Context, candidate.Candidate) (lifecycle.Instance, error) {
		return stubInstance{}, nil
	})
	factories.Register("oneiric.adapters.redis", func(context.Context, candidate.Candidate) (lifecycle.Instance, error) {
		return stubInstance{}, nil
	})
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory", Factory: "oneiric.adapters.memory", Source: candidate.SourceInline})
	r.Register(candidate.Candidate{Domain: candidate.DomainAdapter, Key: "cache", Provider: "redis", Factory: "oneiric.adapters.redis", Source: candidate.SourceLocalConfig})

	mgr := lifecycle.New(lifecycle.Options{
		Resolver:  r,
		Allowlist: security.DefaultAllowlist(),
		Factories: factories,
		Activity:  activity.New(activity.NewMemoryBackend()),
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "selection.json")
	return mgr, r, activity.New(activity.NewMemoryBackend()), path
}

func TestWatcher_InitialSync_ActivatesSelection(t *testing.T) {
	mgr, _, act, path := setup(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"entries":[{"domain":"adapter","key":"cache","provider":"memory"}]}`), 0o644))

	w := watcher.New(watcher.Options{Path: path, Debounce: 10 * time.Millisecond, Lifecycle: mgr, Activity: act})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		e := mgr.Entry(candidate.DomainAdapter, "cache")
		return e.ActiveCandidate != nil && e.ActiveCandidate.Provider == "memory"
	}, time.Second, 10*time.Millisecond)
}

func TestWatcher_Debounced_SwapsOnChange(t *testing.T) {
	mgr, _, act, path := setup(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"entries":[{"domain":"adapter","key":"cache","provider":"memory"}]}`), 0o644))

	w := watcher.New(watcher.Options{Path: path, Debounce: 20 * time.Millisecond, Lifecycle: mgr, Activity: act})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		e := mgr.Entry(candidate.DomainAdapter, "cache")
		return e.ActiveCandidate != nil && e.ActiveCandidate.Provider == "memory"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"entries":[{"domain":"adapter","key":"cache","provider":"redis"}]}`), 0o644))

	assert.Eventually(t, func() bool {
		e := mgr.Entry(candidate.DomainAdapter, "cache")
		return e.ActiveCandidate != nil && e.ActiveCandidate.Provider == "redis"
	}, time.Second, 10*time.Millisecond)
}
