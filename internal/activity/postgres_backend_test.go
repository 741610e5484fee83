package activity_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/candidate"
)

// TestPostgresBackend_Integration exercises the real Postgres backend
// (schema migration, round trip, delete) against a live database; it is
// skipped unless one is provided, the same pattern the teacher uses for
// its storage/postgres integration test.
func TestPostgresBackend_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_ACTIVITY_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_ACTIVITY_POSTGRES_DSN not set; skipping postgres activity store integration test")
	}

	backend, err := activity.NewPostgresBackend(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := activity.New(backend)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, candidate.DomainAdapter, "cache", activity.StatePaused, "maintenance"))

	rec, err := store.Get(ctx, candidate.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.Equal(t, activity.StatePaused, rec.State)

	require.NoError(t, store.Clear(ctx, candidate.DomainAdapter, "cache"))
	rec, err = store.Get(ctx, candidate.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.Equal(t, activity.StateAccepting, rec.State)
}
