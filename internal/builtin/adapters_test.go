package builtin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/builtin"
	"github.com/oneiric-dev/oneiric/internal/candidate"
)

func TestMemoryCacheFactory_GetSetHealth(t *testing.T) {
	factory := builtin.NewMemoryCacheFactory()
	inst, err := factory(context.Background(), candidate.Candidate{})
	require.NoError(t, err)

	cache := inst.(*builtin.MemoryCache)
	cache.Set("k", "v")
	v, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	health := cache.Health(context.Background())
	assert.True(t, health.OK)
	require.NoError(t, cache.Close(context.Background()))
}
