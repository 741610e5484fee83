package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/httpapi"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
)

type fakeInstance struct{}

func (fakeInstance) Health(context.Context) lifecycle.Health {
	return lifecycle.Health{OK: true, Timestamp: time.Now()}
}
func (fakeInstance) Close(context.Context) error { return nil }

func newTestServer(t *testing.T) (*httpapi.Server, *resolver.Resolver, *lifecycle.Manager) {
	t.Helper()
	r := resolver.New()
	factories := lifecycle.NewFactoryRegistry()
	factories.Register("oneiric.adapters.memory", func(context.Context, candidate.Candidate) (lifecycle.Instance, error) {
		return fakeInstance{}, nil
	})
	act := activity.New(activity.NewMemoryBackend())
	mgr := lifecycle.New(lifecycle.Options{
		Resolver:  r,
		Allowlist: security.DefaultAllowlist(),
		Factories: factories,
		Activity:  act,
	})

	server := &httpapi.Server{
		Resolver:  r,
		Lifecycle: mgr,
		Activity:  act,
		Health:    httpapi.NewHealthAggregator(mgr, time.Second),
	}
	return server, r, mgr
}

func TestHandleListCandidates_RedactsSettings(t *testing.T) {
	server, r, _ := newTestServer(t)
	r.Register(candidate.Candidate{
		Domain: candidate.DomainAdapter, Key: "cache", Provider: "redis",
		Factory: "oneiric.adapters.memory", Source: candidate.SourceInline,
		Settings: map[string]any{"addr": "localhost:6379", "password": "hunter2"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/candidates", nil)
	rw := httptest.NewRecorder()
	server.Router().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var results []candidate.ResolutionResult
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "[REDACTED]", results[0].Winner.Settings["password"])
	assert.Equal(t, "localhost:6379", results[0].Winner.Settings["addr"])
}

func TestHandleSwapAndPause_RoundTrip(t *testing.T) {
	server, r, mgr := newTestServer(t)
	r.Register(candidate.Candidate{
		Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory",
		Factory: "oneiric.adapters.memory", Source: candidate.SourceInline,
	})
	_, err := mgr.Activate(context.Background(), candidate.DomainAdapter, "cache", nil)
	require.NoError(t, err)

	pauseReq := httptest.NewRequest(http.MethodPost, "/v1/activity/adapter/cache/pause", nil)
	pauseRw := httptest.NewRecorder()
	server.Router().ServeHTTP(pauseRw, pauseReq)
	assert.Equal(t, http.StatusNoContent, pauseRw.Code)

	swapReq := httptest.NewRequest(http.MethodPost, "/v1/lifecycle/adapter/cache/swap", nil)
	swapRw := httptest.NewRecorder()
	server.Router().ServeHTTP(swapRw, swapReq)
	assert.Equal(t, http.StatusConflict, swapRw.Code, "swap must be rejected while paused")
}

func TestHandleStatus_ListsTrackedKeys(t *testing.T) {
	server, r, mgr := newTestServer(t)
	r.Register(candidate.Candidate{
		Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory",
		Factory: "oneiric.adapters.memory", Source: candidate.SourceInline,
	})
	_, err := mgr.Activate(context.Background(), candidate.DomainAdapter, "cache", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rw := httptest.NewRecorder()
	server.Router().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 1)
}
