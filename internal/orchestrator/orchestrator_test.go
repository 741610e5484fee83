package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/config"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/orchestrator"
	"github.com/oneiric-dev/oneiric/internal/resolver"
)

type stubInstance struct{}

func (stubInstance) Health(context.Context) lifecycle.Health { return lifecycle.Health{OK: true} }
func (stubInstance) Close(context.Context) error             { return nil }

func TestOrchestrator_RunServesHealthzAndStatus(t *testing.T) {
	factories := lifecycle.NewFactoryRegistry()
	factories.Register("oneiric.adapters.memory", func(context.Context, candidate.Candidate) (lifecycle.Instance, error) {
		return stubInstance{}, nil
	})

	settings := config.Settings{
		HTTPAddr:         "127.0.0.1:18732",
		RemoteEnabled:    false,
		WatcherEnabled:   false,
		SupervisorEnabled: false,
	}

	o, err := orchestrator.New(orchestrator.Options{
		Settings:  settings,
		Factories: factories,
		Registrar: func(r *resolver.Resolver) {
			r.Register(candidate.Candidate{
				Domain: candidate.DomainAdapter, Key: "cache", Provider: "memory",
				Factory: "oneiric.adapters.memory", Source: candidate.SourceInline,
			})
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- o.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://127.0.0.1:18732/healthz")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 1*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	statusResp, err := http.Get("http://127.0.0.1:18732/v1/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)

	cancel()
	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down in time")
	}
}
