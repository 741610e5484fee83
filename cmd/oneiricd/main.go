// Command oneiricd is the Oneiric runtime daemon: it boots the
// Resolver, Lifecycle Manager, Activity Store, Remote Loader, Selection
// Watcher, and HTTP control surface, then serves until signalled to
// stop.
//
// Flag/signal handling is grounded on cmd/appserver/main.go's pattern of
// flag.Parse, SIGINT/SIGTERM, and a timed shutdown context.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/builtin"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/config"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/oneiriclog"
	"github.com/oneiric-dev/oneiric/internal/orchestrator"
	"github.com/oneiric-dev/oneiric/internal/remote"
	"github.com/oneiric-dev/oneiric/internal/resolver"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address (overrides ONEIRIC_HTTP_ADDR)")
	profile := flag.String("profile", "", "Settings profile preset (overrides ONEIRIC_PROFILE)")
	activityBackend := flag.String("activity-backend", "", "activity store backend: memory, file, redis, postgres (overrides ONEIRIC_ACTIVITY_BACKEND)")
	flag.Parse()

	settings := config.Load()
	if *addr != "" {
		settings.HTTPAddr = *addr
	}
	if *profile != "" {
		settings.Profile = *profile
	}

	log_ := oneiriclog.New("oneiricd", settings.LogLevel, settings.LogFormat)

	backendKind := config.GetEnv("ONEIRIC_ACTIVITY_BACKEND", "file")
	if *activityBackend != "" {
		backendKind = *activityBackend
	}
	backend, err := buildActivityBackend(backendKind, settings)
	if err != nil {
		log.Fatalf("build activity backend: %v", err)
	}

	factories := lifecycle.NewFactoryRegistry()
	factories.Register(builtin.MemoryCacheFactory, builtin.NewMemoryCacheFactory())
	factories.Register(builtin.RedisCacheFactory, builtin.NewRedisCacheFactory())

	var remoteSources []remote.Source
	if uris := config.GetEnv("ONEIRIC_REMOTE_MANIFESTS", ""); uris != "" {
		for _, uri := range config.SplitAndTrimCSV(uris) {
			remoteSources = append(remoteSources, remote.Source{URI: uri})
		}
	}

	o, err := orchestrator.New(orchestrator.Options{
		Settings:        settings,
		Log:             log_,
		Factories:       factories,
		ActivityBackend: backend,
		RemoteSources:   remoteSources,
		Registrar:       registerEntryPointCandidates,
	})
	if err != nil {
		log.Fatalf("construct orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log_.Infof("oneiricd listening on %s (profile=%q)", settings.HTTPAddr, settings.Profile)
	if err := o.Run(ctx); err != nil {
		log.Fatalf("orchestrator run: %v", err)
	}
}

// registerEntryPointCandidates wires the lowest-precedence, always-available
// fallbacks (spec.md §3's entry_point tier) so the runtime has something
// to resolve before any local config or remote manifest arrives.
func registerEntryPointCandidates(r *resolver.Resolver) {
	r.Register(candidate.Candidate{
		Domain:   candidate.DomainAdapter,
		Key:      "cache",
		Provider: "memory",
		Factory:  builtin.MemoryCacheFactory,
		Source:   candidate.SourceEntryPoint,
	})
}

func buildActivityBackend(kind string, settings config.Settings) (activity.Backend, error) {
	switch strings.ToLower(kind) {
	case "", "memory":
		return activity.NewMemoryBackend(), nil
	case "file":
		return activity.NewFileBackend(settings.ActivityStorePath)
	case "redis":
		addr := config.GetEnv("ONEIRIC_ACTIVITY_REDIS_ADDR", "localhost:6379")
		return activity.NewRedisBackend(redisClient(addr), "oneiric:activity:"), nil
	case "postgres":
		dsn := config.GetEnv("ONEIRIC_ACTIVITY_POSTGRES_DSN", "")
		if dsn == "" {
			return nil, fmt.Errorf("ONEIRIC_ACTIVITY_POSTGRES_DSN required for postgres activity backend")
		}
		return activity.NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("unknown activity backend %q", kind)
	}
}

func redisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
