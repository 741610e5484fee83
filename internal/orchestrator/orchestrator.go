// Package orchestrator implements the Runtime Orchestrator of spec.md
// §4.8: the boot sequence (settings, registries, remote sync, watcher,
// supervisor, HTTP surface) and graceful shutdown.
//
// The boot ordering and shutdown's drain-then-cleanup shape are
// grounded on system/bootstrap/bootstrap.go; the single LIFO stop-time
// hook list is a simplification of the phased hooks in
// system/framework/lifecycle/hooks.go.
package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/bridges"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/config"
	"github.com/oneiric-dev/oneiric/internal/httpapi"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/oneiriclog"
	"github.com/oneiric-dev/oneiric/internal/remote"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
	"github.com/oneiric-dev/oneiric/internal/watcher"
)

// Hook is a named shutdown step, run in LIFO order during Stop, mirroring
// the teacher's pre-stop/post-stop hook list.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator wires every Oneiric component together and drives the
// boot/shutdown sequence.
type Orchestrator struct {
	Settings  config.Settings
	Resolver  *resolver.Resolver
	Lifecycle *lifecycle.Manager
	Activity  *activity.Store
	Remote    *remote.Loader
	Watcher   *watcher.Watcher
	Health    *httpapi.HealthAggregator
	Log       *oneiriclog.Logger

	httpServer *http.Server
	hooks      []Hook
	cancelBg   context.CancelFunc
}

// Registrar supplies the boot sequence's inline/local-config/entry-point
// candidates (steps 2-4 of spec.md §4.8), kept as a caller-supplied
// function so the orchestrator itself stays domain-agnostic.
type Registrar func(r *resolver.Resolver)

// Options configures New.
type Options struct {
	Settings      config.Settings
	Log           *oneiriclog.Logger
	Factories     *lifecycle.FactoryRegistry
	Registrar     Registrar
	ActivityBackend activity.Backend
	RemoteSources []remote.Source
}

// New constructs an Orchestrator and performs boot steps 1-4 of spec.md
// §4.8 (settings, registries, static candidate registration). Call Run
// to complete steps 5-8 and block until Stop is called.
func New(opts Options) (*Orchestrator, error) {
	log := opts.Log
	if log == nil {
		log = oneiriclog.NewFromEnv("orchestrator")
	}

	r := resolver.New()
	actBackend := opts.ActivityBackend
	if actBackend == nil {
		actBackend = activity.NewMemoryBackend()
	}
	act := activity.New(actBackend)

	allowlist := security.DefaultAllowlist()
	mgr := lifecycle.New(lifecycle.Options{
		Resolver:  r,
		Allowlist: allowlist,
		Factories: opts.Factories,
		Activity:  act,
		Log:       log,
	})

	if opts.Registrar != nil {
		opts.Registrar(r)
	}

	var loader *remote.Loader
	if opts.Settings.RemoteEnabled {
		sanitizer, err := security.NewPathSanitizer(opts.Settings.CacheRoot)
		if err != nil {
			return nil, err
		}
		loader = remote.New(remote.Options{
			Resolver:    r,
			Allowlist:   allowlist,
			Sanitizer:   sanitizer,
			MaxBytes:    opts.Settings.RemoteMaxManifestSize,
			HTTPTimeout: opts.Settings.RemoteHTTPTimeout,
			Log:         log,
		})
		for _, src := range opts.RemoteSources {
			loader.AddSource(src)
		}
	}

	var sw *watcher.Watcher
	if opts.Settings.WatcherEnabled && opts.Settings.SelectionConfigPath != "" {
		sw = watcher.New(watcher.Options{
			Path:      opts.Settings.SelectionConfigPath,
			Debounce:  opts.Settings.WatcherDebounce,
			Lifecycle: mgr,
			Activity:  act,
			Log:       log,
		})
	}

	return &Orchestrator{
		Settings:  opts.Settings,
		Resolver:  r,
		Lifecycle: mgr,
		Activity:  act,
		Remote:    loader,
		Watcher:   sw,
		Health:    httpapi.NewHealthAggregator(mgr, 5*time.Second),
		Log:       log,
	}, nil
}

// AddHook registers a shutdown step, run LIFO relative to registration
// order.
func (o *Orchestrator) AddHook(h Hook) {
	o.hooks = append(o.hooks, h)
}

// Run completes boot steps 5-8 (remote sync, watcher, HTTP surface) and
// blocks serving HTTP until ctx is cancelled, at which point it runs
// Stop automatically.
func (o *Orchestrator) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	o.cancelBg = cancel

	if o.Remote != nil {
		o.Remote.SyncAll(ctx)
		go o.remoteSyncLoop(bgCtx)
	}

	if o.Watcher != nil {
		go func() {
			if err := o.Watcher.Run(bgCtx); err != nil && o.Log != nil {
				o.Log.WithFields(map[string]any{}).Warnf("selection watcher stopped: %v", err)
			}
		}()
	}

	if o.Settings.SupervisorEnabled {
		go o.healthSnapshotLoop(bgCtx)
	}

	workflowBridge := bridges.NewBuilder(candidate.DomainWorkflow).
		WithResolver(o.Resolver).WithLifecycle(o.Lifecycle).WithActivity(o.Activity).BuildWorkflow()
	adapterBridge := bridges.NewBuilder(candidate.DomainAdapter).
		WithResolver(o.Resolver).WithLifecycle(o.Lifecycle).WithActivity(o.Activity).BuildAdapter()
	serviceBridge := bridges.NewBuilder(candidate.DomainService).
		WithResolver(o.Resolver).WithLifecycle(o.Lifecycle).WithActivity(o.Activity).BuildService()
	taskBridge := bridges.NewBuilder(candidate.DomainTask).
		WithResolver(o.Resolver).WithLifecycle(o.Lifecycle).WithActivity(o.Activity).BuildTask(o.Settings.TaskSchedulePath)
	eventBridge := bridges.NewBuilder(candidate.DomainEvent).
		WithResolver(o.Resolver).WithLifecycle(o.Lifecycle).WithActivity(o.Activity).BuildEvent()
	actionBridge := bridges.NewBuilder(candidate.DomainAction).
		WithResolver(o.Resolver).WithLifecycle(o.Lifecycle).WithActivity(o.Activity).BuildAction()

	if err := taskBridge.LoadPersisted(func(ctx context.Context, key string) {
		if _, err := adapterBridge.Use(ctx, key); err != nil && o.Log != nil {
			o.Log.WithFields(map[string]any{"key": key}).Warnf("scheduled task fire failed: %v", err)
		}
	}); err != nil && o.Log != nil {
		o.Log.WithFields(map[string]any{}).Warnf("task schedule restore failed: %v", err)
	}
	o.AddHook(Hook{Name: "task-bridge", Run: func(ctx context.Context) error { taskBridge.Stop(); return nil }})

	server := &httpapi.Server{
		Resolver:  o.Resolver,
		Lifecycle: o.Lifecycle,
		Activity:  o.Activity,
		Remote:    o.Remote,
		Workflow:  workflowBridge,
		Adapter:   adapterBridge,
		Service:   serviceBridge,
		Task:      taskBridge,
		Event:     eventBridge,
		Action:    actionBridge,
		Health:    o.Health,
		Log:       o.Log,
	}
	o.httpServer = &http.Server{Addr: o.Settings.HTTPAddr, Handler: server.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return o.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

func (o *Orchestrator) remoteSyncLoop(ctx context.Context) {
	interval := o.Settings.RemoteSyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Remote.SyncAll(ctx)
		}
	}
}

// healthSnapshotLoop periodically aggregates component health and
// writes it to Settings.HealthSnapshotPath (spec.md §4.8 step 7, §6:
// "Health snapshot: JSON file written atomically... every N seconds"),
// the Service Supervisor's sole responsibility. Gated on
// Settings.SupervisorEnabled.
func (o *Orchestrator) healthSnapshotLoop(ctx context.Context) {
	interval := o.Settings.HealthSnapshotInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.writeHealthSnapshot(ctx)
		}
	}
}

// writeHealthSnapshot aggregates health and persists it via the same
// temp-file-then-rename pattern internal/activity/store.go uses for its
// FileBackend, so a reader never observes a partially written snapshot.
func (o *Orchestrator) writeHealthSnapshot(ctx context.Context) {
	path := o.Settings.HealthSnapshotPath
	if path == "" {
		return
	}
	report := o.Health.Aggregate(ctx)
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		if o.Log != nil {
			o.Log.WithFields(map[string]any{}).Warnf("encode health snapshot: %v", err)
		}
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		if o.Log != nil {
			o.Log.WithFields(map[string]any{}).Warnf("create health snapshot dir: %v", err)
		}
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		if o.Log != nil {
			o.Log.WithFields(map[string]any{}).Warnf("write health snapshot: %v", err)
		}
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		if o.Log != nil {
			o.Log.WithFields(map[string]any{}).Warnf("commit health snapshot: %v", err)
		}
	}
}

// Stop runs the shutdown sequence of spec.md §4.8: stop watchers and
// timers, drain in-flight lifecycle ops (Lifecycle.Quiesce rejects new
// Activate/Swap/Drain calls and waits for the ones already running),
// cleanup all ready instances, then every registered hook in LIFO order.
// The Activity Store has no separate flush step here; its backend
// commits each Set and Clear when it is made.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancelBg != nil {
		o.cancelBg()
	}
	if o.httpServer != nil {
		_ = o.httpServer.Shutdown(ctx)
	}

	quiesceCtx, cancelQuiesce := context.WithTimeout(ctx, 30*time.Second)
	err := o.Lifecycle.Quiesce(quiesceCtx)
	cancelQuiesce()
	if err != nil && o.Log != nil {
		o.Log.WithFields(map[string]any{}).Warnf("quiesce did not complete cleanly: %v", err)
	}

	for _, k := range o.Lifecycle.AllKeys() {
		_ = o.Lifecycle.Cleanup(ctx, k.Domain, k.Key)
	}

	for i := len(o.hooks) - 1; i >= 0; i-- {
		h := o.hooks[i]
		if err := h.Run(ctx); err != nil && o.Log != nil {
			o.Log.WithFields(map[string]any{"hook": h.Name}).Warnf("shutdown hook failed: %v", err)
		}
	}
	return nil
}
