// Package lifecycle implements the Lifecycle Manager of spec.md §4.3: a
// per-(domain,key) state machine that activates, swaps, pauses, drains,
// and cleans up candidate instances under concurrency, with rollback on
// a failed swap.
//
// The rollback-on-failure shape (track the previous instance, restore it
// if the new one doesn't pass health) is grounded on the teacher's
// system/core/lifecycle.go (stopReverse on a failed Start) and the
// pre/post hook ordering on system/framework/lifecycle/hooks.go; unlike
// that teacher file, which operates on the whole module registry at
// once, every operation here is scoped to a single (domain,key) and
// serialized through a per-key mutex rather than a registry-wide Start.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/metrics"
	"github.com/oneiric-dev/oneiric/internal/oneiriclog"
	"github.com/oneiric-dev/oneiric/internal/onerr"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
)

// State is one of the states in spec.md §4.3's state machine.
type State string

const (
	StateIdle       State = "idle"
	StateActivating State = "activating"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateDraining   State = "draining"
	StatePaused     State = "paused"
	StateCleaning   State = "cleaning"
)

// Health is the result of an instance's health() check.
type Health struct {
	OK        bool
	Detail    string
	Timestamp time.Time
}

// Instance is the opaque value a Factory produces. Every candidate
// instance activated by the manager must implement this.
type Instance interface {
	// Health reports the instance's current health. Called at
	// activation and optionally on a schedule; a failing result during
	// "ready" never triggers an automatic swap (spec.md §9 Open
	// Question, resolved: operator-driven only).
	Health(ctx context.Context) Health
	// Close releases any resources the instance holds. Called from
	// cleanup, which is shielded from cancellation.
	Close(ctx context.Context) error
}

// Factory constructs an Instance from a winning Candidate.
type Factory func(ctx context.Context, c candidate.Candidate) (Instance, error)

// FactoryRegistry maps a candidate's Factory string to a pre-imported
// constructor, the "registry of pre-imported constructors" approach
// spec.md §9 marks as preferred over dynamic loading.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry constructs an empty FactoryRegistry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register binds a factory string to a constructor.
func (r *FactoryRegistry) Register(factory string, fn Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[factory] = fn
}

// Lookup resolves a factory string to its constructor.
func (r *FactoryRegistry) Lookup(factory string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.factories[factory]
	return fn, ok
}

// SwapRecord describes the most recent swap for a key.
type SwapRecord struct {
	At       time.Time
	Outgoing string
	Incoming string
}

type snapshot struct {
	candidate candidate.Candidate
	instance  Instance
}

// Entry is the live per-(domain,key) lifecycle state, exposed read-only
// via Manager.Entry.
type Entry struct {
	State           State
	ActiveCandidate *candidate.Candidate
	Instance        Instance
	LastHealth      Health
	LastSwap        *SwapRecord
}

type keyState struct {
	mu       sync.Mutex // serializes operations for this key; waiters are not admitted in strict FIFO order
	entry    Entry
	rollback *snapshot
}

// Options configures a Manager.
type Options struct {
	Resolver      *resolver.Resolver
	Allowlist     *security.FactoryAllowlist
	Factories     *FactoryRegistry
	Activity      *activity.Store
	Log           *oneiriclog.Logger
	HealthTimeout time.Duration // default 5s
	SwapWarmup    time.Duration // default 30s
	PreInit       func(ctx context.Context, c candidate.Candidate, inst Instance) error
}

// Manager is the Lifecycle Manager.
type Manager struct {
	opts Options

	mu      sync.Mutex
	keys    map[candidate.Key]*keyState
	gate    *quiesceGate
}

// New constructs a Manager, applying defaults for unset timeouts.
func New(opts Options) *Manager {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.SwapWarmup <= 0 {
		opts.SwapWarmup = 30 * time.Second
	}
	return &Manager{opts: opts, keys: make(map[candidate.Key]*keyState), gate: newQuiesceGate()}
}

func (m *Manager) stateFor(k candidate.Key) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.keys[k]
	if !ok {
		ks = &keyState{entry: Entry{State: StateIdle}}
		m.keys[k] = ks
	}
	return ks
}

// Entry returns a snapshot of the current lifecycle state for
// (domain, key).
func (m *Manager) Entry(domain candidate.Domain, key string) Entry {
	ks := m.stateFor(candidate.Key{Domain: domain, Key: key})
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.entry
}

func (m *Manager) recordStateMetric() {
	counts := map[State]int{}
	m.mu.Lock()
	for _, ks := range m.keys {
		ks.mu.Lock()
		counts[ks.entry.State]++
		ks.mu.Unlock()
	}
	m.mu.Unlock()
	for _, s := range []State{StateIdle, StateActivating, StateReady, StateFailed, StateDraining, StatePaused, StateCleaning} {
		metrics.LifecycleState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Activate resolves the winner for (domain, key) and brings it to
// "ready", per spec.md §4.3's activate contract.
func (m *Manager) Activate(ctx context.Context, domain candidate.Domain, key string, overrides *resolver.Overrides) (Instance, error) {
	done, ok := m.gate.enter()
	defer done()
	if !ok {
		return nil, onerr.New(onerr.KindNotReady, "runtime is shutting down")
	}

	k := candidate.Key{Domain: domain, Key: key}
	ks := m.stateFor(k)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	defer m.recordStateMetric()

	if ks.entry.State == StateReady {
		return ks.entry.Instance, onerr.New(onerr.KindAlreadyActive,
			fmt.Sprintf("(%s, %s) is already active", domain, key))
	}

	ks.entry.State = StateActivating
	inst, winner, err := m.construct(ctx, domain, key, overrides)
	if err != nil {
		ks.entry.State = StateFailed
		return nil, err
	}

	ks.entry.State = StateReady
	ks.entry.ActiveCandidate = winner
	ks.entry.Instance = inst
	ks.entry.LastHealth = Health{OK: true, Timestamp: time.Now()}
	return inst, nil
}

// construct resolves, allowlist-checks, builds, pre-inits, and
// health-checks a candidate, returning the instance and the candidate it
// built from. No partially constructed instance is ever retained by the
// caller on error.
func (m *Manager) construct(ctx context.Context, domain candidate.Domain, key string, overrides *resolver.Overrides) (Instance, *candidate.Candidate, error) {
	result, err := m.opts.Resolver.Resolve(domain, key, overrides)
	if err != nil {
		return nil, nil, err
	}
	winner := result.Winner

	if m.opts.Allowlist != nil && !m.opts.Allowlist.Allow(winner.Factory) {
		return nil, nil, onerr.New(onerr.KindFactoryDenied,
			fmt.Sprintf("factory %q is not allowlisted", winner.Factory))
	}

	fn, ok := m.opts.Factories.Lookup(winner.Factory)
	if !ok {
		return nil, nil, onerr.New(onerr.KindActivationFailed,
			fmt.Sprintf("no constructor registered for factory %q", winner.Factory))
	}

	inst, err := fn(ctx, *winner)
	if err != nil {
		return nil, nil, onerr.Wrap(onerr.KindActivationFailed, "factory constructor failed", err)
	}

	if m.opts.PreInit != nil {
		if err := m.opts.PreInit(ctx, *winner, inst); err != nil {
			_ = inst.Close(context.Background())
			return nil, nil, onerr.Wrap(onerr.KindActivationFailed, "pre-init hook failed", err)
		}
	}

	healthCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	health := inst.Health(healthCtx)
	cancel()
	if !health.OK {
		_ = inst.Close(context.Background())
		return nil, nil, onerr.New(onerr.KindHealthTimeout,
			fmt.Sprintf("health check failed after activation: %s", health.Detail))
	}

	return inst, winner, nil
}

// Swap activates a new provider for (domain, key) while keeping the
// prior instance resident as a rollback snapshot; if the new instance
// fails health within the warmup window, the snapshot is restored and
// SwapFailed is returned carrying both error chains.
func (m *Manager) Swap(ctx context.Context, domain candidate.Domain, key string, provider string) error {
	done, ok := m.gate.enter()
	defer done()
	if !ok {
		return onerr.New(onerr.KindNotReady, "runtime is shutting down")
	}

	k := candidate.Key{Domain: domain, Key: key}
	ks := m.stateFor(k)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	defer m.recordStateMetric()

	start := time.Now()
	defer func() {
		metrics.SwapDuration.WithLabelValues(string(domain)).Observe(time.Since(start).Seconds())
	}()

	if act, err := m.opts.Activity.Get(ctx, domain, key); err == nil {
		switch act.State {
		case activity.StatePaused:
			return onerr.New(onerr.KindPaused, fmt.Sprintf("(%s, %s) is paused", domain, key))
		case activity.StateDraining:
			return onerr.New(onerr.KindDraining, fmt.Sprintf("(%s, %s) is draining", domain, key))
		}
	}

	prevCandidate := ks.entry.ActiveCandidate
	prevInstance := ks.entry.Instance
	ks.rollback = nil
	if prevInstance != nil {
		ks.rollback = &snapshot{candidate: *prevCandidate, instance: prevInstance}
	}

	ks.entry.State = StateActivating

	var overrides *resolver.Overrides
	if provider != "" {
		overrides = &resolver.Overrides{Provider: provider}
	}

	swapCtx, cancel := context.WithTimeout(ctx, m.opts.SwapWarmup)
	inst, winner, err := m.construct(swapCtx, domain, key, overrides)
	cancel()

	if err != nil {
		if ks.rollback != nil {
			metrics.SwapsTotal.WithLabelValues(string(domain), "rollback").Inc()
			ks.entry.State = StateReady
			ks.entry.ActiveCandidate = &ks.rollback.candidate
			ks.entry.Instance = ks.rollback.instance
			return onerr.Wrap(onerr.KindSwapFailed,
				fmt.Sprintf("swap failed for (%s, %s), rolled back to %s", domain, key, ks.rollback.candidate.Provider), err)
		}
		metrics.SwapsTotal.WithLabelValues(string(domain), "failed").Inc()
		ks.entry.State = StateFailed
		return onerr.Wrap(onerr.KindSwapFailed, fmt.Sprintf("swap failed for (%s, %s), no prior instance to roll back to", domain, key), err)
	}

	outgoing := ""
	if prevCandidate != nil {
		outgoing = prevCandidate.Provider
	}
	ks.entry.State = StateReady
	ks.entry.ActiveCandidate = winner
	ks.entry.Instance = inst
	ks.entry.LastHealth = Health{OK: true, Timestamp: time.Now()}
	ks.entry.LastSwap = &SwapRecord{At: time.Now(), Outgoing: outgoing, Incoming: winner.Provider}
	metrics.SwapsTotal.WithLabelValues(string(domain), "ok").Inc()

	if prevInstance != nil {
		m.cleanupAsync(prevInstance)
	}
	ks.rollback = nil
	return nil
}

// Pause transitions (domain, key) to paused: the instance remains
// resident but domain bridges must reject new work.
func (m *Manager) Pause(ctx context.Context, domain candidate.Domain, key string, reason string) error {
	k := candidate.Key{Domain: domain, Key: key}
	ks := m.stateFor(k)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	defer m.recordStateMetric()

	if err := m.opts.Activity.Set(ctx, domain, key, activity.StatePaused, reason); err != nil {
		return onerr.Wrap(onerr.KindInternal, "persist pause state", err)
	}
	if ks.entry.State == StateReady {
		ks.entry.State = StatePaused
	}
	return nil
}

// Resume transitions (domain, key) back to ready/accepting.
func (m *Manager) Resume(ctx context.Context, domain candidate.Domain, key string) error {
	k := candidate.Key{Domain: domain, Key: key}
	ks := m.stateFor(k)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	defer m.recordStateMetric()

	if err := m.opts.Activity.Clear(ctx, domain, key); err != nil {
		return onerr.Wrap(onerr.KindInternal, "clear pause state", err)
	}
	if ks.entry.State == StatePaused {
		ks.entry.State = StateReady
	}
	return nil
}

// Drain transitions (domain, key) to draining: new work is rejected,
// in-flight work may complete, then the bridge signals completion via
// CompleteDrain.
func (m *Manager) Drain(ctx context.Context, domain candidate.Domain, key string, reason string) error {
	done, ok := m.gate.enter()
	defer done()
	if !ok {
		return onerr.New(onerr.KindNotReady, "runtime is shutting down")
	}

	k := candidate.Key{Domain: domain, Key: key}
	ks := m.stateFor(k)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	defer m.recordStateMetric()

	if err := m.opts.Activity.Set(ctx, domain, key, activity.StateDraining, reason); err != nil {
		return onerr.Wrap(onerr.KindInternal, "persist drain state", err)
	}
	if ks.entry.State == StateReady || ks.entry.State == StatePaused {
		ks.entry.State = StateDraining
	}
	return nil
}

// CompleteDrain is called by the owning bridge once in-flight work has
// finished; it runs cleanup and transitions the key to idle.
func (m *Manager) CompleteDrain(ctx context.Context, domain candidate.Domain, key string) error {
	k := candidate.Key{Domain: domain, Key: key}
	ks := m.stateFor(k)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	defer m.recordStateMetric()

	if ks.entry.State != StateDraining {
		return onerr.New(onerr.KindNotReady, fmt.Sprintf("(%s, %s) is not draining", domain, key))
	}
	ks.entry.State = StateCleaning
	inst := ks.entry.Instance
	if inst != nil {
		m.cleanupSync(ctx, inst)
	}
	ks.entry.Instance = nil
	ks.entry.ActiveCandidate = nil
	ks.entry.State = StateIdle
	if err := m.opts.Activity.Clear(ctx, domain, key); err != nil {
		return onerr.Wrap(onerr.KindInternal, "clear drain state", err)
	}
	return nil
}

// Cleanup forcibly cleans up and idles (domain, key), regardless of its
// current state, used by orchestrator shutdown.
func (m *Manager) Cleanup(ctx context.Context, domain candidate.Domain, key string) error {
	k := candidate.Key{Domain: domain, Key: key}
	ks := m.stateFor(k)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	defer m.recordStateMetric()

	ks.entry.State = StateCleaning
	if ks.entry.Instance != nil {
		m.cleanupSync(ctx, ks.entry.Instance)
	}
	ks.entry.Instance = nil
	ks.entry.ActiveCandidate = nil
	ks.entry.State = StateIdle
	return nil
}

// cleanupSync runs Close on a detached, non-cancellable context: cleanup
// must run to completion even if the caller's context is already done
// (spec.md §4.3).
func (m *Manager) cleanupSync(_ context.Context, inst Instance) {
	detached, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := inst.Close(detached); err != nil && m.opts.Log != nil {
		m.opts.Log.WithFields(map[string]any{}).Warnf("cleanup error: %v", err)
	}
}

func (m *Manager) cleanupAsync(inst Instance) {
	go m.cleanupSync(context.Background(), inst)
}

// AllKeys returns every (domain, key) the manager has ever tracked an
// entry for.
func (m *Manager) AllKeys() []candidate.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]candidate.Key, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	return keys
}
