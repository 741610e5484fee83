package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// quiesceGate tracks in-flight Activate/Swap/Drain calls across all
// keys and lets Manager.Quiesce block shutdown until they finish, giving
// spec.md §4.8's "drain in-flight lifecycle ops" step something concrete
// beyond the per-key mutex's own serialization.
//
// Grounded on system/framework/lifecycle/graceful.go's GracefulShutdown/
// OperationGuard pair; renamed to the Manager's vocabulary and scoped to
// one Manager instance rather than a whole service.
type quiesceGate struct {
	mu         sync.Mutex
	inFlight   int64
	closed     int32
	shutdownCh chan struct{}
}

func newQuiesceGate() *quiesceGate {
	return &quiesceGate{shutdownCh: make(chan struct{})}
}

// enter registers one in-flight operation. It returns a done func to call
// when the operation finishes, or false if quiescing has already begun.
func (g *quiesceGate) enter() (done func(), ok bool) {
	if atomic.LoadInt32(&g.closed) != 0 {
		return func() {}, false
	}
	atomic.AddInt64(&g.inFlight, 1)
	var once sync.Once
	return func() { once.Do(func() { atomic.AddInt64(&g.inFlight, -1) }) }, true
}

func (g *quiesceGate) beginQuiesce() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if atomic.CompareAndSwapInt32(&g.closed, 0, 1) {
		close(g.shutdownCh)
	}
}

func (g *quiesceGate) wait(ctx context.Context) error {
	if atomic.LoadInt64(&g.inFlight) <= 0 {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&g.inFlight) <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Quiesce stops accepting new Activate/Swap/Drain calls and blocks
// until every in-flight one finishes or ctx is done. New calls started
// after Quiesce begins return onerr.KindNotReady immediately; Cleanup is
// not gated, so shutdown can still clean up every key afterwards.
func (m *Manager) Quiesce(ctx context.Context) error {
	m.gate.beginQuiesce()
	return m.gate.wait(ctx)
}

// InFlight reports the number of lifecycle operations currently executing
// across all keys.
func (m *Manager) InFlight() int64 {
	return atomic.LoadInt64(&m.gate.inFlight)
}
