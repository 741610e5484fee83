package bridges

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/onerr"
)

// taskRecord is the persisted form of one scheduled task, written to
// TaskBridge's schedule file so schedules survive a process restart
// (spec.md §4.7: "persisted across restarts").
type taskRecord struct {
	Key  string `json:"key"`
	Spec string `json:"spec"`
}

// TaskBridge exposes schedule(spec)/cancel, a cron/interval planner
// over robfig/cron/v3 (spec.md §4.7).
type TaskBridge struct {
	base
	cron       *cron.Cron
	schedulePath string

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string
}

// BuildTask constructs a TaskBridge from a Builder, starting its
// internal cron scheduler.
func (b *Builder) BuildTask(schedulePath string) *TaskBridge {
	bb := b.toBase()
	bb.domain = candidate.DomainTask
	t := &TaskBridge{
		base:         bb,
		cron:         cron.New(),
		schedulePath: schedulePath,
		entries:      make(map[string]cron.EntryID),
		specs:        make(map[string]string),
	}
	t.cron.Start()
	return t
}

// Schedule registers a cron/interval spec for key, calling fire each time
// the schedule fires unless key is paused or draining at that moment.
func (t *TaskBridge) Schedule(ctx context.Context, key, spec string, fire func(context.Context)) error {
	if err := t.checkActivity(ctx, key); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.entries[key]; ok {
		t.cron.Remove(id)
	}

	id, err := t.cron.AddFunc(spec, func() {
		if err := t.checkActivity(context.Background(), key); err != nil {
			return
		}
		fire(context.Background())
	})
	if err != nil {
		return onerr.Wrap(onerr.KindActivationFailed, fmt.Sprintf("schedule %q for task %s", spec, key), err)
	}

	t.entries[key] = id
	t.specs[key] = spec
	return t.persist()
}

// Cancel removes key's schedule, if any.
func (t *TaskBridge) Cancel(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.entries[key]
	if !ok {
		return onerr.New(onerr.KindNotReady, fmt.Sprintf("task %s has no active schedule", key))
	}
	t.cron.Remove(id)
	delete(t.entries, key)
	delete(t.specs, key)
	return t.persist()
}

// LoadPersisted restores schedules from the schedule file, if one
// exists, re-registering each with fire as the invocation callback.
func (t *TaskBridge) LoadPersisted(fire func(ctx context.Context, key string)) error {
	raw, err := os.ReadFile(t.schedulePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read task schedule file: %w", err)
	}
	var records []taskRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("decode task schedule file: %w", err)
	}
	for _, r := range records {
		key := r.Key
		if err := t.Schedule(context.Background(), key, r.Spec, func(ctx context.Context) { fire(ctx, key) }); err != nil {
			return err
		}
	}
	return nil
}

func (t *TaskBridge) persist() error {
	if t.schedulePath == "" {
		return nil
	}
	records := make([]taskRecord, 0, len(t.specs))
	for key, spec := range t.specs {
		records = append(records, taskRecord{Key: key, Spec: spec})
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.schedulePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write task schedule file: %w", err)
	}
	return os.Rename(tmp, t.schedulePath)
}

// Stop stops the underlying cron scheduler, used by orchestrator
// shutdown.
func (t *TaskBridge) Stop() {
	t.cron.Stop()
}
