// Package watcher implements the Selection Watcher of spec.md §4.6: it
// observes a local selection document (the provider a deployment wants
// active per (domain, key)) and drives the Lifecycle Manager to swap
// when it changes, debounced so a burst of filesystem events collapses
// into one swap per settled value.
//
// Grounded on fsnotify, the watcher library already present in the
// dependency graph for config hot-reload; debounce-by-timer follows the
// same shape the teacher's config loader uses for reload coalescing.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/oneiriclog"
	"github.com/oneiric-dev/oneiric/internal/resolver"
)

// Selection is the on-disk document shape: one desired provider per
// (domain, key).
type Selection struct {
	Entries []SelectionEntry `json:"entries" yaml:"entries"`
}

// SelectionEntry names the provider that should be active for a
// (domain, key) pair.
type SelectionEntry struct {
	Domain   candidate.Domain `json:"domain" yaml:"domain"`
	Key      string           `json:"key" yaml:"key"`
	Provider string           `json:"provider" yaml:"provider"`
}

// Watcher is the Selection Watcher.
type Watcher struct {
	path     string
	debounce time.Duration
	lifecycle *lifecycle.Manager
	activity  *activity.Store
	log       *oneiriclog.Logger

	mu      sync.Mutex
	current map[candidate.Key]string
}

// Options configures a Watcher.
type Options struct {
	Path      string
	Debounce  time.Duration
	Lifecycle *lifecycle.Manager
	Activity  *activity.Store
	Log       *oneiriclog.Logger
}

// New constructs a Watcher bound to a selection document path.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:      opts.Path,
		debounce:  opts.Debounce,
		lifecycle: opts.Lifecycle,
		activity:  opts.Activity,
		log:       opts.Log,
		current:   make(map[candidate.Key]string),
	}
}

// Run watches the selection document until ctx is cancelled, applying
// an initial sync immediately and thereafter one debounced sync per
// settled burst of filesystem events.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return fmt.Errorf("watch selection document %s: %w", w.path, err)
	}

	w.applySync(ctx)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			w.applySync(ctx)
			timerC = nil

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.WithFields(map[string]any{"path": w.path}).Warnf("selection watcher error: %v", err)
			}
		}
	}
}

// applySync reads the selection document and drives swaps for every
// entry whose desired provider differs from what is currently active,
// skipping (and logging) entries that are paused or draining rather
// than failing the whole pass.
func (w *Watcher) applySync(ctx context.Context) {
	sel, err := loadSelection(w.path)
	if err != nil {
		if w.log != nil {
			w.log.WithFields(map[string]any{"path": w.path}).Warnf("read selection document: %v", err)
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range sel.Entries {
		k := candidate.Key{Domain: e.Domain, Key: e.Key}
		if w.current[k] == e.Provider {
			continue
		}

		if w.activity != nil {
			rec, err := w.activity.Get(ctx, e.Domain, e.Key)
			if err == nil && (rec.State == activity.StatePaused || rec.State == activity.StateDraining) {
				if w.log != nil {
					w.log.WithCandidate(string(e.Domain), e.Key).Infof(
						"selection changed to %q but (%s,%s) is %s; skipping swap", e.Provider, e.Domain, e.Key, rec.State)
				}
				continue
			}
		}

		entry := w.lifecycle.Entry(e.Domain, e.Key)
		var swapErr error
		if entry.ActiveCandidate == nil {
			_, swapErr = w.lifecycle.Activate(ctx, e.Domain, e.Key, &resolver.Overrides{Provider: e.Provider})
		} else {
			swapErr = w.lifecycle.Swap(ctx, e.Domain, e.Key, e.Provider)
		}

		if swapErr != nil {
			if w.log != nil {
				w.log.WithCandidate(string(e.Domain), e.Key).Warnf("selection-driven swap to %q failed: %v", e.Provider, swapErr)
			}
			continue
		}
		w.current[k] = e.Provider
	}
}

func loadSelection(path string) (*Selection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sel Selection
	if err := json.Unmarshal(raw, &sel); err == nil && len(sel.Entries) > 0 {
		return &sel, nil
	}
	if err := yaml.Unmarshal(raw, &sel); err != nil {
		return nil, fmt.Errorf("selection document is neither valid JSON nor YAML: %w", err)
	}
	return &sel, nil
}
