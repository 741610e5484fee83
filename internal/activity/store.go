// Package activity implements the Activity Store of spec.md §4.4: a
// durable per-(domain,key) pause/drain state, fsync'd on commit so a
// process restart observes the last committed state.
//
// The Backend seam and MemoryBackend are grounded directly on the
// teacher's infrastructure/state.PersistenceBackend/MemoryBackend pair;
// FileBackend below is new: a single JSON Lines file that is rewritten
// in full to a temp file and atomically renamed on every commit.
package activity

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/metrics"
)

// ErrNotFound is returned by Backend.Load when no record exists for a
// key.
var ErrNotFound = errors.New("activity: not found")

// State is the activity state of a (domain, key) pair.
type State string

const (
	StateAccepting State = "accepting"
	StatePaused    State = "paused"
	StateDraining  State = "draining"
)

// Record is a single ActivityRecord (spec.md §3).
type Record struct {
	Domain candidate.Domain `json:"domain"`
	Key    string           `json:"key"`
	State  State            `json:"activity_state"`
	Since  time.Time        `json:"since"`
	Reason string           `json:"reason,omitempty"`
}

func recordKey(domain candidate.Domain, key string) string {
	return string(domain) + "/" + key
}

// Backend is the durable storage seam ActivityStore writes through.
type Backend interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// MemoryBackend is an in-process Backend for tests and for deployments
// where activity state need not survive a restart.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// FileBackend persists the full key->record map as one JSON Lines file,
// rewritten and fsync'd on every commit. It is crash-consistent because
// the rewrite happens on a temp file followed by an atomic rename — a
// crash mid-write leaves the previous committed file intact.
type FileBackend struct {
	mu   sync.Mutex
	path string
	data map[string][]byte
}

// NewFileBackend opens (and, if present, loads) the activity file at
// path.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create activity store directory: %w", err)
	}
	fb := &FileBackend{path: path, data: make(map[string][]byte)}
	if err := fb.load(); err != nil {
		return nil, err
	}
	return fb, nil
}

func (f *FileBackend) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open activity store: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry struct {
			Key  string          `json:"key"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		f.data[entry.Key] = entry.Data
	}
	return scanner.Err()
}

func (f *FileBackend) commitLocked() error {
	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp activity file: %w", err)
	}

	writer := bufio.NewWriter(file)
	for key, data := range f.data {
		line, err := json.Marshal(struct {
			Key  string          `json:"key"`
			Data json.RawMessage `json:"data"`
		}{Key: key, Data: data})
		if err != nil {
			file.Close()
			return err
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileBackend) Save(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), data...)
	return f.commitLocked()
}

func (f *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return f.commitLocked()
}

func (f *FileBackend) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Store is the Activity Store: set/get/snapshot/prune over a Backend.
type Store struct {
	backend Backend
}

// New constructs a Store over the given Backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Set records a new activity state for (domain, key).
func (s *Store) Set(ctx context.Context, domain candidate.Domain, key string, state State, reason string) error {
	rec := Record{Domain: domain, Key: key, State: state, Since: time.Now(), Reason: reason}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, recordKey(domain, key), data); err != nil {
		return err
	}
	metrics.ActivityChanges.WithLabelValues(string(state)).Inc()
	return nil
}

// Get returns the current record for (domain, key), or StateAccepting
// with a zero Since if none has ever been recorded.
func (s *Store) Get(ctx context.Context, domain candidate.Domain, key string) (Record, error) {
	data, err := s.backend.Load(ctx, recordKey(domain, key))
	if errors.Is(err, ErrNotFound) {
		return Record{Domain: domain, Key: key, State: StateAccepting}, nil
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Clear resets (domain, key) to the accepting state by removing its
// record.
func (s *Store) Clear(ctx context.Context, domain candidate.Domain, key string) error {
	if err := s.backend.Delete(ctx, recordKey(domain, key)); err != nil {
		return err
	}
	metrics.ActivityChanges.WithLabelValues(string(StateAccepting)).Inc()
	return nil
}

// Snapshot returns every currently recorded ActivityRecord.
func (s *Store) Snapshot(ctx context.Context) (map[string]Record, error) {
	keys, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(keys))
	for _, k := range keys {
		data, err := s.backend.Load(ctx, k)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out[k] = rec
	}
	return out, nil
}

// Prune removes every record for which predicate returns true.
func (s *Store) Prune(ctx context.Context, predicate func(Record) bool) error {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	for k, rec := range snapshot {
		if predicate(rec) {
			if err := s.backend.Delete(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}
