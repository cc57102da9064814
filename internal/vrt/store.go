package vrt

import (
	"context"
	"sync"
	"time"
)

// Checkpoint is one persisted runtime snapshot. Sequence is monotonic per
// scope; the latest sequence is authoritative on reboot.
type Checkpoint struct {
	Scope     string    `json:"scope"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	Snapshot  []byte    `json:"snapshot"`
}

// CheckpointStore persists checkpoints across runtime restarts.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Latest(ctx context.Context, scope string) (Checkpoint, bool, error)
}

// MemoryStore is the default in-process store. State dies with the
// process, which is the documented baseline behavior.
type MemoryStore struct {
	mu     sync.Mutex
	latest map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[cp.Scope]; ok && prev.Sequence >= cp.Sequence {
		return nil
	}
	s.latest[cp.Scope] = cp
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, scope string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.latest[scope]
	return cp, ok, nil
}
