// Package presence keeps an in-memory liveness table for wisp nodes.
//
// A record is logically absent once older than the caller's active window;
// nothing here evicts on its own, so every read path must prune or the
// table grows without bound. The relay prunes on every poll.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is one observed node identity with its last heartbeat time.
type Record struct {
	OwnerKey     string
	Scope        string
	Capabilities []string
	LinkHints    []string
	LastSeenAt   time.Time
}

// Registry is a mutex-guarded presence table keyed by owner identity.
// Single-writer semantics suffice for the relay; the lock keeps the read
// snapshot consistent under concurrent polls.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Upsert inserts or replaces the record stored under its owner key.
// A zero LastSeenAt is stamped with the current time.
func (r *Registry) Upsert(rec Record) {
	key := strings.TrimSpace(rec.OwnerKey)
	if key == "" {
		return
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = rec
}

// Touch refreshes LastSeenAt for an existing owner key, creating a minimal
// record when none exists yet.
func (r *Registry) Touch(ownerKey, scope string) {
	key := strings.TrimSpace(ownerKey)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		rec = Record{OwnerKey: key, Scope: scope}
	}
	rec.LastSeenAt = r.now()
	r.records[key] = rec
}

// List returns records for scope seen within the window, most-recent first.
func (r *Registry) List(scope string, window time.Duration) []Record {
	cutoff := r.now().Add(-window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Scope != scope {
			continue
		}
		if rec.LastSeenAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

// Prune deletes every record older than the window across all scopes.
func (r *Registry) Prune(window time.Duration) int {
	cutoff := r.now().Add(-window)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, rec := range r.records {
		if rec.LastSeenAt.Before(cutoff) {
			delete(r.records, key)
			removed++
		}
	}
	return removed
}

// Len reports the current table size, expired records included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
