// Package registry holds the in-memory index of outstanding time-limited
// punishments. It is never persisted; the reconciler rebuilds it from the
// store at startup and on member rejoin, so losing it only delays expiry
// processing.
package registry

import (
	"sync"
	"time"

	"warden/internal/punishment"
)

// Entry is one outstanding time-limited punishment. EndsAt is always set;
// indefinite punishments are never registered.
type Entry struct {
	GuildID        string
	UserID         string
	SectionID      string
	Kind           punishment.Kind
	ActionID       string
	EndsAt         time.Time
	RolesToRestore []string
	Reason         string
	Nickname       string
}

// Key is the composite identity: {guildId}_{userId}_{kind}[_{sectionId}].
// The kind is part of the identity because a member may carry one active
// punishment of each kind at the same time, and each needs its own expiry.
func (e Entry) Key() string {
	key := e.GuildID + "_" + e.UserID + "_" + e.Kind.String()
	if e.SectionID != "" {
		key += "_" + e.SectionID
	}
	return key
}

// FromRecord builds an entry from a persisted record. The role snapshot comes
// from the record, not from live member state.
func FromRecord(rec punishment.Record) Entry {
	return Entry{
		GuildID:        rec.GuildID,
		UserID:         rec.Target.ID,
		SectionID:      rec.SectionID,
		Kind:           rec.Kind,
		ActionID:       rec.ActionID,
		EndsAt:         rec.ExpiresAt,
		RolesToRestore: rec.RolesSnapshot,
		Reason:         rec.Reason,
		Nickname:       rec.Nickname,
	}
}

// Registry is safe for concurrent use. Entries keeps insertion order.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	order   []string
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Add inserts the entry unless one with the same key already exists. It
// returns false on a duplicate, which makes seeding from multiple triggers
// (issue time and rejoin reconciliation) safe.
func (r *Registry) Add(entry Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entry.Key()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.entries[key] = entry
	r.order = append(r.order, key)
	return true
}

// Remove deletes the entry and reports whether it existed.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Entries returns a snapshot in insertion order. Callers may mutate the
// registry while iterating the snapshot.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]Entry, 0, len(r.order))
	for _, key := range r.order {
		snapshot = append(snapshot, r.entries[key])
	}
	return snapshot
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
