package cache

import (
	"net/http"
	"sync"
	"time"

	snapshot "github.com/always-cache/prefetch-worker/pkg/response-snapshot"
)

// Entry is a cache table entry.
// Exactly one of Response and Inflight is set.
// Entries are never mutated after they are stored; a state change
// replaces the entry in the table.
type Entry struct {
	ExpireAt time.Time
	// Snapshot of a completed 200 response.
	Response *snapshot.Snapshot
	// Outstanding fetch.
	Inflight *Future
}

// Expired reports whether the entry is no longer valid at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpireAt)
}

// Reservation is the outcome of Table.Reserve.
type Reservation struct {
	// Entry is the valid entry found for the key, or the in-flight entry
	// that was installed. It is nil when nothing was found and nothing installed.
	Entry *Entry
	// Installed is true when Entry was created by this call.
	// The caller then owns the fetch and must settle Entry.Inflight.
	Installed bool
	// Expired is true when an expired entry for the key was discarded.
	Expired bool
	// Sweep is true when the table was above its size and swept expired entries.
	Sweep bool
	// Swept is the number of entries the sweep removed.
	Swept int
}

// Table maps cache keys to entries.
// It is safe for concurrent use. No method blocks on anything but the table lock.
type Table struct {
	mutex   sync.Mutex
	entries map[string]*Entry
	maxSize int
}

// NewTable creates a table that sweeps expired entries whenever
// it holds more than maxSize entries. maxSize is a soft bound.
func NewTable(maxSize int) *Table {
	return &Table{
		entries: make(map[string]*Entry),
		maxSize: maxSize,
	}
}

// Reserve looks up key and, on a miss with a positive ttl, installs a new
// in-flight entry, all under one lock.
func (t *Table) Reserve(key string, now time.Time, ttl time.Duration) Reservation {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var res Reservation
	if entry, ok := t.entries[key]; ok {
		if !entry.Expired(now) {
			res.Entry = entry
			return res
		}
		delete(t.entries, key)
		res.Expired = true
	}
	if ttl <= 0 {
		return res
	}
	if len(t.entries) > t.maxSize {
		res.Sweep = true
		res.Swept = t.sweep(now)
	}
	entry := &Entry{
		ExpireAt: now.Add(ttl),
		Inflight: NewFuture(),
	}
	t.entries[key] = entry
	res.Entry = entry
	res.Installed = true
	return res
}

// Complete settles an installed entry with a response snapshot.
// If the snapshot has status 200 and the entry is still the current,
// unexpired entry for key, the entry is replaced by its response state
// and true is returned. Otherwise the entry is removed.
// The future is resolved in both cases, so current waiters share the result.
func (t *Table) Complete(key string, entry *Entry, snap *snapshot.Snapshot, now time.Time) bool {
	stored := false
	t.mutex.Lock()
	if t.entries[key] == entry {
		if snap.StatusCode == http.StatusOK && !entry.Expired(now) {
			t.entries[key] = &Entry{
				ExpireAt: entry.ExpireAt,
				Response: snap,
			}
			stored = true
		} else {
			delete(t.entries, key)
		}
	}
	t.mutex.Unlock()
	entry.Inflight.Resolve(snap)
	return stored
}

// Fail rejects an installed entry and removes it if it is still current.
func (t *Table) Fail(key string, entry *Entry, err error) {
	t.Remove(key, entry)
	entry.Inflight.Reject(err)
}

// Remove deletes the entry for key, but only if it is the given entry.
func (t *Table) Remove(key string, entry *Entry) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.entries[key] != entry {
		return false
	}
	delete(t.entries, key)
	return true
}

// Sweep removes all expired entries and returns how many were removed.
func (t *Table) Sweep(now time.Time) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.sweep(now)
}

func (t *Table) sweep(now time.Time) int {
	removed := 0
	for key, entry := range t.entries {
		if entry.Expired(now) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.entries)
}

// Get returns the current entry for key without changing the table.
func (t *Table) Get(key string) (*Entry, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	entry, ok := t.entries[key]
	return entry, ok
}
