//go:build linux

// Package descriptor implements the per-process Descriptor Table from
// spec.md §3.4: a mapping from the opaque handle returned by open to the
// underlying OS handle, the logical cursor, and the file key resolved at
// open time.
//
// Unlike the shared segment, this table is process-local and needs no
// cross-process locking — only the ordinary protection a multi-threaded
// caller of one *PageCache needs. That guard is a
// github.com/jacobsa/syncutil.InvariantMutex, an invariant-checked mutex
// well suited to small process-local structures like this one.
package descriptor

import (
	"github.com/jacobsa/syncutil"

	"github.com/sharedmem/pagecache/internal/filekey"
)

// Entry is one open file's process-local bookkeeping.
type Entry struct {
	OSHandle int
	Cursor   int64
	Key      filekey.Key
	Path     string
}

// Table is the process-local map from opaque handle to Entry.
type Table struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	entries map[int]*Entry
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	t := &Table{entries: make(map[int]*Entry)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	for h, e := range t.entries {
		if e == nil {
			panic("descriptor: nil entry in table")
		}
		if e.OSHandle != h {
			panic("descriptor: entry stored under the wrong handle")
		}
	}
}

// Insert records a new open descriptor, keyed by its own OS handle (the
// handle returned to the caller, per spec.md §4.2).
func (t *Table) Insert(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.OSHandle] = e
}

// Remove deletes the entry for h, if any.
func (t *Table) Remove(h int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, h)
}

// Get returns the entry for h, if open.
func (t *Table) Get(h int) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	return e, ok
}

// SetCursor updates the logical cursor for an open handle. Returns false
// if h is not open.
func (t *Table) SetCursor(h int, cursor int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return false
	}
	e.Cursor = cursor
	return true
}

// HandleForKey returns some live handle open on key, if any. Used by
// write-back to prefer an already-open OS handle over reopening the file
// by path (spec.md §4.3).
func (t *Table) HandleForKey(key filekey.Key) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, e := range t.entries {
		if e.Key == key {
			return h, true
		}
	}
	return 0, false
}

// Len reports the number of open descriptors, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
