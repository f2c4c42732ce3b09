//go:build linux

// Package segment implements the shared-memory segment described in
// spec.md §3.3/§4.1: a single named, process-shared mapping containing a
// reference count, a CLOCK hand, and a fixed-capacity array of page
// slots, attached by every cooperating process.
//
// The layout is a flat byte mapping reinterpreted through unsafe: a
// []byte treated as a typed header followed by a variable tail, except
// here the mapping is shared across processes via mmap on a POSIX shared
// memory object rather than owned by a single goroutine.
package segment

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/sharedmem/pagecache/internal/filekey"
	"github.com/sharedmem/pagecache/internal/logx"
)

// ErrCapacityMismatch is returned (wrapped) by Attach when an existing
// segment's on-disk capacity disagrees with the capacity requested for
// this attach. Growing or shrinking a live segment is out of scope
// (spec.md §1 Non-goals: "growth of the cache at runtime").
var ErrCapacityMismatch = errors.New("segment: capacity mismatch")

// PageSize is the fixed unit of caching and of backing-file I/O.
const PageSize = 4096

// DefaultCapacity is the slot count the source uses: 12,800 slots of 4
// KiB, about 50 MiB.
const DefaultCapacity = 12800

// DefaultName is the shared-memory object identity the source uses.
const DefaultName = "/globalCache_shm"

// shmDir is where POSIX shared-memory objects live on Linux; there is no
// shm_open(3) syscall, glibc's version is just an open(2) under this
// directory, so we do the same thing directly.
const shmDir = "/dev/shm"

// Segment is one process's attachment to the shared cache.
type Segment struct {
	name     string
	capacity int
	fd       int
	mapping  []byte
	l        layout
	logger   *logx.Logger

	// localMu serializes this process's own goroutines before any of them
	// touch flock. flock(2) locks belong to the open file description,
	// not the call site: a second LOCK_EX from another goroutine of this
	// same process holds the same fd and would just re-assert a lock it
	// already holds rather than block, so flock alone does not serialize
	// concurrent access within one process.
	localMu sync.Mutex
}

// Attach opens (creating if necessary) the named shared segment sized for
// capacity slots, performs one-time initialization if this process is the
// first attacher, and increments the reference count. capacity must match
// an already-created segment's capacity exactly.
func Attach(name string, capacity int, logger *logx.Logger) (*Segment, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("segment: capacity must be positive, got %d", capacity)
	}
	path := shmDir + name

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	// The attach-or-create decision below is itself a race between
	// cooperating processes, so it is made under the same flock used for
	// all later mutations (spec.md §4.1: "if this process is the first
	// attacher it performs one-time initialization... under the reference
	// count").
	if err := flockLock(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("segment: lock during attach: %w", err)
	}
	defer flockUnlock(fd)

	l := computeLayout(capacity)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("segment: fstat %s: %w", path, err)
	}

	firstAttacher := st.Size == 0
	if firstAttacher {
		if err := unix.Ftruncate(fd, int64(l.totalSize)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("segment: ftruncate %s: %w", path, err)
		}
	} else if int(st.Size) != l.totalSize {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: existing segment %s is %d bytes, requested capacity implies %d",
			ErrCapacityMismatch, path, st.Size, l.totalSize)
	}

	mapping, err := unix.Mmap(fd, 0, l.totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
	}

	s := &Segment{
		name:     name,
		capacity: capacity,
		fd:       fd,
		mapping:  mapping,
		l:        l,
		logger:   logger,
	}

	hdr := headerPtr(s.mapping)
	if firstAttacher {
		hdr.RefCount = 1
		hdr.ClockHand = 0
		hdr.Capacity = int64(capacity)
		for i := range metaSlice(s.mapping, l) {
			metaSlice(s.mapping, l)[i] = slotMeta{}
		}
		for i := range openSlice(s.mapping, l) {
			openSlice(s.mapping, l)[i] = openEntry{}
		}
		s.logger.Debug("segment initialized", "name", name, "capacity", capacity)
	} else {
		if int(hdr.Capacity) != capacity {
			unix.Munmap(mapping)
			unix.Close(fd)
			return nil, fmt.Errorf("%w: existing segment %s has capacity %d, requested %d",
				ErrCapacityMismatch, path, hdr.Capacity, capacity)
		}
		atomic.AddInt64(&hdr.RefCount, 1)
		s.logger.Debug("segment attached", "name", name, "refCount", atomic.LoadInt64(&hdr.RefCount))
	}

	return s, nil
}

// Capacity returns the number of page slots in this segment.
func (s *Segment) Capacity() int { return s.capacity }

// Name returns the shared-memory object identity this segment is attached
// to, e.g. "/globalCache_shm".
func (s *Segment) Name() string { return s.name }

// RefCount returns the current number of attached processes.
func (s *Segment) RefCount() int64 {
	return atomic.LoadInt64(&headerPtr(s.mapping).RefCount)
}

// Lock acquires the segment-wide mutual exclusion used to serialize every
// mutation of shared state (spec.md §5). Cross-process exclusion is
// implemented with flock(2) on the segment's own file descriptor rather
// than a pthread PROCESS_SHARED|ROBUST mutex: pure Go has no access to
// those pthread attributes without cgo, and flock gives the same
// robustness property the spec asks for — the kernel releases every
// flock a process holds the moment that process exits or is killed, so a
// crash mid-critical-section cannot wedge the segment the way an
// un-recovered pthread mutex would.
//
// flock locks belong to the open file description, not the call site, so
// a second LOCK_EX from another goroutine in this same process sharing
// s.fd would not block against the first — it would just re-assert the
// same lock. Lock takes localMu first so that intra-process concurrency
// (spec.md §5: "each process may itself be multi-threaded") is actually
// serialized, then takes the flock for cross-process exclusion.
//
// After acquiring both, Lock validates and repairs the small set of
// invariants that an interrupted predecessor could have left inconsistent
// (spec.md §9: "recover on acquisition failure, validate invariants, then
// proceed").
func (s *Segment) Lock() error {
	s.localMu.Lock()
	if err := flockLock(s.fd); err != nil {
		s.localMu.Unlock()
		return fmt.Errorf("segment: lock: %w", err)
	}
	s.validateInvariants()
	return nil
}

// Unlock releases the segment-wide mutex, both the flock and the
// process-local mutex taken by Lock.
func (s *Segment) Unlock() {
	flockUnlock(s.fd)
	s.localMu.Unlock()
}

// validateInvariants clamps the clock hand into range. It is the recovery
// step run on every lock acquisition; a previous holder can only have left
// the hand out of range if it crashed between computing a new value and
// storing it, which the single assignment in SetClockHand makes
// vanishingly unlikely, but the check is cheap enough to always perform.
func (s *Segment) validateInvariants() {
	hdr := headerPtr(s.mapping)
	if hdr.ClockHand < 0 || hdr.ClockHand >= int64(s.capacity) {
		s.logger.Warn("clock hand out of range after lock acquisition, resetting",
			"name", s.name, "hand", hdr.ClockHand, "capacity", s.capacity)
		hdr.ClockHand = 0
	}
}

// ClockHand returns the current CLOCK hand position. Callers must hold
// Lock.
func (s *Segment) ClockHand() int {
	return int(headerPtr(s.mapping).ClockHand)
}

// SetClockHand stores a new CLOCK hand position. Callers must hold Lock.
func (s *Segment) SetClockHand(v int) {
	headerPtr(s.mapping).ClockHand = int64(v)
}

// Meta returns a pointer to slot i's metadata record for in-place
// mutation. Callers must hold Lock.
func (s *Segment) Meta(i int) *slotMeta {
	return &metaSlice(s.mapping, s.l)[i]
}

// MetaKey, MetaOffset, MetaUsed and MetaDirty expose the fields of slot
// i's metadata record without leaking the unexported slotMeta type past
// this package's direct siblings.
func (s *Segment) MetaKey(i int) filekey.Key { return s.Meta(i).Key }
func (s *Segment) MetaOffset(i int) int64    { return s.Meta(i).Offset }
func (s *Segment) MetaUsed(i int) bool       { return s.Meta(i).Used != 0 }
func (s *Segment) MetaDirty(i int) bool      { return s.Meta(i).Dirty != 0 }

// SetMetaUsed sets or clears slot i's reference bit. Callers must hold
// Lock.
func (s *Segment) SetMetaUsed(i int, used bool) {
	m := s.Meta(i)
	if used {
		m.Used = 1
	} else {
		m.Used = 0
	}
}

// Install overwrites slot i's identity and marks it clean and referenced.
// Callers must hold Lock.
func (s *Segment) Install(i int, key filekey.Key, offset int64) {
	m := s.Meta(i)
	m.Key = key
	m.Offset = offset
	m.Used = 1
	m.Dirty = 0
}

// MarkDirty sets slot i's dirty and used bits, for a write hit or a fresh
// install that was immediately written into. Callers must hold Lock.
func (s *Segment) MarkDirty(i int) {
	m := s.Meta(i)
	m.Dirty = 1
	m.Used = 1
}

// ClearDirty clears slot i's dirty bit after a successful write-back.
// Callers must hold Lock.
func (s *Segment) ClearDirty(i int) {
	s.Meta(i).Dirty = 0
}

// Empty resets slot i to the unoccupied state (spec.md §3.2: "If key is
// empty then used = false and dirty = false"). Callers must hold Lock.
func (s *Segment) Empty(i int) {
	*s.Meta(i) = slotMeta{}
}

// DataPage returns the page-aligned data page backing slot i. Its address
// is a multiple of PageSize because the mapping's base address always is
// (mmap guarantees a page-aligned mapping) and the data region starts at
// a page-aligned offset within it. Callers must hold Lock while reading
// or writing through it.
func (s *Segment) DataPage(i int) []byte {
	return dataPage(s.mapping, s.l, i)
}

// OpenCount returns the number of live descriptors, across every attached
// process, currently referencing key. Callers must hold Lock.
func (s *Segment) OpenCount(key filekey.Key) int32 {
	for _, e := range openSlice(s.mapping, s.l) {
		if e.Key == key {
			return e.Count
		}
	}
	return 0
}

// IncrementOpen records one more live descriptor for key, allocating a
// free entry in the open table on key's first opener. Callers must hold
// Lock. It reports an error only if every entry is already in use by a
// different key, which given the table's capacity means more distinct
// files are open at once than this segment has page slots for.
func (s *Segment) IncrementOpen(key filekey.Key) error {
	entries := openSlice(s.mapping, s.l)
	free := -1
	for i, e := range entries {
		if e.Key == key {
			entries[i].Count++
			return nil
		}
		if free < 0 && e.Key == filekey.Empty {
			free = i
		}
	}
	if free < 0 {
		return fmt.Errorf("segment: open table exhausted (capacity %d)", len(entries))
	}
	entries[free] = openEntry{Key: key, Count: 1}
	return nil
}

// DecrementOpen records one fewer live descriptor for key, freeing its
// open-table entry once the count reaches zero. Callers must hold Lock.
// Decrementing a key with no recorded opener is a no-op: Close and Detach
// paths are not required to pair perfectly with a crashed predecessor's
// increments.
func (s *Segment) DecrementOpen(key filekey.Key) {
	entries := openSlice(s.mapping, s.l)
	for i, e := range entries {
		if e.Key == key {
			if e.Count <= 1 {
				entries[i] = openEntry{}
			} else {
				entries[i].Count--
			}
			return
		}
	}
}

// Detach decrements the reference count without taking the lock (spec.md
// §4.1: "decrements ref_count under no lock (the count is atomic)"), then
// unmaps this process's view. The process that observes the
// post-decrement count reach zero unlinks the named segment, since it is
// the last detacher.
func (s *Segment) Detach() error {
	hdr := headerPtr(s.mapping)
	remaining := atomic.AddInt64(&hdr.RefCount, -1)

	var unlinkErr error
	if remaining == 0 {
		unlinkErr = unix.Unlink(shmDir + s.name)
		if unlinkErr != nil {
			s.logger.Warn("failed to unlink shared segment", "name", s.name, "error", unlinkErr)
		} else {
			s.logger.Debug("segment unlinked by last detacher", "name", s.name)
		}
	}

	mapping := s.mapping
	fd := s.fd
	s.mapping = nil
	if err := unix.Munmap(mapping); err != nil {
		unix.Close(fd)
		return fmt.Errorf("segment: munmap: %w", err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("segment: close: %w", err)
	}
	return unlinkErr
}
