//go:build linux

// Package cache implements the Lookup & Replacement Engine from spec.md
// §4.3: locating a page slot for a (file key, aligned offset) pair,
// selecting a CLOCK victim on a miss, and driving the victim's write-back
// before installing new content.
//
// The CLOCK sweep follows the buffer-pool pattern common to page
// replacement implementations: a clockHand field, a Ref/Used bit set on
// hit and cleared on sweep, second-chance semantics.
package cache

import (
	"errors"
	"fmt"

	"github.com/sharedmem/pagecache/internal/filekey"
	"github.com/sharedmem/pagecache/internal/logx"
	"github.com/sharedmem/pagecache/internal/segment"
)

// ErrNoVictim indicates the CLOCK sweep did not terminate within the
// bound spec.md §8 guarantees (two full sweeps). Reaching it means the
// segment's invariants were violated by something outside this package;
// it exists as a defensive backstop, not a path any correct caller hits.
var ErrNoVictim = errors.New("cache: clock sweep did not terminate")

// Loader fills dst (always exactly one page) with content for the page
// being installed. Implementations zero-pad short reads past EOF.
type Loader func(dst []byte) error

// WriteBack durably writes one page of data to the backing file
// identified by key, at the given page-aligned offset.
type WriteBack func(key filekey.Key, offset int64, data []byte) error

// Engine is the Lookup & Replacement Engine for one attached segment.
type Engine struct {
	seg    *segment.Segment
	logger *logx.Logger
}

// New returns an Engine operating over seg.
func New(seg *segment.Segment, logger *logx.Logger) *Engine {
	return &Engine{seg: seg, logger: logger}
}

// LocateOrInstall implements spec.md §4.3's locate_or_install(key,
// aligned_offset, loader). On a hit it marks the slot referenced and
// returns its index. On a miss it selects a CLOCK victim, writes the
// victim back via writeBack if it is dirty, fills a fresh page via load,
// and installs the new identity. The whole operation runs under the
// segment's lock.
func (e *Engine) LocateOrInstall(key filekey.Key, alignedOffset int64, load Loader, writeBack WriteBack) (slot int, err error) {
	if err := e.seg.Lock(); err != nil {
		return 0, err
	}
	defer e.seg.Unlock()

	if i, ok := e.lookupLocked(key, alignedOffset); ok {
		e.seg.SetMetaUsed(i, true)
		return i, nil
	}

	victim, err := e.selectVictimLocked()
	if err != nil {
		return 0, err
	}

	if e.seg.MetaDirty(victim) {
		vKey := e.seg.MetaKey(victim)
		vOffset := e.seg.MetaOffset(victim)
		if err := writeBack(vKey, vOffset, e.seg.DataPage(victim)); err != nil {
			e.logger.Warn("eviction write-back failed, victim left dirty",
				"key", vKey, "offset", vOffset, "error", err)
			return 0, fmt.Errorf("cache: eviction write-back: %w", err)
		}
	}

	page := e.seg.DataPage(victim)
	if err := load(page); err != nil {
		return 0, fmt.Errorf("cache: load page: %w", err)
	}

	e.seg.Install(victim, key, alignedOffset)
	return victim, nil
}

// lookupLocked scans for a slot matching (key, offset). Callers must hold
// the segment lock.
func (e *Engine) lookupLocked(key filekey.Key, offset int64) (int, bool) {
	for i := 0; i < e.seg.Capacity(); i++ {
		if e.seg.MetaKey(i) == key && e.seg.MetaOffset(i) == offset {
			return i, true
		}
	}
	return 0, false
}

// selectVictimLocked runs the CLOCK algorithm (spec.md §4.3): inspect the
// slot at the hand; if unused (or empty), it is the victim; otherwise
// clear its reference bit and advance. Every visited slot either yields a
// victim or has its bit cleared, so at most two full sweeps are ever
// needed — the loop bound below is exactly that guarantee, kept as a
// defensive assertion rather than trusted blindly.
func (e *Engine) selectVictimLocked() (int, error) {
	capacity := e.seg.Capacity()
	hand := e.seg.ClockHand()

	for visits := 0; visits < 2*capacity+1; visits++ {
		if e.seg.MetaKey(hand) == filekey.Empty || !e.seg.MetaUsed(hand) {
			victim := hand
			hand = (hand + 1) % capacity
			e.seg.SetClockHand(hand)
			return victim, nil
		}
		e.seg.SetMetaUsed(hand, false)
		hand = (hand + 1) % capacity
	}

	e.seg.SetClockHand(hand)
	return 0, ErrNoVictim
}

// FlushKey writes back every dirty slot belonging to key and clears its
// dirty bit, leaving the slot installed (spec.md §4.2 fsync). It stops at
// the first write-back failure, leaving that slot (and any not yet
// visited) dirty, per spec.md §7.
func (e *Engine) FlushKey(key filekey.Key, writeBack WriteBack) error {
	if err := e.seg.Lock(); err != nil {
		return err
	}
	defer e.seg.Unlock()

	for i := 0; i < e.seg.Capacity(); i++ {
		if e.seg.MetaKey(i) != key || !e.seg.MetaDirty(i) {
			continue
		}
		offset := e.seg.MetaOffset(i)
		if err := writeBack(key, offset, e.seg.DataPage(i)); err != nil {
			return fmt.Errorf("cache: fsync write-back at offset %d: %w", offset, err)
		}
		e.seg.ClearDirty(i)
	}
	return nil
}

// CloseFlush writes back every dirty slot belonging to key, then records
// this handle's close and, only if no other live opener of key remains
// (in this process or another attached one), empties every slot belonging
// to key (spec.md §4.2 close). It stops at the first write-back failure,
// leaving that slot dirty and installed, and any later matching slot
// untouched. A key that another handle still has open keeps its cached
// pages: closing one opener must not evict data a different still-open
// lifecycle of the same key depends on (see OpenKey).
func (e *Engine) CloseFlush(key filekey.Key, writeBack WriteBack) error {
	if err := e.seg.Lock(); err != nil {
		return err
	}
	defer e.seg.Unlock()

	for i := 0; i < e.seg.Capacity(); i++ {
		if e.seg.MetaKey(i) != key || !e.seg.MetaDirty(i) {
			continue
		}
		offset := e.seg.MetaOffset(i)
		if err := writeBack(key, offset, e.seg.DataPage(i)); err != nil {
			return fmt.Errorf("cache: close write-back at offset %d: %w", offset, err)
		}
		e.seg.ClearDirty(i)
	}

	e.seg.DecrementOpen(key)
	if e.seg.OpenCount(key) != 0 {
		return nil
	}
	for i := 0; i < e.seg.Capacity(); i++ {
		if e.seg.MetaKey(i) == key {
			e.seg.Empty(i)
		}
	}
	return nil
}

// OpenKey records a new live descriptor for key. Only when key had no
// prior live opener does it purge any slots left behind by an earlier,
// fully-closed lifecycle of the same key (spec.md §4.2 open: "the cache
// MUST clear any slots whose key equals the newly resolved key" — stale
// data from a *prior* lifecycle is discarded, not data a still-open
// lifecycle elsewhere is actively relying on). A key with a live opener
// elsewhere is exactly the case spec.md §8 scenario 5 requires: a second
// opener must see the first opener's cached pages as a hit, not have them
// purged out from under it.
func (e *Engine) OpenKey(key filekey.Key) error {
	if err := e.seg.Lock(); err != nil {
		return err
	}
	defer e.seg.Unlock()

	firstOpener := e.seg.OpenCount(key) == 0
	if err := e.seg.IncrementOpen(key); err != nil {
		return fmt.Errorf("cache: record open for %+v: %w", key, err)
	}
	if !firstOpener {
		return nil
	}
	for i := 0; i < e.seg.Capacity(); i++ {
		if e.seg.MetaKey(i) == key {
			e.seg.Empty(i)
		}
	}
	return nil
}
