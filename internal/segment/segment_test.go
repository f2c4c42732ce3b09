//go:build linux

package segment

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sharedmem/pagecache/internal/filekey"
	"github.com/sharedmem/pagecache/internal/logx"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/pagecache_test_%d_%d", os.Getpid(), time.Now().UnixNano())
}

func TestAttachInitializesFirstAttacher(t *testing.T) {
	name := uniqueName(t)
	s, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	if s.RefCount() != 1 {
		t.Errorf("RefCount = %d, want 1", s.RefCount())
	}
	if s.Capacity() != 4 {
		t.Errorf("Capacity = %d, want 4", s.Capacity())
	}
	if err := s.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer s.Unlock()
	if s.ClockHand() != 0 {
		t.Errorf("ClockHand = %d, want 0", s.ClockHand())
	}
	for i := 0; i < s.Capacity(); i++ {
		if s.MetaKey(i) != filekey.Empty {
			t.Errorf("slot %d key = %+v, want empty", i, s.MetaKey(i))
		}
		if s.MetaUsed(i) || s.MetaDirty(i) {
			t.Errorf("slot %d has used=%v dirty=%v, want both false", i, s.MetaUsed(i), s.MetaDirty(i))
		}
	}
}

func TestAttachTwiceIncrementsRefCount(t *testing.T) {
	name := uniqueName(t)
	s1, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach first: %v", err)
	}
	defer s1.Detach()

	s2, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach second: %v", err)
	}
	defer s2.Detach()

	if s1.RefCount() != 2 {
		t.Errorf("RefCount = %d, want 2", s1.RefCount())
	}
}

func TestAttachCapacityMismatch(t *testing.T) {
	name := uniqueName(t)
	s1, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s1.Detach()

	_, err = Attach(name, 8, logx.New(nil))
	if err == nil {
		t.Fatal("expected capacity mismatch error")
	}
	if !isWrapped(err, ErrCapacityMismatch) {
		t.Errorf("error %v does not wrap ErrCapacityMismatch", err)
	}
}

func TestLastDetacherUnlinks(t *testing.T) {
	name := uniqueName(t)
	s1, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	s2, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := s2.Detach(); err != nil {
		t.Fatalf("Detach s2: %v", err)
	}
	if _, err := os.Stat(shmDir + name); err != nil {
		t.Fatalf("segment file should still exist after non-last detach: %v", err)
	}

	if err := s1.Detach(); err != nil {
		t.Fatalf("Detach s1: %v", err)
	}
	if _, err := os.Stat(shmDir + name); !os.IsNotExist(err) {
		t.Fatalf("segment file should be unlinked after last detach, stat err = %v", err)
	}
}

func TestInstallAndEmpty(t *testing.T) {
	name := uniqueName(t)
	s, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	if err := s.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer s.Unlock()

	key := filekey.Key{Dev: 1, Ino: 42}
	s.Install(0, key, 4096)
	if s.MetaKey(0) != key || s.MetaOffset(0) != 4096 || !s.MetaUsed(0) || s.MetaDirty(0) {
		t.Fatalf("slot 0 after Install = key=%+v offset=%d used=%v dirty=%v",
			s.MetaKey(0), s.MetaOffset(0), s.MetaUsed(0), s.MetaDirty(0))
	}

	s.MarkDirty(0)
	if !s.MetaDirty(0) {
		t.Fatal("expected dirty after MarkDirty")
	}
	s.ClearDirty(0)
	if s.MetaDirty(0) {
		t.Fatal("expected clean after ClearDirty")
	}

	s.Empty(0)
	if s.MetaKey(0) != filekey.Empty || s.MetaUsed(0) || s.MetaDirty(0) {
		t.Fatal("slot 0 after Empty should be fully zeroed")
	}
}

func TestOpenCountTracksIncrementAndDecrement(t *testing.T) {
	name := uniqueName(t)
	s, err := Attach(name, 4, logx.New(nil))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	if err := s.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer s.Unlock()

	key := filekey.Key{Dev: 9, Ino: 1}
	if got := s.OpenCount(key); got != 0 {
		t.Fatalf("OpenCount before any open = %d, want 0", got)
	}

	if err := s.IncrementOpen(key); err != nil {
		t.Fatalf("IncrementOpen: %v", err)
	}
	if err := s.IncrementOpen(key); err != nil {
		t.Fatalf("IncrementOpen: %v", err)
	}
	if got := s.OpenCount(key); got != 2 {
		t.Fatalf("OpenCount after two increments = %d, want 2", got)
	}

	s.DecrementOpen(key)
	if got := s.OpenCount(key); got != 1 {
		t.Fatalf("OpenCount after one decrement = %d, want 1", got)
	}

	s.DecrementOpen(key)
	if got := s.OpenCount(key); got != 0 {
		t.Fatalf("OpenCount after matching decrement = %d, want 0", got)
	}

	// A key with no recorded opener tolerates a decrement.
	s.DecrementOpen(filekey.Key{Dev: 9, Ino: 2})
}

func isWrapped(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
