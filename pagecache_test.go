//go:build linux

package pagecache

import (
	"fmt"
	"os"
	"testing"
	"time"
)

func uniqueSegmentName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/pagecache_roottest_%d_%d", os.Getpid(), time.Now().UnixNano())
}

func openTestCache(t *testing.T, capacity int) *PageCache {
	t.Helper()
	c, err := Open(WithSegmentName(uniqueSegmentName(t)), WithCapacity(capacity))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Detach() })
	return c
}

func TestOpenRejectsMismatchedPageSize(t *testing.T) {
	_, err := Open(WithSegmentName(uniqueSegmentName(t)), WithPageSize(8192))
	if err == nil {
		t.Fatal("expected error for unsupported page size")
	}
}

func TestOpenRejectsPageSizeNotAMultipleOfHostPageSize(t *testing.T) {
	_, err := Open(WithSegmentName(uniqueSegmentName(t)), WithPageSize(100))
	if err == nil {
		t.Fatal("expected error for a page size that is not a multiple of the host page size")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	c, err := Open(WithSegmentName(uniqueSegmentName(t)), WithCapacity(4))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Detach(); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if err := c.Detach(); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
}

func TestUnknownHandleOperations(t *testing.T) {
	c := openTestCache(t, 4)

	if _, err := c.Read(Handle(999), make([]byte, 10)); err == nil {
		t.Error("Read on unknown handle should fail")
	}
	if _, err := c.Write(Handle(999), make([]byte, 10)); err == nil {
		t.Error("Write on unknown handle should fail")
	}
	if _, err := c.Seek(Handle(999), 0, SeekStart); err == nil {
		t.Error("Seek on unknown handle should fail")
	}
	if err := c.Fsync(Handle(999)); err == nil {
		t.Error("Fsync on unknown handle should fail")
	}
	if err := c.Close(Handle(999)); err == nil {
		t.Error("Close on unknown handle should fail")
	}
}
