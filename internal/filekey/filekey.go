//go:build linux

// Package filekey resolves the stable, process-independent identity a page
// cache uses to tell files apart (spec.md §3.1). It picks device+inode
// over a canonical path string: a fixed-width, collision-free pair that
// fits directly into a shared-memory slot record, unlike the fixed-length
// path buffer original_source/lab2/lab2.cpp used (CachePage.path[256]),
// which silently truncates long paths into false collisions.
package filekey

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Key identifies a cached file independent of any particular handle.
type Key struct {
	Dev uint64
	Ino uint64
}

// Empty is the zero Key, used by an unoccupied page slot (spec.md §3.2).
var Empty Key

// Resolve returns the Key for an already-open file descriptor.
func Resolve(fd int) (Key, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Empty, fmt.Errorf("fstat: %w", err)
	}
	return Key{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

// CanonicalPath resolves the path the kernel currently associates with fd,
// by reading the /proc/self/fd symlink. This avoids re-implementing
// realpath(3) and correctly follows renames that happened after open.
func CanonicalPath(fd int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
}

// PathRegistry remembers the canonical path a key was last opened under, so
// that a dirty victim can be written back by reopening its backing file
// even after every descriptor for that key has been closed (spec.md §4.3).
// It is process-local and unrelated to the shared segment's mutex.
type PathRegistry struct {
	mu    sync.Mutex
	paths map[Key]string
}

// NewPathRegistry returns an empty registry.
func NewPathRegistry() *PathRegistry {
	return &PathRegistry{paths: make(map[Key]string)}
}

// Record associates key with path, overwriting any previous association.
func (r *PathRegistry) Record(key Key, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[key] = path
}

// Lookup returns the path last recorded for key, if any.
func (r *PathRegistry) Lookup(key Key) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[key]
	return p, ok
}

// Forget removes any recorded path for key. Safe to call even if key was
// never recorded.
func (r *PathRegistry) Forget(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, key)
}
