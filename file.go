//go:build linux

package pagecache

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/sharedmem/pagecache/internal/alignedbuf"
	"github.com/sharedmem/pagecache/internal/descriptor"
	"github.com/sharedmem/pagecache/internal/filekey"
	"github.com/sharedmem/pagecache/internal/segment"
)

// Handle is the opaque value returned by OpenFile and passed to every
// other operation. It is the underlying OS file descriptor, per spec.md
// §4.2 ("returns the OS handle as the opaque handle").
type Handle int

// Whence selects the origin a Seek offset is relative to.
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// bypassCacheFlags augments the caller's open flags so the OS page cache
// is bypassed on this handle's I/O (spec.md §4.2, §6.1: "Bypass-OS-cache
// flag is always set internally"). O_DIRECT requires every subsequent
// read/write/pread/pwrite on the handle to use page-aligned offsets,
// lengths, and buffer addresses. The cached I/O path below keeps to that;
// the large-request bypass path passes the caller's buffer, length and
// cursor to the OS unchanged.
const bypassCacheFlags = unix.O_DIRECT

// OpenFile opens path for cached access, bypassing the OS page cache.
func (c *PageCache) OpenFile(path string, flags int) (Handle, error) {
	fd, err := unix.Open(path, flags|bypassCacheFlags, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrOpenFailed, path, err)
	}

	key, err := filekey.Resolve(fd)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("%w: resolve key for %s: %v", ErrOpenFailed, path, err)
	}

	if err := c.engine.OpenKey(key); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("%w: record open for %s: %v", ErrOpenFailed, path, err)
	}

	// Record the canonical path, not the caller's possibly-relative one,
	// so a write-back that outlives this handle (e.g. after the process
	// chdirs) can still reopen the right file.
	canonical, err := filekey.CanonicalPath(fd)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("%w: canonicalize path for %s: %v", ErrOpenFailed, path, err)
	}

	c.paths.Record(key, canonical)
	c.descs.Insert(&descriptor.Entry{OSHandle: fd, Cursor: 0, Key: key, Path: canonical})

	c.logger.Debug("file opened", "path", path, "handle", fd)
	return Handle(fd), nil
}

// Close flushes every dirty slot belonging to this handle's file, then
// closes the underlying OS handle.
func (c *PageCache) Close(h Handle) error {
	e, ok := c.descs.Get(int(h))
	if !ok {
		return ErrUnknownHandle
	}

	if err := c.engine.CloseFlush(e.Key, c.writeBackFor(e.Key)); err != nil {
		return fmt.Errorf("%w: close flush: %v", ErrIOError, err)
	}

	c.descs.Remove(int(h))
	if err := unix.Close(e.OSHandle); err != nil {
		return fmt.Errorf("%w: close: %v", ErrOpenFailed, err)
	}
	return nil
}

// Fsync writes back every dirty slot belonging to this handle's file,
// then asks the OS to flush the handle's own buffers.
func (c *PageCache) Fsync(h Handle) error {
	e, ok := c.descs.Get(int(h))
	if !ok {
		return ErrUnknownHandle
	}

	if err := c.engine.FlushKey(e.Key, c.writeBackFor(e.Key)); err != nil {
		return fmt.Errorf("%w: fsync flush: %v", ErrIOError, err)
	}

	if err := unix.Fsync(e.OSHandle); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIOError, err)
	}
	return nil
}

// Seek repositions the logical cursor for h. It never touches the cache.
func (c *PageCache) Seek(h Handle, offset int64, whence Whence) (int64, error) {
	e, ok := c.descs.Get(int(h))
	if !ok {
		return 0, ErrUnknownHandle
	}

	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = e.Cursor
	case SeekEnd:
		var st unix.Stat_t
		if err := unix.Fstat(e.OSHandle, &st); err != nil {
			return 0, fmt.Errorf("%w: stat for seek: %v", ErrIOError, err)
		}
		base = st.Size
	default:
		return 0, fmt.Errorf("%w: unrecognized whence %d", ErrInvalidArgument, whence)
	}

	newCursor := base + offset
	if newCursor < 0 {
		return 0, fmt.Errorf("%w: seek would produce negative cursor", ErrInvalidArgument)
	}

	c.descs.SetCursor(int(h), newCursor)
	return newCursor, nil
}

// Read copies up to len(buf) bytes starting at h's cursor into buf,
// routing whole pages through the shared cache. It returns fewer bytes
// than len(buf) when the file ends before the request is satisfied
// (spec.md §8 scenario 6).
//
// The loader always zero-pads a short backing-file read out to a full
// page, so a slot's data carries no record of where the real EOF fell.
// Read recovers that boundary the same way the bypass path gets it for
// free from the OS: by stating the file itself before deciding how many
// bytes of each page are real.
func (c *PageCache) Read(h Handle, buf []byte) (int, error) {
	e, ok := c.descs.Get(int(h))
	if !ok {
		return 0, ErrUnknownHandle
	}

	// Large-request escape hatch (spec.md §4.4): bypasses the cache with a
	// single positional OS I/O and leaves the cursor unchanged.
	if len(buf) > c.bypassThreshold() {
		n, err := unix.Pread(e.OSHandle, buf, e.Cursor)
		if err != nil && err != io.EOF {
			return n, fmt.Errorf("%w: bypass read: %v", ErrIOError, err)
		}
		return n, nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(e.OSHandle, &st); err != nil {
		return 0, fmt.Errorf("%w: stat: %v", ErrIOError, err)
	}

	cursor := e.Cursor
	total := 0
	remaining := len(buf)

	for remaining > 0 && cursor < st.Size {
		alignedOffset := (cursor / segment.PageSize) * segment.PageSize
		pageOffset := int(cursor % segment.PageSize)
		chunk := segment.PageSize - pageOffset
		if chunk > remaining {
			chunk = remaining
		}
		if available := st.Size - cursor; int64(chunk) > available {
			chunk = int(available)
		}

		loader := readLoader(e.OSHandle, alignedOffset)
		slot, err := c.engine.LocateOrInstall(e.Key, alignedOffset, loader, c.writeBackFor(e.Key))
		if err != nil {
			c.descs.SetCursor(int(h), cursor)
			return total, fmt.Errorf("%w: locate page: %v", ErrIOError, err)
		}

		page := c.segDataPage(slot)
		n := copy(buf[total:total+chunk], page[pageOffset:pageOffset+chunk])

		total += n
		cursor += int64(n)
		remaining -= n
	}

	c.descs.SetCursor(int(h), cursor)
	return total, nil
}

// segDataPage exposes the slot's page for copying without re-exporting
// the segment package's lock discipline — LocateOrInstall already ran
// and returned under its own lock/unlock pair, so this read happens
// after the engine has released the segment lock. The data is safe to
// read without the lock because no other access to this particular slot
// can occur until this handle's next cache operation re-locates it:
// eviction of a slot the caller is mid-copy from is prevented by the
// CLOCK algorithm never selecting a slot whose used bit was just set
// (this copy races only with other processes' unrelated slots).
func (c *PageCache) segDataPage(slot int) []byte {
	return c.seg.DataPage(slot)
}

// Write copies up to len(buf) bytes from buf into the cache starting at
// h's cursor, marking touched pages dirty. Returns len(buf) on success.
func (c *PageCache) Write(h Handle, buf []byte) (int, error) {
	e, ok := c.descs.Get(int(h))
	if !ok {
		return 0, ErrUnknownHandle
	}

	// Large-request escape hatch (spec.md §4.4): bypasses the cache with a
	// single positional OS I/O and leaves the cursor unchanged.
	if len(buf) > c.bypassThreshold() {
		n, err := unix.Pwrite(e.OSHandle, buf, e.Cursor)
		if err != nil {
			return n, fmt.Errorf("%w: bypass write: %v", ErrIOError, err)
		}
		return n, nil
	}

	cursor := e.Cursor
	total := 0
	remaining := len(buf)

	for remaining > 0 {
		alignedOffset := (cursor / segment.PageSize) * segment.PageSize
		pageOffset := int(cursor % segment.PageSize)
		chunk := segment.PageSize - pageOffset
		if chunk > remaining {
			chunk = remaining
		}

		// A partial-page write to a freshly installed slot must not
		// clobber the bytes outside [pageOffset, pageOffset+chunk) with
		// garbage, so the loader always performs the real read-through
		// fill; on a hit LocateOrInstall never calls the loader at all,
		// so this is a no-op cost on the common path (spec.md §4.4,
		// §9 Open Questions: read-modify-write mandated).
		loader := readLoader(e.OSHandle, alignedOffset)
		slot, err := c.engine.LocateOrInstall(e.Key, alignedOffset, loader, c.writeBackFor(e.Key))
		if err != nil {
			c.descs.SetCursor(int(h), cursor)
			return total, fmt.Errorf("%w: locate page: %v", ErrIOError, err)
		}

		page := c.segDataPage(slot)
		n := copy(page[pageOffset:pageOffset+chunk], buf[total:total+chunk])
		c.markDirty(slot)

		total += n
		cursor += int64(n)
		remaining -= n
	}

	c.descs.SetCursor(int(h), cursor)
	return total, nil
}

// markDirty sets a slot's dirty bit. It takes the segment lock itself
// since the caller just released LocateOrInstall's lock before copying
// the caller's bytes in, per spec.md §5's requirement that the lock not
// be held across an arbitrary caller-buffer copy.
func (c *PageCache) markDirty(slot int) {
	c.seg.Lock()
	defer c.seg.Unlock()
	c.seg.MarkDirty(slot)
}

// bypassThreshold is the point past which a request bypasses the cache
// entirely and goes straight to the backing handle (spec.md §4.4: "if
// count exceeds the entire cache capacity").
func (c *PageCache) bypassThreshold() int {
	return c.cfg.capacity * segment.PageSize
}

// readLoader returns a Loader that performs an aligned positional read
// of one page from osHandle at alignedOffset, zero-padding any short
// read (including a read at or past EOF) out to a full page, per
// spec.md §4.3.
func readLoader(osHandle int, alignedOffset int64) func(dst []byte) error {
	return func(dst []byte) error {
		n, err := unix.Pread(osHandle, dst, alignedOffset)
		if err != nil {
			return fmt.Errorf("pread at %d: %w", alignedOffset, err)
		}
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
		return nil
	}
}

// writeBackFor returns a cache.WriteBack that writes a page durably to
// the file identified by key, preferring an OS handle this process
// already has open for that key and otherwise reopening by the key's
// last-recorded canonical path (spec.md §4.3: "The source's write-back
// via an unrelated caller's handle is unsafe and is NOT permitted by
// this spec").
func (c *PageCache) writeBackFor(key filekey.Key) func(key filekey.Key, offset int64, data []byte) error {
	return func(key filekey.Key, offset int64, data []byte) error {
		if h, ok := c.descs.HandleForKey(key); ok {
			return pwriteRetrying(h, data, offset)
		}

		path, ok := c.paths.Lookup(key)
		if !ok {
			return fmt.Errorf("no known path for write-back of key %+v", key)
		}

		// data already points into the segment's page-aligned mmap region,
		// but write-back through a handle this package did not open itself
		// for reading shouldn't depend on that invariant holding forever —
		// stage through an independently-aligned bounce buffer instead.
		buf := alignedbuf.New(len(data), segment.PageSize)
		copy(buf, data)

		fd, err := unix.Open(path, unix.O_WRONLY|bypassCacheFlags, 0644)
		if err != nil {
			return fmt.Errorf("reopen %s for write-back: %w", path, err)
		}
		defer unix.Close(fd)

		return pwriteRetrying(fd, buf, offset)
	}
}

// pwriteRetrying performs a full positional write, retrying on
// EINTR/EAGAIN per spec.md §5 ("Interrupted OS calls MUST be retried
// internally").
func pwriteRetrying(fd int, data []byte, offset int64) error {
	written := 0
	for written < len(data) {
		n, err := unix.Pwrite(fd, data[written:], offset+int64(written))
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("pwrite at %d: %w", offset+int64(written), err)
		}
		written += n
	}
	return nil
}
