package pagecache

import "errors"

// Error kinds surfaced by the public API (spec.md §7). Callers should use
// errors.Is against these sentinels rather than matching error strings.
var (
	// ErrOpenFailed is returned when the OS open, key resolution, or the
	// live-opener bookkeeping fails during OpenFile, and when closing the
	// OS handle fails during Close. Open reports a failed segment attach
	// as ErrFatalInit instead.
	ErrOpenFailed = errors.New("pagecache: open failed")

	// ErrUnknownHandle is returned when an operation is given a handle not
	// present in the Descriptor Table.
	ErrUnknownHandle = errors.New("pagecache: unknown handle")

	// ErrInvalidArgument is returned for a seek that would produce a
	// negative cursor, an unrecognized Whence, or an oversized request to
	// an operation that does not bypass the cache.
	ErrInvalidArgument = errors.New("pagecache: invalid argument")

	// ErrIOError is returned when a backing-file read or write fails
	// during miss-fill, eviction write-back, or fsync.
	ErrIOError = errors.New("pagecache: io error")

	// ErrFatalInit is returned when the shared segment cannot be
	// attached; the process cannot proceed with this cache.
	ErrFatalInit = errors.New("pagecache: fatal initialization error")

	// ErrCapacityMismatch is returned when Open is asked to attach to an
	// existing segment created with a different capacity.
	ErrCapacityMismatch = errors.New("pagecache: segment capacity mismatch")
)
