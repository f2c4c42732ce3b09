//go:build linux

package pagecache

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/sharedmem/pagecache/internal/cache"
	"github.com/sharedmem/pagecache/internal/descriptor"
	"github.com/sharedmem/pagecache/internal/filekey"
	"github.com/sharedmem/pagecache/internal/logx"
	"github.com/sharedmem/pagecache/internal/segment"
)

// PageCache is one process's attachment to the shared page cache. Every
// piece of process-local state — the descriptor table and the path
// registry — hangs off one *PageCache value
// instead of living in package variables, which is what a naive
// single-process translation of this design would otherwise reach for.
type PageCache struct {
	cfg    config
	seg    *segment.Segment
	engine *cache.Engine
	descs  *descriptor.Table
	paths  *filekey.PathRegistry
	logger *logx.Logger

	detached int32 // atomic, 0 or 1
}

// Open attaches to the shared page cache, creating it if this is the
// first attaching process (spec.md §4.1 initialize). Every cooperating
// process in the system calls Open once and shares the returned
// *PageCache across its own goroutines.
func Open(opts ...Option) (*PageCache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	// O_DIRECT's alignment requirement is tied to the host's actual memory
	// page size, not to the 4 KiB this package happens to use for its own
	// slots, so the check starts from unix.Getpagesize() rather than a
	// literal constant.
	if hostPageSize := unix.Getpagesize(); cfg.pageSize <= 0 || cfg.pageSize%hostPageSize != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a positive multiple of the host page size %d",
			ErrInvalidArgument, cfg.pageSize, hostPageSize)
	}
	if cfg.pageSize != segment.PageSize {
		return nil, fmt.Errorf("%w: page size %d unsupported, only %d is (fixed segment layout)",
			ErrInvalidArgument, cfg.pageSize, segment.PageSize)
	}

	seg, err := segment.Attach(cfg.segmentName, cfg.capacity, cfg.logger)
	if err != nil {
		if errors.Is(err, segment.ErrCapacityMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrCapacityMismatch, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFatalInit, err)
	}

	c := &PageCache{
		cfg:    cfg,
		seg:    seg,
		engine: cache.New(seg, cfg.logger),
		descs:  descriptor.NewTable(),
		paths:  filekey.NewPathRegistry(),
		logger: cfg.logger,
	}

	// Best-effort backstop for a caller that forgets to call Detach; the
	// ref-counted segment and the kernel-released flock both tolerate a
	// process that never runs this, but a clean decrement keeps RefCount
	// accurate for the processes that remain attached.
	runtime.SetFinalizer(c, func(c *PageCache) { c.Detach() })

	cfg.logger.Debug("pagecache opened", "segment", cfg.segmentName, "capacity", cfg.capacity)
	return c, nil
}

// Detach releases this process's attachment to the shared segment. It is
// safe to call more than once; only the first call does anything. Open
// files are not implicitly closed — callers should Close every handle
// they still hold before detaching so each gets its final write-back.
func (c *PageCache) Detach() error {
	if !atomic.CompareAndSwapInt32(&c.detached, 0, 1) {
		return nil
	}
	runtime.SetFinalizer(c, nil)
	return c.seg.Detach()
}
