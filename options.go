package pagecache

import (
	"log/slog"

	"github.com/sharedmem/pagecache/internal/logx"
	"github.com/sharedmem/pagecache/internal/segment"
)

// config holds the resolved settings for one Open call. It is built up by
// Option functions applied over a default, rather than read from
// package-level flags, since the latter would be exactly the
// process-wide mutable singleton this library avoids elsewhere.
type config struct {
	segmentName string
	capacity    int
	pageSize    int
	logger      *logx.Logger
}

func defaultConfig() config {
	return config{
		segmentName: segment.DefaultName,
		capacity:    segment.DefaultCapacity,
		pageSize:    segment.PageSize,
		logger:      logx.Default(),
	}
}

// Option configures a call to Open.
type Option func(*config)

// WithSegmentName overrides the shared-memory object identity (spec.md
// §6.2), which defaults to "/globalCache_shm".
func WithSegmentName(name string) Option {
	return func(c *config) { c.segmentName = name }
}

// WithCapacity overrides the number of page slots, which defaults to
// segment.DefaultCapacity (12,800, matching the source). All processes
// attaching to the same named segment must agree on capacity; attaching
// with a different value than an already-created segment fails with
// ErrCapacityMismatch.
func WithCapacity(n int) Option {
	return func(c *config) { c.capacity = n }
}

// WithPageSize overrides the page size, which defaults to segment.PageSize
// (4096, matching the source's filesystem block size assumption). Open
// validates n against unix.Getpagesize() before accepting it: n must be a
// positive multiple of the host's page size, the minimum alignment O_DIRECT
// imposes on the backing I/O this package issues, and currently must also
// equal segment.PageSize since the shared segment's on-disk layout is fixed
// at that size.
func WithPageSize(n int) Option {
	return func(c *config) { c.pageSize = n }
}

// WithLogger directs the cache's structured logging (attach/detach,
// eviction write-back failures, mutex-recovery warnings) at sl. Without
// this option, logging is silent unless PAGECACHE_DEBUG is set in the
// environment.
func WithLogger(sl *slog.Logger) Option {
	return func(c *config) { c.logger = logx.New(sl) }
}
