// Package buffer allocates the block-aligned I/O buffers handed to a zoned
// device. Buffers are pinned (mmap'd) regions sized in whole logical blocks;
// released regions are kept on per-size free lists for reuse.
package buffer

import (
	"sync"

	"github.com/zstore/zstore/pkg/errors"
)

// maxFreePerSize bounds how many released regions of one size are cached.
const maxFreePerSize = 64

// Buffer is an I/O buffer exclusively owned by its holder between Allocate
// and Release.
type Buffer struct {
	data     []byte
	alloc    *Allocator
	released bool
}

// Bytes returns the buffer contents. The slice must not be retained after
// Release.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Blocks returns the buffer size in logical blocks.
func (b *Buffer) Blocks() uint64 { return uint64(len(b.data)) / uint64(b.alloc.blockSize) }

// Release returns the buffer to its allocator.
func (b *Buffer) Release() error {
	return b.alloc.Release(b)
}

// Stats reports allocator usage.
type Stats struct {
	Allocations uint64 `json:"allocations"`
	Releases    uint64 `json:"releases"`
	Reused      uint64 `json:"reused"`
	InUseBytes  int64  `json:"in_use_bytes"`
	CachedBytes int64  `json:"cached_bytes"`
	PeakBytes   int64  `json:"peak_bytes"`
	BudgetBytes int64  `json:"budget_bytes"`
}

// Allocator hands out buffers sized in multiples of one device's logical
// block size, within a pinned-memory budget.
type Allocator struct {
	mu        sync.Mutex
	blockSize int
	budget    int64
	free      map[int][][]byte
	stats     Stats
}

// NewAllocator creates an allocator for blockSize-byte blocks. A budget of
// zero or less means unlimited.
func NewAllocator(blockSize int, budget int64) (*Allocator, error) {
	if blockSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "block size must be positive, got %d", blockSize).
			WithComponent("buffer")
	}
	return &Allocator{
		blockSize: blockSize,
		budget:    budget,
		free:      make(map[int][][]byte),
		stats:     Stats{BudgetBytes: budget},
	}, nil
}

// BlockSize returns the logical block size buffers are sized against.
func (a *Allocator) BlockSize() int { return a.blockSize }

// Allocate returns a zeroed, page-aligned buffer of size bytes. size must be a
// positive multiple of the block size.
func (a *Allocator) Allocate(size int) (*Buffer, error) {
	if size <= 0 || size%a.blockSize != 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument,
			"buffer size %d is not a positive multiple of block size %d", size, a.blockSize).
			WithComponent("buffer").WithOperation("allocate")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Reuse a cached region first; it is already counted against the budget.
	if regions := a.free[size]; len(regions) > 0 {
		region := regions[len(regions)-1]
		a.free[size] = regions[:len(regions)-1]
		clear(region)
		a.stats.CachedBytes -= int64(size)
		a.stats.Reused++
		return a.handOutLocked(region), nil
	}

	if a.budget > 0 && a.stats.InUseBytes+a.stats.CachedBytes+int64(size) > a.budget {
		a.trimLocked(int64(size))
	}
	if a.budget > 0 && a.stats.InUseBytes+a.stats.CachedBytes+int64(size) > a.budget {
		return nil, errors.Newf(errors.ErrCodeAllocationFailed,
			"pinned buffer budget exhausted: %d in use, %d requested, %d budget",
			a.stats.InUseBytes, size, a.budget).
			WithComponent("buffer").WithOperation("allocate")
	}

	region, err := mapRegion(size)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeAllocationFailed, "failed to map buffer region").
			WithComponent("buffer").WithOperation("allocate").WithCause(err)
	}
	return a.handOutLocked(region), nil
}

func (a *Allocator) handOutLocked(region []byte) *Buffer {
	a.stats.Allocations++
	a.stats.InUseBytes += int64(len(region))
	if a.stats.InUseBytes > a.stats.PeakBytes {
		a.stats.PeakBytes = a.stats.InUseBytes
	}
	return &Buffer{data: region, alloc: a}
}

// Release returns buf to the allocator. Releasing the same buffer twice is an
// error and leaves the allocator untouched.
func (a *Allocator) Release(buf *Buffer) error {
	if buf == nil || buf.alloc != a {
		return errors.NewError(errors.ErrCodeInvalidArgument, "buffer does not belong to this allocator").
			WithComponent("buffer").WithOperation("release")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if buf.released {
		return errors.NewError(errors.ErrCodeInvalidState, "buffer released twice").
			WithComponent("buffer").WithOperation("release")
	}
	buf.released = true

	region := buf.data
	buf.data = nil
	size := len(region)
	a.stats.Releases++
	a.stats.InUseBytes -= int64(size)

	if len(a.free[size]) < maxFreePerSize {
		a.free[size] = append(a.free[size], region)
		a.stats.CachedBytes += int64(size)
		return nil
	}
	return unmapRegion(region)
}

// trimLocked unmaps cached regions until need bytes fit in the budget or the
// cache is empty.
func (a *Allocator) trimLocked(need int64) {
	for size, regions := range a.free {
		for len(regions) > 0 && a.stats.InUseBytes+a.stats.CachedBytes+need > a.budget {
			region := regions[len(regions)-1]
			regions = regions[:len(regions)-1]
			_ = unmapRegion(region)
			a.stats.CachedBytes -= int64(size)
		}
		a.free[size] = regions
	}
}

// Stats returns a copy of the allocator statistics.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close unmaps every cached region. Buffers still held by callers stay valid
// until they are released.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for size, regions := range a.free {
		for _, region := range regions {
			if err := unmapRegion(region); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		a.stats.CachedBytes -= int64(size * len(regions))
		delete(a.free, size)
	}
	return firstErr
}

// WithBuffer allocates a buffer of size bytes, runs fn and releases the
// buffer on every return path.
func WithBuffer(a *Allocator, size int, fn func(*Buffer) error) (err error) {
	buf, err := a.Allocate(size)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := buf.Release(); err == nil {
			err = releaseErr
		}
	}()
	return fn(buf)
}
