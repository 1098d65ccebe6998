// Package shmem wraps the anonymous MAP_SHARED mappings every Arena is
// built on. It exists so the arena and guard packages never touch
// unix.Mmap/Munmap directly — one place owns the mapping lifecycle and the
// page-size lookup used throughout the allocator.
package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is a live anonymous shared mapping. Bytes is valid until Close is
// called; callers reinterpret its backing array via unsafe.Pointer the way
// the rest of the arena package does for headers.
type Region struct {
	Bytes []byte
}

// Map creates a new zero-filled MAP_SHARED|MAP_ANONYMOUS region of size
// bytes, readable and writable by this process and any process that later
// shares the mapping across a fork.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmem: invalid size %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap: %w", err)
	}
	return &Region{Bytes: b}, nil
}

// Close unmaps the region. A second call finds Bytes already nil and
// returns nil without calling munmap.
func (r *Region) Close() error {
	if r == nil || r.Bytes == nil {
		return nil
	}
	err := unix.Munmap(r.Bytes)
	r.Bytes = nil
	return err
}

// PageSize returns the process page size, cached after the first call.
var pageSize int

func PageSize() int {
	if pageSize == 0 {
		pageSize = unix.Getpagesize()
	}
	return pageSize
}

// RoundUpToPage rounds n up to the next multiple of the page size, the
// padding applied to every allocation when guard-page protection is active.
func RoundUpToPage(n int) int {
	p := PageSize()
	if n%p == 0 {
		return n
	}
	return (n/p + 1) * p
}
