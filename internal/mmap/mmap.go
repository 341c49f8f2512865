// Package mmap wraps the memory-mapping primitives shared by segment files
// and offset word files: both need the same map/sync/unmap lifecycle over a
// plain os.File, backed by golang.org/x/sys/unix rather than the raw
// syscall package.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a memory-mapped view of the first length bytes of a file,
// shared between any process that maps the same file (MAP_SHARED).
type Region struct {
	data []byte
}

// Map maps the first length bytes of f for reading and writing.
func Map(f *os.File, length int) (*Region, error) {
	if length <= 0 {
		return nil, fmt.Errorf("mmap: length must be positive, got %d", length)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}

	return &Region{data: data}, nil
}

// Bytes returns the mapped region as a byte slice. The slice is valid until
// Unmap is called.
func (r *Region) Bytes() []byte {
	return r.data
}

// Sync requests the kernel flush the region's dirty pages to stable storage,
// blocking until the flush completes (MS_SYNC).
func (r *Region) Sync() error {
	if r.data == nil {
		return nil
	}
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Unmap releases the mapping. It is safe to call more than once.
func (r *Region) Unmap() error {
	if r.data == nil {
		return nil
	}

	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
