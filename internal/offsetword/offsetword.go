// Package offsetword implements the 8-byte memory-mapped cursor shared
// between the producer, the consumer, and any other process mapping the
// same store directory. It plays the role that the teacher's index head
// (ninibe-netlog's segment.NRO/NiFO, advanced with atomic.AddUint32 over a
// mmap'd slice) plays for a single process, extended to a full 64-bit value
// and to cross-process visibility.
package offsetword

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"fixedqueue/internal/mmap"
)

const wordSize = 8

var (
	// ErrNegativeOffset is returned by MoveTo when value is negative.
	ErrNegativeOffset = errors.New("offsetword: value must be >= 0")
	// ErrBackwardsMove is returned by MoveTo when value would move the word
	// backwards and allowBackwards was not set.
	ErrBackwardsMove = errors.New("offsetword: backwards move requires allowBackwards")
)

// Word is a memory-mapped signed 64-bit counter. The mapping is
// reinterpreted as *int64 so reads and writes go through sync/atomic,
// giving the same ordering guarantees an atomic.Int64 gives in-process,
// carried across the page cache to any other process mapping the file.
type Word struct {
	file   *os.File
	region *mmap.Region
	ptr    *int64
}

// Open creates the backing file (length 8, value 0) if it does not already
// exist, then memory-maps it read-write.
func Open(path string) (*Word, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("offsetword: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("offsetword: stat %s: %w", path, err)
	}
	if fi.Size() < wordSize {
		if err := f.Truncate(wordSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("offsetword: truncate %s: %w", path, err)
		}
	}

	region, err := mmap.Map(f, wordSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &Word{
		file:   f,
		region: region,
		ptr:    (*int64)(unsafe.Pointer(&region.Bytes()[0])),
	}
	return w, nil
}

// Read returns the current value with acquire ordering: a reader observing
// this value also observes whatever writes preceded the matching Advance or
// MoveTo on the writing side.
func (w *Word) Read() int64 {
	return atomic.LoadInt64(w.ptr)
}

// Advance adds delta to the value with release ordering and returns the new
// value.
func (w *Word) Advance(delta int64) int64 {
	return atomic.AddInt64(w.ptr, delta)
}

// MoveTo sets an absolute value. It fails if value is negative, and fails if
// value would move the counter backwards unless allowBackwards is true.
// Backwards moves are legitimate only during crash recovery and the
// consumer's stuck-detection path.
func (w *Word) MoveTo(value int64, allowBackwards bool) error {
	if value < 0 {
		return ErrNegativeOffset
	}

	for {
		current := atomic.LoadInt64(w.ptr)
		if value < current && !allowBackwards {
			return ErrBackwardsMove
		}
		if atomic.CompareAndSwapInt64(w.ptr, current, value) {
			return nil
		}
	}
}

// Close flushes, unmaps, and closes the backing file. Idempotent.
func (w *Word) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.region.Sync(); err != nil {
		return err
	}
	if err := w.region.Unmap(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}
