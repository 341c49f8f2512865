// Package segment implements the memory-mapped segment files that back the
// queue's logical byte stream. It is the fixed-record-layout counterpart of
// the teacher's store.Segment (internal/store/segment.go): same
// os.Truncate + golang.org/x/sys/unix.Mmap lifecycle, same "payload written
// into a mmap slice, trailing marker proves completion" idea, generalized
// to the spec's start/adjustedSize/stride bookkeeping and to read-only
// mappings for the consumer and retention worker.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"

	"fixedqueue/internal/mmap"
)

const sentinel byte = 1

// namePattern is the 20-digit zero-padded decimal start offset used to name
// every segment file.
const namePattern = "%020d"

// Segment is a memory-mapped view of one segment file, covering the
// logical byte range [start, start+adjustedSize).
type Segment struct {
	start              int64
	adjustedSize       int64
	stride             int64
	payloadSize        int
	lastWritableOffset int64

	path     string
	file     *os.File
	region   *mmap.Region
	writable bool

	disposed atomic.Bool
	log      zerolog.Logger
}

// Path returns the filename a segment covering targetOffset would have
// under dir.
func Path(dir string, cfg Config, targetOffset int64) (string, error) {
	start, err := startFor(cfg, targetOffset)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf(namePattern, start)), nil
}

func startFor(cfg Config, targetOffset int64) (int64, error) {
	a := cfg.AdjustedSize()
	if a < cfg.Stride() {
		return 0, ErrInvalidConfig
	}
	if targetOffset < 0 {
		return 0, ErrOffsetOutOfRange
	}
	return (targetOffset / a) * a, nil
}

// CreateOrOpen ensures dir exists, determines the segment covering
// targetOffset, creates the backing file at the adjusted size if it does
// not exist (zero-filled), or opens the existing one, and memory-maps it
// read-write. It fails if an existing file's length does not match the
// configured adjusted size.
func CreateOrOpen(dir string, cfg Config, targetOffset int64, log zerolog.Logger) (*Segment, error) {
	return openOrCreate(dir, cfg, targetOffset, true, log)
}

// TryFind is the read-only counterpart of CreateOrOpen: it succeeds only if
// the segment file already exists, and maps it without the ability to
// write (the caller is expected to be a consumer or the retention worker,
// never the producer).
func TryFind(dir string, cfg Config, targetOffset int64, log zerolog.Logger) (*Segment, error) {
	return openOrCreate(dir, cfg, targetOffset, false, log)
}

func openOrCreate(dir string, cfg Config, targetOffset int64, create bool, log zerolog.Logger) (*Segment, error) {
	start, err := startFor(cfg, targetOffset)
	if err != nil {
		return nil, err
	}

	adjustedSize := cfg.AdjustedSize()
	stride := cfg.Stride()

	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("segment: mkdir %s: %w", dir, err)
		}
	}

	path := filepath.Join(dir, fmt.Sprintf(namePattern, start))

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if !create && os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}

	switch {
	case fi.Size() == 0 && create:
		if err := f.Truncate(adjustedSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("segment: truncate %s: %w", path, err)
		}
	case fi.Size() != adjustedSize:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s has length %d, want %d", ErrWrongLength, path, fi.Size(), adjustedSize)
	}

	region, err := mmap.Map(f, int(adjustedSize))
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s := &Segment{
		start:              start,
		adjustedSize:       adjustedSize,
		stride:             stride,
		payloadSize:        cfg.PayloadSize,
		lastWritableOffset: start + adjustedSize - stride,
		path:               path,
		file:               f,
		region:             region,
		writable:           create,
		log:                log,
	}

	log.Debug().Str("path", path).Int64("start", start).Bool("writable", create).Msg("segment mapped")

	return s, nil
}

// Start returns the first logical offset covered by this segment.
func (s *Segment) Start() int64 { return s.start }

// AdjustedSize returns A, this segment's file size in bytes.
func (s *Segment) AdjustedSize() int64 { return s.adjustedSize }

// LastWritableOffset returns the last offset at which a record may begin.
func (s *Segment) LastWritableOffset() int64 { return s.lastWritableOffset }

// End returns the offset one past the end of this segment's logical range.
func (s *Segment) End() int64 { return s.start + s.adjustedSize }

func (s *Segment) checkRange(offset int64) error {
	if offset < s.start || offset > s.lastWritableOffset {
		return ErrOffsetOutOfRange
	}
	if (offset-s.start)%s.stride != 0 {
		return ErrMisaligned
	}
	return nil
}

// Write writes payload at the given logical offset, then writes the end
// marker. The two stores happen in that order so a peer that observes the
// marker set also observes the payload bytes preceding it; see DESIGN.md
// for why this relies on plain stores rather than a byte-level atomic.
func (s *Segment) Write(offset int64, payload []byte) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if !s.writable {
		return ErrNotWritable
	}
	if err := s.checkRange(offset); err != nil {
		return err
	}
	if len(payload) != s.payloadSize {
		return fmt.Errorf("segment: payload length %d, want %d", len(payload), s.payloadSize)
	}

	local := offset - s.start
	data := s.region.Bytes()
	copy(data[local:local+int64(s.payloadSize)], payload)
	data[local+int64(s.payloadSize)] = sentinel

	return nil
}

// TryRead reads the marker at offset with acquire-like ordering (see
// Write); if the marker is unset it returns (nil, false, nil). If it is
// set, the payload bytes are copied out and returned.
func (s *Segment) TryRead(offset int64) ([]byte, bool, error) {
	if s.disposed.Load() {
		return nil, false, ErrDisposed
	}
	if err := s.checkRange(offset); err != nil {
		return nil, false, err
	}

	local := offset - s.start
	data := s.region.Bytes()
	if data[local+int64(s.payloadSize)] == 0 {
		return nil, false, nil
	}

	out := make([]byte, s.payloadSize)
	copy(out, data[local:local+int64(s.payloadSize)])
	return out, true, nil
}

// Flush requests the kernel persist this segment's dirty pages.
func (s *Segment) Flush() error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	return s.region.Sync()
}

// Dispose flushes (if writable), unmaps, and closes the segment. Idempotent.
func (s *Segment) Dispose() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}

	var flushErr error
	if s.writable {
		flushErr = s.region.Sync()
	}
	unmapErr := s.region.Unmap()
	closeErr := s.file.Close()

	s.log.Debug().Str("path", s.path).Msg("segment disposed")

	if flushErr != nil {
		return flushErr
	}
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// Delete removes the backing file of the segment starting at start; a
// missing file is not an error. It does not touch any open mapping of that
// file. Used only by the retention worker, which evicts the segment from
// the cache before calling it.
func Delete(dir string, start int64) error {
	path := filepath.Join(dir, fmt.Sprintf(namePattern, start))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: delete %s: %w", path, err)
	}
	return nil
}
