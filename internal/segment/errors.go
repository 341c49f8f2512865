package segment

import "errors"

var (
	// ErrInvalidConfig is returned when PayloadSize or NominalSegmentSize
	// cannot produce at least one record per segment.
	ErrInvalidConfig = errors.New("segment: invalid configuration")
	// ErrOffsetOutOfRange is returned when an offset falls outside
	// [start, lastWritableOffset] for the segment.
	ErrOffsetOutOfRange = errors.New("segment: offset out of range")
	// ErrMisaligned is returned when an offset is not record-aligned
	// relative to the segment start.
	ErrMisaligned = errors.New("segment: offset is not record-aligned")
	// ErrNotWritable is returned by Write on a segment opened read-only.
	ErrNotWritable = errors.New("segment: not writable")
	// ErrWrongLength is returned by CreateOrOpen/TryFind when an existing
	// segment file's size does not equal the configured adjusted size.
	ErrWrongLength = errors.New("segment: existing file has unexpected length")
	// ErrNotFound is returned by TryFind when no segment file covers the
	// requested offset.
	ErrNotFound = errors.New("segment: no existing file for offset")
	// ErrDisposed is returned by any operation on a segment after Dispose.
	ErrDisposed = errors.New("segment: already disposed")
)
