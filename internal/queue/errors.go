package queue

import "errors"

var (
	// ErrEmptyStorePath is returned when Options.StorePath is empty.
	ErrEmptyStorePath = errors.New("queue: store path must not be empty")
	// ErrInvalidSegmentSize is returned when Options.SegmentSize cannot fit
	// at least one record.
	ErrInvalidSegmentSize = errors.New("queue: segment size must fit at least one record")
	// ErrStorePathIsFile is returned when Options.StorePath names an
	// existing regular file rather than a directory.
	ErrStorePathIsFile = errors.New("queue: store path exists and is a regular file")
	// ErrSegmentOpen is a misuse error: AdjustOffset was called without
	// force while a segment was still open.
	ErrSegmentOpen = errors.New("queue: a segment is currently open")
	// ErrNoSegmentOpen is a misuse error: Commit was called while no
	// segment was open, i.e. before any successful Consume or after a
	// Commit that moved past the end of the current segment.
	ErrNoSegmentOpen = errors.New("queue: no segment is open")
)
