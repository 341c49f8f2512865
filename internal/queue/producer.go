package queue

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"fixedqueue/internal/offsetword"
	"fixedqueue/internal/segment"
)

// Producer appends records in strict offset order, rolling segments as
// needed, and tracks the highest offset known to be stable on disk. It is
// the generalized, fixed-record-layout descendant of the teacher's
// Partition.Append/roll (internal/log/partition.go): same "write to the
// active segment, roll to a new one when full" shape, with the mmap write
// itself coming from segment.Segment.Write instead of store.Segment.Append.
type Producer struct {
	dir                string
	cfg                segment.Config
	offset             *offsetword.Word
	confirmed          *offsetword.Word
	forceFlushInterval int

	seg            *segment.Segment
	unflushedCount int

	log zerolog.Logger
}

func newProducer(offsetDir, commitDir string, cfg segment.Config, forceFlushInterval int, log zerolog.Logger) (*Producer, error) {
	offset, err := offsetword.Open(filepath.Join(offsetDir, "producer.offset"))
	if err != nil {
		return nil, err
	}
	confirmed, err := offsetword.Open(filepath.Join(offsetDir, "producer.confirmed"))
	if err != nil {
		_ = offset.Close()
		return nil, err
	}

	return &Producer{
		dir:                commitDir,
		cfg:                cfg,
		offset:             offset,
		confirmed:          confirmed,
		forceFlushInterval: forceFlushInterval,
		log:                log,
	}, nil
}

// Offset returns the next byte position the producer will write to.
func (p *Producer) Offset() int64 {
	return p.offset.Read()
}

// ConfirmedOffset returns the highest offset known to be flushed to stable
// storage.
func (p *Producer) ConfirmedOffset() int64 {
	return p.confirmed.Read()
}

// Produce writes one record at the current offset, advances the offset by
// the record stride, and flushes either because the segment rolled or
// because the force-flush interval was reached.
func (p *Producer) Produce(payload []byte) error {
	offset := p.offset.Read()

	if p.seg == nil {
		seg, err := segment.CreateOrOpen(p.dir, p.cfg, offset, p.log)
		if err != nil {
			return fmt.Errorf("producer: open segment for offset %d: %w", offset, err)
		}
		p.seg = seg
	}

	if err := p.seg.Write(offset, payload); err != nil {
		return fmt.Errorf("producer: write at offset %d: %w", offset, err)
	}

	newOffset := p.offset.Advance(p.cfg.Stride())
	p.unflushedCount++

	switch {
	case newOffset > p.seg.LastWritableOffset():
		if err := p.flushAndConfirm(newOffset); err != nil {
			return err
		}
		if err := p.seg.Dispose(); err != nil {
			return fmt.Errorf("producer: dispose rolled segment: %w", err)
		}
		p.seg = nil
		p.log.Debug().Int64("next_offset", newOffset).Msg("segment rolled")

	case p.unflushedCount >= p.forceFlushInterval:
		if err := p.flushAndConfirm(newOffset); err != nil {
			return err
		}
	}

	return nil
}

func (p *Producer) flushAndConfirm(confirmedOffset int64) error {
	if err := p.seg.Flush(); err != nil {
		return fmt.Errorf("producer: flush: %w", err)
	}
	if err := p.confirmed.MoveTo(confirmedOffset, false); err != nil {
		return fmt.Errorf("producer: advance confirmed offset: %w", err)
	}
	p.unflushedCount = 0
	return nil
}

// AdjustOffset repositions the producer offset. Legal only while no segment
// is open; used exclusively by the recovery pass and may move the offset
// backwards.
func (p *Producer) AdjustOffset(newOffset int64) error {
	if p.seg != nil {
		return ErrSegmentOpen
	}
	return p.offset.MoveTo(newOffset, true)
}

// Close flushes and disposes any open segment and closes the offset words.
func (p *Producer) Close() error {
	var firstErr error
	if p.seg != nil {
		if err := p.seg.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.seg = nil
	}
	if err := p.offset.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.confirmed.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
