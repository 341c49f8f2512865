package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"fixedqueue/internal/offsetword"
	"fixedqueue/internal/segment"
)

// Consumer reads records in order from read-only segment mappings and
// persists its progress. Unlike the producer it never creates segment
// files; it waits for the producer to create them.
type Consumer struct {
	dir string
	cfg segment.Config

	offset         *offsetword.Word
	producerOffset *offsetword.Word // read-only peer, used only for stuck detection

	cache *segment.Cache
	seg   *segment.Segment

	retryInterval       time.Duration
	spinWaitDuration    time.Duration
	unmatchedCheckCount int
	log                 zerolog.Logger
}

func newConsumer(offsetDir, commitDir string, cfg segment.Config, cache *segment.Cache, opts Options, log zerolog.Logger) (*Consumer, error) {
	offset, err := offsetword.Open(filepath.Join(offsetDir, "consumer.offset"))
	if err != nil {
		return nil, err
	}
	producerOffset, err := offsetword.Open(filepath.Join(offsetDir, "producer.offset"))
	if err != nil {
		_ = offset.Close()
		return nil, err
	}

	return &Consumer{
		dir:                 commitDir,
		cfg:                 cfg,
		offset:              offset,
		producerOffset:      producerOffset,
		cache:               cache,
		retryInterval:       opts.ConsumerRetryInterval,
		spinWaitDuration:    opts.ConsumerSpinWaitDuration,
		unmatchedCheckCount: opts.UnmatchedCheckCount,
		log:                 log,
	}, nil
}

// Offset returns the consumer's current byte position.
func (c *Consumer) Offset() int64 {
	return c.offset.Read()
}

// ensureSegment makes c.seg the segment covering offset, opening (via the
// shared cache) or waiting for it to appear. onlyIfPresent disables the
// retry-sleep loop, used by the non-blocking NextMessageAvailable.
func (c *Consumer) ensureSegment(offset int64, onlyIfPresent bool) (bool, error) {
	if c.seg != nil && offset >= c.seg.Start() && offset < c.seg.End() {
		return true, nil
	}
	if c.seg != nil {
		c.seg = nil // still owned by the cache; just drop our reference
	}

	for {
		start, err := segmentStartFor(c.cfg, offset)
		if err != nil {
			return false, err
		}

		seg, err := c.cache.GetOrLoad(start, func() (*segment.Segment, error) {
			return segment.TryFind(c.dir, c.cfg, offset, c.log)
		})
		if err == nil {
			c.seg = seg
			return true, nil
		}
		if !errors.Is(err, segment.ErrNotFound) {
			return false, err
		}
		if onlyIfPresent {
			return false, nil
		}

		time.Sleep(c.retryInterval)
	}
}

// Consume blocks until the record at the consumer's current offset is
// readable, then returns a copy of its payload. It never advances the
// offset; call Commit to do that.
func (c *Consumer) Consume() ([]byte, error) {
	offset := c.offset.Read()
	if _, err := c.ensureSegment(offset, false); err != nil {
		return nil, err
	}

	spinStart := time.Now()
	spinning := true
	stuckSleeps := 0

	for {
		offset = c.offset.Read()

		if c.seg == nil || offset >= c.seg.End() {
			if _, err := c.ensureSegment(offset, false); err != nil {
				return nil, err
			}
		}

		payload, ok, err := c.seg.TryRead(offset)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}

		if spinning && time.Since(spinStart) < c.spinWaitDuration {
			runtime.Gosched()
			continue
		}
		spinning = false

		if c.unmatchedCheckCount > 0 {
			stuckSleeps++
			if stuckSleeps >= c.unmatchedCheckCount {
				moved, err := c.tryRecoverFromGap(offset)
				if err != nil {
					return nil, err
				}
				if moved {
					stuckSleeps = 0
					spinning = true
					spinStart = time.Now()
					continue
				}
			}
		}

		time.Sleep(c.retryInterval)
	}
}

// tryRecoverFromGap samples the producer's offset; if it has advanced past
// our stuck offset, we are positioned behind a gap (a truncated or
// repositioned segment) and should jump forward to resume at the producer's
// current offset.
func (c *Consumer) tryRecoverFromGap(stuckAt int64) (bool, error) {
	producerOffset := c.producerOffset.Read()
	if producerOffset <= stuckAt {
		return false, nil
	}

	c.log.Warn().
		Int64("consumer_offset", stuckAt).
		Int64("producer_offset", producerOffset).
		Msg("consumer stuck behind a gap, repositioning to producer offset")

	c.seg = nil
	if err := c.offset.MoveTo(producerOffset, true); err != nil {
		return false, fmt.Errorf("consumer: reposition past gap: %w", err)
	}
	return true, nil
}

// Commit advances the consumer offset by one record stride. It requires a
// segment to currently be open, so a Commit before any successful Consume
// fails. The segment stays open after a Commit that does not move past its
// end, so a repeated Commit without an intervening Consume is not rejected
// in that case.
func (c *Consumer) Commit() error {
	if c.seg == nil {
		return ErrNoSegmentOpen
	}

	newOffset := c.offset.Advance(c.cfg.Stride())
	if newOffset > c.seg.LastWritableOffset() {
		c.seg = nil
	}
	return nil
}

// AdjustOffset repositions the consumer offset. With force false it fails
// if a segment is currently open; with force true the open segment is
// dropped first. Both paths allow moving backwards, since AdjustOffset is
// reserved for recovery and the stuck-consumer path.
func (c *Consumer) AdjustOffset(newOffset int64, force bool) error {
	if newOffset < 0 {
		return offsetword.ErrNegativeOffset
	}
	if c.seg != nil {
		if !force {
			return ErrSegmentOpen
		}
		c.seg = nil
	}
	return c.offset.MoveTo(newOffset, true)
}

// NextMessageAvailable is a non-blocking liveness probe: it opens the
// segment covering the current offset if one already exists, and reports
// whether the marker at that offset is set.
func (c *Consumer) NextMessageAvailable() (bool, error) {
	offset := c.offset.Read()

	present, err := c.ensureSegment(offset, true)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}

	_, ok, err := c.seg.TryRead(offset)
	return ok, err
}

// Close closes the offset words. The segment itself is owned by the shared
// cache and is disposed when the cache is closed.
func (c *Consumer) Close() error {
	c.seg = nil
	var firstErr error
	if err := c.offset.Close(); err != nil {
		firstErr = err
	}
	if err := c.producerOffset.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func segmentStartFor(cfg segment.Config, targetOffset int64) (int64, error) {
	a := cfg.AdjustedSize()
	if a < cfg.Stride() {
		return 0, segment.ErrInvalidConfig
	}
	if targetOffset < 0 {
		return 0, segment.ErrOffsetOutOfRange
	}
	return (targetOffset / a) * a, nil
}
