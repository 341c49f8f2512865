// Package queue implements a durable, single-producer/single-consumer FIFO
// of fixed-size records, persisted as memory-mapped segment files. It is the
// generalized descendant of the teacher's internal/log (Partition): same
// "offset word + segment directory + recovery-on-open" shape, reworked
// around a fixed record stride instead of variable-length framed messages,
// and extended with a cross-process recovery lock so two OS processes can
// safely share one store directory.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"fixedqueue/internal/lock"
	"fixedqueue/internal/segment"
)

const (
	commitLogDirName = "commitlog"
	offsetDirName    = "offset"
	recoveryLockName = ".recovery.lock"
)

// Queue is the top-level handle on a store directory. It lazily constructs
// the singleton Producer and Consumer and runs crash recovery, under the
// cross-process recovery lock, once on open if the store already existed.
type Queue struct {
	mu sync.Mutex

	dir       string
	offsetDir string
	commitDir string
	cfg       segment.Config
	opts      Options

	cache *segment.Cache

	producer *Producer
	consumer *Consumer

	log zerolog.Logger
}

// Open validates opts, prepares the store directory, and — if the
// directory already existed — runs the crash-recovery pass under the
// cross-process recovery lock before returning.
func Open(opts Options) (*Queue, error) {
	if opts.StorePath == "" {
		return nil, ErrEmptyStorePath
	}
	if opts.PayloadSize <= 0 {
		return nil, segment.ErrInvalidConfig
	}
	cfg := segment.Config{PayloadSize: opts.PayloadSize, NominalSegmentSize: opts.SegmentSize}
	if cfg.AdjustedSize() < cfg.Stride() {
		return nil, ErrInvalidSegmentSize
	}

	opts.applyDefaults()

	preexisted, err := storeExists(opts.StorePath)
	if err != nil {
		return nil, err
	}

	offsetDir := filepath.Join(opts.StorePath, offsetDirName)
	commitDir := filepath.Join(opts.StorePath, commitLogDirName)
	for _, d := range []string{opts.StorePath, offsetDir, commitDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("queue: mkdir %s: %w", d, err)
		}
	}

	q := &Queue{
		dir:       opts.StorePath,
		offsetDir: offsetDir,
		commitDir: commitDir,
		cfg:       cfg,
		opts:      opts,
		cache:     segment.NewCache(16, opts.Logger),
		log:       opts.Logger,
	}

	if preexisted {
		if err := q.recover(); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// storeExists reports whether path already names a directory, and rejects
// it if it names a regular file instead.
func storeExists(path string) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: stat %s: %w", path, err)
	}
	if !fi.IsDir() {
		return false, ErrStorePathIsFile
	}
	return true, nil
}

// recover runs the five-step crash-recovery algorithm under the store's
// cross-process exclusive lock, using throwaway producer/consumer handles
// that are torn down before the lock is released. The rollback in steps 3-4
// always runs whenever producerOffset > consumerOffset: a readable marker at
// the consumer's current offset does not by itself mean the producer never
// overran its confirmed offset, so it cannot gate the rollback away.
func (q *Queue) recover() error {
	lk, err := lock.Acquire(filepath.Join(q.dir, recoveryLockName))
	if err != nil {
		return fmt.Errorf("queue: acquire recovery lock: %w", err)
	}
	defer func() { _ = lk.Release() }()

	producer, err := newProducer(q.offsetDir, q.commitDir, q.cfg, q.opts.ProducerForceFlushIntervalCount, q.log)
	if err != nil {
		return fmt.Errorf("queue: recovery: open producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	consumerCache := segment.NewCache(1, q.log)
	defer func() { _ = consumerCache.Close() }()
	consumer, err := newConsumer(q.offsetDir, q.commitDir, q.cfg, consumerCache, q.opts, q.log)
	if err != nil {
		return fmt.Errorf("queue: recovery: open consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	consumerOffset := consumer.Offset()
	producerOffset := producer.Offset()

	if producerOffset <= consumerOffset {
		return nil
	}

	rollback := consumerOffset
	if confirmed := producer.ConfirmedOffset(); confirmed > rollback {
		rollback = confirmed
	}
	if producerOffset > rollback {
		if err := producer.AdjustOffset(rollback); err != nil {
			return fmt.Errorf("queue: recovery: roll back producer offset: %w", err)
		}
		producerOffset = rollback
		q.log.Warn().
			Int64("consumer_offset", consumerOffset).
			Int64("rolled_back_to", rollback).
			Msg("recovery: rolled producer offset back to last confirmed offset")
	}

	if producerOffset > consumerOffset {
		available, err := consumer.NextMessageAvailable()
		if err != nil {
			return fmt.Errorf("queue: recovery: re-probe consumer offset: %w", err)
		}
		if !available {
			q.opts.notify(Notification{
				Kind:    NotificationCorruption,
				Offset:  consumerOffset,
				Message: "record at consumer offset unreadable after rollback; forcing consumer forward",
			})
			q.log.Error().
				Int64("consumer_offset", consumerOffset).
				Int64("producer_offset", producerOffset).
				Msg("recovery: record at consumer offset is corrupt, forcing consumer offset forward")
			if err := consumer.AdjustOffset(producerOffset, true); err != nil {
				return fmt.Errorf("queue: recovery: force consumer offset forward: %w", err)
			}
		}
	}

	return nil
}

// Producer returns the queue's singleton producer, constructing it on first
// call.
func (q *Queue) Producer() (*Producer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.producer == nil {
		p, err := newProducer(q.offsetDir, q.commitDir, q.cfg, q.opts.ProducerForceFlushIntervalCount, q.log)
		if err != nil {
			return nil, err
		}
		q.producer = p
	}
	return q.producer, nil
}

// Consumer returns the queue's singleton consumer, constructing it on first
// call.
func (q *Queue) Consumer() (*Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer == nil {
		c, err := newConsumer(q.offsetDir, q.commitDir, q.cfg, q.cache, q.opts, q.log)
		if err != nil {
			return nil, err
		}
		q.consumer = c
	}
	return q.consumer, nil
}

// SegmentCache exposes the shared read-only segment cache to the retention
// worker so it can evict a mapping before deleting its backing file.
func (q *Queue) SegmentCache() *segment.Cache {
	return q.cache
}

// CommitLogDir returns the directory holding segment files, for the
// retention worker's directory scan.
func (q *Queue) CommitLogDir() string {
	return q.commitDir
}

// SegmentConfig returns the queue's segment layout.
func (q *Queue) SegmentConfig() segment.Config {
	return q.cfg
}

// ConsumerOffsetPath returns the path to the memory-mapped consumer offset
// word, for the retention worker's read-only liveness probe.
func (q *Queue) ConsumerOffsetPath() string {
	return filepath.Join(q.offsetDir, "consumer.offset")
}

// Close disposes the producer, the consumer, and the shared segment cache.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var firstErr error
	if q.producer != nil {
		if err := q.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		q.producer = nil
	}
	if q.consumer != nil {
		if err := q.consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		q.consumer = nil
	}
	if err := q.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
