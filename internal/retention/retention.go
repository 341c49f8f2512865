// Package retention implements the background segment-pruning pass. It is
// adapted from the teacher's internal/retention (retention_cleaner.go) and
// internal/partition/retention.go: the same ticker + stopCh + sync.WaitGroup
// shape, generalized from "ask each registered partition to delete its own
// old segments" to "scan one store's 20-digit segment filenames directly
// against the consumer offset," since this design has no partition registry.
package retention

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fixedqueue/internal/offsetword"
	"fixedqueue/internal/queue"
	"fixedqueue/internal/segment"
)

const (
	segmentNameLength = 20
	stopWaitTimeout   = 10 * time.Second
)

// Worker periodically deletes segment files that are entirely below the
// consumer offset, always retaining a configurable number of the newest
// segments regardless of consumer progress.
type Worker struct {
	q                    *queue.Queue
	interval             time.Duration
	minRetentionSegments int
	observer             func(message string, err error)

	stopCh chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewWorker constructs a retention Worker bound to q. interval is the sleep
// between passes, minRetentionSegments is the number of newest segments
// always retained. observer, if non-nil, is invoked with a description and
// error whenever a pass encounters a problem deleting a segment.
func NewWorker(q *queue.Queue, interval time.Duration, minRetentionSegments int, observer func(message string, err error), log zerolog.Logger) *Worker {
	if minRetentionSegments < 0 {
		minRetentionSegments = 0
	}
	return &Worker{
		q:                    q,
		interval:             interval,
		minRetentionSegments: minRetentionSegments,
		observer:             observer,
		stopCh:               make(chan struct{}),
		log:                  log,
	}
}

// Start launches the background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce()
		case <-w.stopCh:
			return
		}
	}
}

// runOnce executes a single retention pass, logging and reporting (but not
// returning) any error so a single bad pass never stops the worker.
func (w *Worker) runOnce() {
	if err := w.cleanupOnce(); err != nil {
		w.log.Warn().Err(err).Msg("retention pass failed")
		if w.observer != nil {
			w.observer("retention pass failed", err)
		}
	}
}

// cleanupOnce scans the commit log directory, sorts segments by start
// offset, retains the newest minRetentionSegments unconditionally, and
// deletes any older segment whose end precedes the current consumer
// offset.
func (w *Worker) cleanupOnce() error {
	dir := w.q.CommitLogDir()
	cfg := w.q.SegmentConfig()

	starts, err := listSegmentStarts(dir)
	if err != nil {
		return err
	}
	if len(starts) == 0 {
		return nil
	}

	consumerOffset, ok, err := w.readConsumerOffset()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	retainFrom := len(starts) - w.minRetentionSegments
	cache := w.q.SegmentCache()

	var firstErr error
	for i, start := range starts {
		if i >= retainFrom {
			continue
		}
		end := start + cfg.AdjustedSize() - 1
		if end >= consumerOffset {
			continue
		}

		cache.Evict(start)
		if err := segment.Delete(dir, start); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.log.Debug().Int64("start", start).Msg("retention: segment deleted")
	}

	return firstErr
}

// readConsumerOffset opens the store's consumer offset word and returns its
// current value. The worker only reads the word, but offsetword.Open maps
// the file read-write. A missing offset file (no consumer has been opened
// on the store yet) or a zero offset is reported as (0, false, nil) so the
// caller skips the pass rather than treating it as an error.
func (w *Worker) readConsumerOffset() (int64, bool, error) {
	path := w.q.ConsumerOffsetPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, false, nil
	}

	word, err := offsetword.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("retention: open consumer offset: %w", err)
	}
	defer func() { _ = word.Close() }()

	value := word.Read()
	if value == 0 {
		return 0, false, nil
	}
	return value, true, nil
}

// listSegmentStarts returns the start offsets of every file in dir whose
// name is exactly a 20-digit decimal string.
func listSegmentStarts(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("retention: read dir %s: %w", dir, err)
	}

	var starts []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) != segmentNameLength {
			continue
		}
		start, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, start)
	}
	return starts, nil
}

// Stop signals the worker to exit and waits for it, up to stopWaitTimeout,
// for the run loop to return.
func (w *Worker) Stop() {
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopWaitTimeout):
		w.log.Warn().Msg("retention worker did not stop within timeout")
	}
}
