package retention

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fixedqueue/internal/queue"
)

const testPayloadSize = 8

func testRecord(n byte) []byte {
	p := make([]byte, testPayloadSize)
	for i := range p {
		p[i] = n
	}
	return p
}

func openTestQueue(t *testing.T, recordsPerSegment int64) *queue.Queue {
	t.Helper()
	stride := int64(testPayloadSize + 1)
	opts := queue.DefaultOptions(filepath.Join(t.TempDir(), "store"), testPayloadSize, recordsPerSegment*stride)
	opts.Logger = zerolog.Nop()
	opts.ConsumerRetryInterval = 0

	q, err := queue.Open(opts)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestWorkerStartStop(t *testing.T) {
	q := openTestQueue(t, 4)
	w := NewWorker(q, 50*time.Millisecond, 2, nil, zerolog.Nop())
	w.Start()
	time.Sleep(60 * time.Millisecond)
	w.Stop()
}

func TestCleanupOnceDeletesFullyConsumedSegments(t *testing.T) {
	q := openTestQueue(t, 1) // every record rolls a new segment

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	consumer, err := q.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}

	const total = 5
	for i := byte(0); i < total; i++ {
		if err := producer.Produce(testRecord(i)); err != nil {
			t.Fatalf("Produce[%d]: %v", i, err)
		}
	}
	// Consume and commit all but the last record, so every segment except
	// the newest (and the MinRetentionSegments safety tail) is eligible.
	for i := byte(0); i < total-1; i++ {
		if _, err := consumer.Consume(); err != nil {
			t.Fatalf("Consume[%d]: %v", i, err)
		}
		if err := consumer.Commit(); err != nil {
			t.Fatalf("Commit[%d]: %v", i, err)
		}
	}

	before := countSegmentFiles(t, q.CommitLogDir())

	w := NewWorker(q, time.Hour, 1, nil, zerolog.Nop())
	if err := w.cleanupOnce(); err != nil {
		t.Fatalf("cleanupOnce: %v", err)
	}

	after := countSegmentFiles(t, q.CommitLogDir())
	if after >= before {
		t.Fatalf("expected segments to be deleted: before=%d, after=%d", before, after)
	}
}

func TestCleanupOnceRetainsMinimumSegments(t *testing.T) {
	q := openTestQueue(t, 1)

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	consumer, err := q.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}

	const total = 4
	for i := byte(0); i < total; i++ {
		if err := producer.Produce(testRecord(i)); err != nil {
			t.Fatalf("Produce[%d]: %v", i, err)
		}
	}
	for i := byte(0); i < total; i++ {
		if _, err := consumer.Consume(); err != nil {
			t.Fatalf("Consume[%d]: %v", i, err)
		}
		if err := consumer.Commit(); err != nil {
			t.Fatalf("Commit[%d]: %v", i, err)
		}
	}

	minRetained := 2
	w := NewWorker(q, time.Hour, minRetained, nil, zerolog.Nop())
	if err := w.cleanupOnce(); err != nil {
		t.Fatalf("cleanupOnce: %v", err)
	}

	after := countSegmentFiles(t, q.CommitLogDir())
	if after < minRetained {
		t.Fatalf("expected at least %d segments retained, got %d", minRetained, after)
	}
}

func countSegmentFiles(t *testing.T, dir string) int {
	t.Helper()
	starts, err := listSegmentStarts(dir)
	if err != nil {
		t.Fatalf("listSegmentStarts: %v", err)
	}
	return len(starts)
}
