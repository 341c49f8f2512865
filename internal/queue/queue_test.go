package queue

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fixedqueue/internal/segment"
)

const testPayloadSize = 8

func recordsPerSegmentConfig(recordsPerSegment int64) Options {
	stride := int64(testPayloadSize + 1)
	opts := DefaultOptions("", testPayloadSize, recordsPerSegment*stride)
	opts.Logger = zerolog.Nop()
	opts.ConsumerRetryInterval = 0
	return opts
}

func record(n byte) []byte {
	p := make([]byte, testPayloadSize)
	for i := range p {
		p[i] = n
	}
	return p
}

func TestProduceConsumeRoundTrip(t *testing.T) {
	opts := recordsPerSegmentConfig(4)
	opts.StorePath = filepath.Join(t.TempDir(), "store")

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	consumer, err := q.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}

	want := [][]byte{record(1), record(2), record(3)}
	for _, r := range want {
		if err := producer.Produce(r); err != nil {
			t.Fatalf("Produce: %v", err)
		}
	}

	for i, w := range want {
		got, err := consumer.Consume()
		if err != nil {
			t.Fatalf("Consume[%d]: %v", i, err)
		}
		if !bytes.Equal(got, w) {
			t.Fatalf("Consume[%d] = %v, want %v", i, got, w)
		}
		if err := consumer.Commit(); err != nil {
			t.Fatalf("Commit[%d]: %v", i, err)
		}
	}
}

func TestSegmentRollover(t *testing.T) {
	opts := recordsPerSegmentConfig(2) // force a roll every 2 records
	opts.StorePath = filepath.Join(t.TempDir(), "store")

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

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
		if err := producer.Produce(record(i)); err != nil {
			t.Fatalf("Produce[%d]: %v", i, err)
		}
	}

	for i := byte(0); i < total; i++ {
		got, err := consumer.Consume()
		if err != nil {
			t.Fatalf("Consume[%d]: %v", i, err)
		}
		if !bytes.Equal(got, record(i)) {
			t.Fatalf("Consume[%d] = %v, want %v", i, got, record(i))
		}
		if err := consumer.Commit(); err != nil {
			t.Fatalf("Commit[%d]: %v", i, err)
		}
	}
}

// TestRecoveryRollsBackUnconfirmedTail simulates a crash where the producer
// offset had advanced past a write that was never flushed: the
// confirmed-offset word still reads its pre-crash value, so recovery must
// roll the producer back to it.
func TestRecoveryRollsBackUnconfirmedTail(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	opts := recordsPerSegmentConfig(8)
	opts.StorePath = dir

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}

	for i := byte(0); i < 3; i++ {
		if err := producer.Produce(record(i)); err != nil {
			t.Fatalf("Produce[%d]: %v", i, err)
		}
	}
	// Simulate a crash: close without the normal flush-on-rollover path,
	// leaving producer.offset ahead of producer.confirmed (both are
	// already on disk via mmap, so no explicit sync is required to model
	// this — confirmed was never advanced because no rollover or forced
	// flush happened).
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	producer2, err := q2.Producer()
	if err != nil {
		t.Fatalf("Producer (reopened): %v", err)
	}

	stride := int64(testPayloadSize + 1)
	if got := producer2.Offset(); got != 0 {
		t.Fatalf("producer offset after recovery = %d, want 0 (rolled back to confirmed)", got)
	}
	_ = stride
}

// TestRecoveryReportsCorruptionWhenMarkerUnreadableAfterRollback simulates
// spec scenario 4: a torn tail like TestRecoveryRollsBackUnconfirmedTail's
// (producer offset ahead of confirmed), except that confirmed sits ahead of
// the consumer and the consumer's own offset sits on a record whose marker
// never made it to disk. Recovery still rolls
// the producer back, but the rolled-back producer offset remains ahead of
// the consumer, and the consumer's own position is unreadable — so recovery
// must report NotificationCorruption and force the consumer past it.
func TestRecoveryReportsCorruptionWhenMarkerUnreadableAfterRollback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	opts := recordsPerSegmentConfig(8)
	opts.StorePath = dir

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	consumer, err := q.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}

	// Only the record at offset 0 is actually written (its marker is set).
	// confirmed and the producer's in-memory offset are then hand-advanced
	// to model two further records that were acknowledged before a crash
	// but whose markers never reached disk.
	stride := int64(testPayloadSize + 1)
	if err := producer.Produce(record(1)); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := producer.confirmed.MoveTo(2*stride, false); err != nil {
		t.Fatalf("simulate confirmed advance: %v", err)
	}
	if err := producer.offset.MoveTo(3*stride, true); err != nil {
		t.Fatalf("simulate torn producer offset: %v", err)
	}
	// The consumer sits on the record at offset 1*stride, whose marker was
	// never written.
	if err := consumer.offset.MoveTo(stride, true); err != nil {
		t.Fatalf("simulate consumer offset: %v", err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var notifications []Notification
	opts.ExceptionObserver = func(n Notification) {
		notifications = append(notifications, n)
	}

	q2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	if len(notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifications))
	}
	if notifications[0].Kind != NotificationCorruption {
		t.Fatalf("notification kind = %v, want NotificationCorruption", notifications[0].Kind)
	}
	if notifications[0].Offset != stride {
		t.Fatalf("notification offset = %d, want %d", notifications[0].Offset, stride)
	}

	producer2, err := q2.Producer()
	if err != nil {
		t.Fatalf("Producer (reopened): %v", err)
	}
	consumer2, err := q2.Consumer()
	if err != nil {
		t.Fatalf("Consumer (reopened): %v", err)
	}

	if got, want := producer2.Offset(), 2*stride; got != want {
		t.Fatalf("producer offset after recovery = %d, want %d (rolled back to confirmed)", got, want)
	}
	if got, want := consumer2.Offset(), 2*stride; got != want {
		t.Fatalf("consumer offset after recovery = %d, want %d (forced past corrupt record)", got, want)
	}
	if available, err := consumer2.NextMessageAvailable(); err != nil {
		t.Fatalf("NextMessageAvailable: %v", err)
	} else if available {
		t.Fatalf("NextMessageAvailable = true, want false until new data is produced")
	}
}

// TestConsumerRecoversFromStuckGapViaUnmatchedCheckCount simulates spec
// scenario 6: the consumer is parked on an offset that will never become
// readable (its record slot was skipped), while the producer keeps
// writing ahead of it. Once UnmatchedCheckCount consecutive stuck cycles
// elapse, the consumer must notice the producer has moved on and reposition
// itself past the gap instead of blocking forever.
func TestConsumerRecoversFromStuckGapViaUnmatchedCheckCount(t *testing.T) {
	opts := recordsPerSegmentConfig(8) // stride 9, adjustedSize 72, room for the whole gap in one file
	opts.StorePath = filepath.Join(t.TempDir(), "store")
	opts.ConsumerRetryInterval = time.Millisecond
	opts.ConsumerSpinWaitDuration = time.Millisecond
	opts.UnmatchedCheckCount = 3

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	consumer, err := q.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	stride := int64(testPayloadSize + 1)

	// Write the first record normally, which also creates and opens the
	// segment file the consumer will poll against.
	if err := producer.Produce(record(1)); err != nil {
		t.Fatalf("Produce: %v", err)
	}

	// Park the consumer on the next slot (offset stride). It is never
	// going to be written: below the producer's own offset word is
	// hand-advanced past it, modeling a repositioned/skipped record, so the
	// marker there stays permanently zero.
	if err := consumer.offset.MoveTo(stride, true); err != nil {
		t.Fatalf("simulate consumer offset: %v", err)
	}

	done := make(chan struct{})
	var consumed []byte
	var consumeErr error
	go func() {
		defer close(done)
		consumed, consumeErr = consumer.Consume()
	}()

	// Skip two slots (the one the consumer is parked on, and one more)
	// without writing either of them: hand-advance the producer's offset
	// word directly, the same kind of repositioning a real gap (a
	// truncated or skipped segment) would leave behind. The producer's
	// offset now stably reads landingOffset until the next Produce call,
	// so there is no race in waiting for the consumer to sample it.
	landingOffset := 3 * stride
	if err := producer.offset.MoveTo(landingOffset, true); err != nil {
		t.Fatalf("advance producer past gap: %v", err)
	}

	// Wait for the consumer to notice the producer has moved past its
	// stuck offset and reposition there, before producing the record it is
	// meant to actually read; this avoids racing the producer ahead of
	// where the consumer lands.
	deadline := time.Now().Add(5 * time.Second)
	for consumer.Offset() != landingOffset {
		if time.Now().After(deadline) {
			t.Fatalf("consumer never repositioned to %d, stuck at %d", landingOffset, consumer.Offset())
		}
		time.Sleep(time.Millisecond)
	}

	if err := producer.Produce(record(2)); err != nil {
		t.Fatalf("Produce after reposition: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return after the consumer repositioned past the gap")
	}

	if consumeErr != nil {
		t.Fatalf("Consume: %v", consumeErr)
	}
	if !bytes.Equal(consumed, record(2)) {
		t.Fatalf("Consume = %v, want %v", consumed, record(2))
	}
}

func TestSegmentsPersistAcrossManyRollovers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	opts := recordsPerSegmentConfig(1) // one record per segment forces many rolls
	opts.StorePath = dir

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	consumer, err := q.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}

	const total = 6
	for i := byte(0); i < total; i++ {
		if err := producer.Produce(record(i)); err != nil {
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

	cfg := q.SegmentConfig()
	starts := []int64{0, cfg.AdjustedSize(), 2 * cfg.AdjustedSize()}
	for _, start := range starts {
		if _, err := segment.TryFind(q.CommitLogDir(), cfg, start, zerolog.Nop()); err != nil {
			t.Fatalf("segment at start %d missing before retention: %v", start, err)
		}
	}
}

func TestAdjustOffsetRejectedWhileSegmentOpen(t *testing.T) {
	opts := recordsPerSegmentConfig(4)
	opts.StorePath = filepath.Join(t.TempDir(), "store")

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	producer, err := q.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	if err := producer.Produce(record(1)); err != nil {
		t.Fatalf("Produce: %v", err)
	}

	if err := producer.AdjustOffset(0); err != ErrSegmentOpen {
		t.Fatalf("AdjustOffset while segment open = %v, want ErrSegmentOpen", err)
	}
}

func TestConsumerCommitWithoutConsumeFails(t *testing.T) {
	opts := recordsPerSegmentConfig(4)
	opts.StorePath = filepath.Join(t.TempDir(), "store")

	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	consumer, err := q.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}

	if err := consumer.Commit(); err != ErrNoSegmentOpen {
		t.Fatalf("Commit without Consume = %v, want ErrNoSegmentOpen", err)
	}
}

func TestOpenRejectsEmptyStorePath(t *testing.T) {
	opts := DefaultOptions("", testPayloadSize, 1024)
	if _, err := Open(opts); err != ErrEmptyStorePath {
		t.Fatalf("Open with empty store path = %v, want ErrEmptyStorePath", err)
	}
}

func TestOpenRejectsSegmentSizeSmallerThanStride(t *testing.T) {
	opts := DefaultOptions(filepath.Join(t.TempDir(), "store"), testPayloadSize, 2)
	if _, err := Open(opts); err != ErrInvalidSegmentSize {
		t.Fatalf("Open with tiny segment size = %v, want ErrInvalidSegmentSize", err)
	}
}

func TestOpenRejectsStorePathThatIsARegularFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts := DefaultOptions(filePath, testPayloadSize, 1024)
	if _, err := Open(opts); err != ErrStorePathIsFile {
		t.Fatalf("Open with file store path = %v, want ErrStorePathIsFile", err)
	}
}
