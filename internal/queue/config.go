package queue

import (
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"fixedqueue/internal/obslog"
)

// NotificationKind classifies a non-fatal event surfaced through
// Options.ExceptionObserver.
type NotificationKind int

const (
	// NotificationCorruption is raised by recovery when the record at the
	// consumer's offset could not be made readable even after rolling the
	// producer back to its confirmed offset.
	NotificationCorruption NotificationKind = iota
	// NotificationRetentionError classifies a failed retention pass (e.g. a
	// segment file could not be deleted). The retention worker reports its
	// failures through its own observer callback (retention.NewWorker), so
	// no notification of this kind is delivered through
	// Options.ExceptionObserver.
	NotificationRetentionError
)

// Notification is the payload delivered to Options.ExceptionObserver.
type Notification struct {
	Kind    NotificationKind
	Offset  int64
	Message string
	Err     error
}

// RetentionOptions controls the background segment-pruning pass.
type RetentionOptions struct {
	// Enabled turns the retention worker on. Default true.
	Enabled bool
	// Interval between retention passes. Default 5 minutes.
	Interval time.Duration
	// MinRetentionSegments is the number of newest segments that are
	// always retained regardless of consumer offset. Default 2.
	MinRetentionSegments int
}

// DefaultRetentionOptions returns the default retention configuration.
func DefaultRetentionOptions() RetentionOptions {
	return RetentionOptions{
		Enabled:              true,
		Interval:             5 * time.Minute,
		MinRetentionSegments: 2,
	}
}

// Options configures a Queue.
type Options struct {
	// StorePath is the directory root for all persisted state. Required.
	StorePath string
	// PayloadSize is P, the fixed size in bytes of every record's payload.
	// Required.
	PayloadSize int
	// SegmentSize is the nominal number of bytes per segment; it is
	// adjusted downward to a multiple of the record stride. Required.
	SegmentSize int64

	// ConsumerRetryInterval is the sleep between retries when Consume is
	// waiting for a segment file to appear or for a record to become
	// visible after the spin-wait budget is spent. Default 1s.
	ConsumerRetryInterval time.Duration
	// ConsumerSpinWaitDuration is the cumulative spin budget per wait
	// before Consume falls back to sleep-then-retry. Default 100ms.
	ConsumerSpinWaitDuration time.Duration
	// ProducerForceFlushIntervalCount is the number of records written
	// between forced flushes. Default 1000.
	ProducerForceFlushIntervalCount int
	// UnmatchedCheckCount is the number of consecutive stuck sleep cycles
	// before the consumer starts sampling the producer's offset to detect
	// a gap. 0 disables the behavior entirely. Default 0.
	UnmatchedCheckCount int

	// ExceptionObserver, if set, is invoked with non-fatal notifications
	// raised during recovery. Retention failures are not delivered here.
	ExceptionObserver func(Notification)

	// Logger is the base structured logger; component-scoped children are
	// derived from it. Defaults to obslog.Component("queue") if zero.
	Logger zerolog.Logger

	Retention RetentionOptions
}

// DefaultOptions returns Options with every tunable set to its documented
// default, for the given required fields.
func DefaultOptions(storePath string, payloadSize int, segmentSize int64) Options {
	return Options{
		StorePath:                       storePath,
		PayloadSize:                     payloadSize,
		SegmentSize:                     segmentSize,
		ConsumerRetryInterval:           time.Second,
		ConsumerSpinWaitDuration:        100 * time.Millisecond,
		ProducerForceFlushIntervalCount: 1000,
		UnmatchedCheckCount:             0,
		Logger:                          obslog.Component("queue"),
		Retention:                       DefaultRetentionOptions(),
	}
}

func (o *Options) applyDefaults() {
	if o.ConsumerRetryInterval <= 0 {
		o.ConsumerRetryInterval = time.Second
	}
	if o.ConsumerSpinWaitDuration <= 0 {
		o.ConsumerSpinWaitDuration = 100 * time.Millisecond
	}
	if o.ProducerForceFlushIntervalCount <= 0 {
		o.ProducerForceFlushIntervalCount = 1000
	}
	if reflect.DeepEqual(o.Logger, zerolog.Logger{}) {
		o.Logger = obslog.Component("queue")
	}
	if o.Retention.Interval <= 0 {
		o.Retention.Interval = 5 * time.Minute
	}
	if o.Retention.MinRetentionSegments <= 0 {
		o.Retention.MinRetentionSegments = 2
	}
}

func (o Options) notify(n Notification) {
	if o.ExceptionObserver != nil {
		o.ExceptionObserver(n)
	}
}
