package segment

// Config describes the fixed record layout shared by every segment in a
// store: a caller-chosen payload size plus the nominal segment size, from
// which the record stride and the adjusted (truncated) segment size are
// derived. Mirrors the teacher's segment.Config/DefaultConfig shape
// (SegmentMaxBytes, IndexMaxBytes) with the index width swapped for a
// single marker byte.
type Config struct {
	// PayloadSize is P: the size in bytes of the caller's fixed-layout
	// record.
	PayloadSize int
	// NominalSegmentSize is the configured segment size before truncation
	// to an integral number of records.
	NominalSegmentSize int64
}

// Stride returns S = P + 1 (payload plus the one-byte end marker).
func (c Config) Stride() int64 {
	return int64(c.PayloadSize) + 1
}

// AdjustedSize returns A, the nominal segment size truncated down to a
// multiple of the record stride.
func (c Config) AdjustedSize() int64 {
	s := c.Stride()
	return (c.NominalSegmentSize / s) * s
}

// DefaultConfig returns a Config for the given payload size with a 64MiB
// nominal segment size.
func DefaultConfig(payloadSize int) Config {
	return Config{
		PayloadSize:        payloadSize,
		NominalSegmentSize: 64 << 20,
	}
}
