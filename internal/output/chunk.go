// Package output implements the capture core for script execution: bounded
// chronological buffers for stdout/stderr, a stream manager that merges both
// streams deterministically, and write-time error/warning detection.
package output

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Source identifies which stream a chunk was captured from.
type Source string

const (
	// SourceStdout is the standard output stream.
	SourceStdout Source = "stdout"
	// SourceStderr is the standard error stream.
	SourceStderr Source = "stderr"
)

// Chunk is one immutable unit of captured output text. Chunks are created by
// Buffer.Write and destroyed only by eviction or an explicit clear.
type Chunk struct {
	// ID is unique and monotonic within one buffer.
	ID uint64
	// Sequence is drawn from a global counter shared by both streams of a
	// Manager. It makes the combined merge deterministic even when two
	// writes carry identical timestamps.
	Sequence uint64
	// Timestamp is the capture time.
	Timestamp time.Time
	// Content is the captured text. Possibly truncated when Degraded is set.
	Content string
	// Source is the stream this chunk came from.
	Source Source
	// LineNumber is the cumulative line count of the stream before this chunk.
	LineNumber int64
	// ByteOffset is the cumulative byte offset of the stream before this chunk.
	ByteOffset int64
	// Degraded marks a chunk whose content was truncated under memory pressure.
	Degraded bool
}

// Sequence is a process-wide monotonic counter handed to both buffers of a
// Manager so combined reads have a total order.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence creates a sequence counter starting at zero.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// RetentionMode selects which retention policy bounds a buffer's history
// in addition to its hard chunk capacity.
type RetentionMode string

const (
	// RetainBySize evicts oldest chunks while retained bytes exceed the bound.
	RetainBySize RetentionMode = "size"
	// RetainByCount evicts oldest chunks while the chunk count exceeds the bound.
	RetainByCount RetentionMode = "count"
	// RetainByAge evicts chunks older than the configured age.
	RetainByAge RetentionMode = "time"
)

// BufferConfig controls capacity and retention for one Buffer.
type BufferConfig struct {
	// MaxChunks is the hard chunk capacity. Oldest chunks are evicted first.
	MaxChunks int
	// MaxBytes is the memory budget for retained content. Writes that would
	// exceed it are truncated (degraded), never rejected.
	MaxBytes int64
	// MaxLines bounds the retained line count.
	MaxLines int64
	// RetentionMode selects the additional trim policy applied after insert.
	RetentionMode RetentionMode
	// RetentionValue is the bound for the active retention mode: bytes for
	// size, chunks for count, and a time.Duration (in nanoseconds) for time.
	RetentionValue int64
}

// DefaultStdoutConfig returns the default configuration for a stdout buffer.
func DefaultStdoutConfig() BufferConfig {
	return BufferConfig{
		MaxChunks:      2000,
		MaxBytes:       8 << 20, // 8 MiB
		MaxLines:       100000,
		RetentionMode:  RetainByCount,
		RetentionValue: 2000,
	}
}

// DefaultStderrConfig returns the default configuration for a stderr buffer.
// Stderr is typically lower volume, so its budget is smaller.
func DefaultStderrConfig() BufferConfig {
	return BufferConfig{
		MaxChunks:      500,
		MaxBytes:       2 << 20, // 2 MiB
		MaxLines:       25000,
		RetentionMode:  RetainByCount,
		RetentionValue: 500,
	}
}

// Validate checks the configuration for unrecoverable errors. Validation
// failures are fatal at construction time; they are never retried.
func (c BufferConfig) Validate() error {
	if c.MaxChunks <= 0 {
		return fmt.Errorf("buffer config: max chunks must be positive, got %d", c.MaxChunks)
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("buffer config: max bytes must be positive, got %d", c.MaxBytes)
	}
	if c.MaxLines <= 0 {
		return fmt.Errorf("buffer config: max lines must be positive, got %d", c.MaxLines)
	}
	switch c.RetentionMode {
	case RetainBySize, RetainByCount, RetainByAge:
	default:
		return fmt.Errorf("buffer config: unknown retention mode %q", c.RetentionMode)
	}
	if c.RetentionValue <= 0 {
		return fmt.Errorf("buffer config: retention value must be positive, got %d", c.RetentionValue)
	}
	return nil
}

// StreamOptions controls real-time chunk publication.
type StreamOptions struct {
	// RealTime enables event publication as chunks arrive.
	RealTime bool
	// BatchSize is the pending-batch byte threshold that forces a flush.
	BatchSize int
	// FlushInterval is how often the pending batch is flushed regardless
	// of size.
	FlushInterval time.Duration
	// LineBuffering holds back chunks without a line terminator until the
	// batch flushes. When disabled every chunk is emitted immediately.
	LineBuffering bool
}

// DefaultStreamOptions returns the default streaming options.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		RealTime:      true,
		BatchSize:     4096,
		FlushInterval: 100 * time.Millisecond,
		LineBuffering: true,
	}
}

// WarningPayload is the payload published with a warning event for a
// degraded write.
type WarningPayload struct {
	Source         Source
	OriginalBytes  int
	TruncatedBytes int
	Chunk          *Chunk
}

// BufferMetrics summarizes one buffer's counters.
type BufferMetrics struct {
	ChunkCount        int
	RetainedBytes     int64
	TotalBytesWritten int64
	TotalLinesWritten int64
	EvictedChunks     int64
	DegradedWrites    int64
}
