package output

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mavdaviddraughn/tasksmith/internal/event"
)

// degradedPreviewBytes is how much content a degraded write retains before
// the truncation marker.
const degradedPreviewBytes = 512

// degradedCapacityDivisor temporarily shrinks the effective chunk capacity
// during a degraded write to force extra eviction. The configured capacity
// applies again on the next write.
const degradedCapacityDivisor = 2

// Buffer is a bounded, ordered store of chunks for one stream. Internally it
// is a single slice-backed deque kept oldest-first, so reads never observe
// wrap-around artifacts: Range, Recent and FullContent always return chunks
// in non-decreasing (timestamp, sequence) order.
//
// Writes never fail for capacity reasons. A write that would exceed the
// memory budget is truncated and marked degraded instead.
type Buffer struct {
	mu   sync.Mutex
	cfg  BufferConfig
	opts StreamOptions
	src  Source
	seq  *Sequence
	bus  *event.Bus

	chunks        []*Chunk // oldest first
	retainedBytes int64
	retainedLines int64
	nextID        uint64

	totalBytes     int64
	totalLines     int64
	evicted        int64
	degradedWrites int64

	pending      []*Chunk
	pendingBytes int

	flushStop chan struct{}
	flushDone chan struct{}
	destroyed bool
}

// NewBuffer creates a buffer for one stream. The sequence counter is shared
// with the sibling stream's buffer by the Manager; a standalone buffer may
// pass a fresh one. The bus may be nil, in which case no events are published.
func NewBuffer(src Source, cfg BufferConfig, opts StreamOptions, seq *Sequence, bus *event.Bus) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seq == nil {
		seq = NewSequence()
	}

	b := &Buffer{
		cfg:  cfg,
		opts: opts,
		src:  src,
		seq:  seq,
		bus:  bus,
	}

	if opts.RealTime && opts.FlushInterval > 0 {
		b.flushStop = make(chan struct{})
		b.flushDone = make(chan struct{})
		go b.flushLoop()
	}

	return b, nil
}

// Write appends content as a new chunk. It never returns an error for
// capacity or memory conditions: oversized content is truncated, marked
// degraded, and reported through a warning event instead.
func (b *Buffer) Write(content string) *Chunk {
	b.mu.Lock()

	if b.destroyed {
		b.mu.Unlock()
		return nil
	}

	originalLen := len(content)
	originalLines := int64(strings.Count(content, "\n"))
	size := int64(originalLen)

	degraded := false
	if b.retainedBytes+size > b.cfg.MaxBytes {
		content = truncateForPressure(content, b.previewBytes())
		size = int64(len(content))
		degraded = true
		b.degradedWrites++
	}

	b.nextID++
	chunk := &Chunk{
		ID:         b.nextID,
		Sequence:   b.seq.Next(),
		Timestamp:  time.Now(),
		Content:    content,
		Source:     b.src,
		LineNumber: b.totalLines,
		ByteOffset: b.totalBytes,
		Degraded:   degraded,
	}

	// Hard capacity: evict the oldest chunk before appending at capacity.
	// Under memory pressure the effective capacity is temporarily reduced
	// so the buffer sheds extra history.
	capacity := b.cfg.MaxChunks
	if degraded {
		capacity = b.cfg.MaxChunks / degradedCapacityDivisor
		if capacity < 1 {
			capacity = 1
		}
	}
	for len(b.chunks) >= capacity {
		b.evictOldest()
	}
	b.chunks = append(b.chunks, chunk)
	b.retainedBytes += size
	b.retainedLines += int64(strings.Count(content, "\n"))

	// Keep the memory and line budgets honest even after a truncated
	// insert; the newest chunk itself is never evicted here.
	for len(b.chunks) > 1 && (b.retainedBytes > b.cfg.MaxBytes || b.retainedLines > b.cfg.MaxLines) {
		b.evictOldest()
	}

	// Cumulative counters track what was written, not what was retained, so
	// LineNumber and ByteOffset stay in step even across degraded writes.
	b.totalBytes += int64(originalLen)
	b.totalLines += originalLines

	b.applyRetention(time.Now())

	var batch []*Chunk
	emitNow := false
	if b.opts.RealTime {
		if !b.opts.LineBuffering || strings.Contains(chunk.Content, "\n") {
			emitNow = true
		} else {
			b.pending = append(b.pending, chunk)
			b.pendingBytes += len(chunk.Content)
			if b.opts.BatchSize > 0 && b.pendingBytes >= b.opts.BatchSize {
				batch = b.takePendingLocked()
			}
		}
	}
	b.mu.Unlock()

	// Publish outside the lock: subscribers may call back into the buffer.
	if b.bus != nil {
		if degraded {
			b.bus.Publish(event.KindWarning, &WarningPayload{
				Source:         b.src,
				OriginalBytes:  originalLen,
				TruncatedBytes: len(content),
				Chunk:          chunk,
			})
		}
		if emitNow {
			b.bus.Publish(event.KindData, chunk)
		}
		if len(batch) > 0 {
			b.bus.Publish(event.KindBatch, batch)
		}
	}

	return chunk
}

// previewBytes is the degraded-mode preview length, bounded so a single
// truncated chunk cannot consume more than half the memory budget.
func (b *Buffer) previewBytes() int {
	preview := degradedPreviewBytes
	if half := int(b.cfg.MaxBytes / 2); half < preview {
		preview = half
	}
	if preview < 1 {
		preview = 1
	}
	return preview
}

// truncateForPressure bounds content to a preview and appends a marker noting
// how much was dropped.
func truncateForPressure(content string, preview int) string {
	if len(content) <= preview {
		// Even a small write can trip the budget when the buffer is nearly
		// full; keep it intact and only mark it degraded.
		return content
	}
	dropped := len(content) - preview
	return content[:preview] + fmt.Sprintf(" ...[truncated %d bytes]", dropped)
}

// evictOldest removes the oldest chunk. Caller must hold the lock.
func (b *Buffer) evictOldest() {
	if len(b.chunks) == 0 {
		return
	}
	old := b.chunks[0]
	b.chunks[0] = nil
	b.chunks = b.chunks[1:]
	b.retainedBytes -= int64(len(old.Content))
	b.retainedLines -= int64(strings.Count(old.Content, "\n"))
	b.evicted++
}

// applyRetention trims by the configured retention policy, independent of
// the hard chunk capacity. Caller must hold the lock.
func (b *Buffer) applyRetention(now time.Time) {
	switch b.cfg.RetentionMode {
	case RetainBySize:
		for len(b.chunks) > 0 && b.retainedBytes > b.cfg.RetentionValue {
			b.evictOldest()
		}
	case RetainByCount:
		for int64(len(b.chunks)) > b.cfg.RetentionValue {
			b.evictOldest()
		}
	case RetainByAge:
		cutoff := now.Add(-time.Duration(b.cfg.RetentionValue))
		for len(b.chunks) > 0 && b.chunks[0].Timestamp.Before(cutoff) {
			b.evictOldest()
		}
	}
}

// Range returns the chunks between the start and end indexes, oldest first.
// Negative start is clamped to zero; an end of -1 or past the tail means the
// newest chunk.
func (b *Buffer) Range(start, end int) []*Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.chunks)
	if start < 0 {
		start = 0
	}
	if end < 0 || end > n {
		end = n
	}
	if start >= end {
		return nil
	}
	out := make([]*Chunk, end-start)
	copy(out, b.chunks[start:end])
	return out
}

// All returns every retained chunk, oldest first.
func (b *Buffer) All() []*Chunk {
	return b.Range(0, -1)
}

// Recent returns the newest n chunks, oldest first.
func (b *Buffer) Recent(n int) []*Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return nil
	}
	start := len(b.chunks) - n
	if start < 0 {
		start = 0
	}
	out := make([]*Chunk, len(b.chunks)-start)
	copy(out, b.chunks[start:])
	return out
}

// Search returns chunks whose content contains the query, case-insensitively,
// oldest first.
func (b *Buffer) Search(query string) []*Chunk {
	query = strings.ToLower(query)

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Chunk
	for _, c := range b.chunks {
		if strings.Contains(strings.ToLower(c.Content), query) {
			out = append(out, c)
		}
	}
	return out
}

// SearchPattern returns chunks whose content matches the pattern, oldest first.
func (b *Buffer) SearchPattern(re *regexp.Regexp) []*Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Chunk
	for _, c := range b.chunks {
		if re.MatchString(c.Content) {
			out = append(out, c)
		}
	}
	return out
}

// TimeRange returns chunks captured within [start, end], oldest first.
// A zero start or end leaves that side unbounded.
func (b *Buffer) TimeRange(start, end time.Time) []*Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Chunk
	for _, c := range b.chunks {
		if !start.IsZero() && c.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && c.Timestamp.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FullContent concatenates the content of all retained chunks in order.
func (b *Buffer) FullContent() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	for _, c := range b.chunks {
		sb.WriteString(c.Content)
	}
	return sb.String()
}

// Len returns the number of retained chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Metrics returns a snapshot of the buffer's counters.
func (b *Buffer) Metrics() BufferMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferMetrics{
		ChunkCount:        len(b.chunks),
		RetainedBytes:     b.retainedBytes,
		TotalBytesWritten: b.totalBytes,
		TotalLinesWritten: b.totalLines,
		EvictedChunks:     b.evicted,
		DegradedWrites:    b.degradedWrites,
	}
}

// Clear discards all retained chunks and the pending batch. Cumulative
// totals are preserved.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.chunks = nil
	b.retainedBytes = 0
	b.retainedLines = 0
	b.pending = nil
	b.pendingBytes = 0
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(event.KindCleared, b.src)
	}
}

// Flush publishes any pending batch immediately.
func (b *Buffer) Flush() {
	b.mu.Lock()
	batch := b.takePendingLocked()
	b.mu.Unlock()

	if len(batch) > 0 && b.bus != nil {
		b.bus.Publish(event.KindBatch, batch)
	}
}

// takePendingLocked detaches the pending batch. Caller must hold the lock.
func (b *Buffer) takePendingLocked() []*Chunk {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.pendingBytes = 0
	return batch
}

// Destroy stops the flush timer and discards all state. The buffer must not
// be written to afterwards.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	stop := b.flushStop
	done := b.flushDone
	b.chunks = nil
	b.retainedBytes = 0
	b.retainedLines = 0
	b.pending = nil
	b.pendingBytes = 0
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// flushLoop periodically flushes the pending batch. Each pass is bounded by
// the pending batch size.
func (b *Buffer) flushLoop() {
	defer close(b.flushDone)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.flushStop:
			return
		}
	}
}
