package output

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mavdaviddraughn/tasksmith/internal/event"
)

func testConfig(maxChunks int) BufferConfig {
	return BufferConfig{
		MaxChunks:      maxChunks,
		MaxBytes:       1 << 20,
		MaxLines:       10000,
		RetentionMode:  RetainByCount,
		RetentionValue: int64(maxChunks),
	}
}

// noStreaming disables real-time emission so tests don't need a bus.
var noStreaming = StreamOptions{}

func newTestBuffer(t *testing.T, cfg BufferConfig) *Buffer {
	t.Helper()
	b, err := NewBuffer(SourceStdout, cfg, noStreaming, nil, nil)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	t.Cleanup(b.Destroy)
	return b
}

func contents(chunks []*Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

func TestNewBufferValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BufferConfig)
	}{
		{"zero max chunks", func(c *BufferConfig) { c.MaxChunks = 0 }},
		{"negative max bytes", func(c *BufferConfig) { c.MaxBytes = -1 }},
		{"zero max lines", func(c *BufferConfig) { c.MaxLines = 0 }},
		{"bad retention mode", func(c *BufferConfig) { c.RetentionMode = "forever" }},
		{"zero retention value", func(c *BufferConfig) { c.RetentionValue = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(10)
			tt.mutate(&cfg)
			if _, err := NewBuffer(SourceStdout, cfg, noStreaming, nil, nil); err == nil {
				t.Error("expected construction error, got nil")
			}
		})
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	// maxChunks=3: write A,B,C,D, read back B,C,D.
	b := newTestBuffer(t, testConfig(3))

	for _, s := range []string{"A", "B", "C", "D"} {
		b.Write(s)
	}

	got := contents(b.All())
	want := []string{"B", "C", "D"}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestChunksAlwaysOrdered(t *testing.T) {
	b := newTestBuffer(t, testConfig(16))

	// Overflow the capacity several times over.
	for i := 0; i < 100; i++ {
		b.Write(fmt.Sprintf("line-%d\n", i))
	}

	chunks := b.All()
	if len(chunks) != 16 {
		t.Fatalf("expected 16 retained chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.Timestamp.Before(prev.Timestamp) {
			t.Errorf("chunk %d timestamp precedes chunk %d", i, i-1)
		}
		if cur.Sequence <= prev.Sequence {
			t.Errorf("chunk %d sequence %d not greater than %d", i, cur.Sequence, prev.Sequence)
		}
	}
}

func TestRetentionBySize(t *testing.T) {
	cfg := testConfig(100)
	cfg.RetentionMode = RetainBySize
	cfg.RetentionValue = 30
	b := newTestBuffer(t, cfg)

	for i := 0; i < 10; i++ {
		b.Write("0123456789") // 10 bytes each
	}

	m := b.Metrics()
	if m.RetainedBytes > 30 {
		t.Errorf("retained %d bytes, want <= 30", m.RetainedBytes)
	}
	if m.ChunkCount != 3 {
		t.Errorf("expected 3 retained chunks, got %d", m.ChunkCount)
	}
}

func TestLineBudgetEvicts(t *testing.T) {
	cfg := testConfig(100)
	cfg.MaxLines = 5
	b := newTestBuffer(t, cfg)

	for i := 0; i < 10; i++ {
		b.Write(fmt.Sprintf("line-%d\n", i))
	}

	m := b.Metrics()
	if m.ChunkCount > 5 {
		t.Errorf("retained %d chunks, want <= 5", m.ChunkCount)
	}
	newest := b.Recent(1)
	if len(newest) != 1 || newest[0].Content != "line-9\n" {
		t.Fatalf("newest chunk missing or wrong: %v", contents(newest))
	}
}

func TestRetentionByAge(t *testing.T) {
	cfg := testConfig(100)
	cfg.RetentionMode = RetainByAge
	cfg.RetentionValue = int64(20 * time.Millisecond)
	b := newTestBuffer(t, cfg)

	b.Write("old")
	time.Sleep(40 * time.Millisecond)
	b.Write("new")

	got := contents(b.All())
	if len(got) != 1 || got[0] != "new" {
		t.Errorf("expected only the fresh chunk, got %v", got)
	}
}

func TestDegradedWriteNeverFails(t *testing.T) {
	cfg := testConfig(10)
	cfg.MaxBytes = 256
	b := newTestBuffer(t, cfg)

	big := strings.Repeat("x", 4096)
	chunk := b.Write(big)

	if chunk == nil {
		t.Fatal("degraded write returned no chunk")
	}
	if !chunk.Degraded {
		t.Error("chunk should be marked degraded")
	}
	if len(chunk.Content) >= len(big) {
		t.Error("degraded content should be truncated")
	}
	if !strings.Contains(chunk.Content, "truncated") {
		t.Errorf("degraded content missing truncation marker: %q", chunk.Content)
	}
	if b.Len() != 1 {
		t.Errorf("expected exactly one chunk, got %d", b.Len())
	}
}

func TestDegradedWriteEmitsWarning(t *testing.T) {
	bus := event.NewBus()
	var warnings []*WarningPayload
	bus.Subscribe(event.KindWarning, func(ev event.Event) {
		if w, ok := ev.Payload.(*WarningPayload); ok {
			warnings = append(warnings, w)
		}
	})

	cfg := testConfig(10)
	cfg.MaxBytes = 64
	b, err := NewBuffer(SourceStdout, cfg, noStreaming, nil, bus)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer b.Destroy()

	b.Write(strings.Repeat("y", 1024))

	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning event, got %d", len(warnings))
	}
	if warnings[0].OriginalBytes != 1024 {
		t.Errorf("expected original length 1024, got %d", warnings[0].OriginalBytes)
	}
	if warnings[0].TruncatedBytes >= 1024 {
		t.Errorf("truncated length %d should be smaller than original", warnings[0].TruncatedBytes)
	}
}

func TestDegradedWriteSqueezesCapacity(t *testing.T) {
	cfg := testConfig(10)
	cfg.MaxBytes = 100
	b := newTestBuffer(t, cfg)

	for i := 0; i < 10; i++ {
		b.Write("0123456789")
	}
	if b.Len() != 10 {
		t.Fatalf("expected full buffer, got %d chunks", b.Len())
	}

	// This write exceeds the remaining budget and forces extra eviction.
	b.Write(strings.Repeat("z", 200))
	if b.Len() > 5 {
		t.Errorf("expected capacity squeeze during degraded write, got %d chunks", b.Len())
	}

	// The configured capacity applies again afterwards.
	for i := 0; i < 20; i++ {
		b.Write("a")
	}
	if b.Len() != 10 {
		t.Errorf("expected capacity restored to 10, got %d", b.Len())
	}
}

func TestDegradedWriteCountsOriginalLines(t *testing.T) {
	cfg := testConfig(10)
	cfg.MaxBytes = 256
	b := newTestBuffer(t, cfg)

	big := strings.Repeat("line\n", 200)
	chunk := b.Write(big)
	if !chunk.Degraded {
		t.Fatal("expected a degraded write")
	}

	// Cumulative counters reflect the original write, not the truncation.
	m := b.Metrics()
	if m.TotalLinesWritten != 200 {
		t.Errorf("expected 200 total lines, got %d", m.TotalLinesWritten)
	}
	if m.TotalBytesWritten != int64(len(big)) {
		t.Errorf("expected %d total bytes, got %d", len(big), m.TotalBytesWritten)
	}

	next := b.Write("after\n")
	if next.LineNumber != 200 {
		t.Errorf("expected the next chunk to start at line 200, got %d", next.LineNumber)
	}
	if next.ByteOffset != int64(len(big)) {
		t.Errorf("expected the next chunk at byte offset %d, got %d", len(big), next.ByteOffset)
	}
}

func TestCumulativeOffsets(t *testing.T) {
	b := newTestBuffer(t, testConfig(10))

	c1 := b.Write("one\ntwo\n")
	c2 := b.Write("three\n")

	if c1.ByteOffset != 0 || c1.LineNumber != 0 {
		t.Errorf("first chunk offsets should be zero, got bytes=%d lines=%d", c1.ByteOffset, c1.LineNumber)
	}
	if c2.ByteOffset != 8 {
		t.Errorf("expected byte offset 8, got %d", c2.ByteOffset)
	}
	if c2.LineNumber != 2 {
		t.Errorf("expected line number 2, got %d", c2.LineNumber)
	}

	m := b.Metrics()
	if m.TotalBytesWritten != 14 {
		t.Errorf("expected 14 total bytes, got %d", m.TotalBytesWritten)
	}
	if m.TotalLinesWritten != 3 {
		t.Errorf("expected 3 total lines, got %d", m.TotalLinesWritten)
	}
}

func TestRecent(t *testing.T) {
	b := newTestBuffer(t, testConfig(10))
	for i := 0; i < 5; i++ {
		b.Write(fmt.Sprintf("c%d", i))
	}

	got := contents(b.Recent(2))
	if len(got) != 2 || got[0] != "c3" || got[1] != "c4" {
		t.Errorf("Recent(2) = %v, want [c3 c4]", got)
	}
	if got := b.Recent(100); len(got) != 5 {
		t.Errorf("Recent(100) should clamp to 5, got %d", len(got))
	}
	if got := b.Recent(0); got != nil {
		t.Errorf("Recent(0) should be nil, got %v", got)
	}
}

func TestSearch(t *testing.T) {
	b := newTestBuffer(t, testConfig(10))
	b.Write("hello world\n")
	b.Write("ERROR: it broke\n")
	b.Write("goodbye\n")

	if got := b.Search("error"); len(got) != 1 {
		t.Errorf("case-insensitive search expected 1 hit, got %d", len(got))
	}
	re := regexp.MustCompile(`^ERROR:`)
	if got := b.SearchPattern(re); len(got) != 1 {
		t.Errorf("pattern search expected 1 hit, got %d", len(got))
	}
}

func TestTimeRange(t *testing.T) {
	b := newTestBuffer(t, testConfig(10))
	b.Write("early")
	time.Sleep(20 * time.Millisecond)
	mid := time.Now()
	time.Sleep(20 * time.Millisecond)
	b.Write("late")

	got := contents(b.TimeRange(mid, time.Time{}))
	if len(got) != 1 || got[0] != "late" {
		t.Errorf("TimeRange from midpoint = %v, want [late]", got)
	}
	got = contents(b.TimeRange(time.Time{}, mid))
	if len(got) != 1 || got[0] != "early" {
		t.Errorf("TimeRange until midpoint = %v, want [early]", got)
	}
}

func TestFullContent(t *testing.T) {
	b := newTestBuffer(t, testConfig(10))
	b.Write("ab")
	b.Write("cd")
	if got := b.FullContent(); got != "abcd" {
		t.Errorf("FullContent = %q, want %q", got, "abcd")
	}
}

func TestClearPublishesEvent(t *testing.T) {
	bus := event.NewBus()
	cleared := 0
	bus.Subscribe(event.KindCleared, func(event.Event) { cleared++ })

	b, err := NewBuffer(SourceStdout, testConfig(10), noStreaming, nil, bus)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer b.Destroy()

	b.Write("x")
	b.Clear()

	if b.Len() != 0 {
		t.Errorf("expected empty buffer after clear, got %d chunks", b.Len())
	}
	if cleared != 1 {
		t.Errorf("expected 1 cleared event, got %d", cleared)
	}

	// Cumulative totals survive a clear.
	if m := b.Metrics(); m.TotalBytesWritten != 1 {
		t.Errorf("totals should survive clear, got %d bytes", m.TotalBytesWritten)
	}
}

func TestRealTimeEmitAndBatch(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var data []*Chunk
	var batches [][]*Chunk
	bus.Subscribe(event.KindData, func(ev event.Event) {
		mu.Lock()
		data = append(data, ev.Payload.(*Chunk))
		mu.Unlock()
	})
	bus.Subscribe(event.KindBatch, func(ev event.Event) {
		mu.Lock()
		batches = append(batches, ev.Payload.([]*Chunk))
		mu.Unlock()
	})

	opts := StreamOptions{
		RealTime:      true,
		BatchSize:     8,
		FlushInterval: time.Hour, // flush by size only in this test
		LineBuffering: true,
	}
	b, err := NewBuffer(SourceStdout, testConfig(100), opts, nil, bus)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer b.Destroy()

	b.Write("line with terminator\n") // emitted immediately
	b.Write("part")                   // pending (4 bytes)
	b.Write("ial-x")                  // pending crosses 8 bytes, batch emitted

	mu.Lock()
	defer mu.Unlock()
	if len(data) != 1 {
		t.Errorf("expected 1 immediate data event, got %d", len(data))
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch event, got %d", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Errorf("expected batch of 2 chunks, got %d", len(batches[0]))
	}
}

func TestFlushTimer(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	batches := 0
	bus.Subscribe(event.KindBatch, func(event.Event) {
		mu.Lock()
		batches++
		mu.Unlock()
	})

	opts := StreamOptions{
		RealTime:      true,
		BatchSize:     1 << 20,
		FlushInterval: 10 * time.Millisecond,
		LineBuffering: true,
	}
	b, err := NewBuffer(SourceStdout, testConfig(100), opts, nil, bus)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer b.Destroy()

	b.Write("no terminator")

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := batches
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("flush timer never emitted the pending batch")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentWrites(t *testing.T) {
	b := newTestBuffer(t, testConfig(1000))

	const goroutines = 8
	const writes = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				b.Write(fmt.Sprintf("g%d-%d\n", g, i))
			}
		}(g)
	}
	wg.Wait()

	chunks := b.All()
	if len(chunks) != goroutines*writes {
		t.Fatalf("expected %d chunks, got %d", goroutines*writes, len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Sequence <= chunks[i-1].Sequence {
			t.Fatalf("sequence order violated at index %d", i)
		}
	}
}

func TestWriteAfterDestroy(t *testing.T) {
	b := newTestBuffer(t, testConfig(10))
	b.Destroy()
	if chunk := b.Write("late"); chunk != nil {
		t.Error("writes after Destroy should be dropped")
	}
}
