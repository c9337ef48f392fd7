package output

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mavdaviddraughn/tasksmith/internal/event"
)

// ManagerConfig configures a Manager and its two buffers.
type ManagerConfig struct {
	Stdout     BufferConfig
	Stderr     BufferConfig
	Stream     StreamOptions
	Interleave bool
	Rules      []DetectionRule
}

// DefaultManagerConfig returns a Manager configuration with per-stream
// defaults (stderr smaller) and interleaving enabled.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Stdout:     DefaultStdoutConfig(),
		Stderr:     DefaultStderrConfig(),
		Stream:     DefaultStreamOptions(),
		Interleave: true,
	}
}

// MatchPayload is published with a warning event when a stderr write matches
// a detection rule.
type MatchPayload struct {
	Rule  DetectionRule
	Chunk *Chunk
}

// Manager owns the stdout and stderr buffers of one execution and produces a
// deterministic chronological merge of both. Both buffers draw sequence
// numbers from one shared counter, which is what makes the merge a total
// order even for writes with identical timestamps.
type Manager struct {
	mu       sync.Mutex
	stdout   *Buffer
	stderr   *Buffer
	detector *Detector
	bus      *event.Bus
	cfg      ManagerConfig

	errorCount   int64
	warningCount int64
	errorChunks  []*Chunk
	warnChunks   []*Chunk
}

// NewManager creates a stream manager. The bus may be nil to disable events.
func NewManager(cfg ManagerConfig, bus *event.Bus) (*Manager, error) {
	detector, err := NewDetector(cfg.Rules)
	if err != nil {
		return nil, err
	}

	seq := NewSequence()
	stdout, err := NewBuffer(SourceStdout, cfg.Stdout, cfg.Stream, seq, bus)
	if err != nil {
		return nil, fmt.Errorf("stdout buffer: %w", err)
	}
	stderr, err := NewBuffer(SourceStderr, cfg.Stderr, cfg.Stream, seq, bus)
	if err != nil {
		stdout.Destroy()
		return nil, fmt.Errorf("stderr buffer: %w", err)
	}

	return &Manager{
		stdout:   stdout,
		stderr:   stderr,
		detector: detector,
		bus:      bus,
		cfg:      cfg,
	}, nil
}

// WriteStdout captures text on the stdout stream.
func (m *Manager) WriteStdout(text string) *Chunk {
	return m.stdout.Write(text)
}

// WriteStderr captures text on the stderr stream and runs the detection
// rules against it. Counters are updated at write time only.
func (m *Manager) WriteStderr(text string) *Chunk {
	chunk := m.stderr.Write(text)
	if chunk == nil {
		return nil
	}

	rule := m.detector.Match(text)
	if rule != nil {
		m.mu.Lock()
		switch rule.Severity {
		case SeverityError:
			m.errorCount++
			m.errorChunks = appendBounded(m.errorChunks, chunk, m.cfg.Stderr.MaxChunks)
		case SeverityWarning:
			m.warningCount++
			m.warnChunks = appendBounded(m.warnChunks, chunk, m.cfg.Stderr.MaxChunks)
		}
		m.mu.Unlock()

		if m.bus != nil {
			m.bus.Publish(event.KindWarning, &MatchPayload{Rule: *rule, Chunk: chunk})
		}
	}
	return chunk
}

// appendBounded appends keeping at most max elements, dropping the oldest.
func appendBounded(s []*Chunk, c *Chunk, max int) []*Chunk {
	s = append(s, c)
	if max > 0 && len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// Stdout returns the stdout stream's chronological view.
func (m *Manager) Stdout() []*Chunk {
	return m.stdout.All()
}

// Stderr returns the stderr stream's chronological view.
func (m *Manager) Stderr() []*Chunk {
	return m.stderr.All()
}

// StdoutBuffer exposes the underlying stdout buffer.
func (m *Manager) StdoutBuffer() *Buffer {
	return m.stdout
}

// StderrBuffer exposes the underlying stderr buffer.
func (m *Manager) StderrBuffer() *Buffer {
	return m.stderr
}

// Combined returns both streams merged and sorted by (timestamp, sequence)
// when interleaving is enabled. With interleaving disabled it returns all
// stdout chunks followed by all stderr chunks. Both buffers are locked
// together while the snapshots are taken, so a write on one stream cannot
// land between them and skew the pair.
func (m *Manager) Combined() []*Chunk {
	m.stdout.mu.Lock()
	m.stderr.mu.Lock()
	merged := make([]*Chunk, 0, len(m.stdout.chunks)+len(m.stderr.chunks))
	merged = append(merged, m.stdout.chunks...)
	merged = append(merged, m.stderr.chunks...)
	m.stderr.mu.Unlock()
	m.stdout.mu.Unlock()

	if m.cfg.Interleave {
		sortChunks(merged)
	}
	return merged
}

// sortChunks orders chunks by (timestamp, sequence).
func sortChunks(chunks []*Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Timestamp.Equal(chunks[j].Timestamp) {
			return chunks[i].Sequence < chunks[j].Sequence
		}
		return chunks[i].Timestamp.Before(chunks[j].Timestamp)
	})
}

// Filter selects chunks for Manager.Search.
type Filter struct {
	// Source restricts the search to one stream. Empty means both.
	Source Source
	// Query is a case-insensitive substring match. Ignored when empty.
	Query string
	// Pattern is a regex match. Ignored when nil.
	Pattern *regexp.Regexp
	// Severity restricts results to chunks that matched detection rules of
	// that severity. Ignored when empty.
	Severity MatchSeverity
	// Since/Until bound the capture time. Zero values are unbounded.
	Since time.Time
	Until time.Time
}

// Search returns chunks matching the filter. When interleaving is enabled
// results from both streams are returned in combined chronological order.
func (m *Manager) Search(f Filter) []*Chunk {
	var candidates []*Chunk

	switch {
	case f.Severity != "":
		candidates = m.matchedChunks(f.Severity)
	case f.Source == SourceStdout:
		candidates = m.stdout.All()
	case f.Source == SourceStderr:
		candidates = m.stderr.All()
	default:
		candidates = m.Combined()
	}

	var out []*Chunk
	for _, c := range candidates {
		if f.Source != "" && c.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && c.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && c.Timestamp.After(f.Until) {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(c.Content), strings.ToLower(f.Query)) {
			continue
		}
		if f.Pattern != nil && !f.Pattern.MatchString(c.Content) {
			continue
		}
		out = append(out, c)
	}

	if m.cfg.Interleave {
		sortChunks(out)
	}
	return out
}

// matchedChunks returns a copy of the chunks that matched detection rules
// of the given severity.
func (m *Manager) matchedChunks(sev MatchSeverity) []*Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()

	var src []*Chunk
	if sev == SeverityError {
		src = m.errorChunks
	} else {
		src = m.warnChunks
	}
	out := make([]*Chunk, len(src))
	copy(out, src)
	return out
}

// Errors returns the stderr chunks that matched error detection rules,
// oldest first.
func (m *Manager) Errors() []*Chunk {
	return m.matchedChunks(SeverityError)
}

// Warnings returns the stderr chunks that matched warning detection rules,
// oldest first.
func (m *Manager) Warnings() []*Chunk {
	return m.matchedChunks(SeverityWarning)
}

// Metrics summarizes both streams plus the combined detection counters.
type Metrics struct {
	Stdout       BufferMetrics
	Stderr       BufferMetrics
	ErrorCount   int64
	WarningCount int64
}

// Metrics returns a snapshot of per-stream and detection counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	errCount := m.errorCount
	warnCount := m.warningCount
	m.mu.Unlock()

	return Metrics{
		Stdout:       m.stdout.Metrics(),
		Stderr:       m.stderr.Metrics(),
		ErrorCount:   errCount,
		WarningCount: warnCount,
	}
}

// Clear clears the given stream, or both when src is empty. Clearing stderr
// (or both) also resets the detection counters.
func (m *Manager) Clear(src Source) {
	if src == "" || src == SourceStdout {
		m.stdout.Clear()
	}
	if src == "" || src == SourceStderr {
		m.stderr.Clear()

		m.mu.Lock()
		m.errorCount = 0
		m.warningCount = 0
		m.errorChunks = nil
		m.warnChunks = nil
		m.mu.Unlock()
	}
}

// Flush flushes any pending batches on both streams.
func (m *Manager) Flush() {
	m.stdout.Flush()
	m.stderr.Flush()
}

// Destroy releases both buffers.
func (m *Manager) Destroy() {
	m.stdout.Destroy()
	m.stderr.Destroy()
}
