// Package cache provides a TTL + LRU result cache with optional transparent
// compression and best-effort disk snapshotting. It memoizes expensive
// repeatable results such as a full run's captured output.
package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/mavdaviddraughn/tasksmith/internal/event"
)

// Config controls cache capacity, expiry, compression, and persistence.
type Config struct {
	// MaxItems is the item-count bound. Least-recently-used entries are
	// evicted to stay under it.
	MaxItems int
	// MaxMemoryMB is the memory budget for stored (possibly compressed)
	// values, in mebibytes.
	MaxMemoryMB int
	// DefaultTTL applies to Set calls without an explicit TTL. Zero means
	// entries do not expire by default.
	DefaultTTL time.Duration
	// EnableCompression turns on gzip compression at rest.
	EnableCompression bool
	// CompressionThreshold is the serialized size, in bytes, at or above
	// which a value is compressed.
	CompressionThreshold int
	// Persistent enables snapshot load on start and save on Stop.
	Persistent bool
	// PersistentPath is the snapshot file path. Required when Persistent.
	PersistentPath string
	// CleanupInterval is the background expiry sweep period. Zero disables
	// the sweeper.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxItems:             1000,
		MaxMemoryMB:          64,
		DefaultTTL:           time.Hour,
		EnableCompression:    true,
		CompressionThreshold: 1024,
		CleanupInterval:      time.Minute,
	}
}

// Validate checks the configuration. Failures are fatal at construction.
func (c Config) Validate() error {
	if c.MaxItems <= 0 {
		return fmt.Errorf("cache config: max items must be positive, got %d", c.MaxItems)
	}
	if c.MaxMemoryMB <= 0 {
		return fmt.Errorf("cache config: max memory must be positive, got %d MB", c.MaxMemoryMB)
	}
	if c.EnableCompression && c.CompressionThreshold <= 0 {
		return fmt.Errorf("cache config: compression threshold must be positive, got %d", c.CompressionThreshold)
	}
	if c.Persistent && c.PersistentPath == "" {
		return fmt.Errorf("cache config: persistent cache requires a path")
	}
	return nil
}

// memoryBudget returns the byte budget.
func (c Config) memoryBudget() int64 {
	return int64(c.MaxMemoryMB) << 20
}

// Metadata describes one cached item. Timestamps serialize as RFC 3339.
type Metadata struct {
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	LastAccessed     time.Time `json:"last_accessed"`
	HitCount         int64     `json:"hit_count"`
	SizeBytes        int64     `json:"size_bytes"`
	CompressionRatio float64   `json:"compression_ratio,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
}

// expired reports whether the item is past its expiry at now.
func (m Metadata) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Logger is the logging surface the cache needs. Persistence failures are
// logged through it and are otherwise non-fatal.
type Logger interface {
	Warnf(format string, args ...interface{})
}

// nopLogger discards all messages.
type nopLogger struct{}

func (nopLogger) Warnf(string, ...interface{}) {}

// Stats is a snapshot of cache counters.
type Stats struct {
	Items       int
	MemoryBytes int64
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// Cache is a mutex-guarded TTL + LRU cache keyed by string. Values are
// serialized on Set; values at or above the compression threshold are kept
// gzip-compressed and decompressed on every Get, trading CPU for memory.
type Cache struct {
	mu  sync.Mutex
	cfg Config
	bus *event.Bus
	log Logger

	items map[string]*entry
	head  *entry // most recently used
	tail  *entry // least recently used

	memBytes    int64
	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a cache. The bus and log may be nil. When persistence is
// enabled, a pre-existing snapshot is loaded; a corrupt or unreadable
// snapshot is logged and skipped. When CleanupInterval is positive a
// background sweeper removes expired entries so memory is reclaimed even
// for keys nobody reads again.
func New(cfg Config, bus *event.Bus, log Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = nopLogger{}
	}

	c := &Cache{
		cfg:   cfg,
		bus:   bus,
		log:   log,
		items: make(map[string]*entry),
	}

	if cfg.Persistent {
		if err := c.loadSnapshot(); err != nil {
			log.Warnf("cache: snapshot load failed: %v", err)
		}
	}

	if cfg.CleanupInterval > 0 {
		c.stopCh = make(chan struct{})
		c.doneCh = make(chan struct{})
		go c.sweepLoop()
	}

	return c, nil
}

// Set stores value under key with the default TTL and no tags.
func (c *Cache) Set(key string, value interface{}) error {
	return c.SetWithTTL(key, value, c.cfg.DefaultTTL)
}

// SetWithTTL stores value under key. A zero ttl means the entry never
// expires. Least-recently-used entries are evicted first while the insert
// would exceed the memory budget, then while it would exceed the item bound.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration, tags ...string) error {
	plain, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: serialize %q: %w", key, err)
	}

	data := plain
	compressed := false
	ratio := 0.0
	if c.cfg.EnableCompression && len(plain) >= c.cfg.CompressionThreshold {
		gz, err := gzipBytes(plain)
		if err != nil {
			return fmt.Errorf("cache: compress %q: %w", key, err)
		}
		if len(gz) < len(plain) {
			data = gz
			compressed = true
			ratio = float64(len(gz)) / float64(len(plain))
		}
	}

	size := int64(len(data))
	if size > c.cfg.memoryBudget() {
		return fmt.Errorf("cache: value for %q (%d bytes) exceeds the memory budget", key, size)
	}

	now := time.Now()
	meta := Metadata{
		CreatedAt:        now,
		LastAccessed:     now,
		SizeBytes:        size,
		CompressionRatio: ratio,
		Tags:             tags,
	}
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[key]; ok {
		c.removeEntry(old)
	}
	for c.tail != nil && c.memBytes+size > c.cfg.memoryBudget() {
		c.evictTail()
	}
	for len(c.items) >= c.cfg.MaxItems {
		c.evictTail()
	}

	e := &entry{key: key, data: data, compressed: compressed, meta: meta}
	c.items[key] = e
	c.pushFront(e)
	c.memBytes += size
	return nil
}

// Get returns the value stored under key, or a miss if the key is absent or
// expired. On a hit the entry is promoted to most-recently-used and its
// access bookkeeping is updated. Compressed values are decompressed on every
// call; the plaintext is never retained.
func (c *Cache) Get(key string) (interface{}, bool) {
	data, compressed, ok := c.lookup(key)
	if !ok {
		return nil, false
	}

	var value interface{}
	if err := decodeValue(data, compressed, &value); err != nil {
		c.log.Warnf("cache: decode %q: %v", key, err)
		return nil, false
	}
	return value, true
}

// GetInto unmarshals the value stored under key into dest. It reports a miss
// exactly as Get does.
func (c *Cache) GetInto(key string, dest interface{}) (bool, error) {
	data, compressed, ok := c.lookup(key)
	if !ok {
		return false, nil
	}
	if err := decodeValue(data, compressed, dest); err != nil {
		return false, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return true, nil
}

// lookup performs the shared hit/miss path: lazy expiry, hit bookkeeping,
// and LRU promotion. It returns a reference to the stored bytes; entries are
// immutable once stored so reading them outside the lock is safe.
func (c *Cache) lookup(key string) (data []byte, compressed bool, ok bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		c.misses++
		return nil, false, false
	}
	if e.meta.expired(now) {
		c.removeEntry(e)
		c.expirations++
		c.misses++
		return nil, false, false
	}

	e.meta.LastAccessed = now
	e.meta.HitCount++
	c.hits++
	c.moveToFront(e)
	return e.data, e.compressed, true
}

// Has reports whether key is present and not expired, without touching the
// access bookkeeping.
func (c *Cache) Has(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		return false
	}
	if e.meta.expired(now) {
		c.removeEntry(e)
		c.expirations++
		return false
	}
	return true
}

// Delete removes key. Returns true if it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		return false
	}
	c.removeEntry(e)
	return true
}

// Clear removes every entry and publishes a cleared event.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry)
	c.head = nil
	c.tail = nil
	c.memBytes = 0
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(event.KindCleared, "cache")
	}
}

// ItemInfo is the queryable view of one cached item.
type ItemInfo struct {
	Key      string
	Metadata Metadata
}

// Filter selects items for Query. Zero-valued fields are ignored.
type Filter struct {
	// Tags matches items carrying at least one of the listed tags.
	Tags []string
	// KeyPattern is a regular expression applied to keys.
	KeyPattern string
	// CreatedAfter/CreatedBefore bound the creation time.
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// MinHits is the minimum hit count.
	MinHits int64
}

// Query returns metadata for items matching the filter. This is a full scan;
// the cache is bounded by construction so the scan is too.
func (c *Cache) Query(f Filter) ([]ItemInfo, error) {
	var re *regexp.Regexp
	if f.KeyPattern != "" {
		var err error
		re, err = regexp.Compile(f.KeyPattern)
		if err != nil {
			return nil, fmt.Errorf("cache: key pattern: %w", err)
		}
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ItemInfo
	for key, e := range c.items {
		if e.meta.expired(now) {
			continue
		}
		if len(f.Tags) > 0 && !hasAnyTag(e.meta.Tags, f.Tags) {
			continue
		}
		if re != nil && !re.MatchString(key) {
			continue
		}
		if !f.CreatedAfter.IsZero() && e.meta.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		if !f.CreatedBefore.IsZero() && e.meta.CreatedAt.After(f.CreatedBefore) {
			continue
		}
		if e.meta.HitCount < f.MinHits {
			continue
		}
		out = append(out, ItemInfo{Key: key, Metadata: e.meta})
	}
	return out, nil
}

// InvalidateByTags deletes every item carrying at least one of the given
// tags and returns how many were removed.
func (c *Cache) InvalidateByTags(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.items {
		if hasAnyTag(e.meta.Tags, tags) {
			c.removeEntry(e)
			removed++
		}
	}
	return removed
}

// InvalidateByPattern deletes every item whose key matches the pattern and
// returns how many were removed.
func (c *Cache) InvalidateByPattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate pattern: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.items {
		if re.MatchString(key) {
			c.removeEntry(e)
			removed++
		}
	}
	return removed, nil
}

// DefaultTTL returns the configured default time-to-live, so callers can
// apply it explicitly when they also need tags.
func (c *Cache) DefaultTTL() time.Duration {
	return c.cfg.DefaultTTL
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Items:       len(c.items),
		MemoryBytes: c.memBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// RemoveExpired drops every expired entry and returns how many were removed.
// The background sweeper calls this on each tick.
func (c *Cache) RemoveExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.items {
		if e.meta.expired(now) {
			c.removeEntry(e)
			c.expirations++
			removed++
		}
	}
	return removed
}

// Stop shuts the sweeper down and, for a persistent cache, writes a final
// snapshot. Snapshot failures are logged, never returned.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
			<-c.doneCh
		}
		if c.cfg.Persistent {
			if err := c.SaveSnapshot(); err != nil {
				c.log.Warnf("cache: snapshot save failed: %v", err)
			}
		}
	})
}

// sweepLoop periodically removes expired entries. Each pass is bounded by
// the cache size.
func (c *Cache) sweepLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RemoveExpired()
		case <-c.stopCh:
			return
		}
	}
}

// hasAnyTag reports whether have contains at least one of want.
func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// gzipBytes compresses data with gzip.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gunzipBytes decompresses gzip data.
func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// decodeValue decompresses (if needed) and unmarshals stored bytes.
func decodeValue(data []byte, compressed bool, dest interface{}) error {
	if compressed {
		plain, err := gunzipBytes(data)
		if err != nil {
			return err
		}
		data = plain
	}
	return json.Unmarshal(data, dest)
}
