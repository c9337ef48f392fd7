package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mavdaviddraughn/tasksmith/internal/filelock"
)

// snapshotSchemaVersion identifies the snapshot layout. Version 1 wraps the
// entry array in an envelope; earlier snapshots were a bare array and are
// still readable.
const snapshotSchemaVersion = 1

// snapshotCheckEvery is how many entries are encoded between cancellation
// checks during a snapshot export.
const snapshotCheckEvery = 64

// snapshotFile is the on-disk snapshot envelope.
type snapshotFile struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Entries       []snapshotEntry `json:"entries"`
}

// snapshotEntry is one persisted item. Values are written decompressed.
type snapshotEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Metadata Metadata        `json:"metadata"`
}

// SaveSnapshot writes all non-expired entries to the configured snapshot
// path. See SaveSnapshotContext.
func (c *Cache) SaveSnapshot() error {
	return c.SaveSnapshotContext(context.Background())
}

// SaveSnapshotContext writes all non-expired entries to the snapshot path,
// decompressed to plain values. Writers to the same path are serialized with
// a file lock, since interleaved partial writes would corrupt the snapshot.
// Cancellation is checked between batches of entries.
func (c *Cache) SaveSnapshotContext(ctx context.Context) error {
	if c.cfg.PersistentPath == "" {
		return fmt.Errorf("cache: no snapshot path configured")
	}

	now := time.Now()

	c.mu.Lock()
	raw := make([]*entry, 0, len(c.items))
	for _, e := range c.items {
		if !e.meta.expired(now) {
			raw = append(raw, e)
		}
	}
	c.mu.Unlock()

	snap := snapshotFile{
		SchemaVersion: snapshotSchemaVersion,
		SavedAt:       now,
		Entries:       make([]snapshotEntry, 0, len(raw)),
	}
	for i, e := range raw {
		if i%snapshotCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("cache: snapshot cancelled: %w", err)
			}
		}
		value := e.data
		if e.compressed {
			plain, err := gunzipBytes(e.data)
			if err != nil {
				c.log.Warnf("cache: snapshot skipping %q: %v", e.key, err)
				continue
			}
			value = plain
		}
		snap.Entries = append(snap.Entries, snapshotEntry{
			Key:      e.key,
			Value:    json.RawMessage(value),
			Metadata: e.meta,
		})
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal snapshot: %w", err)
	}

	// Lock plus write-then-rename: concurrent writers serialize and readers
	// never observe a partial snapshot.
	if err := filelock.LockAndWrite(c.cfg.PersistentPath, data); err != nil {
		return fmt.Errorf("cache: write snapshot: %w", err)
	}
	return nil
}

// loadSnapshot restores non-expired entries from the snapshot file. A
// missing file is not an error. Entries re-enter through the normal insert
// path, so capacity bounds and compression apply.
func (c *Cache) loadSnapshot() error {
	data, err := os.ReadFile(c.cfg.PersistentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		// Legacy layout: a bare array of entries with no envelope.
		var legacy []snapshotEntry
		if legacyErr := json.Unmarshal(data, &legacy); legacyErr != nil {
			return fmt.Errorf("parse snapshot: %w", err)
		}
		snap.Entries = legacy
	}

	now := time.Now()
	for _, se := range snap.Entries {
		if se.Metadata.expired(now) {
			continue
		}
		var value interface{}
		if err := json.Unmarshal(se.Value, &value); err != nil {
			c.log.Warnf("cache: snapshot entry %q unreadable: %v", se.Key, err)
			continue
		}
		ttl := time.Duration(0)
		if !se.Metadata.ExpiresAt.IsZero() {
			ttl = se.Metadata.ExpiresAt.Sub(now)
		}
		if err := c.SetWithTTL(se.Key, value, ttl, se.Metadata.Tags...); err != nil {
			c.log.Warnf("cache: snapshot entry %q not restored: %v", se.Key, err)
			continue
		}
		// Carry the original creation time and hit count forward.
		c.mu.Lock()
		if e, ok := c.items[se.Key]; ok {
			e.meta.CreatedAt = se.Metadata.CreatedAt
			e.meta.HitCount = se.Metadata.HitCount
		}
		c.mu.Unlock()
	}
	return nil
}
