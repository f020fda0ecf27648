package nexasync

import (
	"context"
	"fmt"
	"time"
)

type cacheSnapshot[T any] struct {
	Query     Query     `cbor:"query"`
	Items     []T       `cbor:"items"`
	Timestamp time.Time `cbor:"ts"`
	HasMore   bool      `cbor:"hasMore"`
	Cursor    string    `cbor:"cursor,omitempty"`
	Total     *int      `cbor:"total,omitempty"`
	Offset    int       `cbor:"offset"`
}

// Persist writes the cached entry for q to kv under SnapshotKey(q). It
// reports false when nothing is cached for q.
func (c *Cache[T]) Persist(ctx context.Context, kv KVStore, q Query) (bool, error) {
	q = c.normalize(q)
	c.mu.Lock()
	e, ok := c.entries[CacheKey(q)]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	snap := cacheSnapshot[T]{
		Query:     e.Query,
		Items:     append([]T(nil), e.Items...),
		Timestamp: e.Timestamp,
		HasMore:   e.HasMore,
		Cursor:    e.Cursor,
		Total:     e.Total,
		Offset:    e.offset,
	}
	c.mu.Unlock()

	b, err := encodeValue(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := kv.Set(ctx, SnapshotKey(q), b); err != nil {
		return false, err
	}
	return true, nil
}

// Prime installs the snapshot persisted for q, keeping its original
// timestamp: it is served while still valid and reloaded once stale.
// A cached entry newer than the snapshot wins.
func (c *Cache[T]) Prime(ctx context.Context, kv KVStore, q Query) (bool, error) {
	q = c.normalize(q)
	b, ok, err := kv.Get(ctx, SnapshotKey(q))
	if err != nil || !ok {
		return false, err
	}
	var snap cacheSnapshot[T]
	if err := decodeValue(b, &snap); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", SnapshotKey(q), err)
	}
	key := CacheKey(q)
	if CacheKey(snap.Query) != key {
		// Same storage key, different query shape (sort or page size).
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrCacheClosed
	}
	if cur, ok := c.entries[key]; ok && !cur.Timestamp.Before(snap.Timestamp) {
		return false, nil
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxCacheSize {
		c.evictLocked()
	}
	c.entries[key] = &CacheEntry[T]{
		Query:     snap.Query,
		Items:     snap.Items,
		Timestamp: snap.Timestamp,
		HasMore:   snap.HasMore,
		Cursor:    snap.Cursor,
		Total:     snap.Total,
		offset:    snap.Offset,
	}
	st := c.stateLocked(key)
	st.HasMore = snap.HasMore
	st.CurrentPage = 1
	return true, nil
}
