// Package cache memoizes expensive, deterministic tool calls. Entries
// are addressed by namespace and a key derived from every input that
// affects the result, and expire after a caller-chosen TTL.
//
// The cache never fails a caller: unreadable, unparsable or expired
// entries are misses, and write failures are logged and dropped.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/deckforge/internal/kvstore"
)

// entry is the stored form of a cached payload.
type entry struct {
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Cache is a TTL cache over a [kvstore.Store]. A nil *Cache is a
// disabled cache: every Get misses and every Set is ignored.
type Cache struct {
	store  kvstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache over store.
func New(store kvstore.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger, now: time.Now}
}

// Get decodes the entry for namespace/key into out and reports whether
// it was a hit. Entries older than ttl are misses; ttl <= 0 disables
// expiry.
func (c *Cache) Get(ctx context.Context, namespace, key string, ttl time.Duration, out any) bool {
	if c == nil {
		return false
	}
	raw, err := c.store.Get(ctx, namespace, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.logger.Warn("cache read failed, treating as miss", "namespace", namespace, "error", err)
		}
		return false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.CreatedAt.IsZero() || len(e.Payload) == 0 {
		c.logger.Warn("corrupt cache entry, treating as miss", "namespace", namespace, "key", key)
		return false
	}
	if ttl > 0 && c.now().Sub(e.CreatedAt) > ttl {
		c.logger.Debug("cache entry expired",
			"namespace", namespace,
			"age", c.now().Sub(e.CreatedAt).Round(time.Second),
			"ttl", ttl,
		)
		return false
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		c.logger.Warn("cache payload does not decode, treating as miss", "namespace", namespace, "error", err)
		return false
	}
	return true
}

// Set stores payload under namespace/key, stamped with the current
// time.
func (c *Cache) Set(ctx context.Context, namespace, key string, payload any) {
	if c == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("cache payload does not encode, not caching", "namespace", namespace, "error", err)
		return
	}
	raw, err := json.Marshal(entry{CreatedAt: c.now().UTC(), Payload: data})
	if err != nil {
		return
	}
	if err := c.store.Put(ctx, namespace, key, raw); err != nil {
		c.logger.Warn("cache write failed", "namespace", namespace, "error", err)
	}
}

// Key derives a cache key from parts: the hex SHA-256 of their JSON
// encoding as an array. Map keys are sorted by encoding/json, so equal
// inputs always give equal keys.
func Key(parts ...any) string {
	data, err := json.Marshal(parts)
	if err != nil {
		// Unencodable inputs never share a key with anything.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
