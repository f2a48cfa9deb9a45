// Package kvstore is the namespaced key-value layer under the result
// cache and the idempotency ledger. Values are opaque bytes; callers
// own their encoding. Three backends share one contract:
//
//   - file: one file per entry, replaced atomically with rename
//   - sqlite: a single table keyed by (namespace, key)
//   - redis: one string key per entry
//
// Readers never see a partially written value. Concurrent writers to
// the same key race and the last write wins.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kvstore: not found")

// Store is a namespaced key-value store. Implementations are safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

// Backend selects and configures a Store.
type Backend struct {
	// Kind is "file", "sqlite" or "redis".
	Kind string

	// Dir is the root directory for the file backend, and the directory
	// holding store.db for the sqlite backend when Path is empty.
	Dir string

	// Path is the SQLite database file.
	Path string

	// Driver is the database/sql driver for the sqlite backend:
	// "sqlite3" (mattn/go-sqlite3, cgo) or "sqlite" (modernc, pure Go).
	Driver string

	Redis RedisOptions
}

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key. Default "deckforge".
	Prefix string
}

// Open creates the store described by b.
func Open(ctx context.Context, b Backend) (Store, error) {
	switch b.Kind {
	case "", "file":
		return NewFileStore(b.Dir)
	case "sqlite":
		path := b.Path
		if path == "" {
			path = filepath.Join(b.Dir, "store.db")
		}
		return NewSQLiteStore(path, b.Driver)
	case "redis":
		return NewRedisStore(ctx, b.Redis)
	default:
		return nil, fmt.Errorf("unknown kvstore backend %q", b.Kind)
	}
}

// validNamespace rejects namespaces that could escape a directory or
// collide with key separators.
func validNamespace(ns string) error {
	if ns == "" {
		return errors.New("kvstore: empty namespace")
	}
	if ns == "." || ns == ".." || strings.ContainsAny(ns, `/\:`) {
		return fmt.Errorf("kvstore: invalid namespace %q", ns)
	}
	return nil
}
