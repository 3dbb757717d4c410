package ports

import (
	"context"
	"errors"
)

// ErrTableNotFound is returned by Load when the table has never been written.
var ErrTableNotFound = errors.New("state table not found")

// StateStore is a persisted table-oriented key/value store.
type StateStore interface {
	Load(ctx context.Context, table string) (map[string][]byte, error)
	// Store upserts entries without touching other keys.
	Store(ctx context.Context, table string, entries map[string][]byte) error
	Delete(ctx context.Context, table string, keys []string) error
	// Replace atomically overwrites the whole table with entries.
	Replace(ctx context.Context, table string, entries map[string][]byte) error
	Close() error
}
