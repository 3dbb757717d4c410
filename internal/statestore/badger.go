package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/ghalamif/aegisbridge/internal/ports"
)

// BadgerConfig configures the embedded state database.
type BadgerConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// Badger is a StateStore on an embedded BadgerDB. Rows live under
// "t/<table>/<key>" and every written table has a marker key so an empty
// table can be told apart from a missing one.
type Badger struct {
	db *badger.DB
}

type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

// OpenBadger opens the database described by cfg.
func OpenBadger(cfg BadgerConfig, log zerolog.Logger) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent state storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger state store: %w", err)
	}
	return &Badger{db: db}, nil
}

func rowPrefix(table string) []byte { return []byte("t/" + table + "/") }

func rowKey(table, key string) []byte { return []byte("t/" + table + "/" + key) }

func markerKey(table string) []byte { return []byte("m/" + table) }

func (b *Badger) Load(ctx context.Context, table string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(markerKey(table)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ports.ErrTableNotFound
			}
			return err
		}

		prefix := rowPrefix(table)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key()[len(prefix):])] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) Store(_ context.Context, table string, entries map[string][]byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(markerKey(table), []byte{1}); err != nil {
			return err
		}
		for k, v := range entries {
			if err := txn.Set(rowKey(table, k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Delete(_ context.Context, table string, keys []string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(rowKey(table, k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Replace drops every row of table and writes entries in one transaction.
func (b *Badger) Replace(_ context.Context, table string, entries map[string][]byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		prefix := rowPrefix(table)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		var stale [][]byte
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if _, keep := entries[string(k[len(prefix):])]; !keep {
				stale = append(stale, k)
			}
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		if err := txn.Set(markerKey(table), []byte{1}); err != nil {
			return err
		}
		for k, v := range entries {
			if err := txn.Set(rowKey(table, k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

var _ ports.StateStore = (*Badger)(nil)
