// Package statestore holds the typed helpers over ports.StateStore and the
// storage engines behind it.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// KnownEntity is the row kept per pushed entity in a known-entity table.
type KnownEntity struct {
	Checksum string `json:"checksum,omitempty"`
}

// HistoryRecord is the persisted part of an extraction state.
type HistoryRecord struct {
	First             time.Time `json:"first"`
	Last              time.Time `json:"last"`
	FrontfillComplete bool      `json:"frontfill_complete"`
	BackfillComplete  bool      `json:"backfill_complete"`
}

// GetAll loads and decodes a whole table.
func GetAll[T any](ctx context.Context, store ports.StateStore, table string) (map[string]T, error) {
	raw, err := store.Load(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for k, b := range raw {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, k, err)
		}
		out[k] = v
	}
	return out, nil
}

func encodeAll[T any](table string, items map[string]T) (map[string][]byte, error) {
	out := make(map[string][]byte, len(items))
	for k, v := range items {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", table, k, err)
		}
		out[k] = b
	}
	return out, nil
}

// StoreAll upserts items into table.
func StoreAll[T any](ctx context.Context, store ports.StateStore, table string, items map[string]T) error {
	if len(items) == 0 {
		return nil
	}
	enc, err := encodeAll(table, items)
	if err != nil {
		return err
	}
	return store.Store(ctx, table, enc)
}

// ReplaceAll overwrites table with items in one store call.
func ReplaceAll[T any](ctx context.Context, store ports.StateStore, table string, items map[string]T) error {
	enc, err := encodeAll(table, items)
	if err != nil {
		return err
	}
	return store.Replace(ctx, table, enc)
}

// Restore decodes table and hands every row to fn. A missing table restores nothing.
func Restore[T any](ctx context.Context, store ports.StateStore, table string, fn func(id string, v T)) (int, error) {
	rows, err := GetAll[T](ctx, store, table)
	if errors.Is(err, ports.ErrTableNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for id, v := range rows {
		fn(id, v)
	}
	return len(rows), nil
}

// StoreExtractionStates persists the marks of every state.
func StoreExtractionStates(ctx context.Context, store ports.StateStore, table string, states []*domain.ExtractionState) error {
	items := make(map[string]HistoryRecord, len(states))
	for _, s := range states {
		items[s.ID] = HistoryRecord{
			First:             s.BackfillTimestamp(),
			Last:              s.SourceTimestamp(),
			FrontfillComplete: s.FrontfillComplete(),
			BackfillComplete:  s.BackfillComplete(),
		}
	}
	return StoreAll(ctx, store, table, items)
}

// RestoreExtractionStates loads persisted marks into the matching states.
func RestoreExtractionStates(ctx context.Context, store ports.StateStore, table string, states map[string]*domain.ExtractionState) (int, error) {
	restored := 0
	_, err := Restore(ctx, store, table, func(id string, rec HistoryRecord) {
		s, ok := states[id]
		if !ok {
			return
		}
		s.Restore(rec.First, rec.Last, rec.FrontfillComplete, rec.BackfillComplete)
		restored++
	})
	return restored, err
}

// DeleteExtractionStates removes the rows of the given states.
func DeleteExtractionStates(ctx context.Context, store ports.StateStore, table string, states []*domain.ExtractionState) error {
	if len(states) == 0 {
		return nil
	}
	keys := make([]string, 0, len(states))
	for _, s := range states {
		keys = append(keys, s.ID)
	}
	return store.Delete(ctx, table, keys)
}
