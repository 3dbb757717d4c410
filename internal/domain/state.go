package domain

import (
	"sync"
	"time"
)

// ExtractionState tracks history progress for one historized variable or one
// event emitter. Marks only move outward: the frontfill mark forward and the
// backfill mark backward.
type ExtractionState struct {
	ID      string
	NodeID  string
	IsEvent bool
	// IsString selects how raw history values become data points.
	IsString bool

	mu                sync.RWMutex
	sourceTimestamp   time.Time
	backfillTimestamp time.Time
	frontfillComplete bool
	backfillComplete  bool
}

// NewExtractionState seeds both marks with start.
func NewExtractionState(id, nodeID string, isEvent bool, start time.Time) *ExtractionState {
	return &ExtractionState{
		ID:                id,
		NodeID:            nodeID,
		IsEvent:           isEvent,
		sourceTimestamp:   start,
		backfillTimestamp: start,
	}
}

// SourceTimestamp is the frontfill high-water mark.
func (s *ExtractionState) SourceTimestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sourceTimestamp
}

// BackfillTimestamp is the backfill low-water mark.
func (s *ExtractionState) BackfillTimestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backfillTimestamp
}

func (s *ExtractionState) FrontfillComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frontfillComplete
}

func (s *ExtractionState) BackfillComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backfillComplete
}

// AdvanceFrontfill moves the high-water mark to ts if it is later.
func (s *ExtractionState) AdvanceFrontfill(ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ts.After(s.sourceTimestamp) {
		return false
	}
	s.sourceTimestamp = ts
	return true
}

// AdvanceBackfill moves the low-water mark to ts if it is earlier.
func (s *ExtractionState) AdvanceBackfill(ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backfillTimestamp.IsZero() || ts.Before(s.backfillTimestamp) {
		s.backfillTimestamp = ts
		return true
	}
	return false
}

func (s *ExtractionState) SetFrontfillComplete(done bool) {
	s.mu.Lock()
	s.frontfillComplete = done
	s.mu.Unlock()
}

func (s *ExtractionState) SetBackfillComplete(done bool) {
	s.mu.Lock()
	s.backfillComplete = done
	s.mu.Unlock()
}

// Restore overwrites the persisted portion of the state.
func (s *ExtractionState) Restore(first, last time.Time, frontfillDone, backfillDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backfillTimestamp = first
	s.sourceTimestamp = last
	s.frontfillComplete = frontfillDone
	s.backfillComplete = backfillDone
}
