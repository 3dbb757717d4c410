package queue

import (
	"sync"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// MemQueue is a bounded in-memory FIFO. A non-positive capacity means unbounded.
type MemQueue[T any] struct {
	mu   sync.Mutex
	data []T
	cap  int
}

func NewMemQueue[T any](capacity int) *MemQueue[T] {
	q := &MemQueue[T]{cap: capacity}
	if capacity > 0 {
		q.data = make([]T, 0, capacity)
	}
	return q
}

func (q *MemQueue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cap > 0 && len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, item)
	return true
}

// DequeueBatch removes up to max items from the head. max <= 0 takes everything.
func (q *MemQueue[T]) DequeueBatch(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]T, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *MemQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var (
	_ ports.Queue[domain.DataPoint] = (*MemQueue[domain.DataPoint])(nil)
	_ ports.Queue[domain.Event]     = (*MemQueue[domain.Event])(nil)
)
