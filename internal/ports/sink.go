package ports

import (
	"context"

	"github.com/ghalamif/aegisbridge/internal/domain"
)

// PushResult is the tri-state outcome of a push call.
type PushResult int

const (
	// PushNoop means there was nothing to send.
	PushNoop PushResult = iota
	PushOK
	PushFailed
)

func (r PushResult) String() string {
	switch r {
	case PushOK:
		return "ok"
	case PushFailed:
		return "failed"
	default:
		return "noop"
	}
}

// ResultOf maps a success flag to OK or Failed.
func ResultOf(ok bool) PushResult {
	if ok {
		return PushOK
	}
	return PushFailed
}

// Sink is a downstream delivery target.
type Sink interface {
	Name() string
	PushNodes(ctx context.Context, objects []*domain.Node, variables []*domain.Variable) bool
	PushReferences(ctx context.Context, refs []*domain.Reference) bool
	PushDataPoints(ctx context.Context, points []domain.DataPoint) PushResult
	PushEvents(ctx context.Context, events []domain.Event) PushResult
	ExecuteDeletes(ctx context.Context, deletes domain.DeleteResult) bool
	TestConnection(ctx context.Context) PushResult
	// Reset clears in-memory dedup state before a full resync.
	Reset()
}

// BatchLookupResult splits requested ids into the ones a sink already has and
// the ones it does not.
type BatchLookupResult struct {
	Found   map[string]string
	Missing []string
}
