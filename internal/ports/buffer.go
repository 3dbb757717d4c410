package ports

import (
	"context"

	"github.com/ghalamif/aegisbridge/internal/domain"
)

// PointBuffer absorbs data points that could not be pushed.
type PointBuffer interface {
	// Write appends points and returns how many were stored.
	Write(points []domain.DataPoint) (int, error)
	// Drain hands buffered points to push and truncates only when push succeeds.
	Drain(ctx context.Context, push func(context.Context, []domain.DataPoint) bool) (int, error)
	SizeBytes() int64
}
