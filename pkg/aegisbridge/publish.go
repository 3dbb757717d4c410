package aegisbridge

import (
	"context"
	"errors"

	"github.com/ghalamif/aegisbridge/internal/app/pipeline"
)

// ErrQueueFull indicates the queue rejected points according to policy.
var ErrQueueFull = errors.New("aegisbridge: queue full")

// Publish feeds externally produced data points through the same queue,
// buffer and sinks as live subscription values. With the "block" policy it
// waits for room until ctx is done; otherwise rejected points are dropped
// and ErrQueueFull is returned.
func (r *Runtime) Publish(ctx context.Context, points ...DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	if n := pipeline.Enqueue(ctx, r.queue, points, r.policy, r.obs); n < len(points) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrQueueFull
	}
	return nil
}
