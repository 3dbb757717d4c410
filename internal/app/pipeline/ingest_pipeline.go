package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
)

// PointPusher delivers a batch of data points to every sink.
type PointPusher interface {
	PushDataPoints(ctx context.Context, points []domain.DataPoint) push.Results
}

// RunIngestPipeline moves queued points to the sinks until ctx is done.
// Batches that fail are written to buf; buf is drained after the next
// successful push. buf may be nil.
func RunIngestPipeline(ctx context.Context, q ports.Queue[domain.DataPoint], pusher PointPusher, buf ports.PointBuffer, pol ports.Policy, obs ports.Observability) {
	if obs == nil {
		obs = observability.Nop()
	}
	for {
		if ctx.Err() != nil {
			spill(q, buf, pol, obs)
			return
		}

		batch := q.DequeueBatch(pol.MaxBatchSize)
		obs.SetGauge(observability.GaugeQueueLength, float64(q.Len()))
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pol.IdleSleep):
			}
			continue
		}

		start := time.Now()
		res := pusher.PushDataPoints(ctx, batch)
		obs.ObserveLatency(observability.LatencyPush, time.Since(start).Seconds())
		if !res.OK() {
			obs.LogError("datapoint_push_failed", errors.New("sinks rejected batch"),
				ports.Field{Key: "sinks", Value: res.Failed()},
				ports.Field{Key: "points", Value: len(batch)})
			bufferPoints(buf, batch, obs)
			continue
		}

		if buf != nil && buf.SizeBytes() > 0 {
			n, err := buf.Drain(ctx, func(ctx context.Context, pts []domain.DataPoint) bool {
				return pusher.PushDataPoints(ctx, pts).OK()
			})
			if err != nil {
				obs.LogError("buffer_drain_failed", err)
			} else if n > 0 {
				obs.LogInfo("buffer_drained", ports.Field{Key: "points", Value: n})
			}
		}
	}
}

func bufferPoints(buf ports.PointBuffer, pts []domain.DataPoint, obs ports.Observability) {
	if buf == nil {
		obs.IncCounter(observability.MetricPointsFailed, float64(len(pts)))
		return
	}
	if _, err := buf.Write(pts); err != nil {
		obs.LogError("buffer_write_failed", err, ports.Field{Key: "points", Value: len(pts)})
	}
}

// spill moves whatever is still queued into the buffer on shutdown.
func spill(q ports.Queue[domain.DataPoint], buf ports.PointBuffer, pol ports.Policy, obs ports.Observability) {
	if buf == nil {
		return
	}
	for {
		batch := q.DequeueBatch(pol.MaxBatchSize)
		if len(batch) == 0 {
			return
		}
		bufferPoints(buf, batch, obs)
	}
}
