package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
	"github.com/ghalamif/aegisbridge/internal/reconcile"
)

// NodeBrowser produces browse results and remembers what was pushed.
type NodeBrowser interface {
	Browse(ctx context.Context) (*domain.NodeSourceResult, error)
	BrowseFrom(ctx context.Context, roots []string) (*domain.NodeSourceResult, error)
	Commit(res *domain.NodeSourceResult)
}

// NodeSynchronizer is the part of the dispatcher used to push node state.
type NodeSynchronizer interface {
	Synchronize(ctx context.Context, in *reconcile.PusherInput) push.Results
}

// NodeSync runs one browse and pushes its outcome. Runs are serialized.
type NodeSync struct {
	browser NodeBrowser
	differ  reconcile.Differ
	sinks   NodeSynchronizer
	obs     ports.Observability

	mu sync.Mutex
}

// NewNodeSync wires a browser to the sinks. differ may be nil to disable deletes.
func NewNodeSync(browser NodeBrowser, differ reconcile.Differ, sinks NodeSynchronizer, obs ports.Observability) *NodeSync {
	if obs == nil {
		obs = observability.Nop()
	}
	return &NodeSync{browser: browser, differ: differ, sinks: sinks, obs: obs}
}

// Run browses the configured roots and synchronizes every sink. Sinks that
// fail keep the input pending in the dispatcher, so the result is committed
// either way.
func (s *NodeSync) Run(ctx context.Context) (*domain.NodeSourceResult, error) {
	return s.run(ctx, nil)
}

// RunFrom is Run limited to the given subtrees. It never produces deletes.
func (s *NodeSync) RunFrom(ctx context.Context, roots []string) (*domain.NodeSourceResult, error) {
	return s.run(ctx, roots)
}

func (s *NodeSync) run(ctx context.Context, roots []string) (*domain.NodeSourceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var (
		res *domain.NodeSourceResult
		err error
	)
	if roots == nil {
		res, err = s.browser.Browse(ctx)
	} else {
		res, err = s.browser.BrowseFrom(ctx, roots)
	}
	if err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}

	in, err := reconcile.FromNodeSourceResult(ctx, res, s.differ)
	if err != nil {
		return nil, fmt.Errorf("deletes: %w", err)
	}

	results := s.sinks.Synchronize(ctx, in)
	if !results.OK() {
		s.obs.LogError("node_sync_incomplete", fmt.Errorf("%d sink(s) failed", len(results.Failed())),
			ports.Field{Key: "sinks", Value: results.Failed()})
	}
	s.browser.Commit(res)

	s.obs.LogInfo("node_sync_complete",
		ports.Field{Key: "full", Value: res.IsFullResult},
		ports.Field{Key: "objects", Value: len(in.Objects)},
		ports.Field{Key: "variables", Value: len(in.Variables)},
		ports.Field{Key: "references", Value: len(in.References)},
		ports.Field{Key: "deleted_objects", Value: len(in.Deletes.Objects)},
		ports.Field{Key: "deleted_variables", Value: len(in.Deletes.Variables)},
		ports.Field{Key: "duration", Value: time.Since(start).String()})
	return res, nil
}
