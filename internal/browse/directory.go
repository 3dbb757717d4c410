// Package browse walks the source hierarchy and turns it into the entity model.
package browse

import (
	"context"
	"fmt"
	"sort"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// Visit is called once per newly discovered child. Returning false stops the
// walk from descending into that child.
type Visit func(parentNodeID string, ref domain.ReferenceDescription) (descend bool, err error)

// DirectoryOptions bounds a directory walk.
type DirectoryOptions struct {
	// MaxDepth limits the number of levels below the start nodes. Zero or
	// less walks the whole tree.
	MaxDepth int
	Filter   ports.BrowseFilter
	// MaxNodesPerBrowse caps the parents sent in one browse call.
	MaxNodesPerBrowse int
}

// Directory walks the tree breadth first from startNodes. Each node is
// visited at most once even when it is reachable through several parents.
func Directory(ctx context.Context, b ports.Browser, startNodes []string, visit Visit, opts DirectoryOptions) error {
	if opts.MaxNodesPerBrowse <= 0 {
		opts.MaxNodesPerBrowse = 1000
	}
	visited := make(map[string]struct{}, len(startNodes))
	level := make([]string, 0, len(startNodes))
	for _, id := range startNodes {
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		level = append(level, id)
	}

	for depth := 1; len(level) > 0; depth++ {
		if opts.MaxDepth > 0 && depth > opts.MaxDepth {
			return nil
		}
		var next []string
		for start := 0; start < len(level); start += opts.MaxNodesPerBrowse {
			if err := ctx.Err(); err != nil {
				return err
			}
			parents := level[start:min(start+opts.MaxNodesPerBrowse, len(level))]
			children, err := b.BrowseChildren(ctx, parents, opts.Filter)
			if err != nil {
				return fmt.Errorf("browse depth %d: %w", depth, err)
			}
			for _, parent := range parents {
				refs := children[parent]
				sort.SliceStable(refs, func(i, j int) bool { return refs[i].NodeID < refs[j].NodeID })
				for _, ref := range refs {
					if _, ok := visited[ref.NodeID]; ok {
						continue
					}
					visited[ref.NodeID] = struct{}{}
					descend, err := visit(parent, ref)
					if err != nil {
						return err
					}
					if descend {
						next = append(next, ref.NodeID)
					}
				}
			}
		}
		level = next
	}
	return nil
}
