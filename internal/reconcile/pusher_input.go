// Package reconcile turns a browse result into the combined upsert and
// tombstone instruction handed to every sink.
package reconcile

import (
	"context"

	"github.com/ghalamif/aegisbridge/internal/domain"
)

// Differ computes deletions for a browse result.
type Differ interface {
	GetDiffAndStoreIDs(ctx context.Context, result *domain.NodeSourceResult) (domain.DeleteResult, error)
}

// PusherInput is one synchronization instruction.
type PusherInput struct {
	Objects    []*domain.Node
	Variables  []*domain.Variable
	References []*domain.Reference
	Deletes    domain.DeleteResult
}

// FromNodeSourceResult builds a PusherInput from the newly processed entities
// of result. A nil differ yields no deletes.
func FromNodeSourceResult(ctx context.Context, result *domain.NodeSourceResult, differ Differ) (*PusherInput, error) {
	in := &PusherInput{}
	if result == nil {
		return in, nil
	}
	in.Objects = append(in.Objects, result.Objects...)
	for _, v := range result.Variables {
		if v.IsProperty {
			continue
		}
		in.Variables = append(in.Variables, v)
	}
	in.References = append(in.References, result.References...)

	if differ != nil {
		diff, err := differ.GetDiffAndStoreIDs(ctx, result)
		if err != nil {
			return nil, err
		}
		in.Deletes = diff
	}
	return in, nil
}

// Empty reports whether the input carries nothing to push.
func (p *PusherInput) Empty() bool {
	return p == nil || (len(p.Objects) == 0 && len(p.Variables) == 0 && len(p.References) == 0 && p.Deletes.Empty())
}

// Merge folds other into p, which is the older input. The latest observation
// of an id wins: entities from other replace or revive entries of p, and
// deletes from other drop upserts of p.
func (p *PusherInput) Merge(other *PusherInput) *PusherInput {
	if p == nil {
		return other
	}
	if other == nil {
		return p
	}

	objects := make(map[string]*domain.Node, len(p.Objects)+len(other.Objects))
	var objOrder []string
	for _, list := range [][]*domain.Node{p.Objects, other.Objects} {
		for _, n := range list {
			if _, seen := objects[n.ID]; !seen {
				objOrder = append(objOrder, n.ID)
			}
			objects[n.ID] = n
		}
	}

	variables := make(map[string]*domain.Variable, len(p.Variables)+len(other.Variables))
	var varOrder []string
	for _, list := range [][]*domain.Variable{p.Variables, other.Variables} {
		for _, v := range list {
			if _, seen := variables[v.ID]; !seen {
				varOrder = append(varOrder, v.ID)
			}
			variables[v.ID] = v
		}
	}

	refs := make(map[domain.ReferenceKey]*domain.Reference, len(p.References)+len(other.References))
	var refOrder []domain.ReferenceKey
	for _, list := range [][]*domain.Reference{p.References, other.References} {
		for _, r := range list {
			k := r.Key()
			if _, seen := refs[k]; !seen {
				refOrder = append(refOrder, k)
			}
			refs[k] = r
		}
	}

	// the newer input wins: its upserts cancel older deletes of the same id
	readded := make(map[string]struct{}, len(other.Objects)+len(other.Variables)+len(other.References))
	for _, n := range other.Objects {
		readded[n.ID] = struct{}{}
	}
	for _, v := range other.Variables {
		readded[v.ID] = struct{}{}
	}
	for _, r := range other.References {
		readded[r.Key().String()] = struct{}{}
	}
	deletes := domain.DeleteResult{
		Objects:    union(without(p.Deletes.Objects, readded), other.Deletes.Objects),
		Variables:  union(without(p.Deletes.Variables, readded), other.Deletes.Variables),
		References: union(without(p.Deletes.References, readded), other.Deletes.References),
	}
	for _, id := range other.Deletes.Objects {
		delete(objects, id)
	}
	for _, id := range other.Deletes.Variables {
		delete(variables, id)
	}
	deletedRefs := make(map[string]struct{}, len(other.Deletes.References))
	for _, k := range other.Deletes.References {
		deletedRefs[k] = struct{}{}
	}

	out := &PusherInput{Deletes: deletes}
	for _, id := range objOrder {
		if n, ok := objects[id]; ok {
			out.Objects = append(out.Objects, n)
		}
	}
	for _, id := range varOrder {
		if v, ok := variables[id]; ok {
			out.Variables = append(out.Variables, v)
		}
	}
	for _, k := range refOrder {
		if _, gone := deletedRefs[k.String()]; gone {
			continue
		}
		out.References = append(out.References, refs[k])
	}
	return out
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func without(ids []string, drop map[string]struct{}) []string {
	var out []string
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
