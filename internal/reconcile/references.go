package reconcile

import "github.com/ghalamif/aegisbridge/internal/domain"

// MirrorReferences returns refs with exactly one inverse entry for every
// non-hierarchical reference. Duplicates by value are collapsed and mirrors
// already present are not added twice. Hierarchical references are kept as-is.
func MirrorReferences(refs []*domain.Reference) []*domain.Reference {
	seen := make(map[domain.ReferenceKey]struct{}, len(refs)*2)
	out := make([]*domain.Reference, 0, len(refs)*2)

	add := func(r *domain.Reference) {
		k := r.Key()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}

	for _, r := range refs {
		if r == nil {
			continue
		}
		add(r)
		if !r.Type.Hierarchical {
			add(r.Mirror())
		}
	}
	return out
}
