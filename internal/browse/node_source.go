package browse

import (
	"context"
	"fmt"
	"sync"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/checksum"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/reconcile"
)

// Well known node and reference type ids in namespace 0.
const (
	ObjectsFolder             = "i=85"
	HierarchicalReferences    = "i=33"
	NonHierarchicalReferences = "i=32"
	HasProperty               = "i=46"
	PropertyType              = "i=68"
)

// IDMapper derives external ids from source addresses.
type IDMapper struct {
	Prefix string
}

// ID returns the external id of nodeID, suffixed with the array index when
// index is not negative.
func (m IDMapper) ID(nodeID string, index int) string {
	if index < 0 {
		return m.Prefix + nodeID
	}
	return fmt.Sprintf("%s%s[%d]", m.Prefix, nodeID, index)
}

type Config struct {
	Roots    []string `yaml:"roots"`
	IDPrefix string   `yaml:"id_prefix"`
	MaxDepth int      `yaml:"max_depth" validate:"gte=0"`
	// MaxArraySize expands one-dimensional arrays up to this length into
	// indexed children. Zero skips array variables.
	MaxArraySize      int  `yaml:"max_array_size" validate:"gte=0"`
	References        bool `yaml:"references"`
	MaxNodesPerBrowse int  `yaml:"max_nodes_per_browse" validate:"gte=0"`
	AttributeChunk    int  `yaml:"attribute_chunk" validate:"gte=0"`
}

// Source is what a browse pass needs from the protocol client.
type Source interface {
	ports.Browser
	ports.AttributeReader
}

// NodeSource runs browse passes and splits the result into entities that
// changed since the last committed pass and entities that did not.
type NodeSource struct {
	src    Source
	cfg    Config
	mapper IDMapper
	policy checksum.Policy
	obs    ports.Observability

	mu        sync.Mutex
	known     map[string]uint64
	knownRefs map[string]struct{}
}

func NewNodeSource(src Source, cfg Config, policy checksum.Policy, obs ports.Observability) *NodeSource {
	if obs == nil {
		obs = observability.Nop()
	}
	if len(cfg.Roots) == 0 {
		cfg.Roots = []string{ObjectsFolder}
	}
	if cfg.AttributeChunk <= 0 {
		cfg.AttributeChunk = 1000
	}
	return &NodeSource{
		src:       src,
		cfg:       cfg,
		mapper:    IDMapper{Prefix: cfg.IDPrefix},
		policy:    policy,
		obs:       obs,
		known:     make(map[string]uint64),
		knownRefs: make(map[string]struct{}),
	}
}

func (n *NodeSource) Mapper() IDMapper { return n.mapper }

// Browse walks the configured roots. The result is full and may drive deletes.
func (n *NodeSource) Browse(ctx context.Context) (*domain.NodeSourceResult, error) {
	res, err := n.browse(ctx, n.cfg.Roots)
	if err != nil {
		return nil, err
	}
	res.IsFullResult = true
	return res, nil
}

// BrowseFrom walks only the given subtrees. The result is partial.
func (n *NodeSource) BrowseFrom(ctx context.Context, roots []string) (*domain.NodeSourceResult, error) {
	return n.browse(ctx, roots)
}

// Commit records the entities of res as pushed so later passes report them
// as known until they change. A full result also forgets entities it did not
// observe, so they are pushed again if they reappear.
func (n *NodeSource) Commit(res *domain.NodeSourceResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if res.IsFullResult {
		known := make(map[string]uint64, len(n.known))
		for _, id := range res.ObservedObjectIDs() {
			if sum, ok := n.known[id]; ok {
				known[id] = sum
			}
		}
		for _, id := range res.ObservedVariableIDs() {
			if sum, ok := n.known[id]; ok {
				known[id] = sum
			}
		}
		refs := make(map[string]struct{}, len(n.knownRefs))
		for _, k := range res.ObservedReferenceKeys() {
			refs[k] = struct{}{}
		}
		n.known, n.knownRefs = known, refs
	}
	for _, o := range res.Objects {
		n.known[o.ID] = checksum.Checksum(o, n.policy)
	}
	for _, v := range res.Variables {
		n.known[v.ID] = checksum.Checksum(v, n.policy)
	}
	for _, r := range res.References {
		n.knownRefs[r.Key().String()] = struct{}{}
	}
}

// Forget drops every committed entity.
func (n *NodeSource) Forget() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.known = make(map[string]uint64)
	n.knownRefs = make(map[string]struct{})
}

type discovered struct {
	parent string
	ref    domain.ReferenceDescription
}

func isProperty(ref domain.ReferenceDescription) bool {
	return ref.NodeClass == domain.NodeClassVariable &&
		(ref.ReferenceTypeID == HasProperty || ref.TypeDefinition == PropertyType)
}

func (n *NodeSource) browse(ctx context.Context, roots []string) (*domain.NodeSourceResult, error) {
	var found []discovered
	err := Directory(ctx, n.src, roots, func(parent string, ref domain.ReferenceDescription) (bool, error) {
		if ref.NodeClass != domain.NodeClassObject && ref.NodeClass != domain.NodeClassVariable {
			return false, nil
		}
		found = append(found, discovered{parent: parent, ref: ref})
		return true, nil
	}, DirectoryOptions{
		MaxDepth:          n.cfg.MaxDepth,
		MaxNodesPerBrowse: n.cfg.MaxNodesPerBrowse,
		Filter: ports.BrowseFilter{
			ReferenceTypeID: HierarchicalReferences,
			NodeClasses:     []domain.NodeClass{domain.NodeClassObject, domain.NodeClassVariable},
		},
	})
	if err != nil {
		return nil, err
	}

	attrs, err := n.readAttributes(ctx, found)
	if err != nil {
		return nil, err
	}

	byNodeID := make(map[string]domain.Entity, len(found))
	var (
		objects   []*domain.Node
		variables []*domain.Variable
	)
	for _, d := range found {
		a := attrs[d.ref.NodeID]
		parent := byNodeID[d.parent]
		parentID := ""
		if parent != nil {
			parentID = parent.Base().ID
		}

		if d.ref.NodeClass == domain.NodeClassObject {
			o := &domain.Node{
				ID:          n.mapper.ID(d.ref.NodeID, -1),
				NodeID:      d.ref.NodeID,
				DisplayName: d.ref.DisplayName,
				Description: a.Description,
				ParentID:    parentID,
				NodeClass:   domain.NodeClassObject,
				NodeType:    d.ref.TypeDefinition,
				EmitsEvents: a.EventNotifier,
			}
			byNodeID[d.ref.NodeID] = o
			objects = append(objects, o)
			continue
		}

		v := domain.NewVariable(n.mapper.ID(d.ref.NodeID, -1), d.ref.NodeID, d.ref.DisplayName)
		v.Description = a.Description
		v.ParentID = parentID
		v.NodeType = d.ref.TypeDefinition
		v.DataType = domain.NewDataType(a.DataTypeID, nil)
		v.ValueRank = a.ValueRank
		v.ArrayDimensions = a.ArrayDimensions
		v.Historizing = a.Historizing
		byNodeID[d.ref.NodeID] = v

		if isProperty(d.ref) {
			if parent == nil {
				continue
			}
			if a.Value != nil {
				p := domain.PointFromValue(v.ID, a.ValueTimestamp, a.Value, true)
				v.Value = &p
			}
			parent.Base().AddProperty(v)
			continue
		}
		variables = append(variables, v)
	}

	res := &domain.NodeSourceResult{ArrayChildren: map[string][]string{}}
	vertices := make(map[string]domain.Vertex, len(objects)+len(variables))
	for _, o := range objects {
		vertices[o.NodeID] = domain.Vertex{ID: o.ID}
	}

	var flat []*domain.Variable
	for _, v := range variables {
		switch {
		case v.IsArray():
			if n.cfg.MaxArraySize <= 0 || int(v.ArrayDimensions[0]) > n.cfg.MaxArraySize {
				n.obs.LogDebug("array_variable_skipped",
					ports.Field{Key: "node", Value: v.NodeID},
					ports.Field{Key: "size", Value: v.ArrayDimensions[0]})
				continue
			}
			parent, children := n.expandArray(v)
			objects = append(objects, parent)
			vertices[v.NodeID] = domain.Vertex{ID: parent.ID}
			ids := make([]string, len(children))
			for i, c := range children {
				ids[i] = c.ID
			}
			res.ArrayChildren[parent.ID] = ids
			flat = append(flat, children...)
		case v.ValueRank >= 0:
			// multi-dimensional or unbounded arrays have no timeseries mapping
			continue
		default:
			vertices[v.NodeID] = domain.Vertex{ID: v.ID, IsVariable: true}
			flat = append(flat, v)
		}
	}

	var refs []*domain.Reference
	if n.cfg.References && len(vertices) > 0 {
		if refs, err = n.references(ctx, vertices); err != nil {
			return nil, err
		}
	}

	n.partition(res, objects, flat, refs)
	n.obs.LogInfo("browse_complete",
		ports.Field{Key: "objects", Value: len(res.Objects) + len(res.KnownObjects)},
		ports.Field{Key: "variables", Value: len(res.Variables) + len(res.KnownVariables)},
		ports.Field{Key: "references", Value: len(res.References) + len(res.KnownReferences)},
		ports.Field{Key: "changed", Value: len(res.Objects) + len(res.Variables)})
	return res, nil
}

func (n *NodeSource) readAttributes(ctx context.Context, found []discovered) (map[string]ports.Attributes, error) {
	out := make(map[string]ports.Attributes, len(found))
	for start := 0; start < len(found); start += n.cfg.AttributeChunk {
		end := min(start+n.cfg.AttributeChunk, len(found))
		ids := make([]string, 0, end-start)
		for _, d := range found[start:end] {
			ids = append(ids, d.ref.NodeID)
		}
		attrs, err := n.src.ReadAttributes(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("read attributes: %w", err)
		}
		for k, v := range attrs {
			out[k] = v
		}
	}
	return out, nil
}

// expandArray turns an array variable into an object parent and one child
// variable per element.
func (n *NodeSource) expandArray(v *domain.Variable) (*domain.Node, []*domain.Variable) {
	parent := &domain.Node{
		ID:          v.ID,
		NodeID:      v.NodeID,
		DisplayName: v.DisplayName,
		Description: v.Description,
		ParentID:    v.ParentID,
		NodeClass:   domain.NodeClassVariable,
		Properties:  v.Properties,
		NodeType:    v.NodeType,
	}
	size := int(v.ArrayDimensions[0])
	children := make([]*domain.Variable, size)
	for i := 0; i < size; i++ {
		c := domain.NewVariable(n.mapper.ID(v.NodeID, i), v.NodeID, fmt.Sprintf("%s[%d]", v.DisplayName, i))
		c.ParentID = parent.ID
		c.ArrayParentID = parent.ID
		c.Index = i
		c.DataType = v.DataType
		c.Historizing = v.Historizing
		children[i] = c
	}
	return parent, children
}

func (n *NodeSource) references(ctx context.Context, vertices map[string]domain.Vertex) ([]*domain.Reference, error) {
	sources := make([]string, 0, len(vertices))
	for nodeID := range vertices {
		sources = append(sources, nodeID)
	}
	var refs []*domain.Reference
	filter := ports.BrowseFilter{ReferenceTypeID: NonHierarchicalReferences}
	for start := 0; start < len(sources); start += n.cfg.AttributeChunk {
		batch := sources[start:min(start+n.cfg.AttributeChunk, len(sources))]
		children, err := n.src.BrowseChildren(ctx, batch, filter)
		if err != nil {
			return nil, fmt.Errorf("browse references: %w", err)
		}
		for _, src := range batch {
			for _, d := range children[src] {
				target, ok := vertices[d.NodeID]
				if !ok {
					continue
				}
				refs = append(refs, &domain.Reference{
					Source:    vertices[src],
					Target:    target,
					Type:      domain.ReferenceType{ID: d.ReferenceTypeID, ForwardName: d.ReferenceTypeID},
					IsForward: d.IsForward,
				})
			}
		}
	}
	return reconcile.MirrorReferences(refs), nil
}

func (n *NodeSource) partition(res *domain.NodeSourceResult, objects []*domain.Node, variables []*domain.Variable, refs []*domain.Reference) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range objects {
		if sum, ok := n.known[o.ID]; ok && sum == checksum.Checksum(o, n.policy) {
			res.KnownObjects = append(res.KnownObjects, o)
		} else {
			res.Objects = append(res.Objects, o)
		}
	}
	for _, v := range variables {
		if sum, ok := n.known[v.ID]; ok && sum == checksum.Checksum(v, n.policy) {
			res.KnownVariables = append(res.KnownVariables, v)
		} else {
			res.Variables = append(res.Variables, v)
		}
	}
	for _, r := range refs {
		if _, ok := n.knownRefs[r.Key().String()]; ok {
			res.KnownReferences = append(res.KnownReferences, r)
		} else {
			res.References = append(res.References, r)
		}
	}
}
