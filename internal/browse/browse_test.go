package browse

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/aegisbridge/internal/checksum"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

type fakeSource struct {
	mu        sync.Mutex
	tree      map[string][]domain.ReferenceDescription
	nonHier   map[string][]domain.ReferenceDescription
	attrs     map[string]ports.Attributes
	calls     [][]string
	browseErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tree:    map[string][]domain.ReferenceDescription{},
		nonHier: map[string][]domain.ReferenceDescription{},
		attrs:   map[string]ports.Attributes{},
	}
}

func (f *fakeSource) BrowseChildren(_ context.Context, parents []string, filter ports.BrowseFilter) (map[string][]domain.ReferenceDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browseErr != nil {
		return nil, f.browseErr
	}
	f.calls = append(f.calls, append([]string(nil), parents...))
	src := f.tree
	if filter.ReferenceTypeID == NonHierarchicalReferences {
		src = f.nonHier
	}
	out := make(map[string][]domain.ReferenceDescription, len(parents))
	for _, p := range parents {
		out[p] = append([]domain.ReferenceDescription(nil), src[p]...)
	}
	return out, nil
}

func (f *fakeSource) ReadAttributes(_ context.Context, ids []string) (map[string]ports.Attributes, error) {
	out := make(map[string]ports.Attributes, len(ids))
	for _, id := range ids {
		out[id] = f.attrs[id]
	}
	return out, nil
}

func (f *fakeSource) object(parent, nodeID, name string) {
	f.tree[parent] = append(f.tree[parent], domain.ReferenceDescription{
		NodeID: nodeID, DisplayName: name, NodeClass: domain.NodeClassObject,
		ReferenceTypeID: "i=35", IsForward: true, TypeDefinition: "i=58",
	})
}

func (f *fakeSource) variable(parent, nodeID, name string, a ports.Attributes) {
	f.tree[parent] = append(f.tree[parent], domain.ReferenceDescription{
		NodeID: nodeID, DisplayName: name, NodeClass: domain.NodeClassVariable,
		ReferenceTypeID: "i=47", IsForward: true, TypeDefinition: "i=63",
	})
	f.attrs[nodeID] = a
}

func (f *fakeSource) property(parent, nodeID, name string, value any) {
	f.tree[parent] = append(f.tree[parent], domain.ReferenceDescription{
		NodeID: nodeID, DisplayName: name, NodeClass: domain.NodeClassVariable,
		ReferenceTypeID: HasProperty, IsForward: true, TypeDefinition: PropertyType,
	})
	f.attrs[nodeID] = ports.Attributes{DataTypeID: "i=12", ValueRank: -1, Value: value}
}

func scalar(dataType string) ports.Attributes {
	return ports.Attributes{DataTypeID: dataType, ValueRank: -1, Historizing: true}
}

// plant builds:
//
//	Objects
//	  Line1 (emits events)
//	    Speed      double
//	      EngineeringUnits (property)
//	        Symbol (nested property)
//	    Vector     double[3]
//	    Matrix     double[2,2]
//	  Line2
//	    Status     string
func plant() *fakeSource {
	f := newFakeSource()
	f.object(ObjectsFolder, "ns=2;s=Line1", "Line1")
	f.attrs["ns=2;s=Line1"] = ports.Attributes{Description: "first line", EventNotifier: true}
	f.object(ObjectsFolder, "ns=2;s=Line2", "Line2")
	f.variable("ns=2;s=Line1", "ns=2;s=Speed", "Speed", scalar("i=11"))
	f.property("ns=2;s=Speed", "ns=2;s=Speed.EU", "EngineeringUnits", "rpm")
	f.property("ns=2;s=Speed.EU", "ns=2;s=Speed.EU.Symbol", "Symbol", "r/min")
	f.variable("ns=2;s=Line1", "ns=2;s=Vector", "Vector", ports.Attributes{
		DataTypeID: "i=11", ValueRank: 1, ArrayDimensions: []uint32{3}, Historizing: true,
	})
	f.variable("ns=2;s=Line1", "ns=2;s=Matrix", "Matrix", ports.Attributes{
		DataTypeID: "i=11", ValueRank: 2, ArrayDimensions: []uint32{2, 2},
	})
	f.variable("ns=2;s=Line2", "ns=2;s=Status", "Status", scalar("i=12"))
	return f
}

func ids[T domain.Entity](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Base().ID
	}
	return out
}

func TestIDMapper(t *testing.T) {
	m := IDMapper{Prefix: "plant:"}
	assert.Equal(t, "plant:ns=2;s=Speed", m.ID("ns=2;s=Speed", -1))
	assert.Equal(t, "plant:ns=2;s=Speed[4]", m.ID("ns=2;s=Speed", 4))
}

func TestDirectoryVisitsEachNodeOnce(t *testing.T) {
	f := newFakeSource()
	f.object("root", "a", "A")
	f.object("root", "b", "B")
	// c is reachable through both a and b
	f.object("a", "c", "C")
	f.object("b", "c", "C")
	f.object("c", "d", "D")

	var seen []string
	err := Directory(context.Background(), f, []string{"root"}, func(parent string, ref domain.ReferenceDescription) (bool, error) {
		seen = append(seen, parent+">"+ref.NodeID)
		return true, nil
	}, DirectoryOptions{MaxNodesPerBrowse: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"root>a", "root>b", "a>c", "c>d"}, seen)
	for _, call := range f.calls {
		assert.Len(t, call, 1)
	}
}

func TestDirectoryMaxDepthAndErrors(t *testing.T) {
	f := newFakeSource()
	f.object("root", "a", "A")
	f.object("a", "b", "B")

	var seen []string
	require.NoError(t, Directory(context.Background(), f, []string{"root"}, func(_ string, ref domain.ReferenceDescription) (bool, error) {
		seen = append(seen, ref.NodeID)
		return true, nil
	}, DirectoryOptions{MaxDepth: 1}))
	assert.Equal(t, []string{"a"}, seen)

	stop := errors.New("stop")
	err := Directory(context.Background(), f, []string{"root"}, func(string, domain.ReferenceDescription) (bool, error) {
		return false, stop
	}, DirectoryOptions{})
	assert.ErrorIs(t, err, stop)

	f.browseErr = errors.New("bad session")
	err = Directory(context.Background(), f, []string{"root"}, func(string, domain.ReferenceDescription) (bool, error) {
		return true, nil
	}, DirectoryOptions{})
	assert.ErrorContains(t, err, "browse depth 1")
}

func TestNodeSourceBuildsEntities(t *testing.T) {
	src := NewNodeSource(plant(), Config{IDPrefix: "p:", MaxArraySize: 10}, checksum.Policy{}, nil)
	res, err := src.Browse(context.Background())
	require.NoError(t, err)
	require.True(t, res.IsFullResult)

	assert.ElementsMatch(t, []string{"p:ns=2;s=Line1", "p:ns=2;s=Line2", "p:ns=2;s=Vector"}, ids(res.Objects))
	assert.ElementsMatch(t, []string{
		"p:ns=2;s=Speed", "p:ns=2;s=Status",
		"p:ns=2;s=Vector[0]", "p:ns=2;s=Vector[1]", "p:ns=2;s=Vector[2]",
	}, ids(res.Variables))

	byID := map[string]*domain.Variable{}
	for _, v := range res.Variables {
		byID[v.ID] = v
	}
	speed := byID["p:ns=2;s=Speed"]
	require.NotNil(t, speed)
	assert.Equal(t, "p:ns=2;s=Line1", speed.ParentID)
	assert.True(t, speed.Historizing)
	assert.False(t, speed.DataType.IsString)
	assert.Equal(t, map[string]string{"EngineeringUnits": "rpm", "EngineeringUnits_Symbol": "r/min"}, speed.Metadata(false))
	assert.True(t, byID["p:ns=2;s=Status"].DataType.IsString)

	elem := byID["p:ns=2;s=Vector[1]"]
	assert.Equal(t, 1, elem.Index)
	assert.Equal(t, "p:ns=2;s=Vector", elem.ArrayParentID)
	assert.Equal(t, "ns=2;s=Vector", elem.NodeID)
	assert.Equal(t, []string{"p:ns=2;s=Vector[0]", "p:ns=2;s=Vector[1]", "p:ns=2;s=Vector[2]"}, res.ArrayChildren["p:ns=2;s=Vector"])

	for _, o := range res.Objects {
		if o.ID == "p:ns=2;s=Line1" {
			assert.True(t, o.EmitsEvents)
			assert.Equal(t, "first line", o.Description)
			assert.Empty(t, o.ParentID)
		}
	}
}

func TestNodeSourceSkipsArraysWithoutExpansion(t *testing.T) {
	src := NewNodeSource(plant(), Config{}, checksum.Policy{}, nil)
	res, err := src.Browse(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ns=2;s=Speed", "ns=2;s=Status"}, ids(res.Variables))
	assert.Empty(t, res.ArrayChildren)
}

func TestNodeSourceKnownAfterCommit(t *testing.T) {
	f := plant()
	src := NewNodeSource(f, Config{}, checksum.Policy{Metadata: true}, nil)
	ctx := context.Background()

	first, err := src.Browse(ctx)
	require.NoError(t, err)
	src.Commit(first)

	second, err := src.Browse(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Objects)
	assert.Empty(t, second.Variables)
	assert.Len(t, second.KnownObjects, 2)
	assert.Len(t, second.KnownVariables, 2)

	// a property value change makes only its owner dirty
	f.attrs["ns=2;s=Speed.EU"] = ports.Attributes{DataTypeID: "i=12", ValueRank: -1, Value: "rad/s"}
	third, err := src.Browse(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns=2;s=Speed"}, ids(third.Variables))
	assert.Len(t, third.KnownVariables, 1)

	src.Forget()
	fourth, err := src.Browse(ctx)
	require.NoError(t, err)
	assert.Len(t, fourth.Variables, 2)
}

func TestNodeSourcePartialBrowse(t *testing.T) {
	src := NewNodeSource(plant(), Config{}, checksum.Policy{}, nil)
	res, err := src.BrowseFrom(context.Background(), []string{"ns=2;s=Line2"})
	require.NoError(t, err)
	assert.False(t, res.IsFullResult)
	assert.Equal(t, []string{"ns=2;s=Status"}, ids(res.Variables))
	assert.Empty(t, res.Objects)
}

func TestNodeSourceMirrorsReferences(t *testing.T) {
	f := plant()
	f.nonHier["ns=2;s=Line1"] = []domain.ReferenceDescription{
		{NodeID: "ns=2;s=Line2", ReferenceTypeID: "i=41", IsForward: true},
		// targets outside the extracted set are dropped
		{NodeID: "ns=2;s=Elsewhere", ReferenceTypeID: "i=41", IsForward: true},
	}
	f.nonHier["ns=2;s=Line2"] = []domain.ReferenceDescription{
		{NodeID: "ns=2;s=Line1", ReferenceTypeID: "i=41", IsForward: false},
	}
	src := NewNodeSource(f, Config{References: true}, checksum.Policy{}, nil)
	ctx := context.Background()

	res, err := src.Browse(ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(res.References))
	for _, r := range res.References {
		keys = append(keys, r.Key().String())
	}
	assert.ElementsMatch(t, []string{
		"ns=2;s=Line1|ns=2;s=Line2|i=41|f",
		"ns=2;s=Line2|ns=2;s=Line1|i=41|i",
	}, keys)

	src.Commit(res)
	again, err := src.Browse(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.References)
	assert.Len(t, again.KnownReferences, 2)
}

func TestNodeSourceFullCommitForgetsVanished(t *testing.T) {
	f := plant()
	src := NewNodeSource(f, Config{}, checksum.Policy{}, nil)
	ctx := context.Background()

	first, err := src.Browse(ctx)
	require.NoError(t, err)
	src.Commit(first)

	status := f.tree["ns=2;s=Line2"]
	delete(f.tree, "ns=2;s=Line2")
	gone, err := src.Browse(ctx)
	require.NoError(t, err)
	src.Commit(gone)

	f.tree["ns=2;s=Line2"] = status
	back, err := src.Browse(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns=2;s=Status"}, ids(back.Variables))
}
