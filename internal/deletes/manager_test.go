package deletes

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/aegisbridge/internal/checksum"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/statestore"
)

var allTables = Config{
	ObjectsTable:    "known_objects",
	VariablesTable:  "known_variables",
	ReferencesTable: "known_references",
}

func obj(id string) *domain.Node {
	return &domain.Node{ID: id, NodeID: id, DisplayName: id, NodeClass: domain.NodeClassObject}
}

func variable(id string) *domain.Variable {
	return domain.NewVariable(id, id, id)
}

func ref(s, t string) *domain.Reference {
	return &domain.Reference{
		Source:    domain.Vertex{ID: s},
		Target:    domain.Vertex{ID: t, IsVariable: true},
		Type:      domain.ReferenceType{ID: "i=47"},
		IsForward: true,
	}
}

func seed(t *testing.T, store ports.StateStore, table string, ids ...string) {
	t.Helper()
	rows := make(map[string]statestore.KnownEntity, len(ids))
	for _, id := range ids {
		rows[id] = statestore.KnownEntity{}
	}
	require.NoError(t, statestore.StoreAll(context.Background(), store, table, rows))
}

func keys(t *testing.T, store *statestore.Memory, table string) []string {
	t.Helper()
	k := store.Keys(table)
	sort.Strings(k)
	return k
}

func TestFullResultDiffConverges(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	seed(t, store, "known_objects", "obj1", "obj2")
	m := NewManager(store, allTables)

	res := &domain.NodeSourceResult{Objects: []*domain.Node{obj("obj2")}, IsFullResult: true}
	diff, err := m.GetDiffAndStoreIDs(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, []string{"obj1"}, diff.Objects)
	assert.Equal(t, []string{"obj2"}, keys(t, store, "known_objects"))

	diff, err = m.GetDiffAndStoreIDs(ctx, res)
	require.NoError(t, err)
	assert.Empty(t, diff.Objects)
}

func TestPartialResultNeverDeletes(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	seed(t, store, "known_objects", "obj1", "obj2")
	seed(t, store, "known_variables", "var1", "var2")
	seed(t, store, "known_references", ref("obj1", "var1").Key().String())
	m := NewManager(store, allTables)

	diff, err := m.GetDiffAndStoreIDs(ctx, &domain.NodeSourceResult{
		Objects:      []*domain.Node{obj("obj3")},
		IsFullResult: false,
	})
	require.NoError(t, err)
	assert.True(t, diff.Empty())

	// observed ids are added, nothing is removed
	assert.Equal(t, []string{"obj1", "obj2", "obj3"}, keys(t, store, "known_objects"))
	assert.Equal(t, []string{"var1", "var2"}, keys(t, store, "known_variables"))
}

func TestFullResultAllClasses(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	keep := ref("obj1", "var1")
	drop := ref("obj1", "var2")
	seed(t, store, "known_objects", "obj1", "obj2")
	seed(t, store, "known_variables", "var1", "var2")
	seed(t, store, "known_references", keep.Key().String(), drop.Key().String())
	m := NewManager(store, allTables)

	diff, err := m.GetDiffAndStoreIDs(ctx, &domain.NodeSourceResult{
		KnownObjects:    []*domain.Node{obj("obj1")},
		Variables:       []*domain.Variable{variable("var1")},
		KnownReferences: []*domain.Reference{keep},
		IsFullResult:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"obj2"}, diff.Objects)
	assert.Equal(t, []string{"var2"}, diff.Variables)
	assert.Equal(t, []string{drop.Key().String()}, diff.References)
}

func TestReferenceIdentityIsByValue(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	seed(t, store, "known_references", ref("a", "b").Key().String())
	m := NewManager(store, allTables)

	// a distinct pointer with identical fields is the same reference
	diff, err := m.GetDiffAndStoreIDs(ctx, &domain.NodeSourceResult{
		References:   []*domain.Reference{ref("a", "b")},
		IsFullResult: true,
	})
	require.NoError(t, err)
	assert.Empty(t, diff.References)

	inverse := ref("a", "b")
	inverse.IsForward = false
	diff, err = m.GetDiffAndStoreIDs(ctx, &domain.NodeSourceResult{
		References:   []*domain.Reference{inverse},
		IsFullResult: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ref("a", "b").Key().String()}, diff.References)
}

func TestUnconfiguredClassIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	seed(t, store, "known_objects", "obj1")
	seed(t, store, "known_variables", "var1")
	m := NewManager(store, Config{VariablesTable: "known_variables"})

	diff, err := m.GetDiffAndStoreIDs(ctx, &domain.NodeSourceResult{IsFullResult: true})
	require.NoError(t, err)
	assert.Empty(t, diff.Objects)
	assert.Equal(t, []string{"var1"}, diff.Variables)
	assert.Equal(t, []string{"obj1"}, keys(t, store, "known_objects"))
}

func TestMissingTableLenientAndStrict(t *testing.T) {
	ctx := context.Background()
	res := &domain.NodeSourceResult{Objects: []*domain.Node{obj("obj1")}, IsFullResult: true}

	store := statestore.NewMemory()
	diff, err := NewManager(store, allTables).GetDiffAndStoreIDs(ctx, res)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
	assert.Equal(t, []string{"obj1"}, keys(t, store, "known_objects"))

	strict := allTables
	strict.StrictTables = true
	_, err = NewManager(statestore.NewMemory(), strict).GetDiffAndStoreIDs(ctx, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrTableNotFound))
}

func TestSingleReplacePerClass(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	m := NewManager(store, allTables)

	_, err := m.GetDiffAndStoreIDs(ctx, &domain.NodeSourceResult{IsFullResult: true})
	require.NoError(t, err)
	assert.Equal(t, 3, store.Replaces)
}

func TestChecksumsArePersisted(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	pol := checksum.Policy{Name: true}
	m := NewManager(store, allTables, WithChecksummer(func(e domain.Entity) string {
		return checksum.String(checksum.Checksum(e, pol))
	}))

	o := obj("obj1")
	_, err := m.GetDiffAndStoreIDs(ctx, &domain.NodeSourceResult{Objects: []*domain.Node{o}, IsFullResult: true})
	require.NoError(t, err)

	rows, err := statestore.GetAll[statestore.KnownEntity](ctx, store, "known_objects")
	require.NoError(t, err)
	assert.Equal(t, checksum.String(checksum.Checksum(o, pol)), rows["obj1"].Checksum)
}

type failingStore struct {
	*statestore.Memory
}

func (f failingStore) Load(context.Context, string) (map[string][]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestOtherLoadErrorsPropagate(t *testing.T) {
	m := NewManager(failingStore{statestore.NewMemory()}, allTables)
	_, err := m.GetDiffAndStoreIDs(context.Background(), &domain.NodeSourceResult{IsFullResult: true})
	require.Error(t, err)
}
