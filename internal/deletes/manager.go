// Package deletes reconciles observed entities against the persisted
// known-entity tables and reports what disappeared.
package deletes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/statestore"
)

// Config names the known-entity table per class. An empty name disables
// tracking for that class.
type Config struct {
	ObjectsTable    string `yaml:"known_objects"`
	VariablesTable  string `yaml:"known_variables"`
	ReferencesTable string `yaml:"known_references"`
	// StrictTables turns a missing table into an error instead of an empty set.
	StrictTables bool `yaml:"strict_tables"`
}

// Enabled reports whether any class is tracked.
func (c Config) Enabled() bool {
	return c.ObjectsTable != "" || c.VariablesTable != "" || c.ReferencesTable != ""
}

// Checksummer supplies the checksum stored alongside each known id.
type Checksummer func(domain.Entity) string

// Manager computes deletions. Calls are serialized.
type Manager struct {
	mu    sync.Mutex
	store ports.StateStore
	cfg   Config
	sum   Checksummer
	obs   ports.Observability
}

type Option func(*Manager)

// WithChecksummer stores a checksum per known object and variable.
func WithChecksummer(fn Checksummer) Option {
	return func(m *Manager) { m.sum = fn }
}

func WithObservability(obs ports.Observability) Option {
	return func(m *Manager) { m.obs = obs }
}

func NewManager(store ports.StateStore, cfg Config, opts ...Option) *Manager {
	m := &Manager{store: store, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetDiffAndStoreIDs returns the ids known from earlier runs that are absent
// from result, and persists the observed set. A partial result never yields
// deletions; its observed ids are only added to the known tables.
func (m *Manager) GetDiffAndStoreIDs(ctx context.Context, result *domain.NodeSourceResult) (domain.DeleteResult, error) {
	var diff domain.DeleteResult
	if result == nil || m.store == nil {
		return diff, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	objects := m.entityRows(result.Objects, result.KnownObjects)
	variables := m.variableRows(result.Variables, result.KnownVariables)
	refs := make(map[string]statestore.KnownEntity, len(result.References)+len(result.KnownReferences))
	for _, k := range result.ObservedReferenceKeys() {
		refs[k] = statestore.KnownEntity{}
	}

	var err error
	if diff.Objects, err = m.reconcile(ctx, m.cfg.ObjectsTable, objects, result.IsFullResult); err != nil {
		return domain.DeleteResult{}, err
	}
	if diff.Variables, err = m.reconcile(ctx, m.cfg.VariablesTable, variables, result.IsFullResult); err != nil {
		return domain.DeleteResult{}, err
	}
	if diff.References, err = m.reconcile(ctx, m.cfg.ReferencesTable, refs, result.IsFullResult); err != nil {
		return domain.DeleteResult{}, err
	}

	if !diff.Empty() && m.obs != nil {
		m.obs.LogInfo("deletes_detected",
			ports.Field{Key: "objects", Value: len(diff.Objects)},
			ports.Field{Key: "variables", Value: len(diff.Variables)},
			ports.Field{Key: "references", Value: len(diff.References)})
	}
	return diff, nil
}

func (m *Manager) reconcile(ctx context.Context, table string, observed map[string]statestore.KnownEntity, full bool) ([]string, error) {
	if table == "" {
		return nil, nil
	}
	if !full {
		if err := statestore.StoreAll(ctx, m.store, table, observed); err != nil {
			return nil, fmt.Errorf("store observed ids in %s: %w", table, err)
		}
		return nil, nil
	}

	known, err := statestore.GetAll[statestore.KnownEntity](ctx, m.store, table)
	if err != nil {
		if !errors.Is(err, ports.ErrTableNotFound) || m.cfg.StrictTables {
			return nil, fmt.Errorf("load known ids from %s: %w", table, err)
		}
		if m.obs != nil {
			m.obs.LogDebug("known_table_missing", ports.Field{Key: "table", Value: table})
		}
		known = nil
	}

	var missing []string
	for id := range known {
		if _, ok := observed[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	if err := statestore.ReplaceAll(ctx, m.store, table, observed); err != nil {
		return nil, fmt.Errorf("replace known ids in %s: %w", table, err)
	}
	return missing, nil
}

func (m *Manager) entityRows(fresh, known []*domain.Node) map[string]statestore.KnownEntity {
	out := make(map[string]statestore.KnownEntity, len(fresh)+len(known))
	for _, list := range [][]*domain.Node{fresh, known} {
		for _, n := range list {
			out[n.ID] = statestore.KnownEntity{Checksum: m.checksum(n)}
		}
	}
	return out
}

func (m *Manager) variableRows(fresh, known []*domain.Variable) map[string]statestore.KnownEntity {
	out := make(map[string]statestore.KnownEntity, len(fresh)+len(known))
	for _, list := range [][]*domain.Variable{fresh, known} {
		for _, v := range list {
			out[v.ID] = statestore.KnownEntity{Checksum: m.checksum(v)}
		}
	}
	return out
}

func (m *Manager) checksum(e domain.Entity) string {
	if m.sum == nil {
		return ""
	}
	return m.sum(e)
}
