package dissector

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/proto"
)

// DefaultMaxDepth bounds nested dissector calls per frame.
const DefaultMaxDepth = 64

// Registry holds every dissector handle and table. It is populated at startup
// and read-only afterwards.
type Registry struct {
	fields   *proto.Registry
	maxDepth int

	mu      sync.RWMutex
	handles map[string]*Handle
	tables  map[string]*Table

	data *dataDissector
}

// NewRegistry returns a registry bound to the field registry, with the raw-data
// fallback dissector pre-registered.
func NewRegistry(fields *proto.Registry, maxDepth int) *Registry {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	r := &Registry{
		fields:   fields,
		maxDepth: maxDepth,
		handles:  make(map[string]*Handle),
		tables:   make(map[string]*Table),
	}
	r.data = newDataDissector(fields)
	r.Register(r.data.handle)
	return r
}

// Fields returns the field registry.
func (r *Registry) Fields() *proto.Registry { return r.fields }

// MaxDepth returns the recursion limit.
func (r *Registry) MaxDepth() int { return r.maxDepth }

// Register adds h under its name, replacing an earlier handle of the same name.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.name] = h
}

// Lookup finds a handle by name.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// Handles lists every handle sorted by name.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Data returns the raw-data fallback handle.
func (r *Registry) Data() *Handle { return r.data.handle }

// CreateTable creates a dissector table. Creating an existing table with the same
// key kind returns it; a different key kind is an error.
func (r *Registry) CreateTable(name, uiName string, kind KeyKind) (*Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[name]; ok {
		if t.kind != kind {
			return nil, fmt.Errorf("table %q is keyed by %s: %w", name, t.kind, core.ErrTableKeyKind)
		}
		return t, nil
	}
	t := newTable(name, uiName, kind)
	r.tables[name] = t
	return t, nil
}

// Table returns the table called name.
func (r *Registry) Table(name string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", name, core.ErrUnknownTable)
	}
	return t, nil
}

func (r *Registry) tableOf(name string, kind KeyKind) (*Table, error) {
	t, err := r.Table(name)
	if err != nil {
		return nil, err
	}
	if t.kind != kind {
		return nil, fmt.Errorf("table %q is keyed by %s, not %s: %w", name, t.kind, kind, core.ErrTableKeyKind)
	}
	return t, nil
}

// Tables lists every table sorted by name.
func (r *Registry) Tables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SetUint maps key to h in table; a later registration for the same key wins.
func (r *Registry) SetUint(table string, key uint64, h *Handle) error {
	t, err := r.tableOf(table, KeyUint)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uints[key] = h
	return nil
}

// SetString maps key to h in table; a later registration for the same key wins.
func (r *Registry) SetString(table, key string, h *Handle) error {
	t, err := r.tableOf(table, KeyString)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.strs[key] = h
	return nil
}

// DeleteUint removes key from table.
func (r *Registry) DeleteUint(table string, key uint64) error {
	t, err := r.tableOf(table, KeyUint)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.uints, key)
	return nil
}

// DeleteString removes key from table.
func (r *Registry) DeleteString(table, key string) error {
	t, err := r.tableOf(table, KeyString)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.strs, key)
	return nil
}

// AddHeuristic appends h to the heuristic list of table. Heuristics run in
// registration order and the first one to accept wins. Re-adding a short name
// replaces the entry in place.
func (r *Registry) AddHeuristic(table, shortName string, h *Handle, enabled bool) error {
	t, err := r.Table(table)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.heuristics {
		if e.ShortName == shortName {
			e.Handle, e.Enabled = h, enabled
			return nil
		}
	}
	t.heuristics = append(t.heuristics, &Heuristic{ShortName: shortName, Handle: h, Enabled: enabled})
	return nil
}

// EnableHeuristic switches a heuristic on or off.
func (r *Registry) EnableHeuristic(table, shortName string, enabled bool) error {
	t, err := r.Table(table)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.heuristics {
		if e.ShortName == shortName {
			e.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("heuristic %q in table %q: %w", shortName, table, core.ErrUnknownDissector)
}
