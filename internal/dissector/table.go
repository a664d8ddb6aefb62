package dissector

import (
	"sort"
	"sync"
)

// KeyKind is the key type of a dissector table.
type KeyKind uint8

const (
	KeyUint KeyKind = iota
	KeyString
)

func (k KeyKind) String() string {
	if k == KeyString {
		return "string"
	}
	return "uint"
}

// Heuristic is one entry of a table's heuristic list.
type Heuristic struct {
	ShortName string
	Handle    *Handle
	Enabled   bool
}

// Table maps keys (ports, EtherTypes, protocol numbers) to dissectors, with an
// ordered heuristic list tried when no key matches.
type Table struct {
	name   string
	uiName string
	kind   KeyKind

	mu         sync.RWMutex
	uints      map[uint64]*Handle
	strs       map[string]*Handle
	heuristics []*Heuristic
}

func newTable(name, uiName string, kind KeyKind) *Table {
	return &Table{
		name:   name,
		uiName: uiName,
		kind:   kind,
		uints:  make(map[uint64]*Handle),
		strs:   make(map[string]*Handle),
	}
}

func (t *Table) Name() string     { return t.name }
func (t *Table) UIName() string   { return t.uiName }
func (t *Table) KeyKind() KeyKind { return t.kind }

// UintEntries lists the integer keys in ascending order.
func (t *Table) UintEntries() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]uint64, 0, len(t.uints))
	for k := range t.uints {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// StringEntries lists the string keys in ascending order.
func (t *Table) StringEntries() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.strs))
	for k := range t.strs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LookupUint returns the handle registered for key.
func (t *Table) LookupUint(key uint64) (*Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.uints[key]
	return h, ok
}

// LookupString returns the handle registered for key.
func (t *Table) LookupString(key string) (*Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.strs[key]
	return h, ok
}

// Heuristics returns a copy of the heuristic list in registration order.
func (t *Table) Heuristics() []Heuristic {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Heuristic, len(t.heuristics))
	for i, h := range t.heuristics {
		out[i] = *h
	}
	return out
}

func (t *Table) enabledHeuristics() []*Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Handle
	for _, h := range t.heuristics {
		if h.Enabled {
			out = append(out, h.Handle)
		}
	}
	return out
}
