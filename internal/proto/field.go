// Package proto implements the field registry, the per-packet protocol tree and the
// summary columns that dissectors write into.
package proto

import (
	"fmt"
	"sync"

	"firestige.xyz/dissect/internal/core"
)

// FieldType is the registered type of a field; it selects how AddField decodes bytes.
type FieldType uint8

const (
	TypeNone FieldType = iota // text or subtree label, no value
	TypeProtocol
	TypeBool
	TypeUint8
	TypeUint16
	TypeUint24
	TypeUint32
	TypeUint64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeString
	TypeBytes
	TypeIPv4
	TypeIPv6
	TypeEther
	TypeAbsTime
	TypeRelTime
	TypeFrameNum
)

var typeNames = map[FieldType]string{
	TypeNone:     "none",
	TypeProtocol: "protocol",
	TypeBool:     "bool",
	TypeUint8:    "uint8",
	TypeUint16:   "uint16",
	TypeUint24:   "uint24",
	TypeUint32:   "uint32",
	TypeUint64:   "uint64",
	TypeInt8:     "int8",
	TypeInt16:    "int16",
	TypeInt32:    "int32",
	TypeString:   "string",
	TypeBytes:    "bytes",
	TypeIPv4:     "ipv4",
	TypeIPv6:     "ipv6",
	TypeEther:    "ether",
	TypeAbsTime:  "abs_time",
	TypeRelTime:  "rel_time",
	TypeFrameNum: "framenum",
}

func (t FieldType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// width returns the fixed byte width of integer types, or 0.
func (t FieldType) width() int {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint24:
		return 3
	case TypeUint32, TypeInt32, TypeFrameNum:
		return 4
	case TypeUint64:
		return 8
	case TypeIPv4:
		return 4
	case TypeIPv6:
		return 16
	case TypeEther:
		return 6
	}
	return 0
}

// Display selects how integer values are rendered.
type Display uint8

const (
	DisplayDec Display = iota
	DisplayHex
	DisplayDecHex
)

// FieldID identifies a registered field. The zero value is never assigned.
type FieldID int32

// FieldDef describes a field. Abbrev is the unique filter name ("ip.src").
type FieldDef struct {
	ID      FieldID
	Abbrev  string
	Name    string
	Type    FieldType
	Display Display
	Strings map[uint64]string // value → name, for enumerated integers
	Bitmask uint64            // applied (and shifted) before storing integer values
	Parent  string            // protocol abbrev this field belongs to
}

// Registry holds every field definition. Registration happens once at startup;
// afterwards the registry is read-only.
type Registry struct {
	mu       sync.RWMutex
	defs     []FieldDef // index = FieldID - 1
	byAbbrev map[string]FieldID
}

// NewRegistry returns a registry pre-populated with the runtime's own fields.
func NewRegistry() *Registry {
	r := &Registry{byAbbrev: make(map[string]FieldID)}
	r.MustRegister(FieldDef{Abbrev: AbbrevMalformed, Name: "Malformed Packet", Type: TypeString})
	r.MustRegister(FieldDef{Abbrev: AbbrevText, Name: "Text", Type: TypeNone})
	return r
}

// Runtime field abbreviations.
const (
	AbbrevMalformed = "_ws.malformed"
	AbbrevText      = "_ws.text"
)

// Register adds a field and returns its id. A duplicate abbreviation is an error
// wrapping core.ErrDuplicateField.
func (r *Registry) Register(def FieldDef) (FieldID, error) {
	if def.Abbrev == "" {
		return 0, fmt.Errorf("field %q has no abbreviation: %w", def.Name, core.ErrInternalInconsistency)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAbbrev[def.Abbrev]; exists {
		return 0, fmt.Errorf("field %q: %w", def.Abbrev, core.ErrDuplicateField)
	}
	def.ID = FieldID(len(r.defs) + 1)
	r.defs = append(r.defs, def)
	r.byAbbrev[def.Abbrev] = def.ID
	return def.ID, nil
}

// MustRegister is Register for startup code; a duplicate is a programming defect and panics.
func (r *Registry) MustRegister(def FieldDef) FieldID {
	id, err := r.Register(def)
	if err != nil {
		panic(err)
	}
	return id
}

// RegisterProtocol registers a protocol-typed field.
func (r *Registry) RegisterProtocol(name, abbrev string) (FieldID, error) {
	return r.Register(FieldDef{Abbrev: abbrev, Name: name, Type: TypeProtocol})
}

// Get returns the definition for id.
func (r *Registry) Get(id FieldID) (FieldDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id <= 0 || int(id) > len(r.defs) {
		return FieldDef{}, false
	}
	return r.defs[id-1], true
}

// ByAbbrev looks a field up by its filter name.
func (r *Registry) ByAbbrev(abbrev string) (FieldDef, bool) {
	r.mu.RLock()
	id, ok := r.byAbbrev[abbrev]
	r.mu.RUnlock()
	if !ok {
		return FieldDef{}, false
	}
	return r.Get(id)
}

// Fields returns a copy of every definition in registration order.
func (r *Registry) Fields() []FieldDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FieldDef, len(r.defs))
	copy(out, r.defs)
	return out
}

// Len returns the number of registered fields.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// MalformedID returns the id of the malformed-marker field.
func (r *Registry) MalformedID() FieldID { return 1 }

// TextID returns the id of the plain text field.
func (r *Registry) TextID() FieldID { return 2 }
