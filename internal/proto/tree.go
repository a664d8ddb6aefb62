package proto

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
)

// Encoding tells AddField how to interpret the bytes of a field.
type Encoding uint8

const (
	EncNA Encoding = iota
	EncBigEndian
	EncLittleEndian
)

func (e Encoding) order() binary.ByteOrder {
	if e == EncLittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Flags mark tree nodes.
type Flags uint8

const (
	FlagGenerated Flags = 1 << iota // value computed, not read from the packet
	FlagHidden
	FlagMalformed // node (or a descendant layer) hit malformed data
)

// Handle references a node of a Tree. It is valid only for the arena generation it
// was created in; using it after Reset is rejected with core.ErrStaleHandle.
type Handle struct {
	index int32
	gen   uint32
}

// IsValid reports whether h was ever issued by a tree.
func (h Handle) IsValid() bool { return h.gen != 0 }

const none = int32(-1)

type node struct {
	field      FieldID
	label      string
	suffix     string
	source     *buffer.Source
	offset     int // offset within source
	length     int
	value      Value
	flags      Flags
	parent     int32
	firstChild int32
	lastChild  int32
	next       int32
}

// Node is a read-only snapshot of one tree node.
type Node struct {
	Handle Handle
	Field  FieldDef
	Label  string
	Source *buffer.Source
	Offset int // offset within Source
	Length int
	Value  Value
	Flags  Flags
}

// Text renders the node the way a detail pane shows it.
func (n Node) Text() string {
	var b strings.Builder
	switch {
	case n.Label != "":
		b.WriteString(n.Label)
	case n.Field.Type == TypeProtocol, n.Field.Type == TypeNone && n.Value == nil:
		b.WriteString(n.Field.Name)
	default:
		b.WriteString(n.Field.Name)
		b.WriteString(": ")
		b.WriteString(Format(n.Field, n.Value))
	}
	if n.Flags&FlagGenerated != 0 {
		return "[" + b.String() + "]"
	}
	return b.String()
}

// Tree is the per-packet protocol tree. Nodes are stored in a slice arena that is
// truncated by Reset, so a Tree can be reused for every packet of a pass.
type Tree struct {
	fields     *Registry
	nodes      []node
	gen        uint32
	err        error
	malformed  int
	violations []Handle
}

// NewTree returns an empty tree with a root node.
func NewTree(fields *Registry) *Tree {
	t := &Tree{fields: fields, nodes: make([]node, 0, 64)}
	t.Reset()
	return t
}

// Reset discards all nodes, invalidating every outstanding handle.
func (t *Tree) Reset() {
	t.gen++
	if t.gen == 0 {
		t.gen = 1
	}
	t.nodes = t.nodes[:0]
	t.err = nil
	t.malformed = 0
	t.violations = t.violations[:0]
	t.nodes = append(t.nodes, node{parent: none, firstChild: none, lastChild: none, next: none, length: -1})
}

// Root returns the handle of the root node.
func (t *Tree) Root() Handle { return Handle{index: 0, gen: t.gen} }

// Generation returns the current arena generation.
func (t *Tree) Generation() uint32 { return t.gen }

// Len returns the number of nodes including the root.
func (t *Tree) Len() int { return len(t.nodes) }

// Fields returns the registry the tree decodes against.
func (t *Tree) Fields() *Registry { return t.fields }

// Err returns the first misuse recorded since Reset (stale handle, unknown field).
func (t *Tree) Err() error { return t.err }

// MalformedCount returns how many malformed markers were added since Reset.
func (t *Tree) MalformedCount() int { return t.malformed }

// RangeViolations returns nodes whose byte range lies outside their parent's range
// on the same data source.
func (t *Tree) RangeViolations() []Handle { return t.violations }

func (t *Tree) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *Tree) resolve(h Handle) (int32, bool) {
	if h.gen != t.gen || h.index < 0 || int(h.index) >= len(t.nodes) {
		t.fail(fmt.Errorf("handle %d/%d in generation %d: %w", h.index, h.gen, t.gen, core.ErrStaleHandle))
		return none, false
	}
	return h.index, true
}

func (t *Tree) add(parent Handle, n node) Handle {
	p, ok := t.resolve(parent)
	if !ok {
		return Handle{}
	}
	n.parent = p
	n.firstChild, n.lastChild, n.next = none, none, none
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, n)

	pn := &t.nodes[p]
	if pn.lastChild == none {
		pn.firstChild = idx
	} else {
		t.nodes[pn.lastChild].next = idx
	}
	pn.lastChild = idx

	h := Handle{index: idx, gen: t.gen}
	if n.source != nil && pn.source == n.source && pn.length >= 0 {
		if n.offset < pn.offset || n.offset+n.length > pn.offset+pn.length {
			t.violations = append(t.violations, h)
		}
	}
	return h
}

func (t *Tree) def(id FieldID) (FieldDef, bool) {
	def, ok := t.fields.Get(id)
	if !ok {
		t.fail(fmt.Errorf("field id %d: %w", id, core.ErrUnknownField))
	}
	return def, ok
}

func span(buf *buffer.Buffer, off, n int) (*buffer.Source, int, int) {
	if buf == nil {
		return nil, 0, -1
	}
	if n < 0 {
		n = buf.CapturedLength() - off
	}
	if off > buf.CapturedLength() {
		off = buf.CapturedLength()
	}
	if n < 0 || off+n > buf.CapturedLength() {
		n = buf.CapturedLength() - off
	}
	return buf.Source(), buf.SourceOffset(off), n
}

// AddField reads n bytes at off, decodes them according to the field's type and
// adds the result under parent. n < 0 means "to the end of the buffer"; n == 0 on
// a fixed-width type uses the type's width.
//
// If the bytes are not available the node is still added, flagged malformed and
// clipped to what was captured, and the bounds error is returned so the caller
// (or the dispatch boundary) stops parsing this layer.
func (t *Tree) AddField(parent Handle, id FieldID, buf *buffer.Buffer, off, n int, enc Encoding) (Handle, error) {
	def, ok := t.def(id)
	if !ok {
		return Handle{}, t.err
	}
	if n == 0 {
		n = def.Type.width()
	}
	if n < 0 {
		rest, err := buf.Remaining(off)
		if err != nil {
			return t.addTruncated(parent, def, buf, off, n), err
		}
		n = rest
	}
	p, err := buf.Bytes(off, n)
	if err != nil {
		return t.addTruncated(parent, def, buf, off, n), err
	}
	src, soff, slen := span(buf, off, n)
	return t.add(parent, node{
		field:  id,
		source: src,
		offset: soff,
		length: slen,
		value:  decode(def, p, enc),
	}), nil
}

func (t *Tree) addTruncated(parent Handle, def FieldDef, buf *buffer.Buffer, off, n int) Handle {
	src, soff, slen := span(buf, off, n)
	return t.add(parent, node{
		field:  def.ID,
		label:  def.Name + " [truncated]",
		source: src,
		offset: soff,
		length: slen,
		flags:  FlagMalformed,
	})
}

func decode(def FieldDef, p []byte, enc Encoding) Value {
	switch def.Type {
	case TypeNone, TypeProtocol:
		return nil
	case TypeBool, TypeUint8, TypeUint16, TypeUint24, TypeUint32, TypeUint64, TypeFrameNum:
		v := readUint(p, enc)
		if def.Bitmask != 0 {
			v = applyMask(v, def.Bitmask)
		}
		if def.Type == TypeBool {
			return BoolValue(v != 0)
		}
		return UintValue(v)
	case TypeInt8, TypeInt16, TypeInt32:
		v := readUint(p, enc)
		shift := 64 - 8*uint(len(p))
		return IntValue(int64(v<<shift) >> shift)
	case TypeString:
		return StringValue(strings.TrimRight(string(p), "\x00"))
	case TypeIPv4, TypeIPv6, TypeEther:
		return addrValue(def.Type, p)
	case TypeAbsTime:
		order := enc.order()
		switch len(p) {
		case 4:
			return TimeValue(time.Unix(int64(order.Uint32(p)), 0))
		case 8:
			return TimeValue(time.Unix(int64(order.Uint32(p[:4])), int64(order.Uint32(p[4:]))))
		}
		return BytesValue(p)
	default:
		return BytesValue(p)
	}
}

func readUint(p []byte, enc Encoding) uint64 {
	var v uint64
	if enc == EncLittleEndian {
		for i := len(p) - 1; i >= 0; i-- {
			v = v<<8 | uint64(p[i])
		}
		return v
	}
	for _, c := range p {
		v = v<<8 | uint64(c)
	}
	return v
}

func applyMask(v, mask uint64) uint64 {
	v &= mask
	for mask&1 == 0 {
		mask >>= 1
		v >>= 1
	}
	return v
}

// AddValue adds a field whose value the dissector computed itself, covering n bytes
// at off in buf.
func (t *Tree) AddValue(parent Handle, id FieldID, buf *buffer.Buffer, off, n int, v Value) Handle {
	if _, ok := t.def(id); !ok {
		return Handle{}
	}
	src, soff, slen := span(buf, off, n)
	return t.add(parent, node{field: id, source: src, offset: soff, length: slen, value: v})
}

// AddGenerated adds a computed field with no byte range, such as a link to the
// matching request frame.
func (t *Tree) AddGenerated(parent Handle, id FieldID, v Value) Handle {
	if _, ok := t.def(id); !ok {
		return Handle{}
	}
	return t.add(parent, node{field: id, value: v, length: -1, flags: FlagGenerated})
}

// AddProtocol adds a protocol layer node covering n bytes at off (n < 0: to the end).
func (t *Tree) AddProtocol(parent Handle, id FieldID, buf *buffer.Buffer, off, n int) Handle {
	if _, ok := t.def(id); !ok {
		return Handle{}
	}
	src, soff, slen := span(buf, off, n)
	return t.add(parent, node{field: id, source: src, offset: soff, length: slen})
}

// AddSubtree adds a grouping node labelled label. buf may be nil for a subtree
// without byte-range semantics.
func (t *Tree) AddSubtree(parent Handle, label string, buf *buffer.Buffer, off, n int) Handle {
	src, soff, slen := span(buf, off, n)
	return t.add(parent, node{field: t.fields.TextID(), label: label, source: src, offset: soff, length: slen})
}

// AddText adds a text-only node.
func (t *Tree) AddText(parent Handle, text string) Handle {
	return t.add(parent, node{field: t.fields.TextID(), label: text, length: -1})
}

// MarkMalformed adds a malformed marker under parent describing err and flags
// parent and its ancestors.
func (t *Tree) MarkMalformed(parent Handle, err error) Handle {
	p, ok := t.resolve(parent)
	if !ok {
		return Handle{}
	}
	t.malformed++
	for i := p; i != none; i = t.nodes[i].parent {
		t.nodes[i].flags |= FlagMalformed
	}
	label := "[Malformed Packet]"
	if def, ok := t.fields.Get(t.nodes[p].field); ok && def.Type == TypeProtocol {
		label = fmt.Sprintf("[Malformed Packet: %s]", def.Name)
	}
	return t.add(parent, node{
		field:  t.fields.MalformedID(),
		label:  label,
		value:  StringValue(err.Error()),
		flags:  FlagMalformed,
		length: -1,
	})
}

// SetLength changes the byte length of h, e.g. once a protocol's header length is known.
func (t *Tree) SetLength(h Handle, n int) {
	if i, ok := t.resolve(h); ok {
		t.nodes[i].length = n
	}
}

// AppendLabel appends text to the node's rendered label.
func (t *Tree) AppendLabel(h Handle, text string) {
	if i, ok := t.resolve(h); ok {
		t.nodes[i].suffix += text
	}
}

// SetFlags ORs flags into the node.
func (t *Tree) SetFlags(h Handle, f Flags) {
	if i, ok := t.resolve(h); ok {
		t.nodes[i].flags |= f
	}
}

// Node returns a snapshot of h.
func (t *Tree) Node(h Handle) (Node, error) {
	i, ok := t.resolve(h)
	if !ok {
		return Node{}, fmt.Errorf("node lookup: %w", core.ErrStaleHandle)
	}
	n := t.nodes[i]
	def, _ := t.fields.Get(n.field)
	out := Node{
		Handle: h,
		Field:  def,
		Label:  n.label,
		Source: n.source,
		Offset: n.offset,
		Length: n.length,
		Value:  n.value,
		Flags:  n.flags,
	}
	if n.suffix != "" {
		if out.Label == "" && def.Type == TypeProtocol {
			out.Label = def.Name
		} else if out.Label == "" {
			out.Label = def.Name + ": " + Format(def, n.value)
		}
		out.Label += n.suffix
	}
	return out, nil
}

// Parent returns the parent of h; the root has no parent.
func (t *Tree) Parent(h Handle) (Handle, bool) {
	i, ok := t.resolve(h)
	if !ok || t.nodes[i].parent == none {
		return Handle{}, false
	}
	return Handle{index: t.nodes[i].parent, gen: t.gen}, true
}

// Children returns the direct children of h in insertion order.
func (t *Tree) Children(h Handle) []Handle {
	i, ok := t.resolve(h)
	if !ok {
		return nil
	}
	var out []Handle
	for c := t.nodes[i].firstChild; c != none; c = t.nodes[c].next {
		out = append(out, Handle{index: c, gen: t.gen})
	}
	return out
}

// Walk visits every node below the root depth-first, pre-order. Returning false
// from fn skips the node's children.
func (t *Tree) Walk(fn func(h Handle, depth int) bool) {
	var visit func(i int32, depth int)
	visit = func(i int32, depth int) {
		for c := t.nodes[i].firstChild; c != none; c = t.nodes[c].next {
			if fn(Handle{index: c, gen: t.gen}, depth) {
				visit(c, depth+1)
			}
		}
	}
	visit(0, 0)
}

// FindAll returns every node of field id in tree order.
func (t *Tree) FindAll(id FieldID) []Handle {
	var out []Handle
	t.Walk(func(h Handle, _ int) bool {
		if t.nodes[h.index].field == id {
			out = append(out, h)
		}
		return true
	})
	return out
}

// First returns the first node of field id in tree order.
func (t *Tree) First(id FieldID) (Handle, bool) {
	all := t.FindAll(id)
	if len(all) == 0 {
		return Handle{}, false
	}
	return all[0], true
}

// FirstByAbbrev is First keyed by filter name.
func (t *Tree) FirstByAbbrev(abbrev string) (Node, bool) {
	def, ok := t.fields.ByAbbrev(abbrev)
	if !ok {
		return Node{}, false
	}
	h, ok := t.First(def.ID)
	if !ok {
		return Node{}, false
	}
	n, err := t.Node(h)
	return n, err == nil
}
