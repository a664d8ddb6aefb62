package proto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
)

type testFields struct {
	reg   *Registry
	proto FieldID
	u8    FieldID
	u16   FieldID
	flag  FieldID
	nibs  FieldID
	str   FieldID
	addr  FieldID
	mac   FieldID
	i16   FieldID
	ts    FieldID
	resp  FieldID
}

func newTestFields(t *testing.T) testFields {
	t.Helper()
	r := NewRegistry()
	f := testFields{reg: r}
	var err error
	f.proto, err = r.RegisterProtocol("Test Protocol", "test")
	require.NoError(t, err)
	f.u8 = r.MustRegister(FieldDef{Abbrev: "test.type", Name: "Type", Type: TypeUint8, Strings: map[uint64]string{8: "Echo"}})
	f.u16 = r.MustRegister(FieldDef{Abbrev: "test.id", Name: "Identifier", Type: TypeUint16, Display: DisplayHex})
	f.flag = r.MustRegister(FieldDef{Abbrev: "test.flag", Name: "Flag", Type: TypeBool, Bitmask: 0x80})
	f.nibs = r.MustRegister(FieldDef{Abbrev: "test.low", Name: "Low", Type: TypeUint8, Bitmask: 0x0f})
	f.str = r.MustRegister(FieldDef{Abbrev: "test.name", Name: "Name", Type: TypeString})
	f.addr = r.MustRegister(FieldDef{Abbrev: "test.addr", Name: "Address", Type: TypeIPv4})
	f.mac = r.MustRegister(FieldDef{Abbrev: "test.mac", Name: "MAC", Type: TypeEther})
	f.i16 = r.MustRegister(FieldDef{Abbrev: "test.delta", Name: "Delta", Type: TypeInt16})
	f.ts = r.MustRegister(FieldDef{Abbrev: "test.time", Name: "Time", Type: TypeAbsTime})
	f.resp = r.MustRegister(FieldDef{Abbrev: "test.response_in", Name: "Response In", Type: TypeFrameNum})
	return f
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(FieldDef{Abbrev: "dup.field", Name: "One", Type: TypeUint8})
	require.NoError(t, err)

	_, err = r.Register(FieldDef{Abbrev: "dup.field", Name: "Two", Type: TypeUint16})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateField))

	assert.Panics(t, func() {
		r.MustRegister(FieldDef{Abbrev: "dup.field", Name: "Three", Type: TypeUint8})
	})
}

func TestRegistry_Enumeration(t *testing.T) {
	f := newTestFields(t)

	defs := f.reg.Fields()
	require.Equal(t, f.reg.Len(), len(defs))
	for i, d := range defs {
		assert.Equal(t, FieldID(i+1), d.ID)
	}

	def, ok := f.reg.ByAbbrev("test.id")
	require.True(t, ok)
	assert.Equal(t, TypeUint16, def.Type)
	assert.Equal(t, "uint16", def.Type.String())

	_, ok = f.reg.ByAbbrev("nope")
	assert.False(t, ok)
}

func TestTree_AddFieldDecodes(t *testing.T) {
	f := newTestFields(t)
	tree := NewTree(f.reg)

	data := []byte{
		0x08,       // type
		0x12, 0x34, // id
		0x85,             // flag + low nibble
		'b', 'o', 'b', 0, // name
		10, 0, 0, 1, // addr
		0xff, 0xfe, // delta
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, // mac
		0x00, 0x00, 0x00, 0x3c, // time
	}
	buf := buffer.New(data, len(data))

	layer := tree.AddProtocol(tree.Root(), f.proto, buf, 0, -1)

	h, err := tree.AddField(layer, f.u8, buf, 0, 1, EncBigEndian)
	require.NoError(t, err)
	n, err := tree.Node(h)
	require.NoError(t, err)
	assert.Equal(t, UintValue(8), n.Value)
	assert.Equal(t, "Type: Echo (8)", n.Text())

	h, err = tree.AddField(layer, f.u16, buf, 1, 2, EncBigEndian)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, "Identifier: 0x1234", n.Text())

	h, err = tree.AddField(layer, f.u16, buf, 1, 2, EncLittleEndian)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, UintValue(0x3412), n.Value)

	h, err = tree.AddField(layer, f.flag, buf, 3, 1, EncBigEndian)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, BoolValue(true), n.Value)

	h, err = tree.AddField(layer, f.nibs, buf, 3, 1, EncBigEndian)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, UintValue(5), n.Value)

	h, err = tree.AddField(layer, f.str, buf, 4, 4, EncNA)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, StringValue("bob"), n.Value)

	h, err = tree.AddField(layer, f.addr, buf, 8, 0, EncNA)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, "Address: 10.0.0.1", n.Text())
	assert.Equal(t, 4, n.Length)

	h, err = tree.AddField(layer, f.i16, buf, 12, 2, EncBigEndian)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, IntValue(-2), n.Value)

	h, err = tree.AddField(layer, f.mac, buf, 14, 0, EncNA)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, "00:11:22:33:44:55", n.Value.String())

	h, err = tree.AddField(layer, f.ts, buf, 20, 4, EncBigEndian)
	require.NoError(t, err)
	n, _ = tree.Node(h)
	assert.Equal(t, TimeValue(time.Unix(60, 0)), n.Value)

	assert.Len(t, tree.Children(layer), 10)
	assert.Empty(t, tree.RangeViolations())
	assert.NoError(t, tree.Err())
}

func TestTree_TruncatedField(t *testing.T) {
	f := newTestFields(t)
	tree := NewTree(f.reg)
	buf := buffer.New([]byte{0x08, 0x12}, 2)

	layer := tree.AddProtocol(tree.Root(), f.proto, buf, 0, -1)
	_, err := tree.AddField(layer, f.u8, buf, 0, 1, EncBigEndian)
	require.NoError(t, err)

	h, err := tree.AddField(layer, f.u16, buf, 1, 2, EncBigEndian)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrShortRead))

	n, nerr := tree.Node(h)
	require.NoError(t, nerr)
	assert.NotZero(t, n.Flags&FlagMalformed)
	assert.Nil(t, n.Value)
	assert.Equal(t, 1, n.Length, "clipped to captured bytes")

	m := tree.MarkMalformed(layer, err)
	mn, _ := tree.Node(m)
	assert.Equal(t, "[Malformed Packet: Test Protocol]", mn.Label)
	assert.Equal(t, 1, tree.MalformedCount())

	root, _ := tree.Node(tree.Root())
	assert.NotZero(t, root.Flags&FlagMalformed)
}

func TestTree_GeneratedAndSubtree(t *testing.T) {
	f := newTestFields(t)
	tree := NewTree(f.reg)
	buf := buffer.New(make([]byte, 8), 8)

	layer := tree.AddProtocol(tree.Root(), f.proto, buf, 0, 8)
	sub := tree.AddSubtree(layer, "Options", buf, 2, 4)
	tree.AddText(sub, "No-Operation")
	g := tree.AddGenerated(layer, f.resp, UintValue(2))

	n, _ := tree.Node(g)
	assert.Equal(t, "[Response In: 2]", n.Text())
	assert.Equal(t, -1, n.Length)

	tree.AppendLabel(layer, ", id 7")
	ln, _ := tree.Node(layer)
	assert.Equal(t, "Test Protocol, id 7", ln.Text())

	children := tree.Children(layer)
	require.Len(t, children, 2)
	assert.Equal(t, sub, children[0])

	p, ok := tree.Parent(sub)
	require.True(t, ok)
	assert.Equal(t, layer, p)

	_, ok = tree.Parent(tree.Root())
	assert.False(t, ok)
}

func TestTree_RangeViolation(t *testing.T) {
	f := newTestFields(t)
	tree := NewTree(f.reg)
	buf := buffer.New(make([]byte, 8), 8)

	layer := tree.AddProtocol(tree.Root(), f.proto, buf, 0, 2)
	_, err := tree.AddField(layer, f.u16, buf, 4, 2, EncBigEndian)
	require.NoError(t, err)

	assert.Len(t, tree.RangeViolations(), 1)
}

func TestTree_ResetInvalidatesHandles(t *testing.T) {
	f := newTestFields(t)
	tree := NewTree(f.reg)
	buf := buffer.New([]byte{1, 2}, 2)

	layer := tree.AddProtocol(tree.Root(), f.proto, buf, 0, -1)
	gen := tree.Generation()
	tree.Reset()

	assert.NotEqual(t, gen, tree.Generation())
	assert.Equal(t, 1, tree.Len())

	_, err := tree.Node(layer)
	assert.True(t, errors.Is(err, core.ErrStaleHandle))

	tree.AddText(layer, "late write")
	assert.True(t, errors.Is(tree.Err(), core.ErrStaleHandle))

	tree.Reset()
	assert.NoError(t, tree.Err())
}

func TestTree_FindAndWalk(t *testing.T) {
	f := newTestFields(t)
	tree := NewTree(f.reg)
	buf := buffer.New([]byte{1, 2, 3}, 3)

	outer := tree.AddProtocol(tree.Root(), f.proto, buf, 0, -1)
	tree.AddField(outer, f.u8, buf, 0, 1, EncNA)
	inner := tree.AddSubtree(outer, "inner", buf, 1, 2)
	tree.AddField(inner, f.u8, buf, 1, 1, EncNA)

	all := tree.FindAll(f.u8)
	assert.Len(t, all, 2)

	n, ok := tree.FirstByAbbrev("test.type")
	require.True(t, ok)
	assert.Equal(t, UintValue(1), n.Value)

	depths := []int{}
	tree.Walk(func(_ Handle, depth int) bool {
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []int{0, 1, 1, 2}, depths)

	visited := 0
	tree.Walk(func(_ Handle, _ int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestColumns_Fence(t *testing.T) {
	c := NewColumns()

	c.Set(ColProtocol, "TCP")
	c.Set(ColInfo, "5060 → 5061 [PSH, ACK]")
	c.Fence(ColInfo)

	c.Set(ColProtocol, "SIP")
	c.AppendSep(ColInfo, " ", "Request: INVITE sip:bob@example.com")
	assert.Equal(t, "SIP", c.Get(ColProtocol))
	assert.Equal(t, "5060 → 5061 [PSH, ACK] Request: INVITE sip:bob@example.com", c.Get(ColInfo))

	// Set after fence replaces only the layered part.
	c.Set(ColInfo, " Status: 200 OK")
	assert.Equal(t, "5060 → 5061 [PSH, ACK] Status: 200 OK", c.Get(ColInfo))

	c.Clear(ColInfo)
	assert.Equal(t, "5060 → 5061 [PSH, ACK]", c.Get(ColInfo))

	c.Prepend(ColInfo, "[TCP segment] ")
	c.Set(ColInfo, "!")
	assert.Equal(t, "[TCP segment] 5060 → 5061 [PSH, ACK]!", c.Get(ColInfo))

	c.Reset()
	assert.Equal(t, "", c.Get(ColInfo))
	c.Set(ColInfo, "fresh")
	assert.Equal(t, "fresh", c.Get(ColInfo))
}

func TestColumns_FenceSep(t *testing.T) {
	c := NewColumns()
	c.Set(ColInfo, "HEP3 10.0.0.1:5060 → 10.0.0.2:5060")
	c.FenceSep(ColInfo, " | ")
	assert.Equal(t, "HEP3 10.0.0.1:5060 → 10.0.0.2:5060", c.Get(ColInfo), "no separator until text follows")

	c.Set(ColInfo, "Request: INVITE sip:bob@example.com")
	assert.Equal(t, "HEP3 10.0.0.1:5060 → 10.0.0.2:5060 | Request: INVITE sip:bob@example.com", c.Get(ColInfo))

	// a message layer fences itself so the next message in the frame follows it
	c.FenceSep(ColInfo, " , ")
	c.Set(ColInfo, "Status: 200 OK")
	assert.Equal(t, "HEP3 10.0.0.1:5060 → 10.0.0.2:5060 | Request: INVITE sip:bob@example.com , Status: 200 OK", c.Get(ColInfo))

	c.Clear(ColInfo)
	assert.Equal(t, "HEP3 10.0.0.1:5060 → 10.0.0.2:5060 | Request: INVITE sip:bob@example.com", c.Get(ColInfo))

	c.Reset()
	c.Set(ColInfo, "outer")
	c.FenceSep(ColInfo, ": ")
	c.AppendSep(ColInfo, ", ", "first")
	c.AppendSep(ColInfo, ", ", "second")
	assert.Equal(t, "outer: first, second", c.Get(ColInfo))

	c.Reset()
	c.Set(ColInfo, "outer")
	c.FenceSep(ColInfo, " | ")
	c.Append(ColInfo, " [Malformed Packet]")
	assert.Equal(t, "outer [Malformed Packet]", c.Get(ColInfo))
}

func TestColumns_SaveRestore(t *testing.T) {
	c := NewColumns()
	c.Set(ColProtocol, "ICMP")
	c.Set(ColInfo, "Destination unreachable (Port unreachable)")
	saved := c.Save()

	// an embedded packet rewrites and fences the columns
	c.Set(ColProtocol, "SIP")
	c.Set(ColInfo, "Request: OPTIONS sip:bob@example.com")
	c.FenceSep(ColInfo, " , ")

	c.Restore(saved)
	assert.Equal(t, "ICMP", c.Get(ColProtocol))
	assert.Equal(t, "Destination unreachable (Port unreachable)", c.Get(ColInfo))
	c.Set(ColInfo, "replaced")
	assert.Equal(t, "replaced", c.Get(ColInfo), "the embedded fence is gone")
}

func TestColumns_AppendSepWithoutText(t *testing.T) {
	c := NewColumns()
	c.AppendSep(ColInfo, ", ", "first")
	c.AppendSep(ColInfo, ", ", "second")
	assert.Equal(t, "first, second", c.Get(ColInfo))

	snap := c.Snapshot()
	assert.Equal(t, "first, second", snap[ColInfo])
	assert.Equal(t, "Info", ColInfo.String())
}
