package dissector

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/proto"
)

type fixture struct {
	fields *proto.Registry
	reg    *Registry
	ctx    *Context
}

func newFixture(t *testing.T, maxDepth int) *fixture {
	t.Helper()
	fields := proto.NewRegistry()
	reg := NewRegistry(fields, maxDepth)
	ctx := NewContext(reg, proto.NewTree(fields), proto.NewColumns(), nil)
	ctx.Reset(1, time.Unix(1700000000, 0), core.EncapEthernet, false)
	return &fixture{fields: fields, reg: reg, ctx: ctx}
}

// handle registers a protocol and returns a handle that records its name in
// calls before running fn.
func (f *fixture) handle(t *testing.T, name string, calls *[]string, fn Func) *Handle {
	t.Helper()
	id, err := f.fields.RegisterProtocol(strings.ToUpper(name), name)
	require.NoError(t, err)
	h := NewHandle(name, id, name, func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
		if calls != nil {
			*calls = append(*calls, name)
		}
		if fn == nil {
			ctx.AddLayer(parent, buf, 0, -1)
			return Accept(buf.CapturedLength()), nil
		}
		return fn(ctx, buf, parent)
	})
	f.reg.Register(h)
	return h
}

func reject(*Context, *buffer.Buffer, proto.Handle) (Result, error) { return Reject(), nil }

func TestRegistry_LatestRegistrationWins(t *testing.T) {
	f := newFixture(t, 0)
	var calls []string
	first := f.handle(t, "first", &calls, nil)
	second := f.handle(t, "second", &calls, nil)

	_, err := f.reg.CreateTable("udp.port", "UDP port", KeyUint)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetUint("udp.port", 5060, first))
	require.NoError(t, f.reg.SetUint("udp.port", 5060, second))

	res, err := f.ctx.DispatchUint("udp.port", 5060, buffer.New([]byte("hello"), 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Consumed())
	assert.Equal(t, []string{"second"}, calls)
	assert.Equal(t, []uint64{5060}, mustTable(t, f.reg, "udp.port").UintEntries())

	require.NoError(t, f.reg.DeleteUint("udp.port", 5060))
	_, ok := mustTable(t, f.reg, "udp.port").LookupUint(5060)
	assert.False(t, ok)
}

func mustTable(t *testing.T, r *Registry, name string) *Table {
	t.Helper()
	tbl, err := r.Table(name)
	require.NoError(t, err)
	return tbl
}

func TestRegistry_ReRegisterReplacesHandle(t *testing.T) {
	f := newFixture(t, 0)
	f.handle(t, "sip", nil, nil)
	id := f.fields.MustRegister(proto.FieldDef{Abbrev: "sip2", Name: "SIP2", Type: proto.TypeProtocol})
	f.reg.Register(NewHandle("sip", id, "sip2", reject))

	h, ok := f.reg.Lookup("sip")
	require.True(t, ok)
	assert.Equal(t, "sip2", h.Abbrev())

	var names []string
	for _, h := range f.reg.Handles() {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"data", "sip"}, names)
}

func TestRegistry_Tables(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.reg.CreateTable("ethertype", "EtherType", KeyUint)
	require.NoError(t, err)
	_, err = f.reg.CreateTable("media_type", "Media type", KeyString)
	require.NoError(t, err)

	again, err := f.reg.CreateTable("ethertype", "EtherType", KeyUint)
	require.NoError(t, err)
	assert.Equal(t, "EtherType", again.UIName())

	_, err = f.reg.CreateTable("ethertype", "EtherType", KeyString)
	assert.ErrorIs(t, err, core.ErrTableKeyKind)

	h := f.handle(t, "sdp", nil, nil)
	require.NoError(t, f.reg.SetString("media_type", "application/sdp", h))
	assert.ErrorIs(t, f.reg.SetUint("media_type", 1, h), core.ErrTableKeyKind)
	assert.Equal(t, []string{"application/sdp"}, mustTable(t, f.reg, "media_type").StringEntries())

	var names []string
	for _, tbl := range f.reg.Tables() {
		names = append(names, tbl.Name())
	}
	assert.Equal(t, []string{"ethertype", "media_type"}, names)
}

func TestDispatch_UnknownTable(t *testing.T) {
	f := newFixture(t, 0)
	buf := buffer.New([]byte{1, 2, 3}, 0)

	_, err := f.ctx.DispatchUint("no.such", 1, buf, f.ctx.Tree.Root())
	assert.ErrorIs(t, err, core.ErrUnknownTable)

	_, err = f.ctx.DispatchString("no.such", "x", buf, f.ctx.Tree.Root())
	assert.ErrorIs(t, err, core.ErrUnknownTable)

	assert.ErrorIs(t, f.reg.SetUint("no.such", 1, f.reg.Data()), core.ErrUnknownTable)
	assert.ErrorIs(t, f.reg.AddHeuristic("no.such", "x", f.reg.Data(), true), core.ErrUnknownTable)
}

func TestDispatch_HeuristicOrder(t *testing.T) {
	f := newFixture(t, 0)
	var calls []string
	no := f.handle(t, "no", &calls, reject)
	off := f.handle(t, "off", &calls, nil)
	yes := f.handle(t, "yes", &calls, nil)
	late := f.handle(t, "late", &calls, nil)

	_, err := f.reg.CreateTable("udp", "UDP heuristics", KeyUint)
	require.NoError(t, err)
	require.NoError(t, f.reg.AddHeuristic("udp", "no_udp", no, true))
	require.NoError(t, f.reg.AddHeuristic("udp", "off_udp", off, false))
	require.NoError(t, f.reg.AddHeuristic("udp", "yes_udp", yes, true))
	require.NoError(t, f.reg.AddHeuristic("udp", "late_udp", late, true))

	res, err := f.ctx.DispatchUint("udp", 9999, buffer.New([]byte("abcd"), 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Consumed())
	assert.Equal(t, []string{"no", "yes"}, calls)
	assert.Equal(t, []string{"yes"}, f.ctx.Layers)

	require.NoError(t, f.reg.EnableHeuristic("udp", "off_udp", true))
	calls = nil
	_, err = f.ctx.DispatchUint("udp", 9999, buffer.New([]byte("abcd"), 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.Equal(t, []string{"no", "off"}, calls)

	assert.ErrorIs(t, f.reg.EnableHeuristic("udp", "missing", true), core.ErrUnknownDissector)

	hs := mustTable(t, f.reg, "udp").Heuristics()
	require.Len(t, hs, 4)
	assert.Equal(t, "no_udp", hs[0].ShortName)
	assert.True(t, hs[1].Enabled)
}

func TestDispatch_ExactRejectFallsThroughToData(t *testing.T) {
	f := newFixture(t, 0)
	var calls []string
	picky := f.handle(t, "picky", &calls, reject)
	_, err := f.reg.CreateTable("tcp.port", "TCP port", KeyUint)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetUint("tcp.port", 80, picky))

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	res, err := f.ctx.DispatchUint("tcp.port", 80, buffer.New(payload, 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Consumed())
	assert.Equal(t, []string{"picky"}, calls)
	assert.Equal(t, []string{"data"}, f.ctx.Layers)

	n, ok := f.ctx.Tree.FirstByAbbrev("data.data")
	require.True(t, ok)
	assert.Equal(t, "deadbeef", n.Value.String())
	n, ok = f.ctx.Tree.FirstByAbbrev("data.len")
	require.True(t, ok)
	assert.Equal(t, "[Length: 4]", n.Text())
	n, ok = f.ctx.Tree.FirstByAbbrev("data")
	require.True(t, ok)
	assert.Equal(t, "Data (4 bytes)", n.Label)
}

func TestDispatch_TryUintMissingKey(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.reg.CreateTable("udp.port", "UDP port", KeyUint)
	require.NoError(t, err)

	res, ok, err := f.ctx.TryUint("udp.port", 53, buffer.New([]byte{1}, 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, res.Rejected())
	assert.Equal(t, 1, f.ctx.Tree.Len())
}

func TestCall_ShortReadBecomesMalformedMarker(t *testing.T) {
	f := newFixture(t, 0)
	var layer proto.Handle
	h := f.handle(t, "short", nil, func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
		layer = ctx.AddLayer(parent, buf, 0, -1)
		if _, err := buf.Uint32(0, binary.BigEndian); err != nil {
			return Result{}, err
		}
		return Accept(4), nil
	})
	f.ctx.Columns.Set(proto.ColInfo, "Echo request")

	res, err := f.ctx.Call(h, buffer.New([]byte{1, 2}, 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Consumed())
	assert.Equal(t, "Echo request [Malformed Packet]", f.ctx.Columns.Get(proto.ColInfo))
	assert.Equal(t, 1, f.ctx.Tree.MalformedCount())
	assert.Equal(t, 0, f.ctx.Depth)

	markers := f.ctx.Tree.FindAll(f.fields.MalformedID())
	require.Len(t, markers, 1)
	parent, ok := f.ctx.Tree.Parent(markers[0])
	require.True(t, ok)
	assert.Equal(t, layer, parent)
	n, err := f.ctx.Tree.Node(markers[0])
	require.NoError(t, err)
	assert.Equal(t, "[Malformed Packet: SHORT]", n.Label)
	assert.Contains(t, n.Value.String(), "exceed reported length")
}

func TestCall_MalformedLowerLayersKeepGoing(t *testing.T) {
	f := newFixture(t, 0)
	inner := f.handle(t, "inner", nil, func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
		ctx.AddLayer(parent, buf, 0, -1)
		_, err := buf.Bytes(0, 100)
		return Result{}, err
	})
	var after bool
	outer := f.handle(t, "outer", nil, func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
		layer := ctx.AddLayer(parent, buf, 0, -1)
		sub, err := buf.Subset(2, -1)
		if err != nil {
			return Result{}, err
		}
		if _, err := ctx.Call(inner, sub, layer); err != nil {
			return Result{}, err
		}
		after = true
		return Accept(buf.CapturedLength()), nil
	})

	res, err := f.ctx.Call(outer, buffer.New([]byte{0, 0, 1, 2, 3}, 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.True(t, after)
	assert.Equal(t, 5, res.Consumed())
	assert.Equal(t, []string{"outer", "inner"}, f.ctx.Layers)
	assert.Equal(t, 1, f.ctx.Tree.MalformedCount())

	n, ok := f.ctx.Tree.FirstByAbbrev("outer")
	require.True(t, ok)
	assert.NotZero(t, n.Flags&proto.FlagMalformed)
}

func TestCall_RecursionLimit(t *testing.T) {
	f := newFixture(t, 8)
	_, err := f.reg.CreateTable("ethertype", "EtherType", KeyUint)
	require.NoError(t, err)
	var calls []string
	vlan := f.handle(t, "vlan", &calls, func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
		layer := ctx.AddLayer(parent, buf, 0, -1)
		return ctx.DispatchUint("ethertype", 0x8100, buf, layer)
	})
	require.NoError(t, f.reg.SetUint("ethertype", 0x8100, vlan))

	res, err := f.ctx.DispatchUint("ethertype", 0x8100, buffer.New([]byte{0x81, 0x00}, 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Consumed())
	assert.Len(t, calls, 8)
	assert.Equal(t, 1, f.ctx.Tree.MalformedCount())
	assert.Equal(t, 0, f.ctx.Depth)

	markers := f.ctx.Tree.FindAll(f.fields.MalformedID())
	require.Len(t, markers, 1)
	n, err := f.ctx.Tree.Node(markers[0])
	require.NoError(t, err)
	assert.Contains(t, n.Value.String(), "recursion limit")
}

func TestCall_OverConsumptionIsInternalError(t *testing.T) {
	f := newFixture(t, 0)
	h := f.handle(t, "greedy", nil, func(*Context, *buffer.Buffer, proto.Handle) (Result, error) {
		return Accept(100), nil
	})

	_, err := f.ctx.Call(h, buffer.New([]byte{1, 2, 3, 4}, 0), f.ctx.Tree.Root())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInternalInconsistency)
	assert.Equal(t, 0, f.ctx.Tree.MalformedCount())
}

func TestCall_OtherErrorsPropagate(t *testing.T) {
	f := newFixture(t, 0)
	boom := errors.New("boom")
	h := f.handle(t, "boom", nil, func(*Context, *buffer.Buffer, proto.Handle) (Result, error) {
		return Result{}, boom
	})

	_, err := f.ctx.Call(h, buffer.New([]byte{1}, 0), f.ctx.Tree.Root())
	assert.ErrorIs(t, err, boom)
}

func TestCall_StaleHandleIsInternalError(t *testing.T) {
	f := newFixture(t, 0)
	stale := f.ctx.Tree.Root()
	f.ctx.Tree.Reset()
	h := f.handle(t, "stale", nil, func(ctx *Context, buf *buffer.Buffer, _ proto.Handle) (Result, error) {
		ctx.Tree.AddText(stale, "late")
		return Accept(0), nil
	})

	_, err := f.ctx.Call(h, buffer.New(nil, 0), f.ctx.Tree.Root())
	assert.ErrorIs(t, err, core.ErrInternalInconsistency)
	assert.ErrorIs(t, err, core.ErrStaleHandle)
}

func TestCall_NeedMoreRequiresDesegmentation(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.reg.CreateTable("tcp.port", "TCP port", KeyUint)
	require.NoError(t, err)
	var sawDesegment []bool
	app := f.handle(t, "app", nil, func(ctx *Context, buf *buffer.Buffer, _ proto.Handle) (Result, error) {
		sawDesegment = append(sawDesegment, ctx.CanDesegment())
		return NeedMore(0, 10), nil
	})
	require.NoError(t, f.reg.SetUint("tcp.port", 7000, app))

	buf := buffer.New([]byte("abc"), 0)
	res, err := f.ctx.DispatchUint("tcp.port", 7000, buf, f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, 3, res.Consumed())

	var got Result
	tcp := f.handle(t, "tcp", nil, func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
		ctx.AllowDesegment()
		r, err := ctx.DispatchUint("tcp.port", 7000, buf, parent)
		got = r
		return Accept(buf.CapturedLength()), err
	})
	_, err = f.ctx.Call(tcp, buf, f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.True(t, got.NeedsMore())
	assert.Equal(t, 10, got.Verdict().More)
	assert.Equal(t, []bool{false, true}, sawDesegment)
	assert.False(t, f.ctx.CanDesegment())
	assert.Equal(t, []string{"app", "tcp"}, f.ctx.Layers)
}

func TestContext_ResetKeepsProtoData(t *testing.T) {
	f := newFixture(t, 0)
	f.ctx.SetScratch("sip.method", "INVITE")
	f.ctx.SetProtoData("tcp", "analysis", 42)
	f.ctx.Layers = append(f.ctx.Layers, "eth")
	f.ctx.SrcPort = 5060

	f.ctx.Reset(1, time.Unix(1700000001, 0), core.EncapEthernet, true)
	_, ok := f.ctx.Scratch("sip.method")
	assert.False(t, ok)
	v, ok := f.ctx.ProtoData("tcp", "analysis")
	require.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Empty(t, f.ctx.Layers)
	assert.Zero(t, f.ctx.SrcPort)
	assert.Equal(t, core.NoAddress{}, f.ctx.Src)

	f.ctx.Reset(2, time.Unix(1700000002, 0), core.EncapEthernet, false)
	_, ok = f.ctx.ProtoData("tcp", "analysis")
	assert.False(t, ok)
}

func TestContext_FindOrCreateConversation(t *testing.T) {
	f := newFixture(t, 0)
	conv, _ := f.ctx.FindOrCreateConversation()
	assert.Nil(t, conv)

	f.ctx.Conversations = conversation.NewTable(conversation.Hooks{})
	a, _ := netip.ParseAddr("10.0.0.1")
	b, _ := netip.ParseAddr("10.0.0.2")
	f.ctx.Src, f.ctx.Dst = core.IPAddress{Addr: b}, core.IPAddress{Addr: a}
	f.ctx.SrcPort, f.ctx.DstPort, f.ctx.PortType = 5060, 40000, core.PortUDP

	conv, forward := f.ctx.FindOrCreateConversation()
	require.NotNil(t, conv)
	assert.False(t, forward)
	assert.Same(t, conv, f.ctx.Conversation)
	assert.Equal(t, "udp 10.0.0.1:40000 <-> 10.0.0.2:5060", conv.Key.String())

	f.ctx.Reset(2, time.Unix(1700000002, 0), core.EncapEthernet, false)
	assert.Nil(t, f.ctx.Conversation)
	f.ctx.Src, f.ctx.Dst = core.IPAddress{Addr: a}, core.IPAddress{Addr: b}
	f.ctx.SrcPort, f.ctx.DstPort, f.ctx.PortType = 40000, 5060, core.PortUDP
	again, forward := f.ctx.FindOrCreateConversation()
	assert.True(t, forward)
	assert.Same(t, conv, again)
	assert.Equal(t, uint32(2), again.Stats().LastFrame)

	f.ctx.Reset(2, time.Unix(1700000002, 0), core.EncapEthernet, true)
	f.ctx.Src, f.ctx.Dst = core.IPAddress{Addr: a}, core.IPAddress{Addr: b}
	f.ctx.SrcPort, f.ctx.DstPort, f.ctx.PortType = 40000, 5060, core.PortUDP
	again, _ = f.ctx.FindOrCreateConversation()
	assert.Same(t, conv, again)
	assert.Equal(t, uint32(2), again.Stats().LastFrame)

	// a revisit never adds a conversation the first pass did not create
	f.ctx.Reset(3, time.Unix(1700000003, 0), core.EncapEthernet, true)
	f.ctx.Src, f.ctx.Dst = core.IPAddress{Addr: a}, core.IPAddress{Addr: b}
	f.ctx.SrcPort, f.ctx.DstPort, f.ctx.PortType = 40001, 5060, core.PortUDP
	missing, _ := f.ctx.FindOrCreateConversation()
	assert.Nil(t, missing)
	assert.Nil(t, f.ctx.Conversation)
	assert.Equal(t, 1, f.ctx.Conversations.Len())
}

func TestContext_MalformedKeepsDissecting(t *testing.T) {
	f := newFixture(t, 0)
	h := f.handle(t, "lenient", nil, func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
		layer := ctx.AddLayer(parent, buf, 0, -1)
		ctx.Malformed(errors.New("bogus header length 3"))
		ctx.Tree.AddText(layer, "still here")
		return Accept(buf.CapturedLength()), nil
	})

	res, err := f.ctx.Call(h, buffer.New([]byte{1, 2, 3}, 0), f.ctx.Tree.Root())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Consumed())
	assert.Equal(t, 1, f.ctx.Tree.MalformedCount())
	assert.Equal(t, " [Malformed Packet]", f.ctx.Columns.Get(proto.ColInfo))
	n, ok := f.ctx.Tree.FirstByAbbrev("lenient")
	require.True(t, ok)
	assert.NotZero(t, n.Flags&proto.FlagMalformed)
}
