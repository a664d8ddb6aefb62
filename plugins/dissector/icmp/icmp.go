// Package icmp dissects ICMP and ICMPv6. Echo requests and replies are paired
// into transactions; error messages carry the offending datagram, which is
// dissected in place.
package icmp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/ip"
)

const headerLen = 8

type variant struct {
	name, long  string
	abbrev      string
	echoRequest uint8
	echoReply   uint8
	errorTypes  map[uint8]bool
	inner       string // dissector for the datagram quoted by error messages
	describe    func(typ, code uint8) string
}

var (
	v4 = variant{
		name: "ICMP", long: "Internet Control Message Protocol", abbrev: "icmp",
		echoRequest: layers.ICMPv4TypeEchoRequest,
		echoReply:   layers.ICMPv4TypeEchoReply,
		errorTypes: map[uint8]bool{
			layers.ICMPv4TypeDestinationUnreachable: true,
			layers.ICMPv4TypeSourceQuench:           true,
			layers.ICMPv4TypeRedirect:               true,
			layers.ICMPv4TypeTimeExceeded:           true,
			layers.ICMPv4TypeParameterProblem:       true,
		},
		inner: "ip",
		describe: func(typ, code uint8) string {
			return layers.CreateICMPv4TypeCode(typ, code).String()
		},
	}
	v6 = variant{
		name: "ICMPv6", long: "Internet Control Message Protocol v6", abbrev: "icmpv6",
		echoRequest: layers.ICMPv6TypeEchoRequest,
		echoReply:   layers.ICMPv6TypeEchoReply,
		errorTypes: map[uint8]bool{
			layers.ICMPv6TypeDestinationUnreachable: true,
			layers.ICMPv6TypePacketTooBig:           true,
			layers.ICMPv6TypeTimeExceeded:           true,
			layers.ICMPv6TypeParameterProblem:       true,
		},
		inner: "ipv6",
		describe: func(typ, code uint8) string {
			return layers.CreateICMPv6TypeCode(typ, code).String()
		},
	}
)

type fields struct {
	typ, code, checksum, ident, seq, seqLE proto.FieldID
	respIn, respTo, respTime, noResp, data proto.FieldID
}

type dissectorState struct {
	variant
	hf     fields
	handle *dissector.Handle
	inner  *dissector.Handle
}

type icmp struct {
	v4, v6 dissectorState
}

// Registrar returns the ICMP and ICMPv6 registrar.
func Registrar() engine.Registrar {
	d := &icmp{v4: dissectorState{variant: v4}, v6: dissectorState{variant: v6}}
	return engine.Registrar{Name: "icmp", Register: d.register, Handoff: d.handoff}
}

func (d *icmp) register(e *engine.Engine) error {
	for _, s := range []*dissectorState{&d.v4, &d.v6} {
		if err := s.register(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *dissectorState) register(e *engine.Engine) error {
	reg := e.Fields()
	id, err := reg.RegisterProtocol(s.long, s.abbrev)
	if err != nil {
		return err
	}
	a := s.abbrev
	for _, f := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&s.hf.typ, proto.FieldDef{Abbrev: a + ".type", Name: "Type", Type: proto.TypeUint8}},
		{&s.hf.code, proto.FieldDef{Abbrev: a + ".code", Name: "Code", Type: proto.TypeUint8}},
		{&s.hf.checksum, proto.FieldDef{Abbrev: a + ".checksum", Name: "Checksum", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&s.hf.ident, proto.FieldDef{Abbrev: a + ".ident", Name: "Identifier", Type: proto.TypeUint16, Display: proto.DisplayDecHex}},
		{&s.hf.seq, proto.FieldDef{Abbrev: a + ".seq", Name: "Sequence Number (BE)", Type: proto.TypeUint16, Display: proto.DisplayDecHex}},
		{&s.hf.seqLE, proto.FieldDef{Abbrev: a + ".seq_le", Name: "Sequence Number (LE)", Type: proto.TypeUint16, Display: proto.DisplayDecHex}},
		{&s.hf.respIn, proto.FieldDef{Abbrev: a + ".resp_in", Name: "Response frame", Type: proto.TypeFrameNum}},
		{&s.hf.respTo, proto.FieldDef{Abbrev: a + ".resp_to", Name: "Response to", Type: proto.TypeFrameNum}},
		{&s.hf.respTime, proto.FieldDef{Abbrev: a + ".resptime", Name: "Response time", Type: proto.TypeRelTime}},
		{&s.hf.noResp, proto.FieldDef{Abbrev: a + ".no_resp", Name: "No response seen", Type: proto.TypeNone}},
		{&s.hf.data, proto.FieldDef{Abbrev: a + ".data", Name: "Data", Type: proto.TypeBytes}},
	} {
		f.def.Parent = a
		if *f.id, err = reg.Register(f.def); err != nil {
			return err
		}
	}
	s.handle = dissector.NewHandle(a, id, a, s.dissect)
	e.Dissectors().Register(s.handle)
	return nil
}

func (d *icmp) handoff(e *engine.Engine) error {
	reg := e.Dissectors()
	for _, b := range []struct {
		s     *dissectorState
		proto layers.IPProtocol
	}{{&d.v4, layers.IPProtocolICMPv4}, {&d.v6, layers.IPProtocolICMPv6}} {
		if err := reg.SetUint(ip.TableProto, uint64(b.proto), b.s.handle); err != nil {
			return err
		}
		b.s.inner, _ = reg.Lookup(b.s.variant.inner)
	}
	return nil
}

func (s *dissectorState) dissect(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	layer := ctx.AddLayer(parent, buf, 0, -1)
	ctx.Columns.Set(proto.ColProtocol, s.name)
	for _, f := range []struct {
		id      proto.FieldID
		off, sz int
	}{{s.hf.typ, 0, 1}, {s.hf.code, 1, 1}, {s.hf.checksum, 2, 2}} {
		if _, err := ctx.Tree.AddField(layer, f.id, buf, f.off, f.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	hdr, err := buf.Bytes(0, 4)
	if err != nil {
		return dissector.Result{}, err
	}
	typ, code := hdr[0], hdr[1]
	desc := s.describe(typ, code)
	ctx.Columns.Set(proto.ColInfo, desc)

	if s.abbrev == "icmp" && buf.CapturedLength() >= buf.ReportedLength() {
		if all, err := buf.Bytes(0, buf.CapturedLength()); err == nil && ip.Checksum(all) != 0 {
			ctx.Tree.AppendLabel(layer, " [incorrect checksum]")
		}
	}

	switch {
	case typ == s.echoRequest || typ == s.echoReply:
		if err := s.echo(ctx, layer, buf, typ == s.echoRequest); err != nil {
			return dissector.Result{}, err
		}
	case s.errorTypes[typ]:
		if err := s.quoted(ctx, layer, buf); err != nil {
			return dissector.Result{}, err
		}
	default:
		if buf.CapturedLength() > 4 {
			if _, err := ctx.Tree.AddField(layer, s.hf.data, buf, 4, -1, proto.EncNA); err != nil {
				return dissector.Result{}, err
			}
		}
	}
	return dissector.Accept(buf.CapturedLength()), nil
}

// echo pairs requests with replies by identifier and sequence number within
// the conversation of the two hosts.
func (s *dissectorState) echo(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, request bool) error {
	for _, f := range []struct {
		id  proto.FieldID
		off int
		enc proto.Encoding
	}{{s.hf.ident, 4, proto.EncBigEndian}, {s.hf.seq, 6, proto.EncBigEndian}, {s.hf.seqLE, 6, proto.EncLittleEndian}} {
		if _, err := ctx.Tree.AddField(layer, f.id, buf, f.off, 2, f.enc); err != nil {
			return err
		}
	}
	ident, err := buf.Uint16(4, binary.BigEndian)
	if err != nil {
		return err
	}
	seq, err := buf.Uint16(6, binary.BigEndian)
	if err != nil {
		return err
	}
	if buf.CapturedLength() > headerLen {
		if _, err := ctx.Tree.AddField(layer, s.hf.data, buf, headerLen, -1, proto.EncNA); err != nil {
			return err
		}
	}

	info := fmt.Sprintf("  id=0x%04x, seq=%d/%d", ident, seq, seq<<8|seq>>8)
	if ttl, ok := ctx.Scratch(ip.ScratchTTL); ok {
		info += fmt.Sprintf(", ttl=%v", ttl)
	}

	ctx.PortType = core.PortICMP
	ctx.SrcPort, ctx.DstPort = uint32(ident), uint32(ident)
	conv, _ := ctx.FindOrCreateConversation()
	if conv == nil {
		ctx.Columns.Append(proto.ColInfo, info)
		return nil
	}
	corr := uint32(ident)<<16 | uint32(seq)
	if request {
		tx, ok := ctx.Conversations.Start(conv, corr, ctx.Frame, ctx.Timestamp, ctx.Visited)
		if ok && tx.ResponseFrame != 0 {
			ctx.Tree.AddGenerated(layer, s.hf.respIn, proto.UintValue(tx.ResponseFrame))
			info += fmt.Sprintf(" (reply in %d)", tx.ResponseFrame)
		} else {
			ctx.Tree.AddGenerated(layer, s.hf.noResp, nil)
			info += " (no response found!)"
		}
		ctx.Columns.Append(proto.ColInfo, info)
		return nil
	}
	tx, ok := ctx.Conversations.End(conv, corr, ctx.Frame, ctx.Timestamp, ctx.Visited)
	if ok {
		ctx.Tree.AddGenerated(layer, s.hf.respTo, proto.UintValue(tx.RequestFrame))
		ctx.Tree.AddGenerated(layer, s.hf.respTime, proto.DurationValue(tx.RTT()))
		info += fmt.Sprintf(" (request in %d)", tx.RequestFrame)
	}
	ctx.Columns.Append(proto.ColInfo, info)
	return nil
}

// quoted dissects the datagram an error message carries. The quote is usually
// cut short, so its reported length is taken from its own header and no
// conversations are created for it.
func (s *dissectorState) quoted(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer) error {
	if buf.CapturedLength() <= headerLen {
		return nil
	}
	if s.inner == nil {
		_, err := ctx.Tree.AddField(layer, s.hf.data, buf, headerLen, -1, proto.EncNA)
		return err
	}
	reported := -1
	if s.abbrev == "icmp" {
		if total, err := buf.Uint16(headerLen+2, binary.BigEndian); err == nil && int(total) > 0 {
			reported = int(total)
		}
	} else if plen, err := buf.Uint16(headerLen+4, binary.BigEndian); err == nil {
		reported = int(plen) + 40
	}
	inner, err := buf.SubsetReported(headerLen, reported)
	if err != nil {
		return err
	}

	src, dst := ctx.Src, ctx.Dst
	pt, sp, dp := ctx.PortType, ctx.SrcPort, ctx.DstPort
	convs, conv := ctx.Conversations, ctx.Conversation
	saved := ctx.Columns.Save()
	ctx.Conversations = nil
	defer func() {
		ctx.Src, ctx.Dst = src, dst
		ctx.PortType, ctx.SrcPort, ctx.DstPort = pt, sp, dp
		ctx.Conversations, ctx.Conversation = convs, conv
		ctx.Columns.Restore(saved)
	}()

	_, err = ctx.Call(s.inner, inner, layer)
	return err
}
