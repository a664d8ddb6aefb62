// Package udp dissects UDP datagrams and hands their payload to the port table,
// the conversation's bound dissector or a heuristic.
package udp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/ip"
)

const headerLen = 8

type udp struct {
	hfSrcPort, hfDstPort, hfPort, hfLength, hfChecksum, hfStream, hfPayload proto.FieldID

	handle *dissector.Handle
}

// Registrar returns the UDP registrar.
func Registrar() engine.Registrar {
	d := &udp{}
	return engine.Registrar{Name: "udp", Register: d.register, Handoff: d.handoff}
}

func (d *udp) register(e *engine.Engine) error {
	fields := e.Fields()
	id, err := fields.RegisterProtocol("User Datagram Protocol", "udp")
	if err != nil {
		return err
	}
	for _, f := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&d.hfSrcPort, proto.FieldDef{Abbrev: "udp.srcport", Name: "Source Port", Type: proto.TypeUint16}},
		{&d.hfDstPort, proto.FieldDef{Abbrev: "udp.dstport", Name: "Destination Port", Type: proto.TypeUint16}},
		{&d.hfPort, proto.FieldDef{Abbrev: "udp.port", Name: "Source or Destination Port", Type: proto.TypeUint16}},
		{&d.hfLength, proto.FieldDef{Abbrev: "udp.length", Name: "Length", Type: proto.TypeUint16}},
		{&d.hfChecksum, proto.FieldDef{Abbrev: "udp.checksum", Name: "Checksum", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&d.hfStream, proto.FieldDef{Abbrev: "udp.stream", Name: "Stream index", Type: proto.TypeUint32}},
		{&d.hfPayload, proto.FieldDef{Abbrev: "udp.payload", Name: "UDP payload", Type: proto.TypeUint32}},
	} {
		f.def.Parent = "udp"
		if *f.id, err = fields.Register(f.def); err != nil {
			return err
		}
	}
	if _, err := e.Dissectors().CreateTable(engine.TableUDPPort, "UDP port", dissector.KeyUint); err != nil {
		return err
	}
	d.handle = dissector.NewHandle("udp", id, "udp", d.dissect)
	e.Dissectors().Register(d.handle)
	return nil
}

func (d *udp) handoff(e *engine.Engine) error {
	return e.Dissectors().SetUint(ip.TableProto, uint64(layers.IPProtocolUDP), d.handle)
}

func (d *udp) dissect(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	layer := ctx.AddLayer(parent, buf, 0, headerLen)
	hdr, err := buf.Bytes(0, headerLen)
	if err != nil {
		if _, ferr := ctx.Tree.AddField(layer, d.hfSrcPort, buf, 0, 2, proto.EncBigEndian); ferr != nil {
			return dissector.Result{}, ferr
		}
		return dissector.Result{}, err
	}
	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	length := int(binary.BigEndian.Uint16(hdr[4:6]))

	for _, f := range []struct {
		id      proto.FieldID
		off, sz int
	}{{d.hfSrcPort, 0, 2}, {d.hfDstPort, 2, 2}, {d.hfLength, 4, 2}, {d.hfChecksum, 6, 2}} {
		if _, err := ctx.Tree.AddField(layer, f.id, buf, f.off, f.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	for _, off := range []int{0, 2} {
		if _, err := ctx.Tree.AddField(layer, d.hfPort, buf, off, 2, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", Src Port: %d, Dst Port: %d", srcPort, dstPort))

	ctx.PortType = core.PortUDP
	ctx.SrcPort, ctx.DstPort = uint32(srcPort), uint32(dstPort)
	ctx.Columns.Set(proto.ColProtocol, "UDP")

	bad := length < headerLen || length > buf.ReportedLength()
	if bad {
		length = buf.ReportedLength()
	}
	ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("%d → %d Len=%d", srcPort, dstPort, length-headerLen))
	if bad {
		ctx.Malformed(fmt.Errorf("bad UDP length field for %d byte datagram", buf.ReportedLength()))
	}

	conv, _ := ctx.FindOrCreateConversation()
	if conv != nil {
		ctx.Tree.AddGenerated(layer, d.hfStream, proto.UintValue(conv.Index))
	}
	ctx.Tree.AddGenerated(layer, d.hfPayload, proto.UintValue(length-headerLen))

	payload, err := buf.SubsetReported(headerLen, length-headerLen)
	if err != nil {
		return dissector.Result{}, err
	}
	if _, err := d.dispatch(ctx, conv, payload, parent, srcPort, dstPort); err != nil {
		return dissector.Result{}, err
	}
	return dissector.Accept(min(length, buf.CapturedLength())), nil
}

// dispatch picks the payload dissector: the one bound to the conversation, one
// announced for either endpoint, then the lower port, the higher port, the
// heuristics and finally raw data.
func (d *udp) dispatch(ctx *dissector.Context, conv *conversation.Conversation, payload *buffer.Buffer, parent proto.Handle, srcPort, dstPort uint16) (dissector.Result, error) {
	if h := bound(ctx, conv); h != nil {
		res, err := ctx.Call(h, payload, parent)
		if err != nil || !res.Rejected() {
			return res, err
		}
	}
	low, high := srcPort, dstPort
	if high < low {
		low, high = high, low
	}
	for _, port := range []uint16{low, high} {
		res, ok, err := ctx.TryUint(engine.TableUDPPort, uint64(port), payload, parent)
		if err != nil || ok {
			return res, err
		}
		if low == high {
			break
		}
	}
	res, ok, err := ctx.TryHeuristics(engine.TableUDPPort, payload, parent)
	if err != nil || ok {
		return res, err
	}
	return ctx.CallData(payload, parent)
}

// bound returns the dissector pinned to conv, binding an expectation announced
// for one of its endpoints on the first pass.
func bound(ctx *dissector.Context, conv *conversation.Conversation) *dissector.Handle {
	if conv == nil {
		return nil
	}
	if h, ok := conv.Dissector(ctx.Frame).(*dissector.Handle); ok && h != nil {
		return h
	}
	for _, ep := range []conversation.Endpoint{conv.Key.A, conv.Key.B} {
		e, ok := ctx.Conversations.Expected(core.PortUDP, ep, ctx.Frame)
		if !ok {
			continue
		}
		h, ok := e.Dissector.(*dissector.Handle)
		if !ok {
			continue
		}
		if !ctx.Visited {
			conv.Bind(e, ctx.Frame)
		}
		return h
	}
	return nil
}
