// Package pfcp dissects the Packet Forwarding Control Protocol spoken between
// the control and user planes of a mobile core (3GPP TS 29.244). Requests and
// responses are paired by sequence number.
package pfcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/wmnsk/go-pfcp/ie"
	"github.com/wmnsk/go-pfcp/message"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
)

const (
	// Port is the PFCP UDP port.
	Port = 8805

	version       = 1
	minHeaderLen  = 8
	seidHeaderLen = 16
	ieHeaderLen   = 4
	maxIEDepth    = 8
)

// txKey namespaces PFCP sequence numbers in the transaction table.
type txKey uint32

type pfcpFields struct {
	flags, version, fo, mp, s, msgType, length, seid, seq, priority proto.FieldID
	ie, ieType, ieLen, enterprise, ieValue                          proto.FieldID
	cause, recovery, nodeID, fseidSEID, fseidV4, fseidV6            proto.FieldID
	pdrID, farID, precedence, networkInstance, ueIPv4, ueIPv6       proto.FieldID
	srcInterface, dstInterface                                      proto.FieldID
	responseIn, responseTo, responseTime                            proto.FieldID
}

type pfcpDissector struct {
	hf     pfcpFields
	handle *dissector.Handle
}

// Registrar returns the PFCP registrar.
func Registrar() engine.Registrar {
	d := &pfcpDissector{}
	return engine.Registrar{Name: "pfcp", Register: d.register, Handoff: d.handoff}
}

func (d *pfcpDissector) register(e *engine.Engine) error {
	fields := e.Fields()
	id, err := fields.RegisterProtocol("Packet Forwarding Control Protocol", "pfcp")
	if err != nil {
		return err
	}
	f := &d.hf
	for _, def := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.flags, proto.FieldDef{Abbrev: "pfcp.flags", Name: "Flags", Type: proto.TypeUint8, Display: proto.DisplayHex}},
		{&f.version, proto.FieldDef{Abbrev: "pfcp.version", Name: "Version", Type: proto.TypeUint8, Bitmask: 0xe0}},
		{&f.fo, proto.FieldDef{Abbrev: "pfcp.fo_flag", Name: "Follow On (FO)", Type: proto.TypeBool, Bitmask: 0x04}},
		{&f.mp, proto.FieldDef{Abbrev: "pfcp.mp_flag", Name: "Message Priority (MP)", Type: proto.TypeBool, Bitmask: 0x02}},
		{&f.s, proto.FieldDef{Abbrev: "pfcp.s", Name: "SEID (S)", Type: proto.TypeBool, Bitmask: 0x01}},
		{&f.msgType, proto.FieldDef{Abbrev: "pfcp.msg_type", Name: "Message Type", Type: proto.TypeUint8, Strings: messageTypeNames}},
		{&f.length, proto.FieldDef{Abbrev: "pfcp.length", Name: "Length", Type: proto.TypeUint16}},
		{&f.seid, proto.FieldDef{Abbrev: "pfcp.seid", Name: "SEID", Type: proto.TypeUint64, Display: proto.DisplayHex}},
		{&f.seq, proto.FieldDef{Abbrev: "pfcp.seqno", Name: "Sequence Number", Type: proto.TypeUint24}},
		{&f.priority, proto.FieldDef{Abbrev: "pfcp.mp", Name: "Message Priority", Type: proto.TypeUint8, Bitmask: 0xf0}},
		{&f.ie, proto.FieldDef{Abbrev: "pfcp.ie", Name: "Information Element", Type: proto.TypeNone}},
		{&f.ieType, proto.FieldDef{Abbrev: "pfcp.ie_type", Name: "IE Type", Type: proto.TypeUint16, Strings: ieTypeNames}},
		{&f.ieLen, proto.FieldDef{Abbrev: "pfcp.ie_len", Name: "IE Length", Type: proto.TypeUint16}},
		{&f.enterprise, proto.FieldDef{Abbrev: "pfcp.enterprise_id", Name: "Enterprise ID", Type: proto.TypeUint16}},
		{&f.ieValue, proto.FieldDef{Abbrev: "pfcp.ie.value", Name: "Value", Type: proto.TypeBytes}},
		{&f.cause, proto.FieldDef{Abbrev: "pfcp.cause", Name: "Cause", Type: proto.TypeUint8, Strings: causeNames}},
		{&f.recovery, proto.FieldDef{Abbrev: "pfcp.recovery_time_stamp", Name: "Recovery Time Stamp", Type: proto.TypeAbsTime}},
		{&f.nodeID, proto.FieldDef{Abbrev: "pfcp.node_id", Name: "Node ID", Type: proto.TypeString}},
		{&f.fseidSEID, proto.FieldDef{Abbrev: "pfcp.f_seid.seid", Name: "SEID", Type: proto.TypeUint64, Display: proto.DisplayHex}},
		{&f.fseidV4, proto.FieldDef{Abbrev: "pfcp.f_seid.ipv4", Name: "IPv4 address", Type: proto.TypeIPv4}},
		{&f.fseidV6, proto.FieldDef{Abbrev: "pfcp.f_seid.ipv6", Name: "IPv6 address", Type: proto.TypeIPv6}},
		{&f.pdrID, proto.FieldDef{Abbrev: "pfcp.pdr_id", Name: "Rule ID", Type: proto.TypeUint16}},
		{&f.farID, proto.FieldDef{Abbrev: "pfcp.far_id", Name: "FAR ID", Type: proto.TypeUint32}},
		{&f.precedence, proto.FieldDef{Abbrev: "pfcp.precedence", Name: "Precedence", Type: proto.TypeUint32}},
		{&f.networkInstance, proto.FieldDef{Abbrev: "pfcp.network_instance", Name: "Network Instance", Type: proto.TypeString}},
		{&f.ueIPv4, proto.FieldDef{Abbrev: "pfcp.ue_ip_addr_ipv4", Name: "IPv4 address", Type: proto.TypeIPv4}},
		{&f.ueIPv6, proto.FieldDef{Abbrev: "pfcp.ue_ip_add_ipv6", Name: "IPv6 address", Type: proto.TypeIPv6}},
		{&f.srcInterface, proto.FieldDef{Abbrev: "pfcp.source_interface", Name: "Source Interface", Type: proto.TypeUint8, Strings: interfaceNames}},
		{&f.dstInterface, proto.FieldDef{Abbrev: "pfcp.dst_interface", Name: "Interface", Type: proto.TypeUint8, Strings: interfaceNames}},
		{&f.responseIn, proto.FieldDef{Abbrev: "pfcp.response_in", Name: "Response In", Type: proto.TypeFrameNum}},
		{&f.responseTo, proto.FieldDef{Abbrev: "pfcp.response_to", Name: "Response To", Type: proto.TypeFrameNum}},
		{&f.responseTime, proto.FieldDef{Abbrev: "pfcp.response_time", Name: "Response Time", Type: proto.TypeRelTime}},
	} {
		def.def.Parent = "pfcp"
		if *def.id, err = fields.Register(def.def); err != nil {
			return err
		}
	}
	d.handle = dissector.NewHandle("pfcp", id, "pfcp", d.dissect)
	e.Dissectors().Register(d.handle)
	return nil
}

func (d *pfcpDissector) handoff(e *engine.Engine) error {
	return e.Dissectors().SetUint(engine.TableUDPPort, Port, d.handle)
}

// dissect walks the messages of one datagram; the FO flag chains a further
// message after the current one.
func (d *pfcpDissector) dissect(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	first, err := buf.Uint8(0)
	if err != nil || first>>5 != version {
		return dissector.Reject(), nil
	}
	ctx.Columns.Set(proto.ColProtocol, "PFCP")
	off := 0
	for off < buf.CapturedLength() {
		n, more, err := d.dissectMessage(ctx, buf, parent, off)
		if err != nil {
			return dissector.Result{}, err
		}
		off += n
		if !more {
			break
		}
	}
	return dissector.Accept(off), nil
}

func (d *pfcpDissector) dissectMessage(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle, off int) (int, bool, error) {
	f := &d.hf
	flags, err := buf.Uint8(off)
	if err != nil {
		return 0, false, err
	}
	msgType, err := buf.Uint8(off + 1)
	if err != nil {
		return 0, false, err
	}
	length, err := buf.Uint16(off+2, binary.BigEndian)
	if err != nil {
		return 0, false, err
	}
	hasSEID := flags&0x01 != 0
	hdrLen := minHeaderLen
	if hasSEID {
		hdrLen = seidHeaderLen
	}

	total := 4 + int(length)
	var short error
	if avail := buf.ReportedLength() - off; total > avail {
		short = fmt.Errorf("PFCP length %d exceeds the %d bytes available", length, avail-4)
		total = avail
	}
	if total < hdrLen {
		short = fmt.Errorf("PFCP length %d is shorter than the header", length)
		total = min(hdrLen, buf.ReportedLength()-off)
	}

	layer := ctx.AddLayer(parent, buf, off, total)
	flagsNode, _ := ctx.Tree.AddField(layer, f.flags, buf, off, 1, proto.EncBigEndian)
	for _, id := range []proto.FieldID{f.version, f.fo, f.mp, f.s} {
		if _, err := ctx.Tree.AddField(flagsNode, id, buf, off, 1, proto.EncBigEndian); err != nil {
			return 0, false, err
		}
	}
	if _, err := ctx.Tree.AddField(layer, f.msgType, buf, off+1, 1, proto.EncBigEndian); err != nil {
		return 0, false, err
	}
	if _, err := ctx.Tree.AddField(layer, f.length, buf, off+2, 2, proto.EncBigEndian); err != nil {
		return 0, false, err
	}
	seqOff := off + 4
	if hasSEID {
		if _, err := ctx.Tree.AddField(layer, f.seid, buf, off+4, 8, proto.EncBigEndian); err != nil {
			return 0, false, err
		}
		seqOff = off + 12
	}
	if _, err := ctx.Tree.AddField(layer, f.seq, buf, seqOff, 3, proto.EncBigEndian); err != nil {
		return 0, false, err
	}
	if flags&0x02 != 0 {
		if _, err := ctx.Tree.AddField(layer, f.priority, buf, seqOff+3, 1, proto.EncBigEndian); err != nil {
			return 0, false, err
		}
	}
	seq, err := buf.Uint24(seqOff, binary.BigEndian)
	if err != nil {
		return 0, false, err
	}

	name := messageTypeNames[uint64(msgType)]
	if name == "" {
		name = fmt.Sprintf("Unknown (%d)", msgType)
	}
	ctx.Tree.AppendLabel(layer, ": "+name)
	info := name
	if hasSEID {
		if seid, err := buf.Uint64(off+4, binary.BigEndian); err == nil {
			info += fmt.Sprintf(" SEID=0x%016x", seid)
		}
	}
	ctx.Columns.Set(proto.ColInfo, info)
	ctx.Columns.FenceSep(proto.ColInfo, ", ")

	if short == nil {
		raw, err := buf.Bytes(off, min(total, buf.CapturedLength()-off))
		if err != nil {
			return 0, false, err
		}
		// go-pfcp checks the mandatory layout of the message types it knows
		if _, perr := message.Parse(raw); perr != nil {
			short = fmt.Errorf("%s: %v", name, perr)
		}
	}
	if body := total - hdrLen; body > 0 {
		d.addIEs(ctx, layer, buf, off+hdrLen, body, 0)
	}
	if short != nil {
		ctx.Malformed(short)
	}

	d.transaction(ctx, layer, msgType, seq)
	return total, flags&0x04 != 0 && short == nil, nil
}

// addIEs shows the IEs in buf[off:off+n]. Grouped IEs are expanded through the
// children go-pfcp parsed for them.
func (d *pfcpDissector) addIEs(ctx *dissector.Context, parent proto.Handle, buf *buffer.Buffer, off, n, depth int) {
	raw, err := buf.Bytes(off, min(n, buf.CapturedLength()-off))
	if err != nil || len(raw) == 0 {
		return
	}
	ies, err := ie.ParseMultiIEs(raw)
	if err != nil {
		ctx.Tree.AddValue(parent, d.hf.ieValue, buf, off, len(raw), proto.BytesValue(raw))
		return
	}
	for _, i := range ies {
		size := ieHeaderLen + int(i.Length)
		d.addIE(ctx, parent, buf, off, min(size, len(raw)), i, depth)
		off += size
		raw = raw[min(size, len(raw)):]
	}
}

func (d *pfcpDissector) addIE(ctx *dissector.Context, parent proto.Handle, buf *buffer.Buffer, off, n int, i *ie.IE, depth int) {
	f := &d.hf
	name := ieTypeNames[uint64(i.Type)]
	if name == "" {
		name = fmt.Sprintf("Unknown IE (%d)", i.Type)
	}
	node := ctx.Tree.AddSubtree(parent, name+" : ", buf, off, n)
	ctx.Tree.AddValue(node, f.ieType, buf, off, 2, proto.UintValue(i.Type))
	ctx.Tree.AddValue(node, f.ieLen, buf, off+2, 2, proto.UintValue(i.Length))
	valueOff := off + ieHeaderLen
	if i.Type&0x8000 != 0 {
		ctx.Tree.AddValue(node, f.enterprise, buf, valueOff, 2, proto.UintValue(i.EnterpriseID))
		valueOff += 2
	}
	valueLen := n - (valueOff - off)

	if len(i.ChildIEs) > 0 && depth < maxIEDepth {
		for _, c := range i.ChildIEs {
			size := ieHeaderLen + int(c.Length)
			d.addIE(ctx, node, buf, valueOff, min(size, off+n-valueOff), c, depth+1)
			valueOff += size
		}
		return
	}

	summary, ok := d.addDecoded(ctx, node, buf, valueOff, valueLen, i)
	if !ok {
		if valueLen > 0 {
			ctx.Tree.AddValue(node, f.ieValue, buf, valueOff, valueLen, proto.BytesValue(i.Payload))
		}
		return
	}
	ctx.Tree.AppendLabel(node, summary)
}

// addDecoded adds the typed value of the IEs this dissector understands and
// returns the text shown after the IE name.
func (d *pfcpDissector) addDecoded(ctx *dissector.Context, node proto.Handle, buf *buffer.Buffer, off, n int, i *ie.IE) (string, bool) {
	f := &d.hf
	add := func(id proto.FieldID, v proto.Value) string {
		h := ctx.Tree.AddValue(node, id, buf, off, n, v)
		if nd, err := ctx.Tree.Node(h); err == nil {
			return proto.Format(nd.Field, nd.Value)
		}
		return v.String()
	}
	switch i.Type {
	case ie.Cause:
		if v, err := i.Cause(); err == nil {
			return add(f.cause, proto.UintValue(v)), true
		}
	case ie.RecoveryTimeStamp:
		if v, err := i.RecoveryTimeStamp(); err == nil {
			return add(f.recovery, proto.TimeValue(v)), true
		}
	case ie.NodeID:
		if v, err := i.NodeID(); err == nil {
			return add(f.nodeID, proto.StringValue(v)), true
		}
	case ie.FSEID:
		v, err := i.FSEID()
		if err != nil {
			break
		}
		ctx.Tree.AddValue(node, f.fseidSEID, buf, off+1, 8, proto.UintValue(v.SEID))
		summary := fmt.Sprintf("SEID: 0x%016x", v.SEID)
		if a, ok := ipValue(v.IPv4Address); ok {
			ctx.Tree.AddValue(node, f.fseidV4, buf, off+9, 4, a)
			summary += ", IPv4 " + a.String()
		}
		if a, ok := ipValue(v.IPv6Address); ok {
			ctx.Tree.AddValue(node, f.fseidV6, buf, off+n-16, 16, a)
			summary += ", IPv6 " + a.String()
		}
		return summary, true
	case ie.PDRID:
		if v, err := i.PDRID(); err == nil {
			return add(f.pdrID, proto.UintValue(v)), true
		}
	case ie.FARID:
		if v, err := i.FARID(); err == nil {
			return add(f.farID, proto.UintValue(v)), true
		}
	case ie.Precedence:
		if v, err := i.Precedence(); err == nil {
			return add(f.precedence, proto.UintValue(v)), true
		}
	case ie.NetworkInstance:
		if v, err := i.NetworkInstance(); err == nil {
			return add(f.networkInstance, proto.StringValue(v)), true
		}
	case ie.SourceInterface:
		if v, err := i.SourceInterface(); err == nil {
			return add(f.srcInterface, proto.UintValue(v)), true
		}
	case ie.DestinationInterface:
		if v, err := i.DestinationInterface(); err == nil {
			return add(f.dstInterface, proto.UintValue(v)), true
		}
	case ie.UEIPAddress:
		v, err := i.UEIPAddress()
		if err != nil {
			break
		}
		var parts []string
		if a, ok := ipValue(v.IPv4Address); ok {
			ctx.Tree.AddValue(node, f.ueIPv4, buf, off+1, 4, a)
			parts = append(parts, a.String())
		}
		if a, ok := ipValue(v.IPv6Address); ok {
			ctx.Tree.AddValue(node, f.ueIPv6, buf, off+n-16, 16, a)
			parts = append(parts, a.String())
		}
		return strings.Join(parts, ", "), len(parts) > 0
	}
	return "", false
}

func ipValue(ip net.IP) (proto.AddrValue, bool) {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok || len(ip) == 0 {
		return proto.AddrValue{}, false
	}
	return proto.AddrValue{Addr: core.IPAddress{Addr: addr}}, true
}

// transaction pairs a request with its response by sequence number.
func (d *pfcpDissector) transaction(ctx *dissector.Context, layer proto.Handle, msgType uint8, seq uint32) {
	if ctx.Conversation == nil || ctx.Conversations == nil {
		return
	}
	f := &d.hf
	switch {
	case isRequest(msgType):
		tx, ok := ctx.Conversations.Start(ctx.Conversation, txKey(seq), ctx.Frame, ctx.Timestamp, ctx.Visited)
		if ok && tx.ResponseFrame != 0 {
			ctx.Tree.AddGenerated(layer, f.responseIn, proto.UintValue(tx.ResponseFrame))
		}
	case isResponse(msgType):
		tx, ok := ctx.Conversations.End(ctx.Conversation, txKey(seq), ctx.Frame, ctx.Timestamp, ctx.Visited)
		if !ok {
			return
		}
		ctx.Tree.AddGenerated(layer, f.responseTo, proto.UintValue(tx.RequestFrame))
		ctx.Tree.AddGenerated(layer, f.responseTime, proto.DurationValue(tx.RTT()))
	}
}
