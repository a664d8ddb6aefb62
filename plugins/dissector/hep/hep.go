// Package hep dissects HEPv3, the Homer Encapsulation Protocol that capture
// agents use to mirror SIP, RTP and RTCP to a collector.
//
// Frame layout:
//
//	Offset  Size  Description
//	0       4     Magic "HEP3"
//	4       2     Total frame length, header included
//	6       …     Chunks
//
// Each chunk is a vendor ID, a chunk type and a length that includes the
// 6-byte chunk header, followed by the value. The payload chunk is handed to
// the dissector registered for the frame's protocol type in TableProtoType.
package hep

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
)

const (
	// Port is the customary HEP collector port.
	Port = 9060
	// TableProtoType maps the HEP protocol type chunk to payload dissectors.
	TableProtoType = "hep.proto_type"
	// Heuristic is the short name of the HEP3 magic check on the UDP and TCP port tables.
	Heuristic = "hep"

	magic          = "HEP3"
	headerLen      = 6
	chunkHeaderLen = 6
)

// Standard chunk types of vendor 0x0000.
const (
	chunkIPFamily  = 1
	chunkIPProto   = 2
	chunkSrcIPv4   = 3
	chunkDstIPv4   = 4
	chunkSrcIPv6   = 5
	chunkDstIPv6   = 6
	chunkSrcPort   = 7
	chunkDstPort   = 8
	chunkTimeSec   = 9
	chunkTimeUsec  = 10
	chunkProtoType = 11
	chunkCaptureID = 12
	chunkAuthKey   = 14
	chunkPayload   = 15
	chunkCorrID    = 17
	chunkVLAN      = 18
	chunkNodeName  = 19
)

// Protocol type values of chunk 11.
const (
	ProtoSIP  = 1
	ProtoRTP  = 4
	ProtoRTCP = 5
	ProtoLog  = 100
)

var bigEndian = binary.BigEndian

var chunkNames = map[uint64]string{
	chunkIPFamily:  "IP family",
	chunkIPProto:   "IP protocol ID",
	chunkSrcIPv4:   "IPv4 source address",
	chunkDstIPv4:   "IPv4 destination address",
	chunkSrcIPv6:   "IPv6 source address",
	chunkDstIPv6:   "IPv6 destination address",
	chunkSrcPort:   "Source port",
	chunkDstPort:   "Destination port",
	chunkTimeSec:   "Timestamp",
	chunkTimeUsec:  "Timestamp µs offset",
	chunkProtoType: "Protocol type",
	chunkCaptureID: "Capture agent ID",
	chunkAuthKey:   "Authentication key",
	chunkPayload:   "Captured packet payload",
	chunkCorrID:    "Correlation ID",
	chunkVLAN:      "VLAN ID",
	chunkNodeName:  "Capture node name",
}

var familyNames = map[uint64]string{2: "IPv4", 10: "IPv6"}

var ipProtoNames = map[uint64]string{6: "TCP", 17: "UDP", 132: "SCTP"}

var protoTypeNames = map[uint64]string{
	ProtoSIP:  "SIP",
	2:         "XMPP",
	3:         "SDP",
	ProtoRTP:  "RTP",
	ProtoRTCP: "RTCP",
	6:         "MGCP",
	7:         "MEGACO (H.248)",
	8:         "M2UA (SS7/SIGTRAN)",
	9:         "M3UA (SS7/SIGTRAN)",
	10:        "IAX",
	11:        "H.322",
	12:        "H.321",
	ProtoLog:  "Log",
}

type hepFields struct {
	version, length                              proto.FieldID
	vendor, chunkType, chunkLen                  proto.FieldID
	family, ipProto, srcIPv4, dstIPv4            proto.FieldID
	srcIPv6, dstIPv6, srcPort, dstPort           proto.FieldID
	tsSec, tsUsec, protoType, captureID, authKey proto.FieldID
	payload, corrID, vlan, nodeName, unknown     proto.FieldID
}

// chunkField maps the standard chunk types to their value field and width.
type chunkField struct {
	id    *proto.FieldID
	width int // 0 for variable length
}

type hep struct {
	hf     hepFields
	values map[uint16]chunkField
	handle *dissector.Handle
}

// Registrar returns the HEPv3 registrar. Payload handoff to SIP, RTP and RTCP
// is wired when those dissectors are registered.
func Registrar() engine.Registrar {
	d := &hep{}
	return engine.Registrar{Name: "hep", Register: d.register, Handoff: d.handoff}
}

func (d *hep) register(e *engine.Engine) error {
	fields := e.Fields()
	id, err := fields.RegisterProtocol("HEP3 - Homer Encapsulation Protocol Ver. 3", "hep")
	if err != nil {
		return err
	}
	f := &d.hf
	for _, def := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.version, proto.FieldDef{Abbrev: "hep.version", Name: "HEP Version", Type: proto.TypeString}},
		{&f.length, proto.FieldDef{Abbrev: "hep.length", Name: "HEP Packet Length (Bytes)", Type: proto.TypeUint16}},
		{&f.vendor, proto.FieldDef{Abbrev: "hep.vendor_id", Name: "Vendor ID", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&f.chunkType, proto.FieldDef{Abbrev: "hep.chunk_type", Name: "Chunk type", Type: proto.TypeUint16, Strings: chunkNames}},
		{&f.chunkLen, proto.FieldDef{Abbrev: "hep.chunk_length", Name: "Length", Type: proto.TypeUint16}},
		{&f.family, proto.FieldDef{Abbrev: "hep.ip_family", Name: "IP family", Type: proto.TypeUint8, Strings: familyNames}},
		{&f.ipProto, proto.FieldDef{Abbrev: "hep.ip_proto", Name: "IP protocol ID", Type: proto.TypeUint8, Strings: ipProtoNames}},
		{&f.srcIPv4, proto.FieldDef{Abbrev: "hep.src_ip4", Name: "IPv4 source address", Type: proto.TypeIPv4}},
		{&f.dstIPv4, proto.FieldDef{Abbrev: "hep.dst_ip4", Name: "IPv4 destination address", Type: proto.TypeIPv4}},
		{&f.srcIPv6, proto.FieldDef{Abbrev: "hep.src_ip6", Name: "IPv6 source address", Type: proto.TypeIPv6}},
		{&f.dstIPv6, proto.FieldDef{Abbrev: "hep.dst_ip6", Name: "IPv6 destination address", Type: proto.TypeIPv6}},
		{&f.srcPort, proto.FieldDef{Abbrev: "hep.src_port", Name: "Source port", Type: proto.TypeUint16}},
		{&f.dstPort, proto.FieldDef{Abbrev: "hep.dst_port", Name: "Destination port", Type: proto.TypeUint16}},
		{&f.tsSec, proto.FieldDef{Abbrev: "hep.timestamp", Name: "Timestamp", Type: proto.TypeAbsTime}},
		{&f.tsUsec, proto.FieldDef{Abbrev: "hep.timestamp_us", Name: "Timestamp µs offset", Type: proto.TypeUint32}},
		{&f.protoType, proto.FieldDef{Abbrev: "hep.proto_type", Name: "Protocol type", Type: proto.TypeUint8, Strings: protoTypeNames}},
		{&f.captureID, proto.FieldDef{Abbrev: "hep.capture_id", Name: "Capture agent ID", Type: proto.TypeUint32}},
		{&f.authKey, proto.FieldDef{Abbrev: "hep.capture_password", Name: "Authentication key", Type: proto.TypeString}},
		{&f.payload, proto.FieldDef{Abbrev: "hep.payload", Name: "Captured packet payload", Type: proto.TypeBytes}},
		{&f.corrID, proto.FieldDef{Abbrev: "hep.correlation_id", Name: "Correlation ID", Type: proto.TypeString}},
		{&f.vlan, proto.FieldDef{Abbrev: "hep.vlan_id", Name: "VLAN ID", Type: proto.TypeUint16}},
		{&f.nodeName, proto.FieldDef{Abbrev: "hep.node_name", Name: "Capture node name", Type: proto.TypeString}},
		{&f.unknown, proto.FieldDef{Abbrev: "hep.chunk_value", Name: "Chunk value", Type: proto.TypeBytes}},
	} {
		def.def.Parent = "hep"
		if *def.id, err = fields.Register(def.def); err != nil {
			return err
		}
	}
	d.values = map[uint16]chunkField{
		chunkIPFamily:  {&f.family, 1},
		chunkIPProto:   {&f.ipProto, 1},
		chunkSrcIPv4:   {&f.srcIPv4, 4},
		chunkDstIPv4:   {&f.dstIPv4, 4},
		chunkSrcIPv6:   {&f.srcIPv6, 16},
		chunkDstIPv6:   {&f.dstIPv6, 16},
		chunkSrcPort:   {&f.srcPort, 2},
		chunkDstPort:   {&f.dstPort, 2},
		chunkTimeSec:   {&f.tsSec, 4},
		chunkTimeUsec:  {&f.tsUsec, 4},
		chunkProtoType: {&f.protoType, 1},
		chunkCaptureID: {&f.captureID, 4},
		chunkAuthKey:   {&f.authKey, 0},
		chunkPayload:   {&f.payload, 0},
		chunkCorrID:    {&f.corrID, 0},
		chunkVLAN:      {&f.vlan, 2},
		chunkNodeName:  {&f.nodeName, 0},
	}

	reg := e.Dissectors()
	if _, err := reg.CreateTable(TableProtoType, "HEP protocol type", dissector.KeyUint); err != nil {
		return err
	}
	d.handle = dissector.NewHandle("hep", id, "hep", d.dissect)
	reg.Register(d.handle)
	return nil
}

func (d *hep) handoff(e *engine.Engine) error {
	reg := e.Dissectors()
	for _, t := range []string{engine.TableUDPPort, engine.TableTCPPort} {
		if err := reg.SetUint(t, Port, d.handle); err != nil {
			return err
		}
		heuristic := dissector.NewHandle("hep_heur", d.handle.Protocol(), "hep", d.heuristic)
		if err := e.AddHeuristic(t, Heuristic, heuristic, true); err != nil {
			return err
		}
	}
	for key, name := range map[uint64]string{ProtoSIP: "sip", ProtoRTP: "rtp", ProtoRTCP: "rtcp"} {
		h, ok := reg.Lookup(name)
		if !ok {
			continue
		}
		if err := reg.SetUint(TableProtoType, key, h); err != nil {
			return err
		}
	}
	return nil
}

func (d *hep) heuristic(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	if buf.CapturedLength() < headerLen+chunkHeaderLen {
		return dissector.Reject(), nil
	}
	return d.dissect(ctx, buf, parent)
}

// frameInfo collects the chunks that describe the encapsulated packet.
type frameInfo struct {
	src, dst         netip.Addr
	srcPort, dstPort uint16
	protoType        uint8
	hasProtoType     bool
	payloadOff       int
	payloadLen       int
}

func (d *hep) dissect(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	m, err := buf.String(0, len(magic))
	if err != nil || m != magic {
		return dissector.Reject(), nil
	}
	length, err := buf.Uint16(4, bigEndian)
	if err != nil {
		return dissector.Reject(), nil
	}
	f := &d.hf
	total := int(length)
	var bad error
	switch {
	case total < headerLen:
		bad = fmt.Errorf("HEP length %d is shorter than the header", total)
		total = buf.ReportedLength()
	case total > buf.ReportedLength():
		if ctx.CanDesegment() {
			return dissector.NeedMore(0, total-buf.CapturedLength()), nil
		}
		bad = fmt.Errorf("HEP length %d exceeds the %d bytes available", total, buf.ReportedLength())
		total = buf.ReportedLength()
	}

	ctx.Columns.Set(proto.ColProtocol, "HEP3")
	layer := ctx.AddLayer(parent, buf, 0, total)
	if _, err := ctx.Tree.AddField(layer, f.version, buf, 0, len(magic), proto.EncNA); err != nil {
		return dissector.Result{}, err
	}
	if _, err := ctx.Tree.AddField(layer, f.length, buf, 4, 2, proto.EncBigEndian); err != nil {
		return dissector.Result{}, err
	}

	var fi frameInfo
	off := headerLen
	for bad == nil && off < total {
		if total-off < chunkHeaderLen {
			bad = fmt.Errorf("%d trailing bytes after the last chunk", total-off)
			break
		}
		n, err := d.addChunk(ctx, layer, buf, off, total, &fi)
		if err != nil {
			return dissector.Result{}, err
		}
		if n < chunkHeaderLen {
			chunkLen, _ := buf.Uint16(off+4, bigEndian)
			bad = fmt.Errorf("chunk at offset %d has invalid length %d", off, chunkLen)
			break
		}
		off += n
	}

	info := "HEP3"
	if fi.src.IsValid() && fi.dst.IsValid() {
		src := netip.AddrPortFrom(fi.src, fi.srcPort)
		dst := netip.AddrPortFrom(fi.dst, fi.dstPort)
		ctx.Tree.AppendLabel(layer, fmt.Sprintf(", Src: %s, Dst: %s", src, dst))
		info = fmt.Sprintf("HEP3 %s → %s", src, dst)
	}
	ctx.Columns.Set(proto.ColInfo, info)
	ctx.Columns.FenceSep(proto.ColInfo, " | ")

	if fi.payloadLen > 0 {
		inner, err := buf.Subset(fi.payloadOff, fi.payloadLen)
		if err != nil {
			return dissector.Result{}, err
		}
		key := uint64(fi.protoType)
		if !fi.hasProtoType {
			key = 0
		}
		if _, err := ctx.DispatchUint(TableProtoType, key, inner, parent); err != nil {
			return dissector.Result{}, err
		}
	}
	if bad != nil {
		ctx.Malformed(bad)
	}
	return dissector.Accept(total), nil
}

// addChunk shows the chunk at off and returns its length, or a value below the
// chunk header size when the length field is unusable.
func (d *hep) addChunk(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, off, end int, fi *frameInfo) (int, error) {
	f := &d.hf
	vendor, err := buf.Uint16(off, bigEndian)
	if err != nil {
		return 0, err
	}
	typ, err := buf.Uint16(off+2, bigEndian)
	if err != nil {
		return 0, err
	}
	n16, err := buf.Uint16(off+4, bigEndian)
	if err != nil {
		return 0, err
	}
	n := int(n16)
	if n < chunkHeaderLen || off+n > end {
		return 0, nil
	}

	name := chunkNames[uint64(typ)]
	cf, known := d.values[typ]
	if vendor != 0 || !known {
		name = fmt.Sprintf("Vendor 0x%04x chunk %d", vendor, typ)
		known = false
	}
	node := ctx.Tree.AddSubtree(layer, name, buf, off, n)
	ctx.Tree.AddField(node, f.vendor, buf, off, 2, proto.EncBigEndian)
	ctx.Tree.AddField(node, f.chunkType, buf, off+2, 2, proto.EncBigEndian)
	ctx.Tree.AddField(node, f.chunkLen, buf, off+4, 2, proto.EncBigEndian)

	valueOff, valueLen := off+chunkHeaderLen, n-chunkHeaderLen
	if valueLen == 0 {
		return n, nil
	}
	if !known || (cf.width > 0 && cf.width != valueLen) {
		ctx.Tree.AddField(node, f.unknown, buf, valueOff, valueLen, proto.EncNA)
		return n, nil
	}

	h, err := ctx.Tree.AddField(node, *cf.id, buf, valueOff, valueLen, proto.EncBigEndian)
	if err != nil {
		return 0, err
	}
	if typ != chunkPayload {
		if nd, err := ctx.Tree.Node(h); err == nil {
			ctx.Tree.AppendLabel(node, ": "+proto.Format(nd.Field, nd.Value))
		}
	}

	switch typ {
	case chunkSrcIPv4, chunkSrcIPv6, chunkDstIPv4, chunkDstIPv6:
		raw, err := buf.Bytes(valueOff, valueLen)
		if err != nil {
			return 0, err
		}
		addr, _ := netip.AddrFromSlice(raw)
		if typ == chunkSrcIPv4 || typ == chunkSrcIPv6 {
			fi.src = addr
		} else {
			fi.dst = addr
		}
	case chunkSrcPort:
		fi.srcPort, _ = buf.Uint16(valueOff, bigEndian)
	case chunkDstPort:
		fi.dstPort, _ = buf.Uint16(valueOff, bigEndian)
	case chunkProtoType:
		fi.protoType, _ = buf.Uint8(valueOff)
		fi.hasProtoType = true
	case chunkPayload:
		fi.payloadOff, fi.payloadLen = valueOff, valueLen
	}
	return n, nil
}
