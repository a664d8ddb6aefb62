// Package tcp dissects TCP segments. Payloads are handed to application
// dissectors through the stream desegmenter so PDUs spanning several segments
// are dissected once, in the frame that completes them.
package tcp

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/internal/reassembly"
	"firestige.xyz/dissect/plugins/dissector/ip"
)

const (
	minHeaderLen = 20
	convDataKey  = "tcp"
)

// Flag bits of the 12-bit flags field.
const (
	FlagFIN = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

var flagNames = []struct {
	bit  uint16
	name string
}{
	{FlagNS, "NS"}, {FlagCWR, "CWR"}, {FlagECE, "ECE"}, {FlagURG, "URG"},
	{FlagACK, "ACK"}, {FlagPSH, "PSH"}, {FlagRST, "RST"}, {FlagSYN, "SYN"}, {FlagFIN, "FIN"},
}

// option kinds
const (
	optEOL       = 0
	optNOP       = 1
	optMSS       = 2
	optWScale    = 3
	optSACKPerm  = 4
	optSACK      = 5
	optTimestamp = 8
)

var optionNames = map[uint64]string{
	optEOL:       "End of Option List",
	optNOP:       "No-Operation",
	optMSS:       "Maximum segment size",
	optWScale:    "Window scale",
	optSACKPerm:  "SACK permitted",
	optSACK:      "SACK",
	optTimestamp: "Timestamps",
}

// streamKey identifies one direction of a TCP conversation for desegmentation.
type streamKey struct {
	conv    int
	forward bool
}

// convData is what TCP keeps per conversation: the initial sequence number of
// each direction, for relative numbering.
type convData struct {
	mu   sync.Mutex
	base [2]uint32
	set  [2]bool
}

type tcp struct {
	hfSrcPort, hfDstPort, hfPort, hfStream, hfLen                 proto.FieldID
	hfSeq, hfSeqRaw, hfNxtSeq, hfAck, hfAckRaw, hfHdrLen, hfFlags proto.FieldID
	hfFlagBits                                                    map[uint16]proto.FieldID
	hfWindow, hfChecksum, hfUrgent                                proto.FieldID
	hfOptKind, hfOptLen, hfOptMSS, hfOptWScale, hfOptTSVal        proto.FieldID
	hfOptTSEcr, hfOptSACKLeft, hfOptSACKRight                     proto.FieldID
	hfSegmentData, hfReassembledIn, hfSegment, hfSegmentCount     proto.FieldID
	hfReassembledLen, hfRetransmission                            proto.FieldID

	handle *dissector.Handle
}

// Registrar returns the TCP registrar.
func Registrar() engine.Registrar {
	d := &tcp{hfFlagBits: make(map[uint16]proto.FieldID)}
	return engine.Registrar{Name: "tcp", Register: d.register, Handoff: d.handoff}
}

func (d *tcp) register(e *engine.Engine) error {
	fields := e.Fields()
	id, err := fields.RegisterProtocol("Transmission Control Protocol", "tcp")
	if err != nil {
		return err
	}
	defs := []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&d.hfSrcPort, proto.FieldDef{Abbrev: "tcp.srcport", Name: "Source Port", Type: proto.TypeUint16}},
		{&d.hfDstPort, proto.FieldDef{Abbrev: "tcp.dstport", Name: "Destination Port", Type: proto.TypeUint16}},
		{&d.hfPort, proto.FieldDef{Abbrev: "tcp.port", Name: "Source or Destination Port", Type: proto.TypeUint16}},
		{&d.hfStream, proto.FieldDef{Abbrev: "tcp.stream", Name: "Stream index", Type: proto.TypeUint32}},
		{&d.hfLen, proto.FieldDef{Abbrev: "tcp.len", Name: "TCP Segment Len", Type: proto.TypeUint32}},
		{&d.hfSeq, proto.FieldDef{Abbrev: "tcp.seq", Name: "Sequence Number (relative)", Type: proto.TypeUint32}},
		{&d.hfSeqRaw, proto.FieldDef{Abbrev: "tcp.seq_raw", Name: "Sequence Number (raw)", Type: proto.TypeUint32}},
		{&d.hfNxtSeq, proto.FieldDef{Abbrev: "tcp.nxtseq", Name: "Next Sequence Number", Type: proto.TypeUint32}},
		{&d.hfAck, proto.FieldDef{Abbrev: "tcp.ack", Name: "Acknowledgment Number (relative)", Type: proto.TypeUint32}},
		{&d.hfAckRaw, proto.FieldDef{Abbrev: "tcp.ack_raw", Name: "Acknowledgment number (raw)", Type: proto.TypeUint32}},
		{&d.hfHdrLen, proto.FieldDef{Abbrev: "tcp.hdr_len", Name: "Header Length", Type: proto.TypeUint8, Bitmask: 0xf0}},
		{&d.hfFlags, proto.FieldDef{Abbrev: "tcp.flags", Name: "Flags", Type: proto.TypeUint16, Display: proto.DisplayHex, Bitmask: 0x0fff}},
		{&d.hfWindow, proto.FieldDef{Abbrev: "tcp.window_size_value", Name: "Window", Type: proto.TypeUint16}},
		{&d.hfChecksum, proto.FieldDef{Abbrev: "tcp.checksum", Name: "Checksum", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&d.hfUrgent, proto.FieldDef{Abbrev: "tcp.urgent_pointer", Name: "Urgent Pointer", Type: proto.TypeUint16}},
		{&d.hfOptKind, proto.FieldDef{Abbrev: "tcp.option_kind", Name: "Kind", Type: proto.TypeUint8, Strings: optionNames}},
		{&d.hfOptLen, proto.FieldDef{Abbrev: "tcp.option_len", Name: "Length", Type: proto.TypeUint8}},
		{&d.hfOptMSS, proto.FieldDef{Abbrev: "tcp.options.mss_val", Name: "MSS Value", Type: proto.TypeUint16}},
		{&d.hfOptWScale, proto.FieldDef{Abbrev: "tcp.options.wscale.shift", Name: "Shift count", Type: proto.TypeUint8}},
		{&d.hfOptTSVal, proto.FieldDef{Abbrev: "tcp.options.timestamp.tsval", Name: "Timestamp value", Type: proto.TypeUint32}},
		{&d.hfOptTSEcr, proto.FieldDef{Abbrev: "tcp.options.timestamp.tsecr", Name: "Timestamp echo reply", Type: proto.TypeUint32}},
		{&d.hfOptSACKLeft, proto.FieldDef{Abbrev: "tcp.options.sack_le", Name: "left edge", Type: proto.TypeUint32}},
		{&d.hfOptSACKRight, proto.FieldDef{Abbrev: "tcp.options.sack_re", Name: "right edge", Type: proto.TypeUint32}},
		{&d.hfSegmentData, proto.FieldDef{Abbrev: "tcp.segment_data", Name: "TCP segment data", Type: proto.TypeBytes}},
		{&d.hfReassembledIn, proto.FieldDef{Abbrev: "tcp.reassembled_in", Name: "Reassembled PDU in frame", Type: proto.TypeFrameNum}},
		{&d.hfSegment, proto.FieldDef{Abbrev: "tcp.segment", Name: "TCP Segment", Type: proto.TypeFrameNum}},
		{&d.hfSegmentCount, proto.FieldDef{Abbrev: "tcp.segment.count", Name: "Segment count", Type: proto.TypeUint32}},
		{&d.hfReassembledLen, proto.FieldDef{Abbrev: "tcp.reassembled.length", Name: "Reassembled TCP length", Type: proto.TypeUint32}},
		{&d.hfRetransmission, proto.FieldDef{Abbrev: "tcp.analysis.retransmission", Name: "This frame is a (suspected) retransmission", Type: proto.TypeBool}},
	}
	for _, f := range defs {
		f.def.Parent = "tcp"
		if *f.id, err = fields.Register(f.def); err != nil {
			return err
		}
	}
	for _, fl := range flagNames {
		id, err := fields.Register(proto.FieldDef{
			Abbrev:  "tcp.flags." + strings.ToLower(fl.name),
			Name:    fl.name,
			Type:    proto.TypeBool,
			Bitmask: uint64(fl.bit),
			Parent:  "tcp",
		})
		if err != nil {
			return err
		}
		d.hfFlagBits[fl.bit] = id
	}
	if _, err := e.Dissectors().CreateTable(engine.TableTCPPort, "TCP port", dissector.KeyUint); err != nil {
		return err
	}
	d.handle = dissector.NewHandle("tcp", id, "tcp", d.dissect)
	e.Dissectors().Register(d.handle)
	return nil
}

func (d *tcp) handoff(e *engine.Engine) error {
	return e.Dissectors().SetUint(ip.TableProto, uint64(layers.IPProtocolTCP), d.handle)
}

func (d *tcp) dissect(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	layer := ctx.AddLayer(parent, buf, 0, minHeaderLen)
	hdr, err := buf.Bytes(0, minHeaderLen)
	if err != nil {
		return dissector.Result{}, err
	}
	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	seq := binary.BigEndian.Uint32(hdr[4:8])
	ack := binary.BigEndian.Uint32(hdr[8:12])
	hdrLen := int(hdr[12]>>4) * 4
	flags := binary.BigEndian.Uint16(hdr[12:14]) & 0x0fff
	window := binary.BigEndian.Uint16(hdr[14:16])

	ctx.PortType = core.PortTCP
	ctx.SrcPort, ctx.DstPort = uint32(srcPort), uint32(dstPort)
	ctx.Columns.Set(proto.ColProtocol, "TCP")
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", Src Port: %d, Dst Port: %d", srcPort, dstPort))

	for _, f := range []struct {
		id      proto.FieldID
		off, sz int
	}{{d.hfSrcPort, 0, 2}, {d.hfDstPort, 2, 2}, {d.hfPort, 0, 2}, {d.hfPort, 2, 2}} {
		if _, err := ctx.Tree.AddField(layer, f.id, buf, f.off, f.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}

	conv, forward := ctx.FindOrCreateConversation()
	relSeq, relAck := seq, ack
	if conv != nil {
		ctx.Tree.AddGenerated(layer, d.hfStream, proto.UintValue(conv.Index))
		relSeq, relAck = d.relative(ctx, conv, forward, seq, ack, flags)
	}

	if hdrLen < minHeaderLen {
		ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("%d → %d [BAD HEADER LENGTH]", srcPort, dstPort))
		ctx.Malformed(fmt.Errorf("bogus TCP header length %d, must be at least %d", hdrLen, minHeaderLen))
		return dissector.Accept(buf.CapturedLength()), nil
	}
	ctx.Tree.SetLength(layer, hdrLen)
	payloadLen := buf.ReportedLength() - hdrLen
	if payloadLen < 0 {
		ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("%d → %d [BAD HEADER LENGTH]", srcPort, dstPort))
		ctx.Malformed(fmt.Errorf("TCP header length %d exceeds segment length %d", hdrLen, buf.ReportedLength()))
		return dissector.Accept(buf.CapturedLength()), nil
	}

	ctx.Tree.AddGenerated(layer, d.hfLen, proto.UintValue(payloadLen))
	ctx.Tree.AddValue(layer, d.hfSeq, buf, 4, 4, proto.UintValue(relSeq))
	ctx.Tree.AddGenerated(layer, d.hfSeqRaw, proto.UintValue(seq))
	if payloadLen > 0 || flags&(FlagSYN|FlagFIN) != 0 {
		next := relSeq + uint32(payloadLen)
		if flags&(FlagSYN|FlagFIN) != 0 {
			next++
		}
		ctx.Tree.AddGenerated(layer, d.hfNxtSeq, proto.UintValue(next))
	}
	if flags&FlagACK != 0 {
		ctx.Tree.AddValue(layer, d.hfAck, buf, 8, 4, proto.UintValue(relAck))
		ctx.Tree.AddGenerated(layer, d.hfAckRaw, proto.UintValue(ack))
	}
	if _, err := ctx.Tree.AddField(layer, d.hfHdrLen, buf, 12, 1, proto.EncBigEndian); err != nil {
		return dissector.Result{}, err
	}
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", Seq: %d", relSeq))
	if err := d.addFlags(ctx, layer, buf, flags); err != nil {
		return dissector.Result{}, err
	}
	for _, f := range []struct {
		id      proto.FieldID
		off, sz int
	}{{d.hfWindow, 14, 2}, {d.hfChecksum, 16, 2}, {d.hfUrgent, 18, 2}} {
		if _, err := ctx.Tree.AddField(layer, f.id, buf, f.off, f.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	if hdrLen > minHeaderLen {
		if err := d.addOptions(ctx, layer, buf, hdrLen); err != nil {
			return dissector.Result{}, err
		}
	}

	info := fmt.Sprintf("%d → %d [%s] Seq=%d", srcPort, dstPort, flagString(flags), relSeq)
	if flags&FlagACK != 0 {
		info += fmt.Sprintf(" Ack=%d", relAck)
	}
	info += fmt.Sprintf(" Win=%d Len=%d", window, payloadLen)
	ctx.Columns.Set(proto.ColInfo, info)

	if payloadLen == 0 {
		return dissector.Accept(min(hdrLen, buf.CapturedLength())), nil
	}
	payload, err := buf.Subset(hdrLen, -1)
	if err != nil {
		return dissector.Result{}, err
	}
	if err := d.payload(ctx, conv, forward, layer, parent, payload, seq, srcPort, dstPort); err != nil {
		return dissector.Result{}, err
	}
	return dissector.Accept(buf.CapturedLength()), nil
}

// relative turns raw sequence numbers into offsets from the first one seen in
// each direction.
func (d *tcp) relative(ctx *dissector.Context, conv *conversation.Conversation, forward bool, seq, ack uint32, flags uint16) (uint32, uint32) {
	v, _ := conv.Data(convDataKey)
	cd, _ := v.(*convData)
	if cd == nil {
		if ctx.Visited {
			return seq, ack
		}
		cd = &convData{}
		conv.SetData(convDataKey, cd)
	}
	dir, peer := 0, 1
	if !forward {
		dir, peer = 1, 0
	}
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if !ctx.Visited && !cd.set[dir] {
		cd.base[dir], cd.set[dir] = seq, true
	}
	if !ctx.Visited && !cd.set[peer] && flags&FlagACK != 0 {
		cd.base[peer], cd.set[peer] = ack-1, true
	}
	relSeq, relAck := seq, ack
	if cd.set[dir] {
		relSeq = seq - cd.base[dir]
	}
	if cd.set[peer] {
		relAck = ack - cd.base[peer]
	}
	return relSeq, relAck
}

func (d *tcp) addFlags(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, flags uint16) error {
	h, err := ctx.Tree.AddField(layer, d.hfFlags, buf, 12, 2, proto.EncBigEndian)
	if err != nil {
		return err
	}
	ctx.Tree.AppendLabel(h, " ("+flagString(flags)+")")
	for _, fl := range flagNames {
		if _, err := ctx.Tree.AddField(h, d.hfFlagBits[fl.bit], buf, 12, 2, proto.EncBigEndian); err != nil {
			return err
		}
	}
	return nil
}

func flagString(flags uint16) string {
	var set []string
	for i := len(flagNames) - 1; i >= 0; i-- {
		if flags&flagNames[i].bit != 0 {
			set = append(set, flagNames[i].name)
		}
	}
	if len(set) == 0 {
		return "<None>"
	}
	return strings.Join(set, ", ")
}

func (d *tcp) addOptions(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, hdrLen int) error {
	tree := ctx.Tree.AddSubtree(layer, fmt.Sprintf("Options: (%d bytes)", hdrLen-minHeaderLen), buf, minHeaderLen, hdrLen-minHeaderLen)
	off := minHeaderLen
	for off < hdrLen {
		kind, err := buf.Uint8(off)
		if err != nil {
			return err
		}
		if kind == optEOL || kind == optNOP {
			opt := ctx.Tree.AddSubtree(tree, "TCP Option - "+optionNames[uint64(kind)], buf, off, 1)
			if _, err := ctx.Tree.AddField(opt, d.hfOptKind, buf, off, 1, proto.EncBigEndian); err != nil {
				return err
			}
			off++
			if kind == optEOL {
				return nil
			}
			continue
		}
		l, err := buf.Uint8(off + 1)
		if err != nil {
			return err
		}
		n := int(l)
		if n < 2 || off+n > hdrLen {
			ctx.Malformed(fmt.Errorf("TCP option %d at offset %d has bad length %d", kind, off, n))
			return nil
		}
		name := optionNames[uint64(kind)]
		if name == "" {
			name = fmt.Sprintf("Unknown (%d)", kind)
		}
		opt := ctx.Tree.AddSubtree(tree, "TCP Option - "+name, buf, off, n)
		if _, err := ctx.Tree.AddField(opt, d.hfOptKind, buf, off, 1, proto.EncBigEndian); err != nil {
			return err
		}
		if _, err := ctx.Tree.AddField(opt, d.hfOptLen, buf, off+1, 1, proto.EncBigEndian); err != nil {
			return err
		}
		if err := d.addOptionBody(ctx, opt, buf, kind, off+2, n-2); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (d *tcp) addOptionBody(ctx *dissector.Context, opt proto.Handle, buf *buffer.Buffer, kind uint8, off, n int) error {
	type part struct {
		id      proto.FieldID
		off, sz int
	}
	var parts []part
	switch {
	case kind == optMSS && n == 2:
		parts = []part{{d.hfOptMSS, off, 2}}
	case kind == optWScale && n == 1:
		parts = []part{{d.hfOptWScale, off, 1}}
	case kind == optTimestamp && n == 8:
		parts = []part{{d.hfOptTSVal, off, 4}, {d.hfOptTSEcr, off + 4, 4}}
	case kind == optSACK:
		for i := 0; i+8 <= n; i += 8 {
			parts = append(parts, part{d.hfOptSACKLeft, off + i, 4}, part{d.hfOptSACKRight, off + i + 4, 4})
		}
	}
	for _, p := range parts {
		if _, err := ctx.Tree.AddField(opt, p.id, buf, p.off, p.sz, proto.EncBigEndian); err != nil {
			return err
		}
	}
	return nil
}

// payload hands the segment payload to the application layer through the
// desegmenter and annotates what it decided for this frame.
func (d *tcp) payload(ctx *dissector.Context, conv *conversation.Conversation, forward bool, layer, parent proto.Handle, payload *buffer.Buffer, seq uint32, srcPort, dstPort uint16) error {
	app := func(b *buffer.Buffer) (reassembly.Verdict, error) {
		if ctx.Reassembly.Enabled() {
			ctx.AllowDesegment()
		}
		res, err := d.dispatch(ctx, conv, b, parent, srcPort, dstPort)
		if err != nil {
			return reassembly.Verdict{}, err
		}
		return res.Verdict(), nil
	}
	if conv == nil || ctx.Reassembly == nil {
		_, err := d.dispatch(ctx, conv, payload, parent, srcPort, dstPort)
		return err
	}

	rec, err := ctx.Reassembly.Process(streamKey{conv: conv.Index, forward: forward}, ctx.Frame, seq, payload, ctx.Visited, app)
	if err != nil {
		return err
	}
	if rec.Retransmitted {
		ctx.Tree.AddGenerated(layer, d.hfRetransmission, proto.BoolValue(true))
		ctx.Columns.Prepend(proto.ColInfo, "[TCP Retransmission] ")
		_, err := ctx.Tree.AddField(layer, d.hfSegmentData, payload, 0, -1, proto.EncNA)
		return err
	}
	for _, step := range rec.Steps {
		if step.Reassembled != nil {
			d.addReassembled(ctx, layer, step.Reassembled)
		}
	}
	if rec.Held >= 0 {
		if _, err := ctx.Tree.AddField(layer, d.hfSegmentData, payload, rec.Held, -1, proto.EncNA); err != nil {
			return err
		}
		if rec.ReassembledIn != 0 {
			ctx.Tree.AddGenerated(layer, d.hfReassembledIn, proto.UintValue(rec.ReassembledIn))
		}
		if len(rec.Steps) == 0 || rec.Held == 0 {
			ctx.Columns.Append(proto.ColInfo, " [TCP segment of a reassembled PDU]")
		}
	}
	return nil
}

func (d *tcp) addReassembled(ctx *dissector.Context, layer proto.Handle, pdu *reassembly.PDU) {
	labels := make([]string, len(pdu.Frames))
	for i, f := range pdu.Frames {
		labels[i] = fmt.Sprintf("#%d", f)
	}
	tree := ctx.Tree.AddSubtree(layer, fmt.Sprintf("[%d Reassembled TCP Segments (%d bytes): %s]",
		len(pdu.Frames), pdu.Data.CapturedLength(), strings.Join(labels, ", ")), nil, 0, 0)
	for _, f := range pdu.Frames {
		ctx.Tree.AddGenerated(tree, d.hfSegment, proto.UintValue(f))
	}
	ctx.Tree.AddGenerated(tree, d.hfSegmentCount, proto.UintValue(len(pdu.Frames)))
	ctx.Tree.AddGenerated(tree, d.hfReassembledLen, proto.UintValue(pdu.Data.CapturedLength()))
}

// dispatch tries the dissector bound to the conversation, then the lower port,
// the higher port, the heuristics and finally raw data.
func (d *tcp) dispatch(ctx *dissector.Context, conv *conversation.Conversation, payload *buffer.Buffer, parent proto.Handle, srcPort, dstPort uint16) (dissector.Result, error) {
	if conv != nil {
		if h, ok := conv.Dissector(ctx.Frame).(*dissector.Handle); ok && h != nil {
			res, err := ctx.Call(h, payload, parent)
			if err != nil || !res.Rejected() {
				return res, err
			}
		}
	}
	low, high := srcPort, dstPort
	if high < low {
		low, high = high, low
	}
	for _, port := range []uint16{low, high} {
		res, ok, err := ctx.TryUint(engine.TableTCPPort, uint64(port), payload, parent)
		if err != nil || ok {
			return res, err
		}
		if low == high {
			break
		}
	}
	res, ok, err := ctx.TryHeuristics(engine.TableTCPPort, payload, parent)
	if err != nil || ok {
		return res, err
	}
	return ctx.CallData(payload, parent)
}
