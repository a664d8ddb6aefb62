// Package rtp dissects RTP and RTCP. Media flows are normally found through
// the expectations SDP registers for the negotiated endpoints; optional UDP
// heuristics, off by default, catch streams whose signalling was not captured.
package rtp

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
)

const (
	// Short names of the UDP heuristics, both disabled unless configured.
	HeuristicRTP  = "rtp_udp"
	HeuristicRTCP = "rtcp_udp"

	rtpMinLength  = 12
	rtcpMinLength = 8

	rtcpPayloadTypeMin = 200
	rtcpPayloadTypeMax = 209
)

// Setup describes how a media stream was negotiated. Signalling dissectors
// attach it to the expectations they register.
type Setup struct {
	Method string // protocol that announced the stream, e.g. "SDP"
	Frame  uint32
	CallID string
	Codec  string
}

// PayloadTypeNames names the static payload types of RFC 3551.
var PayloadTypeNames = map[uint64]string{
	0: "ITU-T G.711 PCMU", 3: "GSM 06.10", 4: "ITU-T G.723", 5: "DVI4 8000 samples/s",
	8: "ITU-T G.711 PCMA", 9: "ITU-T G.722", 10: "16-bit uncomp. linear PCM, 2 ch",
	11: "16-bit uncomp. linear PCM, 1 ch", 13: "Comfort noise (CN)", 18: "ITU-T G.729",
	26: "JPEG compressed video", 31: "ITU-T H.261", 34: "ITU-T H.263",
}

type rtpFields struct {
	version, padding, ext, cc, marker, ptype, seq, timestamp, ssrc, csrc proto.FieldID
	extProfile, extLen, extHdr, payload, padCount                        proto.FieldID
	setup, setupFrame, setupMethod, setupCallID, setupCodec              proto.FieldID
}

type media struct {
	rtp  rtpFields
	rtcp rtcpFields

	rtpHandle, rtcpHandle *dissector.Handle
}

// Registrar returns the RTP and RTCP registrar.
func Registrar() engine.Registrar {
	d := &media{}
	return engine.Registrar{Name: "rtp", Register: d.register, Handoff: d.handoff}
}

func (d *media) register(e *engine.Engine) error {
	fields := e.Fields()
	rtpID, err := fields.RegisterProtocol("Real-Time Transport Protocol", "rtp")
	if err != nil {
		return err
	}
	rtcpID, err := fields.RegisterProtocol("Real-time Transport Control Protocol", "rtcp")
	if err != nil {
		return err
	}
	f := &d.rtp
	for _, def := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.version, proto.FieldDef{Abbrev: "rtp.version", Name: "Version", Type: proto.TypeUint8, Bitmask: 0xc0}},
		{&f.padding, proto.FieldDef{Abbrev: "rtp.padding", Name: "Padding", Type: proto.TypeBool, Bitmask: 0x20}},
		{&f.ext, proto.FieldDef{Abbrev: "rtp.ext", Name: "Extension", Type: proto.TypeBool, Bitmask: 0x10}},
		{&f.cc, proto.FieldDef{Abbrev: "rtp.cc", Name: "Contributing source identifiers count", Type: proto.TypeUint8, Bitmask: 0x0f}},
		{&f.marker, proto.FieldDef{Abbrev: "rtp.marker", Name: "Marker", Type: proto.TypeBool, Bitmask: 0x80}},
		{&f.ptype, proto.FieldDef{Abbrev: "rtp.p_type", Name: "Payload type", Type: proto.TypeUint8, Bitmask: 0x7f, Strings: PayloadTypeNames}},
		{&f.seq, proto.FieldDef{Abbrev: "rtp.seq", Name: "Sequence number", Type: proto.TypeUint16}},
		{&f.timestamp, proto.FieldDef{Abbrev: "rtp.timestamp", Name: "Timestamp", Type: proto.TypeUint32}},
		{&f.ssrc, proto.FieldDef{Abbrev: "rtp.ssrc", Name: "Synchronization Source identifier", Type: proto.TypeUint32, Display: proto.DisplayDecHex}},
		{&f.csrc, proto.FieldDef{Abbrev: "rtp.csrc.item", Name: "CSRC item", Type: proto.TypeUint32, Display: proto.DisplayHex}},
		{&f.extProfile, proto.FieldDef{Abbrev: "rtp.ext.profile", Name: "Defined by profile", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&f.extLen, proto.FieldDef{Abbrev: "rtp.ext.len", Name: "Extension length", Type: proto.TypeUint16}},
		{&f.extHdr, proto.FieldDef{Abbrev: "rtp.hdr_ext", Name: "Header extension", Type: proto.TypeBytes}},
		{&f.payload, proto.FieldDef{Abbrev: "rtp.payload", Name: "Payload", Type: proto.TypeBytes}},
		{&f.padCount, proto.FieldDef{Abbrev: "rtp.padding.count", Name: "Padding count", Type: proto.TypeUint8}},
		{&f.setup, proto.FieldDef{Abbrev: "rtp.setup", Name: "Setup", Type: proto.TypeString}},
		{&f.setupFrame, proto.FieldDef{Abbrev: "rtp.setup-frame", Name: "Setup frame", Type: proto.TypeFrameNum}},
		{&f.setupMethod, proto.FieldDef{Abbrev: "rtp.setup-method", Name: "Setup method", Type: proto.TypeString}},
		{&f.setupCallID, proto.FieldDef{Abbrev: "rtp.setup-call-id", Name: "Setup Call-ID", Type: proto.TypeString}},
		{&f.setupCodec, proto.FieldDef{Abbrev: "rtp.setup-codec", Name: "Negotiated codec", Type: proto.TypeString}},
	} {
		def.def.Parent = "rtp"
		if *def.id, err = fields.Register(def.def); err != nil {
			return err
		}
	}
	if err := d.rtcp.register(fields); err != nil {
		return err
	}

	reg := e.Dissectors()
	d.rtpHandle = dissector.NewHandle("rtp", rtpID, "rtp", d.dissectRTP)
	d.rtcpHandle = dissector.NewHandle("rtcp", rtcpID, "rtcp", d.dissectRTCP)
	reg.Register(d.rtpHandle)
	reg.Register(d.rtcpHandle)
	return nil
}

func (d *media) handoff(e *engine.Engine) error {
	rtp := dissector.NewHandle(HeuristicRTP, d.rtpHandle.Protocol(), "rtp", d.heuristicRTP)
	if err := e.AddHeuristic(engine.TableUDPPort, HeuristicRTP, rtp, false); err != nil {
		return err
	}
	rtcp := dissector.NewHandle(HeuristicRTCP, d.rtcpHandle.Protocol(), "rtcp", d.heuristicRTCP)
	return e.AddHeuristic(engine.TableUDPPort, HeuristicRTCP, rtcp, false)
}

// heuristicRTP accepts datagrams with a plausible version 2 RTP header.
func (d *media) heuristicRTP(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	p, err := buf.Bytes(0, min(buf.CapturedLength(), rtpMinLength))
	if err != nil || looksLikeRTCP(p) || !looksLikeRTP(p, buf.CapturedLength()) {
		return dissector.Reject(), nil
	}
	return d.dissectRTP(ctx, buf, parent)
}

// heuristicRTCP accepts datagrams with a plausible version 2 RTCP header.
func (d *media) heuristicRTCP(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	p, err := buf.Bytes(0, min(buf.CapturedLength(), rtcpMinLength))
	if err != nil || !looksLikeRTCP(p) {
		return dissector.Reject(), nil
	}
	return d.dissectRTCP(ctx, buf, parent)
}

func looksLikeRTCP(p []byte) bool {
	return len(p) >= rtcpMinLength && p[0]>>6 == 2 &&
		p[1] >= rtcpPayloadTypeMin && p[1] <= rtcpPayloadTypeMax
}

func looksLikeRTP(p []byte, n int) bool {
	if len(p) < rtpMinLength || p[0]>>6 != 2 {
		return false
	}
	pt := p[1] & 0x7f
	// 72-76 collide with RTCP packet types once the marker bit is set
	if pt >= 72 && pt <= 76 {
		return false
	}
	return n >= rtpMinLength+4*int(p[0]&0x0f)
}

func (d *media) dissectRTP(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	f := &d.rtp
	if p, err := buf.Bytes(0, min(buf.CapturedLength(), rtcpMinLength)); err == nil && looksLikeRTCP(p) {
		// RTCP multiplexed onto the RTP port
		return ctx.Call(d.rtcpHandle, buf, parent)
	}
	first, err := buf.Uint8(0)
	if err != nil {
		return dissector.Result{}, err
	}
	if first>>6 != 2 {
		ctx.Columns.Set(proto.ColProtocol, "RTP")
		ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("Unknown RTP version %d", first>>6))
		layer := ctx.AddLayer(parent, buf, 0, -1)
		if _, err := ctx.Tree.AddField(layer, f.version, buf, 0, 1, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
		return dissector.Accept(buf.CapturedLength()), nil
	}
	cc := int(first & 0x0f)
	hdrLen := rtpMinLength + 4*cc
	layer := ctx.AddLayer(parent, buf, 0, -1)
	d.addSetup(ctx, layer)

	for _, fl := range []struct {
		id      proto.FieldID
		off, sz int
	}{
		{f.version, 0, 1}, {f.padding, 0, 1}, {f.ext, 0, 1}, {f.cc, 0, 1},
		{f.marker, 1, 1}, {f.ptype, 1, 1}, {f.seq, 2, 2}, {f.timestamp, 4, 4}, {f.ssrc, 8, 4},
	} {
		if _, err := ctx.Tree.AddField(layer, fl.id, buf, fl.off, fl.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	hdr, err := buf.Bytes(0, rtpMinLength)
	if err != nil {
		return dissector.Result{}, err
	}
	pt := hdr[1] & 0x7f
	seq := binary.BigEndian.Uint16(hdr[2:4])
	ts := binary.BigEndian.Uint32(hdr[4:8])
	ssrc := binary.BigEndian.Uint32(hdr[8:12])

	for i := 0; i < cc; i++ {
		if _, err := ctx.Tree.AddField(layer, f.csrc, buf, rtpMinLength+4*i, 4, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	off := hdrLen
	if first&0x10 != 0 {
		words, err := buf.Uint16(off+2, binary.BigEndian)
		if err != nil {
			return dissector.Result{}, err
		}
		if _, err := ctx.Tree.AddField(layer, f.extProfile, buf, off, 2, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
		if _, err := ctx.Tree.AddField(layer, f.extLen, buf, off+2, 2, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
		if words > 0 {
			if _, err := ctx.Tree.AddField(layer, f.extHdr, buf, off+4, 4*int(words), proto.EncNA); err != nil {
				return dissector.Result{}, err
			}
		}
		off += 4 + 4*int(words)
	}

	end := buf.CapturedLength()
	if first&0x20 != 0 {
		pad, err := buf.Uint8(end - 1)
		if err != nil {
			return dissector.Result{}, err
		}
		if int(pad) == 0 || end-int(pad) < off {
			ctx.Malformed(fmt.Errorf("RTP padding count %d does not fit a %d byte packet", pad, end))
		} else {
			end -= int(pad)
			if _, err := ctx.Tree.AddField(layer, f.padCount, buf, buf.CapturedLength()-1, 1, proto.EncBigEndian); err != nil {
				return dissector.Result{}, err
			}
		}
	}
	if end > off {
		if _, err := ctx.Tree.AddField(layer, f.payload, buf, off, end-off, proto.EncNA); err != nil {
			return dissector.Result{}, err
		}
	}

	name := PayloadTypeNames[uint64(pt)]
	if name == "" {
		name = fmt.Sprintf("Unknown (%d)", pt)
	}
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", PT=%s, SSRC=0x%08X, Seq=%d, Time=%d", name, ssrc, seq, ts))
	ctx.Columns.Set(proto.ColProtocol, "RTP")
	info := fmt.Sprintf("PT=%s, SSRC=0x%08X, Seq=%d, Time=%d", name, ssrc, seq, ts)
	if hdr[1]&0x80 != 0 {
		info += ", Mark"
	}
	ctx.Columns.Set(proto.ColInfo, info)
	return dissector.Accept(buf.CapturedLength()), nil
}

// addSetup shows how the conversation carrying the packet was negotiated.
func (d *media) addSetup(ctx *dissector.Context, layer proto.Handle) {
	if ctx.Conversation == nil {
		return
	}
	e, ok := ctx.Conversation.Setup(ctx.Frame)
	if !ok {
		return
	}
	s, ok := e.Setup.(Setup)
	if !ok {
		return
	}
	f := &d.rtp
	label := fmt.Sprintf("Stream setup by %s (frame %d)", s.Method, s.Frame)
	tree := ctx.Tree.AddGenerated(layer, f.setup, proto.StringValue(label))
	ctx.Tree.AddGenerated(tree, f.setupFrame, proto.UintValue(s.Frame))
	ctx.Tree.AddGenerated(tree, f.setupMethod, proto.StringValue(s.Method))
	if s.CallID != "" {
		ctx.Tree.AddGenerated(tree, f.setupCallID, proto.StringValue(s.CallID))
	}
	if s.Codec != "" {
		ctx.Tree.AddGenerated(tree, f.setupCodec, proto.StringValue(s.Codec))
	}
}
