package rtp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/proto"
)

// RTCP packet types
const (
	rtcpSR   = 200
	rtcpRR   = 201
	rtcpSDES = 202
	rtcpBYE  = 203
	rtcpAPP  = 204
)

var rtcpTypeNames = map[uint64]string{
	rtcpSR:   "Sender Report",
	rtcpRR:   "Receiver Report",
	rtcpSDES: "Source description",
	rtcpBYE:  "Goodbye",
	rtcpAPP:  "Application specific",
	205:      "Generic RTP Feedback",
	206:      "Payload-specific Feedback",
	207:      "Extended report (RFC 3611)",
	208:      "AVB RTCP packet",
	209:      "Receiver Summary Information",
}

type rtcpFields struct {
	version, padding, rc, ptype, length, ssrc     proto.FieldID
	ntpMSW, ntpLSW, rtpTimestamp, packets, octets proto.FieldID
	reportSSRC, fractionLost, cumLost, highestSeq proto.FieldID
	jitter, lsr, dlsr, body                       proto.FieldID
}

func (f *rtcpFields) register(fields *proto.Registry) error {
	for _, def := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.version, proto.FieldDef{Abbrev: "rtcp.version", Name: "Version", Type: proto.TypeUint8, Bitmask: 0xc0}},
		{&f.padding, proto.FieldDef{Abbrev: "rtcp.padding", Name: "Padding", Type: proto.TypeBool, Bitmask: 0x20}},
		{&f.rc, proto.FieldDef{Abbrev: "rtcp.rc", Name: "Reception report count", Type: proto.TypeUint8, Bitmask: 0x1f}},
		{&f.ptype, proto.FieldDef{Abbrev: "rtcp.pt", Name: "Packet type", Type: proto.TypeUint8, Strings: rtcpTypeNames}},
		{&f.length, proto.FieldDef{Abbrev: "rtcp.length", Name: "Length", Type: proto.TypeUint16}},
		{&f.ssrc, proto.FieldDef{Abbrev: "rtcp.senderssrc", Name: "Sender SSRC", Type: proto.TypeUint32, Display: proto.DisplayDecHex}},
		{&f.ntpMSW, proto.FieldDef{Abbrev: "rtcp.timestamp.ntp.msw", Name: "Timestamp, MSW", Type: proto.TypeUint32}},
		{&f.ntpLSW, proto.FieldDef{Abbrev: "rtcp.timestamp.ntp.lsw", Name: "Timestamp, LSW", Type: proto.TypeUint32}},
		{&f.rtpTimestamp, proto.FieldDef{Abbrev: "rtcp.timestamp.rtp", Name: "RTP timestamp", Type: proto.TypeUint32}},
		{&f.packets, proto.FieldDef{Abbrev: "rtcp.sender.packetcount", Name: "Sender's packet count", Type: proto.TypeUint32}},
		{&f.octets, proto.FieldDef{Abbrev: "rtcp.sender.octetcount", Name: "Sender's octet count", Type: proto.TypeUint32}},
		{&f.reportSSRC, proto.FieldDef{Abbrev: "rtcp.ssrc.identifier", Name: "Identifier", Type: proto.TypeUint32, Display: proto.DisplayDecHex}},
		{&f.fractionLost, proto.FieldDef{Abbrev: "rtcp.ssrc.fraction", Name: "Fraction lost", Type: proto.TypeUint8}},
		{&f.cumLost, proto.FieldDef{Abbrev: "rtcp.ssrc.cum_nr", Name: "Cumulative number of packets lost", Type: proto.TypeUint24}},
		{&f.highestSeq, proto.FieldDef{Abbrev: "rtcp.ssrc.ext_high", Name: "Extended highest sequence number received", Type: proto.TypeUint32}},
		{&f.jitter, proto.FieldDef{Abbrev: "rtcp.ssrc.jitter", Name: "Interarrival jitter", Type: proto.TypeUint32}},
		{&f.lsr, proto.FieldDef{Abbrev: "rtcp.ssrc.lsr", Name: "Last SR timestamp", Type: proto.TypeUint32}},
		{&f.dlsr, proto.FieldDef{Abbrev: "rtcp.ssrc.dlsr", Name: "Delay since last SR timestamp", Type: proto.TypeUint32}},
		{&f.body, proto.FieldDef{Abbrev: "rtcp.payload", Name: "Payload", Type: proto.TypeBytes}},
	} {
		def.def.Parent = "rtcp"
		id, err := fields.Register(def.def)
		if err != nil {
			return err
		}
		*def.id = id
	}
	return nil
}

// dissectRTCP walks a compound RTCP packet, one subtree per packet.
func (d *media) dissectRTCP(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	layer := ctx.AddLayer(parent, buf, 0, -1)
	d.addSetup(ctx, layer)
	ctx.Columns.Set(proto.ColProtocol, "RTCP")

	var kinds []string
	off := 0
	for off < buf.CapturedLength() {
		n, kind, err := d.rtcpPacket(ctx, layer, buf, off)
		if err != nil {
			return dissector.Result{}, err
		}
		if n == 0 {
			break
		}
		kinds = append(kinds, kind)
		ctx.Columns.Set(proto.ColInfo, strings.Join(kinds, "   "))
		off += n
	}
	return dissector.Accept(buf.CapturedLength()), nil
}

// rtcpPacket dissects the packet at off and returns its length; zero stops the
// walk.
func (d *media) rtcpPacket(ctx *dissector.Context, layer proto.Handle, buf *buffer.Buffer, off int) (int, string, error) {
	f := &d.rtcp
	hdr, err := buf.Bytes(off, 4)
	if err != nil {
		return 0, "", err
	}
	pt := hdr[1]
	n := (int(binary.BigEndian.Uint16(hdr[2:4])) + 1) * 4
	name := rtcpTypeNames[uint64(pt)]
	if name == "" {
		name = fmt.Sprintf("Unknown (%d)", pt)
	}
	if hdr[0]>>6 != 2 {
		ctx.Malformed(fmt.Errorf("RTCP version %d at offset %d", hdr[0]>>6, off))
		return 0, "", nil
	}
	tree := ctx.Tree.AddSubtree(layer, "Real-time Transport Control Protocol ("+name+")", buf, off, n)
	for _, fl := range []struct {
		id      proto.FieldID
		off, sz int
	}{{f.version, 0, 1}, {f.padding, 0, 1}, {f.rc, 0, 1}, {f.ptype, 1, 1}, {f.length, 2, 2}} {
		if _, err := ctx.Tree.AddField(tree, fl.id, buf, off+fl.off, fl.sz, proto.EncBigEndian); err != nil {
			return 0, "", err
		}
	}
	if n < 8 {
		return n, name, nil
	}
	if _, err := ctx.Tree.AddField(tree, f.ssrc, buf, off+4, 4, proto.EncBigEndian); err != nil {
		return 0, "", err
	}
	body := off + 8
	switch pt {
	case rtcpSR:
		for _, fl := range []proto.FieldID{f.ntpMSW, f.ntpLSW, f.rtpTimestamp, f.packets, f.octets} {
			if _, err := ctx.Tree.AddField(tree, fl, buf, body, 4, proto.EncBigEndian); err != nil {
				return 0, "", err
			}
			body += 4
		}
		fallthrough
	case rtcpRR:
		for i := 0; i < int(hdr[0]&0x1f) && body+24 <= off+n; i++ {
			block := ctx.Tree.AddSubtree(tree, fmt.Sprintf("Source %d", i+1), buf, body, 24)
			for _, fl := range []struct {
				id      proto.FieldID
				off, sz int
			}{
				{f.reportSSRC, 0, 4}, {f.fractionLost, 4, 1}, {f.cumLost, 5, 3}, {f.highestSeq, 8, 4},
				{f.jitter, 12, 4}, {f.lsr, 16, 4}, {f.dlsr, 20, 4},
			} {
				if _, err := ctx.Tree.AddField(block, fl.id, buf, body+fl.off, fl.sz, proto.EncBigEndian); err != nil {
					return 0, "", err
				}
			}
			body += 24
		}
	}
	if rest := off + n - body; rest > 0 {
		if _, err := ctx.Tree.AddField(tree, f.body, buf, body, rest, proto.EncNA); err != nil {
			return 0, "", err
		}
	}
	return n, name, nil
}
