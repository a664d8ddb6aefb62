package hep_test

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/hep"
	"firestige.xyz/dissect/plugins/internal/pkttest"
)

const invite = "INVITE sip:bob@example.com SIP/2.0\r\n" +
	"Call-ID: hep@192.168.1.10\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Length: 0\r\n\r\n"

var captured = time.Date(2024, 6, 1, 12, 0, 0, 500_000_000, time.UTC)

// frame builds a HEPv3 frame chunk by chunk.
type frame struct {
	buf []byte
}

func newFrame() *frame {
	return &frame{buf: append([]byte("HEP3"), 0, 0)}
}

func (f *frame) chunk(vendor, typ uint16, value []byte) *frame {
	f.buf = binary.BigEndian.AppendUint16(f.buf, vendor)
	f.buf = binary.BigEndian.AppendUint16(f.buf, typ)
	f.buf = binary.BigEndian.AppendUint16(f.buf, uint16(6+len(value)))
	f.buf = append(f.buf, value...)
	return f
}

func (f *frame) u8(typ uint16, v uint8) *frame { return f.chunk(0, typ, []byte{v}) }

func (f *frame) u16(typ uint16, v uint16) *frame {
	return f.chunk(0, typ, binary.BigEndian.AppendUint16(nil, v))
}

func (f *frame) u32(typ uint16, v uint32) *frame {
	return f.chunk(0, typ, binary.BigEndian.AppendUint32(nil, v))
}

func (f *frame) bytes() []byte {
	binary.BigEndian.PutUint16(f.buf[4:6], uint16(len(f.buf)))
	return f.buf
}

// packet encodes a UDP/IPv4 packet the way a capture agent mirrors it.
func packet(protoType uint8, payload string) *frame {
	src := netip.MustParseAddr("192.168.1.10").As4()
	dst := netip.MustParseAddr("10.0.0.1").As4()
	return newFrame().
		u8(1, 2).
		u8(2, 17).
		chunk(0, 3, src[:]).
		chunk(0, 4, dst[:]).
		u16(7, 5060).
		u16(8, 5060).
		u32(9, uint32(captured.Unix())).
		u32(10, uint32(captured.Nanosecond()/1000)).
		u8(11, protoType).
		u32(12, 42).
		chunk(0, 15, []byte(payload)).
		chunk(0, 19, []byte("edge-01"))
}

func toCollector(t *testing.T, port uint16, b []byte) []byte {
	return pkttest.UDPv4(t, "172.16.0.5", 40000, "172.16.0.9", port, b)
}

func TestHEP_SIPPayload(t *testing.T) {
	h := pkttest.New(t, nil)
	r := h.Feed(toCollector(t, hep.Port, packet(hep.ProtoSIP, invite).bytes()))

	assert.Equal(t, "frame:eth:ip:udp:hep:sip", r.Protocols)
	assert.Equal(t, "SIP", r.Columns.Get(proto.ColProtocol))
	assert.Equal(t, "HEP3 192.168.1.10:5060 → 10.0.0.1:5060 | Request: INVITE sip:bob@example.com",
		r.Columns.Get(proto.ColInfo))
	assert.Equal(t, "HEP3", pkttest.Value(r.Tree, "hep.version"))
	assert.Equal(t, "IPv4 (2)", pkttest.Value(r.Tree, "hep.ip_family"))
	assert.Equal(t, "UDP (17)", pkttest.Value(r.Tree, "hep.ip_proto"))
	assert.Equal(t, "192.168.1.10", pkttest.Value(r.Tree, "hep.src_ip4"))
	assert.Equal(t, "10.0.0.1", pkttest.Value(r.Tree, "hep.dst_ip4"))
	assert.Equal(t, "5060", pkttest.Value(r.Tree, "hep.src_port"))
	assert.Equal(t, "2024-06-01 12:00:00.000000000 UTC", pkttest.Value(r.Tree, "hep.timestamp"))
	assert.Equal(t, "500000", pkttest.Value(r.Tree, "hep.timestamp_us"))
	assert.Equal(t, "SIP (1)", pkttest.Value(r.Tree, "hep.proto_type"))
	assert.Equal(t, "42", pkttest.Value(r.Tree, "hep.capture_id"))
	assert.Equal(t, "edge-01", pkttest.Value(r.Tree, "hep.node_name"))
	assert.Len(t, pkttest.Values(r.Tree, "hep.chunk_type"), 12)
	assert.Zero(t, r.Tree.MalformedCount())

	render := pkttest.Render(r.Tree)
	assert.Contains(t, render, "Src: 192.168.1.10:5060, Dst: 10.0.0.1:5060")
	assert.Contains(t, render, "IP family: IPv4 (2)")
	assert.Contains(t, render, "Capture node name: edge-01")
}

func TestHEP_HeuristicOnOtherPort(t *testing.T) {
	h := pkttest.New(t, nil)
	r := h.Feed(toCollector(t, 19060, packet(hep.ProtoSIP, invite).bytes()))
	assert.Equal(t, "frame:eth:ip:udp:hep:sip", r.Protocols)
}

func TestHEP_UnknownProtocolTypeFallsBackToData(t *testing.T) {
	h := pkttest.New(t, nil)
	r := h.Feed(toCollector(t, hep.Port, packet(hep.ProtoLog, `{"level":"info"}`).bytes()))

	assert.Equal(t, "frame:eth:ip:udp:hep:data", r.Protocols)
	assert.Equal(t, "HEP3", r.Columns.Get(proto.ColProtocol))
	assert.Equal(t, "HEP3 192.168.1.10:5060 → 10.0.0.1:5060", r.Columns.Get(proto.ColInfo))
	assert.Equal(t, "Log (100)", pkttest.Value(r.Tree, "hep.proto_type"))
}

func TestHEP_VendorChunk(t *testing.T) {
	h := pkttest.New(t, nil)
	b := packet(hep.ProtoLog, "x").chunk(0x1234, 7, []byte{0xde, 0xad}).bytes()
	r := h.Feed(toCollector(t, hep.Port, b))

	assert.Equal(t, "dead", pkttest.Value(r.Tree, "hep.chunk_value"))
	assert.Contains(t, pkttest.Render(r.Tree), "Vendor 0x1234 chunk 7")
	assert.Zero(t, r.Tree.MalformedCount())
}

func TestHEP_BadChunkLength(t *testing.T) {
	h := pkttest.New(t, nil)
	b := newFrame().u8(1, 2).bytes()
	b = append(b, 0, 0, 0, 2, 0, 3) // chunk claiming 3 bytes
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)))
	r := h.Feed(toCollector(t, hep.Port, b))

	assert.Equal(t, "frame:eth:ip:udp:hep", r.Protocols)
	assert.Equal(t, "HEP3 [Malformed Packet]", r.Columns.Get(proto.ColInfo))
	assert.Equal(t, 1, r.Tree.MalformedCount())
}

func TestHEP_LengthExceedsDatagram(t *testing.T) {
	h := pkttest.New(t, nil)
	b := packet(hep.ProtoSIP, invite).bytes()
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)+10))
	r := h.Feed(toCollector(t, hep.Port, b))

	assert.Equal(t, 1, r.Tree.MalformedCount())
	assert.Contains(t, r.Columns.Get(proto.ColInfo), "[Malformed Packet]")
	assert.Contains(t, pkttest.Render(r.Tree), "[Malformed Packet: HEP3 - Homer Encapsulation Protocol Ver. 3]")
}

func TestHEP_RejectsOtherMagic(t *testing.T) {
	h := pkttest.New(t, nil)
	b := packet(hep.ProtoSIP, invite).bytes()
	copy(b, "HEP2")
	r := h.Feed(toCollector(t, hep.Port, b))
	assert.Equal(t, "frame:eth:ip:udp:data", r.Protocols)
}
