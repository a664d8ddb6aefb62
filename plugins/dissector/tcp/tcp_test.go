package tcp_test

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"

	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/internal/pkttest"
)

func segment(fromClient bool, seg pkttest.Segment) pkttest.Segment {
	if fromClient {
		seg.Src, seg.SrcPort, seg.Dst, seg.DstPort = "10.0.0.1", 40000, "10.0.0.2", 8080
	} else {
		seg.Src, seg.SrcPort, seg.Dst, seg.DstPort = "10.0.0.2", 8080, "10.0.0.1", 40000
	}
	return seg
}

func TestTCP_Handshake(t *testing.T) {
	h := pkttest.New(t, nil)
	mss := layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}}

	r := h.Feed(pkttest.TCPv4(t, segment(true, pkttest.Segment{Seq: 1000, SYN: true, Options: []layers.TCPOption{mss}})))
	assert.Equal(t, "frame:eth:ip:tcp", r.Protocols)
	assert.Equal(t, "40000 → 8080 [SYN] Seq=0 Win=65535 Len=0", r.Columns.Get(proto.ColInfo))
	assert.Equal(t, "TCP", r.Columns.Get(proto.ColProtocol))
	assert.Equal(t, "1000", pkttest.Value(r.Tree, "tcp.seq_raw"))
	assert.Equal(t, "1", pkttest.Value(r.Tree, "tcp.nxtseq"))
	assert.Equal(t, "true", pkttest.Value(r.Tree, "tcp.flags.syn"))
	assert.Equal(t, "false", pkttest.Value(r.Tree, "tcp.flags.ack"))
	assert.Equal(t, "1460", pkttest.Value(r.Tree, "tcp.options.mss_val"))
	assert.Equal(t, "0", pkttest.Value(r.Tree, "tcp.stream"))
	assert.Contains(t, pkttest.Render(r.Tree), "TCP Option - Maximum segment size")

	r = h.Feed(pkttest.TCPv4(t, segment(false, pkttest.Segment{Seq: 5000, Ack: 1001, SYN: true, ACK: true})))
	assert.Equal(t, "8080 → 40000 [SYN, ACK] Seq=0 Ack=1 Win=65535 Len=0", r.Columns.Get(proto.ColInfo))
	assert.Equal(t, "0", pkttest.Value(r.Tree, "tcp.stream"))

	r = h.Feed(pkttest.TCPv4(t, segment(true, pkttest.Segment{Seq: 1001, Ack: 5001, ACK: true})))
	assert.Equal(t, "40000 → 8080 [ACK] Seq=1 Ack=1 Win=65535 Len=0", r.Columns.Get(proto.ColInfo))
	assert.Equal(t, "5001", pkttest.Value(r.Tree, "tcp.ack_raw"))
	assert.Empty(t, pkttest.Values(r.Tree, "tcp.nxtseq"))

	assert.Contains(t, h.Redissect(2), "Acknowledgment Number (relative): 1")
}

func TestTCP_PayloadAndRetransmission(t *testing.T) {
	h := pkttest.New(t, nil)
	data := segment(true, pkttest.Segment{Seq: 1, Ack: 1, ACK: true, PSH: true, Payload: []byte("hello")})

	r := h.Feed(pkttest.TCPv4(t, data))
	assert.Equal(t, "frame:eth:ip:tcp:data", r.Protocols)
	assert.Equal(t, "5", pkttest.Value(r.Tree, "tcp.len"))
	assert.Equal(t, "5", pkttest.Value(r.Tree, "data.len"))
	assert.Equal(t, "40000 → 8080 [PSH, ACK] Seq=0 Ack=1 Win=65535 Len=5", r.Columns.Get(proto.ColInfo))

	r = h.Feed(pkttest.TCPv4(t, data))
	assert.Equal(t, "true", pkttest.Value(r.Tree, "tcp.analysis.retransmission"))
	assert.Equal(t, "68656c6c6f", pkttest.Value(r.Tree, "tcp.segment_data"))
	assert.Contains(t, r.Columns.Get(proto.ColInfo), "[TCP Retransmission] 40000 → 8080")
	assert.Equal(t, "frame:eth:ip:tcp", r.Protocols)
}

func TestTCP_BadHeaderLength(t *testing.T) {
	h := pkttest.New(t, nil)
	data := pkttest.TCPv4(t, segment(true, pkttest.Segment{Seq: 1, SYN: true}))
	data[14+20+12] = 0x40

	r := h.Feed(data)
	assert.Equal(t, "40000 → 8080 [BAD HEADER LENGTH] [Malformed Packet]", r.Columns.Get(proto.ColInfo))
	assert.Equal(t, 1, r.Tree.MalformedCount())
	assert.Contains(t, pkttest.Render(r.Tree), "[Malformed Packet: Transmission Control Protocol]")
}

func TestTCP_SeparateStreams(t *testing.T) {
	h := pkttest.New(t, nil)
	h.Feed(pkttest.TCPv4(t, segment(true, pkttest.Segment{Seq: 1, SYN: true})))
	other := segment(true, pkttest.Segment{Seq: 1, SYN: true})
	other.SrcPort = 40001

	r := h.Feed(pkttest.TCPv4(t, other))
	assert.Equal(t, "1", pkttest.Value(r.Tree, "tcp.stream"))
}
