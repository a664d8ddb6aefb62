// Package pkttest builds packets with gopacket and runs them through an engine
// loaded with the built-in dissectors. It is shared by the dissector tests.
package pkttest

import (
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins"
)

// Epoch is the timestamp of the first frame fed by a Harness.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	MACA = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	MACB = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
)

type emptySource struct{ encap core.Encapsulation }

func (s emptySource) ReadFrame() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, io.EOF
}
func (s emptySource) Encapsulation() core.Encapsulation { return s.encap }
func (s emptySource) Close() error                      { return nil }

// Harness is a session over the built-in dissectors fed frame by frame.
type Harness struct {
	t       testing.TB
	Engine  *engine.Engine
	Session *engine.Session
	next    time.Time
}

// New returns a harness for Ethernet frames. A nil cfg uses the defaults.
func New(t testing.TB, cfg *config.GlobalConfig) *Harness {
	return NewEncap(t, cfg, core.EncapEthernet)
}

// NewEncap returns a harness for frames of encap.
func NewEncap(t testing.TB, cfg *config.GlobalConfig, encap core.Encapsulation) *Harness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	e, err := engine.New(cfg, plugins.Registrars()...)
	require.NoError(t, err)
	s, err := e.Open(emptySource{encap: encap})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &Harness{t: t, Engine: e, Session: s, next: Epoch}
}

// Feed dissects data as the next frame, 10ms after the previous one.
func (h *Harness) Feed(data []byte) *engine.Result {
	h.t.Helper()
	return h.FeedTruncated(data, len(data))
}

// FeedTruncated dissects the first captured bytes of data as a frame whose
// wire length is len(data).
func (h *Harness) FeedTruncated(data []byte, captured int) *engine.Result {
	h.t.Helper()
	f := core.Frame{Timestamp: h.next, Data: data[:captured], ReportedLength: len(data)}
	h.next = h.next.Add(10 * time.Millisecond)
	r, err := h.Session.Dissect(f, false)
	require.NoError(h.t, err)
	return r
}

// Redissect dissects frame number again and returns its rendered tree.
func (h *Harness) Redissect(number uint32) string {
	h.t.Helper()
	r, err := h.Session.Redissect(number)
	require.NoError(h.t, err)
	defer r.Release()
	return Render(r.Tree)
}

// Render prints the tree one node per line, indented two spaces per level.
func Render(t *proto.Tree) string {
	var b strings.Builder
	t.Walk(func(h proto.Handle, depth int) bool {
		n, err := t.Node(h)
		if err != nil {
			return false
		}
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), n.Text())
		return true
	})
	return b.String()
}

// Values returns the rendered values of every abbrev field in tree order.
func Values(t *proto.Tree, abbrev string) []string {
	def, ok := t.Fields().ByAbbrev(abbrev)
	if !ok {
		return nil
	}
	var out []string
	for _, h := range t.FindAll(def.ID) {
		n, err := t.Node(h)
		if err != nil {
			continue
		}
		out = append(out, proto.Format(n.Field, n.Value))
	}
	return out
}

// Value returns the first rendered value of abbrev, or "" when absent.
func Value(t *proto.Tree, abbrev string) string {
	v := Values(t, abbrev)
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Serialize encodes ls with lengths and checksums fixed up.
func Serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

// Eth returns an Ethernet header from MACA to MACB.
func Eth(t layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: MACA, DstMAC: MACB, EthernetType: t}
}

// IPv4 returns an IPv4 header.
func IPv4(src, dst string, p layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: p,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

// IPv6 returns an IPv6 header.
func IPv6(src, dst string, next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
}

// UDPv4 builds Ethernet/IPv4/UDP carrying payload.
func UDPv4(t testing.TB, src string, sport uint16, dst string, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := IPv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, Eth(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

// Segment describes one TCP segment for TCPv4.
type Segment struct {
	Seq, Ack uint32
	SYN, ACK bool
	PSH, FIN bool
	RST      bool
	Window   uint16
	Options  []layers.TCPOption
	Payload  []byte
	SrcPort  uint16
	DstPort  uint16
	Src, Dst string
}

// TCPv4 builds Ethernet/IPv4/TCP for seg.
func TCPv4(t testing.TB, seg Segment) []byte {
	t.Helper()
	ip := IPv4(seg.Src, seg.Dst, layers.IPProtocolTCP)
	win := seg.Window
	if win == 0 {
		win = 65535
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		ACK:     seg.ACK,
		PSH:     seg.PSH,
		FIN:     seg.FIN,
		RST:     seg.RST,
		Window:  win,
		Options: seg.Options,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, Eth(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(seg.Payload))
}
