package tunnel_test

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"

	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/tunnel"
	"firestige.xyz/dissect/plugins/internal/pkttest"
)

func innerFrame(t *testing.T) []byte {
	return pkttest.UDPv4(t, "192.168.0.1", 1111, "192.168.0.2", 9999, []byte("inner"))
}

func TestVXLAN(t *testing.T) {
	h := pkttest.New(t, nil)
	payload := append([]byte{0x08, 0, 0, 0, 0, 0, 0x64, 0}, innerFrame(t)...)

	r := h.Feed(pkttest.UDPv4(t, "10.0.0.1", 50000, "10.0.0.2", tunnel.PortVXLAN, payload))
	assert.Equal(t, "frame:eth:ip:udp:vxlan:eth:ip:udp:data", r.Protocols)
	assert.Equal(t, "100", pkttest.Value(r.Tree, "vxlan.vni"))
	assert.Equal(t, "true", pkttest.Value(r.Tree, "vxlan.flags.vni"))
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.1"}, pkttest.Values(r.Tree, "ip.src"))
	assert.Equal(t, "192.168.0.1", r.Columns.Get(proto.ColSource))
	assert.Equal(t, "1111 → 9999 Len=5", r.Columns.Get(proto.ColInfo))
	assert.Len(t, h.Session.Conversations(), 2)
	assert.Contains(t, pkttest.Render(r.Tree), "Virtual eXtensible Local Area Network, VNI: 100")
}

func TestVXLAN_WithoutVNIFlag(t *testing.T) {
	h := pkttest.New(t, nil)
	payload := append([]byte{0x00, 0, 0, 0, 0, 0, 0x64, 0}, innerFrame(t)...)

	r := h.Feed(pkttest.UDPv4(t, "10.0.0.1", 50000, "10.0.0.2", tunnel.PortVXLAN, payload))
	assert.Equal(t, "frame:eth:ip:udp:data", r.Protocols)
	assert.Empty(t, pkttest.Values(r.Tree, "vxlan.vni"))
}

func TestGRE(t *testing.T) {
	h := pkttest.New(t, nil)
	gre := append([]byte{0x20, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x2a}, innerFrame(t)[14:]...)
	data := pkttest.Serialize(t,
		pkttest.Eth(layers.EthernetTypeIPv4),
		pkttest.IPv4("10.0.0.1", "10.0.0.2", layers.IPProtocolGRE),
		gopacket.Payload(gre))

	r := h.Feed(data)
	assert.Equal(t, "frame:eth:ip:gre:ip:udp:data", r.Protocols)
	assert.Equal(t, "0x0000002a", pkttest.Value(r.Tree, "gre.key"))
	assert.Equal(t, "true", pkttest.Value(r.Tree, "gre.flags.key"))
	assert.Equal(t, "false", pkttest.Value(r.Tree, "gre.flags.checksum"))
	assert.Equal(t, "IPv4 (0x0800)", pkttest.Value(r.Tree, "gre.proto"))
	assert.Contains(t, pkttest.Render(r.Tree), "Generic Routing Encapsulation, IPv4")
}

func TestGeneve(t *testing.T) {
	h := pkttest.New(t, nil)
	payload := append([]byte{0x01, 0x00, 0x65, 0x58, 0x00, 0x00, 0x2a, 0x00, 0xde, 0xad, 0xbe, 0xef}, innerFrame(t)...)

	r := h.Feed(pkttest.UDPv4(t, "10.0.0.1", 50000, "10.0.0.2", tunnel.PortGeneve, payload))
	assert.Equal(t, "frame:eth:ip:udp:geneve:eth:ip:udp:data", r.Protocols)
	assert.Equal(t, "0x00002a", pkttest.Value(r.Tree, "geneve.vni"))
	assert.Equal(t, "1", pkttest.Value(r.Tree, "geneve.options_length"))
	assert.Equal(t, "deadbeef", pkttest.Value(r.Tree, "geneve.options"))
	assert.Contains(t, pkttest.Render(r.Tree), "Generic Network Virtualization Encapsulation, VNI: 0x00002a, Transparent Ethernet bridging")
}

func TestGeneve_UnknownVersion(t *testing.T) {
	h := pkttest.New(t, nil)
	payload := append([]byte{0x40, 0x00, 0x65, 0x58, 0x00, 0x00, 0x2a, 0x00}, innerFrame(t)...)

	r := h.Feed(pkttest.UDPv4(t, "10.0.0.1", 50000, "10.0.0.2", tunnel.PortGeneve, payload))
	assert.Equal(t, "frame:eth:ip:udp:data", r.Protocols)
}
