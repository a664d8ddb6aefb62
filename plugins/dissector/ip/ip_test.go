package ip_test

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/ip"
	"firestige.xyz/dissect/plugins/internal/pkttest"
)

func TestChecksum(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0xb8, 0x61, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Zero(t, ip.Checksum(hdr))
	hdr[8]--
	assert.NotZero(t, ip.Checksum(hdr))
	assert.Equal(t, uint16(0xffff), ip.Checksum(nil))
}

func TestIPv4_Header(t *testing.T) {
	h := pkttest.New(t, nil)
	r := h.Feed(pkttest.UDPv4(t, "192.168.1.10", 5000, "192.168.1.20", 9999, []byte("abcd")))

	assert.Equal(t, "frame:eth:ip:udp:data", r.Protocols)
	assert.Equal(t, "4", pkttest.Value(r.Tree, "ip.version"))
	assert.Equal(t, "20", pkttest.Value(r.Tree, "ip.hdr_len"))
	assert.Equal(t, "64", pkttest.Value(r.Tree, "ip.ttl"))
	assert.Equal(t, "UDP (17)", pkttest.Value(r.Tree, "ip.proto"))
	assert.Equal(t, "192.168.1.10", pkttest.Value(r.Tree, "ip.src"))
	assert.Equal(t, "192.168.1.20", pkttest.Value(r.Tree, "ip.dst"))
	assert.Equal(t, []string{"192.168.1.10", "192.168.1.20"}, pkttest.Values(r.Tree, "ip.addr"))
	assert.Equal(t, "Good", pkttest.Value(r.Tree, "ip.checksum.status"))
	assert.Equal(t, "192.168.1.10", r.Columns.Get(proto.ColSource))
	assert.Equal(t, "192.168.1.20", r.Columns.Get(proto.ColDestination))
}

func TestIPv4_BadChecksum(t *testing.T) {
	h := pkttest.New(t, nil)
	data := pkttest.UDPv4(t, "192.168.1.10", 5000, "192.168.1.20", 9999, []byte("abcd"))
	data[14+10] ^= 0xff

	r := h.Feed(data)
	assert.Contains(t, pkttest.Value(r.Tree, "ip.checksum.status"), "Bad (0x")
	assert.Equal(t, "frame:eth:ip:udp:data", r.Protocols)
}

func TestIPv4_BogusTotalLength(t *testing.T) {
	h := pkttest.New(t, nil)
	data := pkttest.UDPv4(t, "192.168.1.10", 5000, "192.168.1.20", 9999, []byte("abcd"))
	data[14+2], data[14+3] = 0x00, 0x10

	r := h.Feed(data)
	assert.Equal(t, 1, r.Tree.MalformedCount())
	assert.Contains(t, pkttest.Render(r.Tree), "[Malformed Packet: Internet Protocol Version 4]")
}

func TestIPv4_Reassembly(t *testing.T) {
	h := pkttest.New(t, nil)
	payload := make([]byte, 24)
	for i := range payload {
		payload[i] = byte(i)
	}
	whole := pkttest.UDPv4(t, "10.1.1.1", 7000, "10.1.1.2", 9999, payload)
	datagram := whole[14+20:]
	require.Len(t, datagram, 32)

	fragment := func(off uint16, more bool, part []byte) []byte {
		v4 := pkttest.IPv4("10.1.1.1", "10.1.1.2", layers.IPProtocolUDP)
		v4.FragOffset = off / 8
		if more {
			v4.Flags = layers.IPv4MoreFragments
		}
		return pkttest.Serialize(t, pkttest.Eth(layers.EthernetTypeIPv4), v4, gopacket.Payload(part))
	}

	r := h.Feed(fragment(0, true, datagram[:16]))
	assert.Equal(t, "frame:eth:ip:data", r.Protocols)
	assert.Equal(t, "Fragmented IP protocol (proto=UDP 17, off=0, ID=1234)", r.Columns.Get(proto.ColInfo))
	assert.Equal(t, "true", pkttest.Value(r.Tree, "ip.flags.mf"))

	r = h.Feed(fragment(16, false, datagram[16:]))
	assert.Equal(t, "frame:eth:ip:udp:data", r.Protocols)
	assert.Equal(t, "2", pkttest.Value(r.Tree, "ip.fragment.count"))
	assert.Equal(t, "32", pkttest.Value(r.Tree, "ip.reassembled.length"))
	assert.Equal(t, "16", pkttest.Value(r.Tree, "ip.frag_offset"))
	assert.Contains(t, pkttest.Render(r.Tree), "[2 IPv4 Fragments (32 bytes): #1, #2]")
	assert.Equal(t, "24", pkttest.Value(r.Tree, "data.len"))

	first := h.Redissect(1)
	assert.Contains(t, first, "[Reassembled IPv4 in frame: 2]")
}

func TestIPv6(t *testing.T) {
	h := pkttest.New(t, nil)
	v6 := pkttest.IPv6("2001:db8::1", "2001:db8::2", layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 5000, DstPort: 9999}
	require.NoError(t, udp.SetNetworkLayerForChecksum(v6))
	data := pkttest.Serialize(t, pkttest.Eth(layers.EthernetTypeIPv6), v6, udp, gopacket.Payload([]byte("v6")))

	r := h.Feed(data)
	assert.Equal(t, "frame:eth:ipv6:udp:data", r.Protocols)
	assert.Equal(t, "2001:db8::1", pkttest.Value(r.Tree, "ipv6.src"))
	assert.Equal(t, "2001:db8::2", pkttest.Value(r.Tree, "ipv6.dst"))
	assert.Equal(t, "64", pkttest.Value(r.Tree, "ipv6.hlim"))
	assert.Equal(t, "UDP (17)", pkttest.Value(r.Tree, "ipv6.nxt"))
	assert.Equal(t, "10", pkttest.Value(r.Tree, "ipv6.plen"))
	assert.Equal(t, "2001:db8::1", r.Columns.Get(proto.ColSource))
}

func TestRawEncapsulation(t *testing.T) {
	h := pkttest.NewEncap(t, nil, 101)
	data := pkttest.UDPv4(t, "10.0.0.1", 1, "10.0.0.2", 9999, []byte("x"))[14:]

	r := h.Feed(data)
	assert.Equal(t, "frame:raw:ip:udp:data", r.Protocols)
	assert.Equal(t, "10.0.0.2", pkttest.Value(r.Tree, "ip.dst"))
}
