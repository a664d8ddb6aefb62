// Package ip dissects IPv4 (with fragment reassembly) and IPv6 headers.
package ip

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/plugins/dissector/eth"
)

// TableProto is keyed by IP protocol number, shared by IPv4 and IPv6.
const TableProto = "ip.proto"

// ScratchTTL holds the TTL or hop limit of the innermost IP header for upper layers.
const ScratchTTL = "ip.ttl"

// ProtoNames names the IP protocol numbers shown in trees.
var ProtoNames = map[uint64]string{}

func init() {
	for _, p := range []layers.IPProtocol{
		layers.IPProtocolICMPv4,
		layers.IPProtocolIGMP,
		layers.IPProtocolIPv4,
		layers.IPProtocolTCP,
		layers.IPProtocolUDP,
		layers.IPProtocolIPv6,
		layers.IPProtocolGRE,
		layers.IPProtocolESP,
		layers.IPProtocolAH,
		layers.IPProtocolICMPv6,
		layers.IPProtocolSCTP,
	} {
		ProtoNames[uint64(p)] = p.String()
	}
}

type ipDissector struct {
	v4 ipv4Fields
	v6 ipv6Fields

	ipv4, ipv6 *dissector.Handle
}

// Registrar returns the IPv4 and IPv6 registrar.
func Registrar() engine.Registrar {
	d := &ipDissector{}
	return engine.Registrar{Name: "ip", Register: d.register, Handoff: d.handoff}
}

func (d *ipDissector) register(e *engine.Engine) error {
	fields := e.Fields()
	v4, err := d.v4.register(fields)
	if err != nil {
		return err
	}
	v6, err := d.v6.register(fields)
	if err != nil {
		return err
	}
	reg := e.Dissectors()
	if _, err := reg.CreateTable(TableProto, "IP protocol", dissector.KeyUint); err != nil {
		return err
	}
	d.ipv4 = dissector.NewHandle("ip", v4, "ip", d.dissectIPv4)
	d.ipv6 = dissector.NewHandle("ipv6", v6, "ipv6", d.dissectIPv6)
	reg.Register(d.ipv4)
	reg.Register(d.ipv6)
	return nil
}

func (d *ipDissector) handoff(e *engine.Engine) error {
	reg := e.Dissectors()
	for _, b := range []struct {
		table string
		key   uint64
		h     *dissector.Handle
	}{
		{eth.TableEtherType, uint64(layers.EthernetTypeIPv4), d.ipv4},
		{eth.TableEtherType, uint64(layers.EthernetTypeIPv6), d.ipv6},
		{engine.TableEncap, uint64(layers.LinkTypeIPv4), d.ipv4},
		{engine.TableEncap, uint64(layers.LinkTypeIPv6), d.ipv6},
		{TableProto, uint64(layers.IPProtocolIPv4), d.ipv4},
		{TableProto, uint64(layers.IPProtocolIPv6), d.ipv6},
	} {
		if err := reg.SetUint(b.table, b.key, b.h); err != nil {
			return err
		}
	}
	raw := dissector.NewHandle("raw", d.ipv4.Protocol(), "raw", d.dissectRaw)
	reg.Register(raw)
	return reg.SetUint(engine.TableEncap, uint64(layers.LinkTypeRaw), raw)
}

// Checksum computes the Internet checksum of p; it is zero over data that
// includes a valid checksum field.
func Checksum(p []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(p); i += 2 {
		sum += uint32(p[i])<<8 | uint32(p[i+1])
	}
	if len(p)%2 == 1 {
		sum += uint32(p[len(p)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

func protoName(p uint8) string {
	if n, ok := ProtoNames[uint64(p)]; ok {
		return n
	}
	return "Unknown"
}
