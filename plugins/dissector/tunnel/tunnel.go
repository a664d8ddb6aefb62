// Package tunnel dissects the encapsulations that carry whole frames or
// datagrams inside another packet: GRE, VXLAN and Geneve.
package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/eth"
	"firestige.xyz/dissect/plugins/dissector/ip"
)

const (
	// PortVXLAN is the IANA UDP port for VXLAN.
	PortVXLAN = 4789
	// PortGeneve is the IANA UDP port for Geneve.
	PortGeneve = 6081

	// etherTypeTEB is Transparent Ethernet Bridging: the payload is an Ethernet frame.
	etherTypeTEB = 0x6558

	greMinLen    = 4
	vxlanLen     = 8
	geneveMinLen = 8
)

var bigEndian = binary.BigEndian

type tunnel struct {
	gre    greFields
	vxlan  vxlanFields
	geneve geneveFields

	greHandle, vxlanHandle, geneveHandle *dissector.Handle
	eth                                  *dissector.Handle
}

// Registrar returns the registrar for GRE, VXLAN and Geneve.
func Registrar() engine.Registrar {
	d := &tunnel{}
	return engine.Registrar{Name: "tunnel", Register: d.register, Handoff: d.handoff}
}

func (d *tunnel) register(e *engine.Engine) error {
	fields := e.Fields()
	reg := e.Dissectors()
	for _, p := range []struct {
		name, abbrev string
		register     func(*proto.Registry, proto.FieldID) error
		fn           dissector.Func
		handle       **dissector.Handle
	}{
		{"Generic Routing Encapsulation", "gre", d.gre.register, d.dissectGRE, &d.greHandle},
		{"Virtual eXtensible Local Area Network", "vxlan", d.vxlan.register, d.dissectVXLAN, &d.vxlanHandle},
		{"Generic Network Virtualization Encapsulation", "geneve", d.geneve.register, d.dissectGeneve, &d.geneveHandle},
	} {
		id, err := fields.RegisterProtocol(p.name, p.abbrev)
		if err != nil {
			return err
		}
		if err := p.register(fields, id); err != nil {
			return fmt.Errorf("%s: %w", p.abbrev, err)
		}
		*p.handle = dissector.NewHandle(p.abbrev, id, p.abbrev, p.fn)
		reg.Register(*p.handle)
	}
	return nil
}

func (d *tunnel) handoff(e *engine.Engine) error {
	reg := e.Dissectors()
	if h, ok := reg.Lookup("eth"); ok {
		d.eth = h
		if err := reg.SetUint(eth.TableEtherType, etherTypeTEB, h); err != nil {
			return err
		}
	}
	if err := reg.SetUint(ip.TableProto, uint64(layers.IPProtocolGRE), d.greHandle); err != nil {
		return err
	}
	if err := reg.SetUint(engine.TableUDPPort, PortVXLAN, d.vxlanHandle); err != nil {
		return err
	}
	return reg.SetUint(engine.TableUDPPort, PortGeneve, d.geneveHandle)
}

func register(fields *proto.Registry, parent string, defs []struct {
	id  *proto.FieldID
	def proto.FieldDef
}) error {
	for _, f := range defs {
		f.def.Parent = parent
		id, err := fields.Register(f.def)
		if err != nil {
			return err
		}
		*f.id = id
	}
	return nil
}
