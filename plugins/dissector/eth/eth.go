// Package eth dissects Ethernet II frames and 802.1Q / 802.1ad VLAN tags.
package eth

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
)

// TableEtherType is keyed by EtherType.
const TableEtherType = "ethertype"

const (
	headerLen     = 14
	vlanHeaderLen = 4
)

// EtherTypeNames names the EtherTypes shown in trees.
var EtherTypeNames = map[uint64]string{}

func init() {
	for _, t := range []layers.EthernetType{
		layers.EthernetTypeIPv4,
		layers.EthernetTypeIPv6,
		layers.EthernetTypeARP,
		layers.EthernetTypeDot1Q,
		layers.EthernetTypeQinQ,
		layers.EthernetTypeLinkLayerDiscovery,
		layers.EthernetTypeMPLSUnicast,
		layers.EthernetTypePPPoESession,
	} {
		EtherTypeNames[uint64(t)] = t.String()
	}
}

type ethernet struct {
	hfDst, hfSrc, hfType, hfPadding proto.FieldID
	hfPrio, hfDEI, hfID, hfEtype    proto.FieldID

	eth, vlan *dissector.Handle
}

// Registrar returns the Ethernet and VLAN registrar.
func Registrar() engine.Registrar {
	d := &ethernet{}
	return engine.Registrar{Name: "eth", Register: d.register, Handoff: d.handoff}
}

func (d *ethernet) register(e *engine.Engine) error {
	fields := e.Fields()
	ethProto, err := fields.RegisterProtocol("Ethernet II", "eth")
	if err != nil {
		return err
	}
	vlanProto, err := fields.RegisterProtocol("802.1Q Virtual LAN", "vlan")
	if err != nil {
		return err
	}
	for _, f := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&d.hfDst, proto.FieldDef{Abbrev: "eth.dst", Name: "Destination", Type: proto.TypeEther, Parent: "eth"}},
		{&d.hfSrc, proto.FieldDef{Abbrev: "eth.src", Name: "Source", Type: proto.TypeEther, Parent: "eth"}},
		{&d.hfType, proto.FieldDef{Abbrev: "eth.type", Name: "Type", Type: proto.TypeUint16, Display: proto.DisplayHex, Strings: EtherTypeNames, Parent: "eth"}},
		{&d.hfPadding, proto.FieldDef{Abbrev: "eth.padding", Name: "Padding", Type: proto.TypeBytes, Parent: "eth"}},
		{&d.hfPrio, proto.FieldDef{Abbrev: "vlan.priority", Name: "Priority", Type: proto.TypeUint16, Bitmask: 0xe000, Parent: "vlan"}},
		{&d.hfDEI, proto.FieldDef{Abbrev: "vlan.dei", Name: "DEI", Type: proto.TypeBool, Bitmask: 0x1000, Parent: "vlan"}},
		{&d.hfID, proto.FieldDef{Abbrev: "vlan.id", Name: "ID", Type: proto.TypeUint16, Bitmask: 0x0fff, Parent: "vlan"}},
		{&d.hfEtype, proto.FieldDef{Abbrev: "vlan.etype", Name: "Type", Type: proto.TypeUint16, Display: proto.DisplayHex, Strings: EtherTypeNames, Parent: "vlan"}},
	} {
		if *f.id, err = fields.Register(f.def); err != nil {
			return err
		}
	}

	reg := e.Dissectors()
	if _, err := reg.CreateTable(TableEtherType, "Ethertype", dissector.KeyUint); err != nil {
		return err
	}
	d.eth = dissector.NewHandle("eth", ethProto, "eth", d.dissectEthernet)
	d.vlan = dissector.NewHandle("vlan", vlanProto, "vlan", d.dissectVLAN)
	reg.Register(d.eth)
	reg.Register(d.vlan)
	return nil
}

func (d *ethernet) handoff(e *engine.Engine) error {
	reg := e.Dissectors()
	if err := reg.SetUint(engine.TableEncap, uint64(layers.LinkTypeEthernet), d.eth); err != nil {
		return err
	}
	for _, t := range []layers.EthernetType{layers.EthernetTypeDot1Q, layers.EthernetTypeQinQ} {
		if err := reg.SetUint(TableEtherType, uint64(t), d.vlan); err != nil {
			return err
		}
	}
	return nil
}

func (d *ethernet) dissectEthernet(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	layer := ctx.AddLayer(parent, buf, 0, headerLen)
	raw, err := buf.Bytes(0, headerLen)
	if err != nil {
		return dissector.Result{}, err
	}
	var dst, src core.EtherAddress
	copy(dst[:], raw[0:6])
	copy(src[:], raw[6:12])
	etherType := binary.BigEndian.Uint16(raw[12:14])

	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", Src: %s, Dst: %s", src, dst))
	for _, f := range []struct {
		id      proto.FieldID
		off, sz int
	}{{d.hfDst, 0, 6}, {d.hfSrc, 6, 6}, {d.hfType, 12, 2}} {
		if _, err := ctx.Tree.AddField(layer, f.id, buf, f.off, f.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}

	ctx.Src, ctx.Dst = src, dst
	ctx.Columns.Set(proto.ColSource, src.String())
	ctx.Columns.Set(proto.ColDestination, dst.String())
	ctx.Columns.Set(proto.ColProtocol, "ETH")
	ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("Ethernet II, type 0x%04x", etherType))

	return d.next(ctx, buf, headerLen, etherType, layer, parent)
}

func (d *ethernet) dissectVLAN(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	layer := ctx.AddLayer(parent, buf, 0, vlanHeaderLen)
	tci, err := buf.Uint16(0, binary.BigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	etherType, err := buf.Uint16(2, binary.BigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", PRI: %d, DEI: %d, ID: %d", tci>>13, (tci>>12)&1, tci&0x0fff))
	for _, id := range []proto.FieldID{d.hfPrio, d.hfDEI, d.hfID} {
		if _, err := ctx.Tree.AddField(layer, id, buf, 0, 2, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	if _, err := ctx.Tree.AddField(layer, d.hfEtype, buf, 2, 2, proto.EncBigEndian); err != nil {
		return dissector.Result{}, err
	}
	ctx.Columns.AppendSep(proto.ColInfo, ", ", fmt.Sprintf("VLAN %d", tci&0x0fff))
	return d.next(ctx, buf, vlanHeaderLen, etherType, layer, parent)
}

// next hands the payload to the ethertype table. Bytes the payload dissector
// leaves unused are trailing padding.
func (d *ethernet) next(ctx *dissector.Context, buf *buffer.Buffer, off int, etherType uint16, layer, parent proto.Handle) (dissector.Result, error) {
	payload, err := buf.Subset(off, -1)
	if err != nil {
		return dissector.Result{}, err
	}
	res, err := ctx.DispatchUint(TableEtherType, uint64(etherType), payload, parent)
	if err != nil {
		return dissector.Result{}, err
	}
	if used := res.Consumed(); used < payload.CapturedLength() {
		if _, err := ctx.Tree.AddField(layer, d.hfPadding, buf, off+used, payload.CapturedLength()-used, proto.EncNA); err != nil {
			return dissector.Result{}, err
		}
	}
	return dissector.Accept(buf.CapturedLength()), nil
}
