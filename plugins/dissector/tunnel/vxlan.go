package tunnel

import (
	"fmt"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/proto"
)

const vxlanFlagVNI = 0x08

type vxlanFields struct {
	flags, vniFlag, vni, reserved proto.FieldID
}

func (f *vxlanFields) register(fields *proto.Registry, _ proto.FieldID) error {
	return register(fields, "vxlan", []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.flags, proto.FieldDef{Abbrev: "vxlan.flags", Name: "Flags", Type: proto.TypeUint8, Display: proto.DisplayHex}},
		{&f.vniFlag, proto.FieldDef{Abbrev: "vxlan.flags.vni", Name: "VXLAN Network ID (VNI)", Type: proto.TypeBool, Bitmask: vxlanFlagVNI}},
		{&f.vni, proto.FieldDef{Abbrev: "vxlan.vni", Name: "VXLAN Network Identifier (VNI)", Type: proto.TypeUint24}},
		{&f.reserved, proto.FieldDef{Abbrev: "vxlan.reserved", Name: "Reserved", Type: proto.TypeUint8}},
	})
}

// dissectVXLAN rejects datagrams without the VNI flag so the port falls back
// to heuristics and raw data.
func (d *tunnel) dissectVXLAN(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	flags, err := buf.Uint8(0)
	if err != nil || flags&vxlanFlagVNI == 0 || buf.CapturedLength() < vxlanLen {
		return dissector.Reject(), nil
	}
	f := &d.vxlan
	layer := ctx.AddLayer(parent, buf, 0, vxlanLen)
	h, err := ctx.Tree.AddField(layer, f.flags, buf, 0, 1, proto.EncBigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	if _, err := ctx.Tree.AddField(h, f.vniFlag, buf, 0, 1, proto.EncBigEndian); err != nil {
		return dissector.Result{}, err
	}
	if _, err := ctx.Tree.AddField(layer, f.vni, buf, 4, 3, proto.EncBigEndian); err != nil {
		return dissector.Result{}, err
	}
	if _, err := ctx.Tree.AddField(layer, f.reserved, buf, 7, 1, proto.EncBigEndian); err != nil {
		return dissector.Result{}, err
	}
	vni, err := buf.Uint24(4, bigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", VNI: %d", vni))
	ctx.Columns.Set(proto.ColProtocol, "VXLAN")
	ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("VNI %d", vni))

	inner, err := buf.Subset(vxlanLen, -1)
	if err != nil {
		return dissector.Result{}, err
	}
	if d.eth == nil {
		_, err = ctx.CallData(inner, parent)
	} else {
		_, err = ctx.Call(d.eth, inner, parent)
	}
	if err != nil {
		return dissector.Result{}, err
	}
	return dissector.Accept(buf.CapturedLength()), nil
}
