package tunnel

import (
	"fmt"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/eth"
)

type geneveFields struct {
	version, optLen, flagOAM, flagCritical, proto, vni, options proto.FieldID
}

func (f *geneveFields) register(fields *proto.Registry, _ proto.FieldID) error {
	return register(fields, "geneve", []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.version, proto.FieldDef{Abbrev: "geneve.version", Name: "Version", Type: proto.TypeUint8, Bitmask: 0xc0}},
		{&f.optLen, proto.FieldDef{Abbrev: "geneve.options_length", Name: "Length", Type: proto.TypeUint8, Bitmask: 0x3f}},
		{&f.flagOAM, proto.FieldDef{Abbrev: "geneve.flags.oam", Name: "Operations, Administration and Management Frame", Type: proto.TypeBool, Bitmask: 0x80}},
		{&f.flagCritical, proto.FieldDef{Abbrev: "geneve.flags.critical", Name: "Critical Options Present", Type: proto.TypeBool, Bitmask: 0x40}},
		{&f.proto, proto.FieldDef{Abbrev: "geneve.proto_type", Name: "Protocol Type", Type: proto.TypeUint16, Display: proto.DisplayHex, Strings: eth.EtherTypeNames}},
		{&f.vni, proto.FieldDef{Abbrev: "geneve.vni", Name: "Virtual Network Identifier (VNI)", Type: proto.TypeUint24, Display: proto.DisplayHex}},
		{&f.options, proto.FieldDef{Abbrev: "geneve.options", Name: "Options", Type: proto.TypeBytes}},
	})
}

func (d *tunnel) dissectGeneve(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	first, err := buf.Uint8(0)
	if err != nil || first>>6 != 0 {
		// unknown version
		return dissector.Reject(), nil
	}
	f := &d.geneve
	hdrLen := geneveMinLen + int(first&0x3f)*4
	layer := ctx.AddLayer(parent, buf, 0, hdrLen)
	for _, fl := range []struct {
		id      proto.FieldID
		off, sz int
	}{{f.version, 0, 1}, {f.optLen, 0, 1}, {f.flagOAM, 1, 1}, {f.flagCritical, 1, 1}, {f.proto, 2, 2}, {f.vni, 4, 3}} {
		if _, err := ctx.Tree.AddField(layer, fl.id, buf, fl.off, fl.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	if hdrLen > geneveMinLen {
		if _, err := ctx.Tree.AddField(layer, f.options, buf, geneveMinLen, hdrLen-geneveMinLen, proto.EncNA); err != nil {
			return dissector.Result{}, err
		}
	}
	etherType, err := buf.Uint16(2, bigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	vni, err := buf.Uint24(4, bigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", VNI: 0x%06x, %s", vni, etherTypeName(etherType)))
	ctx.Columns.Set(proto.ColProtocol, "Geneve")
	ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("VNI 0x%06x", vni))

	payload, err := buf.Subset(hdrLen, -1)
	if err != nil {
		return dissector.Result{}, err
	}
	if _, err := ctx.DispatchUint(eth.TableEtherType, uint64(etherType), payload, parent); err != nil {
		return dissector.Result{}, err
	}
	return dissector.Accept(buf.CapturedLength()), nil
}
