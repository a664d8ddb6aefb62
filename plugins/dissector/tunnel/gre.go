package tunnel

import (
	"fmt"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins/dissector/eth"
)

const (
	greFlagChecksum = 0x8000
	greFlagKey      = 0x2000
	greFlagSeq      = 0x1000
	greVersionMask  = 0x0007
)

type greFields struct {
	flags, checksumBit, keyBit, seqBit, version, proto proto.FieldID
	checksum, reserved, key, seq                       proto.FieldID
}

func (f *greFields) register(fields *proto.Registry, _ proto.FieldID) error {
	return register(fields, "gre", []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.flags, proto.FieldDef{Abbrev: "gre.flags_and_version", Name: "Flags and Version", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&f.checksumBit, proto.FieldDef{Abbrev: "gre.flags.checksum", Name: "Checksum Bit", Type: proto.TypeBool, Bitmask: greFlagChecksum}},
		{&f.keyBit, proto.FieldDef{Abbrev: "gre.flags.key", Name: "Key Bit", Type: proto.TypeBool, Bitmask: greFlagKey}},
		{&f.seqBit, proto.FieldDef{Abbrev: "gre.flags.sequence_number", Name: "Sequence Number Bit", Type: proto.TypeBool, Bitmask: greFlagSeq}},
		{&f.version, proto.FieldDef{Abbrev: "gre.flags.version", Name: "Version", Type: proto.TypeUint16, Bitmask: greVersionMask}},
		{&f.proto, proto.FieldDef{Abbrev: "gre.proto", Name: "Protocol Type", Type: proto.TypeUint16, Display: proto.DisplayHex, Strings: eth.EtherTypeNames}},
		{&f.checksum, proto.FieldDef{Abbrev: "gre.checksum", Name: "Checksum", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&f.reserved, proto.FieldDef{Abbrev: "gre.offset", Name: "Offset", Type: proto.TypeUint16}},
		{&f.key, proto.FieldDef{Abbrev: "gre.key", Name: "Key", Type: proto.TypeUint32, Display: proto.DisplayHex}},
		{&f.seq, proto.FieldDef{Abbrev: "gre.sequence_number", Name: "Sequence Number", Type: proto.TypeUint32}},
	})
}

func (d *tunnel) dissectGRE(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	layer := ctx.AddLayer(parent, buf, 0, greMinLen)
	f := &d.gre
	flags, err := buf.Uint16(0, bigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	h, err := ctx.Tree.AddField(layer, f.flags, buf, 0, 2, proto.EncBigEndian)
	if err != nil {
		return dissector.Result{}, err
	}
	for _, id := range []proto.FieldID{f.checksumBit, f.keyBit, f.seqBit, f.version} {
		if _, err := ctx.Tree.AddField(h, id, buf, 0, 2, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	if _, err := ctx.Tree.AddField(layer, f.proto, buf, 2, 2, proto.EncBigEndian); err != nil {
		return dissector.Result{}, err
	}
	etherType, err := buf.Uint16(2, bigEndian)
	if err != nil {
		return dissector.Result{}, err
	}

	off := greMinLen
	for _, o := range []struct {
		flag uint16
		id   proto.FieldID
		n    int
	}{
		{greFlagChecksum, f.checksum, 2},
		{greFlagChecksum, f.reserved, 2},
		{greFlagKey, f.key, 4},
		{greFlagSeq, f.seq, 4},
	} {
		if flags&o.flag == 0 {
			continue
		}
		if _, err := ctx.Tree.AddField(layer, o.id, buf, off, o.n, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
		off += o.n
	}
	ctx.Tree.SetLength(layer, off)
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", %s", etherTypeName(etherType)))
	ctx.Columns.Set(proto.ColProtocol, "GRE")
	ctx.Columns.Set(proto.ColInfo, "Encapsulated "+etherTypeName(etherType))

	payload, err := buf.Subset(off, -1)
	if err != nil {
		return dissector.Result{}, err
	}
	if _, err := ctx.DispatchUint(eth.TableEtherType, uint64(etherType), payload, parent); err != nil {
		return dissector.Result{}, err
	}
	return dissector.Accept(buf.CapturedLength()), nil
}

func etherTypeName(t uint16) string {
	if n, ok := eth.EtherTypeNames[uint64(t)]; ok {
		return n
	}
	if t == etherTypeTEB {
		return "Transparent Ethernet bridging"
	}
	return fmt.Sprintf("0x%04x", t)
}
