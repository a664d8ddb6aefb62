package ip

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/proto"
)

const ipv6HeaderLen = 40

type ipv6Fields struct {
	version, tclass, flow, plen, nxt, hlim proto.FieldID
	src, dst, addr                         proto.FieldID
	extHeader, extLen, fragment            proto.FieldID
}

func (f *ipv6Fields) register(r *proto.Registry) (proto.FieldID, error) {
	id, err := r.RegisterProtocol("Internet Protocol Version 6", "ipv6")
	if err != nil {
		return 0, err
	}
	for _, d := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.version, proto.FieldDef{Abbrev: "ipv6.version", Name: "Version", Type: proto.TypeUint8, Bitmask: 0xf0}},
		{&f.tclass, proto.FieldDef{Abbrev: "ipv6.tclass", Name: "Traffic Class", Type: proto.TypeUint32, Display: proto.DisplayHex, Bitmask: 0x0ff00000}},
		{&f.flow, proto.FieldDef{Abbrev: "ipv6.flow", Name: "Flow Label", Type: proto.TypeUint32, Display: proto.DisplayHex, Bitmask: 0x000fffff}},
		{&f.plen, proto.FieldDef{Abbrev: "ipv6.plen", Name: "Payload Length", Type: proto.TypeUint16}},
		{&f.nxt, proto.FieldDef{Abbrev: "ipv6.nxt", Name: "Next Header", Type: proto.TypeUint8, Strings: ProtoNames}},
		{&f.hlim, proto.FieldDef{Abbrev: "ipv6.hlim", Name: "Hop Limit", Type: proto.TypeUint8}},
		{&f.src, proto.FieldDef{Abbrev: "ipv6.src", Name: "Source Address", Type: proto.TypeIPv6}},
		{&f.dst, proto.FieldDef{Abbrev: "ipv6.dst", Name: "Destination Address", Type: proto.TypeIPv6}},
		{&f.addr, proto.FieldDef{Abbrev: "ipv6.addr", Name: "Source or Destination Address", Type: proto.TypeIPv6}},
		{&f.extHeader, proto.FieldDef{Abbrev: "ipv6.ext.nxt", Name: "Next Header", Type: proto.TypeUint8, Strings: ProtoNames}},
		{&f.extLen, proto.FieldDef{Abbrev: "ipv6.ext.len", Name: "Length", Type: proto.TypeUint8}},
		{&f.fragment, proto.FieldDef{Abbrev: "ipv6.fragment", Name: "Fragment Header", Type: proto.TypeBytes}},
	} {
		d.def.Parent = "ipv6"
		if *d.id, err = r.Register(d.def); err != nil {
			return 0, err
		}
	}
	return id, nil
}

var extNames = map[uint8]string{
	uint8(layers.IPProtocolIPv6HopByHop):    "Hop-by-Hop Options",
	uint8(layers.IPProtocolIPv6Routing):     "Routing Header",
	uint8(layers.IPProtocolIPv6Destination): "Destination Options",
}

func (d *ipDissector) dissectIPv6(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	f := &d.v6
	layer := ctx.AddLayer(parent, buf, 0, ipv6HeaderLen)
	hdr, err := buf.Bytes(0, ipv6HeaderLen)
	if err != nil {
		if _, ferr := ctx.Tree.AddField(layer, f.version, buf, 0, 1, proto.EncNA); ferr != nil {
			return dissector.Result{}, ferr
		}
		return dissector.Result{}, err
	}
	if hdr[0]>>4 != 6 {
		ctx.Malformed(fmt.Errorf("bogus IPv6 version %d", hdr[0]>>4))
		return dissector.Accept(buf.CapturedLength()), nil
	}
	plen := int(binary.BigEndian.Uint16(hdr[4:6]))
	next := hdr[6]
	hlim := hdr[7]
	src, _ := netip.AddrFromSlice(hdr[8:24])
	dst, _ := netip.AddrFromSlice(hdr[24:40])

	for _, fl := range []struct {
		id      proto.FieldID
		off, sz int
	}{
		{f.version, 0, 1}, {f.tclass, 0, 4}, {f.flow, 0, 4}, {f.plen, 4, 2},
		{f.nxt, 6, 1}, {f.hlim, 7, 1}, {f.src, 8, 16}, {f.dst, 24, 16},
	} {
		if _, err := ctx.Tree.AddField(layer, fl.id, buf, fl.off, fl.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	ctx.Tree.SetFlags(ctx.Tree.AddValue(layer, f.addr, buf, 8, 16, proto.AddrValue{Addr: core.IPAddress{Addr: src}}), proto.FlagHidden)
	ctx.Tree.SetFlags(ctx.Tree.AddValue(layer, f.addr, buf, 24, 16, proto.AddrValue{Addr: core.IPAddress{Addr: dst}}), proto.FlagHidden)
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", Src: %s, Dst: %s", src, dst))

	ctx.Src, ctx.Dst = core.IPAddress{Addr: src}, core.IPAddress{Addr: dst}
	ctx.SetScratch(ScratchTTL, hlim)
	ctx.Columns.Set(proto.ColSource, src.String())
	ctx.Columns.Set(proto.ColDestination, dst.String())
	ctx.Columns.Set(proto.ColProtocol, "IPv6")

	// A zero payload length means a jumbogram; take whatever follows.
	total := ipv6HeaderLen + plen
	if plen == 0 || total > buf.ReportedLength() {
		if plen != 0 {
			ctx.Malformed(fmt.Errorf("IPv6 payload length %d exceeds packet length %d", plen, buf.ReportedLength()))
		}
		total = buf.ReportedLength()
	}
	datagram, err := buf.SubsetReported(0, total)
	if err != nil {
		return dissector.Result{}, err
	}

	off := ipv6HeaderLen
	for {
		name, ok := extNames[next]
		if !ok {
			break
		}
		hdrExt, err := datagram.Bytes(off, 2)
		if err != nil {
			return dissector.Result{}, err
		}
		n := (int(hdrExt[1]) + 1) * 8
		sub := ctx.Tree.AddSubtree(layer, name, datagram, off, n)
		if _, err := ctx.Tree.AddField(sub, f.extHeader, datagram, off, 1, proto.EncNA); err != nil {
			return dissector.Result{}, err
		}
		ctx.Tree.AddValue(sub, f.extLen, datagram, off+1, 1, proto.UintValue(n))
		if _, err := datagram.Bytes(off, n); err != nil {
			return dissector.Result{}, err
		}
		next = hdrExt[0]
		off += n
	}

	payload, err := datagram.SubsetReported(off, total-off)
	if err != nil {
		return dissector.Result{}, err
	}
	consumed := min(total, buf.CapturedLength())
	if next == uint8(layers.IPProtocolIPv6Fragment) {
		if _, err := ctx.Tree.AddField(layer, f.fragment, datagram, off, 8, proto.EncNA); err != nil {
			return dissector.Result{}, err
		}
		ctx.Columns.Set(proto.ColInfo, "IPv6 fragment (not reassembled)")
		rest, err := datagram.SubsetReported(off+8, total-off-8)
		if err != nil {
			return dissector.Result{}, err
		}
		if _, err := ctx.CallData(rest, parent); err != nil {
			return dissector.Result{}, err
		}
		return dissector.Accept(consumed), nil
	}
	if _, err := ctx.DispatchUint(TableProto, uint64(next), payload, parent); err != nil {
		return dissector.Result{}, err
	}
	return dissector.Accept(consumed), nil
}
