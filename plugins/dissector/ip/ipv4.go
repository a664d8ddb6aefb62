package ip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/internal/reassembly"
)

const (
	ipv4HeaderMinLen = 20

	flagMF      = 0x2000
	fragOffMask = 0x1fff
)

type ipv4Fields struct {
	version, hdrLen, dsfield, length, id     proto.FieldID
	flagRB, flagDF, flagMF, fragOffset, ttl  proto.FieldID
	protocol, checksum, checksumStatus       proto.FieldID
	src, dst, addr                           proto.FieldID
	reassembledIn, reassembledLen, fragCount proto.FieldID
}

func (f *ipv4Fields) register(r *proto.Registry) (proto.FieldID, error) {
	id, err := r.RegisterProtocol("Internet Protocol Version 4", "ip")
	if err != nil {
		return 0, err
	}
	for _, d := range []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.version, proto.FieldDef{Abbrev: "ip.version", Name: "Version", Type: proto.TypeUint8, Bitmask: 0xf0}},
		{&f.hdrLen, proto.FieldDef{Abbrev: "ip.hdr_len", Name: "Header Length", Type: proto.TypeUint8}},
		{&f.dsfield, proto.FieldDef{Abbrev: "ip.dsfield", Name: "Differentiated Services Field", Type: proto.TypeUint8, Display: proto.DisplayHex}},
		{&f.length, proto.FieldDef{Abbrev: "ip.len", Name: "Total Length", Type: proto.TypeUint16}},
		{&f.id, proto.FieldDef{Abbrev: "ip.id", Name: "Identification", Type: proto.TypeUint16, Display: proto.DisplayDecHex}},
		{&f.flagRB, proto.FieldDef{Abbrev: "ip.flags.rb", Name: "Reserved bit", Type: proto.TypeBool, Bitmask: 0x8000}},
		{&f.flagDF, proto.FieldDef{Abbrev: "ip.flags.df", Name: "Don't fragment", Type: proto.TypeBool, Bitmask: 0x4000}},
		{&f.flagMF, proto.FieldDef{Abbrev: "ip.flags.mf", Name: "More fragments", Type: proto.TypeBool, Bitmask: flagMF}},
		{&f.fragOffset, proto.FieldDef{Abbrev: "ip.frag_offset", Name: "Fragment Offset", Type: proto.TypeUint16}},
		{&f.ttl, proto.FieldDef{Abbrev: "ip.ttl", Name: "Time to Live", Type: proto.TypeUint8}},
		{&f.protocol, proto.FieldDef{Abbrev: "ip.proto", Name: "Protocol", Type: proto.TypeUint8, Strings: ProtoNames}},
		{&f.checksum, proto.FieldDef{Abbrev: "ip.checksum", Name: "Header Checksum", Type: proto.TypeUint16, Display: proto.DisplayHex}},
		{&f.checksumStatus, proto.FieldDef{Abbrev: "ip.checksum.status", Name: "Header checksum status", Type: proto.TypeString}},
		{&f.src, proto.FieldDef{Abbrev: "ip.src", Name: "Source Address", Type: proto.TypeIPv4}},
		{&f.dst, proto.FieldDef{Abbrev: "ip.dst", Name: "Destination Address", Type: proto.TypeIPv4}},
		{&f.addr, proto.FieldDef{Abbrev: "ip.addr", Name: "Source or Destination Address", Type: proto.TypeIPv4}},
		{&f.reassembledIn, proto.FieldDef{Abbrev: "ip.reassembled_in", Name: "Reassembled IPv4 in frame", Type: proto.TypeFrameNum}},
		{&f.reassembledLen, proto.FieldDef{Abbrev: "ip.reassembled.length", Name: "Reassembled IPv4 length", Type: proto.TypeUint32}},
		{&f.fragCount, proto.FieldDef{Abbrev: "ip.fragment.count", Name: "Fragment count", Type: proto.TypeUint32}},
	} {
		d.def.Parent = "ip"
		if *d.id, err = r.Register(d.def); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (d *ipDissector) dissectIPv4(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	f := &d.v4
	layer := ctx.AddLayer(parent, buf, 0, ipv4HeaderMinLen)
	b0, err := buf.Uint8(0)
	if err != nil {
		return dissector.Result{}, err
	}
	hdrLen := int(b0&0x0f) * 4
	if _, err := ctx.Tree.AddField(layer, f.version, buf, 0, 1, proto.EncNA); err != nil {
		return dissector.Result{}, err
	}
	ctx.Tree.AddValue(layer, f.hdrLen, buf, 0, 1, proto.UintValue(hdrLen))
	if b0>>4 != 4 || hdrLen < ipv4HeaderMinLen {
		ctx.Malformed(fmt.Errorf("bogus IPv4 version %d or header length %d", b0>>4, hdrLen))
		return dissector.Accept(buf.CapturedLength()), nil
	}
	ctx.Tree.SetLength(layer, hdrLen)

	hdr, err := buf.Bytes(0, hdrLen)
	if err != nil {
		return dissector.Result{}, err
	}
	totalLen := int(binary.BigEndian.Uint16(hdr[2:4]))
	ident := binary.BigEndian.Uint16(hdr[4:6])
	flagsOff := binary.BigEndian.Uint16(hdr[6:8])
	ttl := hdr[8]
	protocol := hdr[9]
	cksum := binary.BigEndian.Uint16(hdr[10:12])
	src, _ := netip.AddrFromSlice(hdr[12:16])
	dst, _ := netip.AddrFromSlice(hdr[16:20])

	for _, fl := range []struct {
		id      proto.FieldID
		off, sz int
	}{
		{f.dsfield, 1, 1}, {f.length, 2, 2}, {f.id, 4, 2},
		{f.flagRB, 6, 2}, {f.flagDF, 6, 2}, {f.flagMF, 6, 2},
	} {
		if _, err := ctx.Tree.AddField(layer, fl.id, buf, fl.off, fl.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	fragOff := int(flagsOff&fragOffMask) * 8
	ctx.Tree.AddValue(layer, f.fragOffset, buf, 6, 2, proto.UintValue(fragOff))
	for _, fl := range []struct {
		id      proto.FieldID
		off, sz int
	}{
		{f.ttl, 8, 1}, {f.protocol, 9, 1}, {f.checksum, 10, 2}, {f.src, 12, 4}, {f.dst, 16, 4},
	} {
		if _, err := ctx.Tree.AddField(layer, fl.id, buf, fl.off, fl.sz, proto.EncBigEndian); err != nil {
			return dissector.Result{}, err
		}
	}
	status := "Good"
	if Checksum(hdr) != 0 {
		status = fmt.Sprintf("Bad (0x%04x)", cksum)
	}
	ctx.Tree.AddGenerated(layer, f.checksumStatus, proto.StringValue(status))
	ctx.Tree.SetFlags(ctx.Tree.AddValue(layer, f.addr, buf, 12, 4, proto.AddrValue{Addr: core.IPAddress{Addr: src}}), proto.FlagHidden)
	ctx.Tree.SetFlags(ctx.Tree.AddValue(layer, f.addr, buf, 16, 4, proto.AddrValue{Addr: core.IPAddress{Addr: dst}}), proto.FlagHidden)
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(", Src: %s, Dst: %s", src, dst))

	ctx.Src, ctx.Dst = core.IPAddress{Addr: src}, core.IPAddress{Addr: dst}
	ctx.SetScratch(ScratchTTL, ttl)
	ctx.Columns.Set(proto.ColSource, src.String())
	ctx.Columns.Set(proto.ColDestination, dst.String())
	ctx.Columns.Set(proto.ColProtocol, "IPv4")

	if totalLen < hdrLen {
		ctx.Malformed(fmt.Errorf("bogus IPv4 total length %d, header is %d", totalLen, hdrLen))
		return dissector.Accept(buf.CapturedLength()), nil
	}
	if totalLen > buf.ReportedLength() {
		ctx.Malformed(fmt.Errorf("IPv4 total length %d exceeds packet length %d", totalLen, buf.ReportedLength()))
		totalLen = buf.ReportedLength()
	}
	// Trailing bytes past the declared length belong to the link layer.
	datagram, err := buf.SubsetReported(0, totalLen)
	if err != nil {
		return dissector.Result{}, err
	}
	payload, err := datagram.SubsetReported(hdrLen, totalLen-hdrLen)
	if err != nil {
		return dissector.Result{}, err
	}
	consumed := min(totalLen, buf.CapturedLength())

	more := flagsOff&flagMF != 0
	if more || fragOff != 0 {
		ctx.Columns.Set(proto.ColInfo, fmt.Sprintf("Fragmented IP protocol (proto=%s %d, off=%d, ID=%04x)",
			protoName(protocol), protocol, fragOff, ident))
		whole, err := d.defragment(ctx, layer, payload, reassembly.FragmentKey{
			Src: src, Dst: dst, Protocol: protocol, ID: uint32(ident),
		}, fragOff, more)
		if err != nil {
			return dissector.Result{}, err
		}
		if whole == nil {
			if _, err := ctx.CallData(payload, parent); err != nil {
				return dissector.Result{}, err
			}
			return dissector.Accept(consumed), nil
		}
		payload = whole
		ctx.Columns.Clear(proto.ColInfo)
	}

	if _, err := ctx.DispatchUint(TableProto, uint64(protocol), payload, parent); err != nil {
		return dissector.Result{}, err
	}
	return dissector.Accept(consumed), nil
}

// defragment feeds one fragment to the reassembler. It returns the reassembled
// payload when this frame completes the datagram, nil otherwise.
func (d *ipDissector) defragment(ctx *dissector.Context, layer proto.Handle, payload *buffer.Buffer, key reassembly.FragmentKey, off int, more bool) (*buffer.Buffer, error) {
	f := &d.v4
	if ctx.Fragments == nil {
		return nil, nil
	}
	var dg *reassembly.Datagram
	if ctx.Visited {
		dg, _ = ctx.Fragments.Completed(ctx.Frame, key)
	} else {
		data, err := payload.Bytes(0, payload.CapturedLength())
		if err != nil {
			return nil, err
		}
		if payload.Truncated() {
			ctx.Tree.AddText(layer, "[Fragment truncated by capture, not reassembled]")
			return nil, nil
		}
		dg, err = ctx.Fragments.Add(ctx.Frame, ctx.Timestamp, reassembly.Fragment{Key: key, Offset: off, More: more, Payload: data})
		switch {
		case errors.Is(err, reassembly.ErrFragmentInvalid),
			errors.Is(err, reassembly.ErrFragmentRateLimited),
			errors.Is(err, reassembly.ErrFragmentOverflow):
			ctx.Tree.AddText(layer, fmt.Sprintf("[Fragment not reassembled: %v]", err))
			return nil, nil
		case err != nil:
			return nil, err
		}
	}
	if dg == nil {
		if in, ok := ctx.Fragments.ReassembledIn(ctx.Frame, key); ok {
			ctx.Tree.AddGenerated(layer, f.reassembledIn, proto.UintValue(in))
			ctx.Columns.Append(proto.ColInfo, fmt.Sprintf(" [Reassembled in #%d]", in))
		}
		return nil, nil
	}

	whole := buffer.NewNamed("Reassembled IPv4", dg.Data, len(dg.Data))
	frames := ""
	for i, n := range dg.Frames {
		if i > 0 {
			frames += ", "
		}
		frames += fmt.Sprintf("#%d", n)
	}
	sub := ctx.Tree.AddSubtree(layer, fmt.Sprintf("[%d IPv4 Fragments (%d bytes): %s]", len(dg.Frames), len(dg.Data), frames), whole, 0, -1)
	ctx.Tree.AddGenerated(sub, f.fragCount, proto.UintValue(len(dg.Frames)))
	ctx.Tree.AddGenerated(sub, f.reassembledLen, proto.UintValue(len(dg.Data)))
	return whole, nil
}

// dissectRaw handles LINKTYPE_RAW captures, which carry IPv4 or IPv6 with no
// link header.
func (d *ipDissector) dissectRaw(ctx *dissector.Context, buf *buffer.Buffer, parent proto.Handle) (dissector.Result, error) {
	b0, err := buf.Uint8(0)
	if err != nil {
		return dissector.Result{}, err
	}
	switch b0 >> 4 {
	case 4:
		return ctx.Call(d.ipv4, buf, parent)
	case 6:
		return ctx.Call(d.ipv6, buf, parent)
	}
	return ctx.CallData(buf, parent)
}
