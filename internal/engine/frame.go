package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/proto"
)

// frameProtocol is the pseudo-protocol at the root of every tree, describing the
// capture record itself.
type frameProtocol struct {
	proto        proto.FieldID
	number       proto.FieldID
	time         proto.FieldID
	timeRelative proto.FieldID
	timeDelta    proto.FieldID
	length       proto.FieldID
	capLength    proto.FieldID
	encap        proto.FieldID
	protocols    proto.FieldID
}

var encapNames = map[uint64]string{
	uint64(layers.LinkTypeNull):     layers.LinkTypeNull.String(),
	uint64(layers.LinkTypeEthernet): layers.LinkTypeEthernet.String(),
	uint64(layers.LinkTypeRaw):      layers.LinkTypeRaw.String(),
	uint64(layers.LinkTypeIPv4):     layers.LinkTypeIPv4.String(),
	uint64(layers.LinkTypeIPv6):     layers.LinkTypeIPv6.String(),
	uint64(layers.LinkTypeLinuxSLL): layers.LinkTypeLinuxSLL.String(),
}

func registerFrame(r *proto.Registry) (*frameProtocol, error) {
	f := &frameProtocol{}
	var err error
	if f.proto, err = r.RegisterProtocol("Frame", "frame"); err != nil {
		return nil, err
	}
	defs := []struct {
		id  *proto.FieldID
		def proto.FieldDef
	}{
		{&f.number, proto.FieldDef{Abbrev: "frame.number", Name: "Frame Number", Type: proto.TypeFrameNum}},
		{&f.time, proto.FieldDef{Abbrev: "frame.time", Name: "Arrival Time", Type: proto.TypeAbsTime}},
		{&f.timeRelative, proto.FieldDef{Abbrev: "frame.time_relative", Name: "Time since reference or first frame", Type: proto.TypeRelTime}},
		{&f.timeDelta, proto.FieldDef{Abbrev: "frame.time_delta", Name: "Time delta from previous captured frame", Type: proto.TypeRelTime}},
		{&f.length, proto.FieldDef{Abbrev: "frame.len", Name: "Frame Length", Type: proto.TypeUint32}},
		{&f.capLength, proto.FieldDef{Abbrev: "frame.cap_len", Name: "Capture Length", Type: proto.TypeUint32}},
		{&f.encap, proto.FieldDef{Abbrev: "frame.encap_type", Name: "Encapsulation type", Type: proto.TypeUint16, Strings: encapNames}},
		{&f.protocols, proto.FieldDef{Abbrev: "frame.protocols", Name: "Protocols in frame", Type: proto.TypeString}},
	}
	for _, d := range defs {
		d.def.Parent = "frame"
		if *d.id, err = r.Register(d.def); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// add builds the frame subtree. first and prev are the timestamps of the first
// and previous frames of the capture.
func (f *frameProtocol) add(t *proto.Tree, buf *buffer.Buffer, fr core.Frame, first, prev time.Time) proto.Handle {
	node := t.AddProtocol(t.Root(), f.proto, buf, 0, -1)
	t.AppendLabel(node, fmt.Sprintf(" %d: %d bytes on wire (%d bits), %d bytes captured (%d bits)",
		fr.Number, fr.ReportedLength, fr.ReportedLength*8, fr.CaptureLength, fr.CaptureLength*8))
	t.AddGenerated(node, f.encap, proto.UintValue(fr.Encapsulation))
	t.AddGenerated(node, f.time, proto.TimeValue(fr.Timestamp))
	t.AddGenerated(node, f.timeDelta, proto.DurationValue(fr.Timestamp.Sub(prev)))
	t.AddGenerated(node, f.timeRelative, proto.DurationValue(fr.Timestamp.Sub(first)))
	t.AddGenerated(node, f.number, proto.UintValue(fr.Number))
	t.AddGenerated(node, f.length, proto.UintValue(fr.ReportedLength))
	t.AddGenerated(node, f.capLength, proto.UintValue(fr.CaptureLength))
	return node
}

func (f *frameProtocol) addProtocols(t *proto.Tree, node proto.Handle, layers []string) string {
	stack := "frame"
	if len(layers) > 0 {
		stack += ":" + strings.Join(layers, ":")
	}
	t.AddGenerated(node, f.protocols, proto.StringValue(stack))
	return stack
}
