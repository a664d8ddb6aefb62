package dissector

import (
	"fmt"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/proto"
)

// DataName is the name of the raw-data fallback dissector.
const DataName = "data"

type dataDissector struct {
	handle *Handle
	hfData proto.FieldID
	hfLen  proto.FieldID
}

func newDataDissector(fields *proto.Registry) *dataDissector {
	d := &dataDissector{}
	id := mustField(fields, proto.FieldDef{Abbrev: "data", Name: "Data", Type: proto.TypeProtocol})
	d.hfData = mustField(fields, proto.FieldDef{Abbrev: "data.data", Name: "Data", Type: proto.TypeBytes, Parent: "data"})
	d.hfLen = mustField(fields, proto.FieldDef{Abbrev: "data.len", Name: "Length", Type: proto.TypeUint32, Parent: "data"})
	d.handle = NewHandle(DataName, id, "data", d.dissect)
	return d
}

func mustField(fields *proto.Registry, def proto.FieldDef) proto.FieldID {
	if existing, ok := fields.ByAbbrev(def.Abbrev); ok {
		return existing.ID
	}
	return fields.MustRegister(def)
}

func (d *dataDissector) dissect(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
	n := buf.CapturedLength()
	if n == 0 {
		return Accept(0), nil
	}
	layer := ctx.AddLayer(parent, buf, 0, n)
	ctx.Tree.AppendLabel(layer, fmt.Sprintf(" (%d bytes)", n))
	if _, err := ctx.Tree.AddField(layer, d.hfData, buf, 0, n, proto.EncNA); err != nil {
		return Result{}, err
	}
	ctx.Tree.AddGenerated(layer, d.hfLen, proto.UintValue(n))
	return Accept(n), nil
}
