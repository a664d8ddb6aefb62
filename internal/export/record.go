// Package export turns dissection results into records and writes them as
// text, JSON, YAML or TOML, or produces them to Kafka.
package export

import (
	"time"

	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
)

// Record is the exported view of one frame. Unlike engine.Result it owns all
// of its data and stays valid after the session moves on.
type Record struct {
	Number        uint32            `json:"number" yaml:"number" toml:"number"`
	Time          time.Time         `json:"time" yaml:"time" toml:"time"`
	Length        int               `json:"length" yaml:"length" toml:"length"`
	CaptureLength int               `json:"caplen" yaml:"caplen" toml:"caplen"`
	Protocols     string            `json:"protocols" yaml:"protocols" toml:"protocols"`
	Columns       map[string]string `json:"columns" yaml:"columns" toml:"columns"`
	Malformed     int               `json:"malformed,omitempty" yaml:"malformed,omitempty" toml:"malformed,omitempty"`
	Tree          []Node            `json:"tree,omitempty" yaml:"tree,omitempty" toml:"tree,omitempty"`
}

// Node is one exported tree item.
type Node struct {
	Text      string `json:"text" yaml:"text" toml:"text"`
	Field     string `json:"field,omitempty" yaml:"field,omitempty" toml:"field,omitempty"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
	Offset    int    `json:"offset" yaml:"offset" toml:"offset"`
	Length    int    `json:"length" yaml:"length" toml:"length"`
	Generated bool   `json:"generated,omitempty" yaml:"generated,omitempty" toml:"generated,omitempty"`
	Children  []Node `json:"children,omitempty" yaml:"children,omitempty" toml:"children,omitempty"`
}

// NewRecord copies r into a Record. The tree is included only when withTree is set.
func NewRecord(r *engine.Result, withTree bool) Record {
	rec := Record{
		Number:        r.Frame.Number,
		Time:          r.Frame.Timestamp,
		Length:        r.Frame.ReportedLength,
		CaptureLength: r.Frame.CaptureLength,
		Protocols:     r.Protocols,
		Columns:       make(map[string]string, len(proto.AllColumns())),
		Malformed:     r.Tree.MalformedCount(),
	}
	for _, col := range proto.AllColumns() {
		rec.Columns[col.String()] = r.Columns.Get(col)
	}
	if withTree {
		rec.Tree = nodes(r.Tree, r.Tree.Children(r.Tree.Root()))
	}
	return rec
}

func nodes(t *proto.Tree, hs []proto.Handle) []Node {
	var out []Node
	for _, h := range hs {
		n, err := t.Node(h)
		if err != nil || n.Flags&proto.FlagHidden != 0 {
			continue
		}
		node := Node{
			Text:      n.Text(),
			Field:     n.Field.Abbrev,
			Offset:    n.Offset,
			Length:    n.Length,
			Generated: n.Flags&proto.FlagGenerated != 0,
			Children:  nodes(t, t.Children(h)),
		}
		if n.Value != nil {
			node.Value = n.Value.Interface()
		}
		out = append(out, node)
	}
	return out
}
