package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/proto"
)

// Formats lists the names accepted by New.
var Formats = []string{"text", "json", "yaml", "toml"}

// Writer consumes records in frame order.
type Writer interface {
	Write(rec Record) error
	Close() error
}

// New returns a writer for format on w. Close flushes but does not close w.
func New(format string, w io.Writer) (Writer, error) {
	switch format {
	case "", "text":
		return &textWriter{w: bufio.NewWriter(w)}, nil
	case "json":
		bw := bufio.NewWriter(w)
		return &jsonWriter{bw: bw, enc: json.NewEncoder(bw)}, nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return &yamlWriter{enc: enc}, nil
	case "toml":
		return &tomlWriter{w: bufio.NewWriter(w)}, nil
	default:
		return nil, fmt.Errorf("unknown export format %q (must be %s): %w",
			format, strings.Join(Formats, "/"), core.ErrConfigInvalid)
	}
}

// textWriter prints one summary line per frame, followed by the indented tree
// when the record carries one.
type textWriter struct {
	w *bufio.Writer
}

func (t *textWriter) Write(rec Record) error {
	cols := make([]string, 0, len(rec.Columns))
	for _, col := range proto.AllColumns() {
		cols = append(cols, rec.Columns[col.String()])
	}
	fmt.Fprintf(t.w, "%5s %12s %-18s %-18s %-8s %5s %s\n",
		cols[proto.ColNumber], cols[proto.ColTime], cols[proto.ColSource], cols[proto.ColDestination],
		cols[proto.ColProtocol], cols[proto.ColLength], cols[proto.ColInfo])
	if len(rec.Tree) > 0 {
		writeTree(t.w, rec.Tree, 0)
		t.w.WriteByte('\n')
	}
	return t.w.Flush()
}

func writeTree(w *bufio.Writer, ns []Node, depth int) {
	for _, n := range ns {
		w.WriteString(strings.Repeat("    ", depth))
		w.WriteString(n.Text)
		w.WriteByte('\n')
		writeTree(w, n.Children, depth+1)
	}
}

func (t *textWriter) Close() error { return t.w.Flush() }

// jsonWriter emits JSON Lines.
type jsonWriter struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

func (j *jsonWriter) Write(rec Record) error {
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode frame %d: %w", rec.Number, err)
	}
	return j.bw.Flush()
}

func (j *jsonWriter) Close() error { return j.bw.Flush() }

// yamlWriter emits one document per frame.
type yamlWriter struct {
	enc *yaml.Encoder
}

func (y *yamlWriter) Write(rec Record) error {
	if err := y.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode frame %d: %w", rec.Number, err)
	}
	return nil
}

func (y *yamlWriter) Close() error { return y.enc.Close() }

// tomlWriter emits each frame as one [[frame]] table, so the concatenated
// output is a single document holding an array of frames.
type tomlWriter struct {
	w *bufio.Writer
}

type tomlDoc struct {
	Frame []Record `toml:"frame"`
}

func (t *tomlWriter) Write(rec Record) error {
	rec.Tree = stringValues(rec.Tree)
	if err := toml.NewEncoder(t.w).Encode(tomlDoc{Frame: []Record{rec}}); err != nil {
		return fmt.Errorf("encode frame %d: %w", rec.Number, err)
	}
	t.w.WriteByte('\n')
	return t.w.Flush()
}

func (t *tomlWriter) Close() error { return t.w.Flush() }

// stringValues renders node values as text; TOML has no unsigned 64-bit integers.
func stringValues(ns []Node) []Node {
	if len(ns) == 0 {
		return ns
	}
	out := make([]Node, len(ns))
	for i, n := range ns {
		if n.Value != nil {
			n.Value = fmt.Sprint(n.Value)
		}
		n.Children = stringValues(n.Children)
		out[i] = n
	}
	return out
}
