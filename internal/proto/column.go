package proto

import "strings"

// Column identifies one summary column.
type Column uint8

const (
	ColNumber Column = iota
	ColTime
	ColSource
	ColDestination
	ColProtocol
	ColLength
	ColInfo
	numColumns
)

var columnTitles = [numColumns]string{"No.", "Time", "Source", "Destination", "Protocol", "Length", "Info"}

func (c Column) String() string {
	if c < numColumns {
		return columnTitles[c]
	}
	return "?"
}

// AllColumns lists the columns in display order.
func AllColumns() []Column {
	out := make([]Column, numColumns)
	for i := range out {
		out[i] = Column(i)
	}
	return out
}

type column struct {
	text  strings.Builder
	fence int
	sep   string // written between the fence and the first layered text
}

// layered reports whether text follows the fence.
func (cc *column) layered() bool { return cc.text.Len() > cc.fence }

// open writes the fence separator before the first layered text.
func (cc *column) open() {
	if cc.fence > 0 && cc.sep != "" && !cc.layered() {
		cc.text.WriteString(cc.sep)
	}
}

// Columns is the single-pass summary side channel written by dissectors. A lower
// layer may Fence a column so that upper layers' Set and Clear only replace the
// text after the fence, which is how "transport info, application info" summary
// lines are layered.
type Columns struct {
	cols [numColumns]column
}

// NewColumns returns empty columns.
func NewColumns() *Columns { return &Columns{} }

// Reset clears every column and fence.
func (c *Columns) Reset() {
	for i := range c.cols {
		c.cols[i].text.Reset()
		c.cols[i].fence = 0
		c.cols[i].sep = ""
	}
}

// Get returns the current text of col.
func (c *Columns) Get(col Column) string {
	if col >= numColumns {
		return ""
	}
	return c.cols[col].text.String()
}

// Set replaces the text after the fence with s.
func (c *Columns) Set(col Column, s string) {
	if col >= numColumns {
		return
	}
	cc := &c.cols[col]
	prefix := cc.text.String()[:cc.fence]
	cc.text.Reset()
	cc.text.WriteString(prefix)
	if s != "" {
		cc.open()
		cc.text.WriteString(s)
	}
}

// Clear removes the text after the fence.
func (c *Columns) Clear(col Column) { c.Set(col, "") }

// Append adds s to the end of col.
func (c *Columns) Append(col Column, s string) {
	if col >= numColumns {
		return
	}
	c.cols[col].text.WriteString(s)
}

// AppendSep appends s, preceded by sep when the column already has text. The
// first text after a FenceSep fence is preceded by the fence's separator instead.
func (c *Columns) AppendSep(col Column, sep, s string) {
	if col >= numColumns {
		return
	}
	cc := &c.cols[col]
	switch {
	case cc.layered():
		cc.text.WriteString(sep)
	case cc.fence > 0 && cc.sep != "":
		cc.open()
	case cc.text.Len() > 0:
		cc.text.WriteString(sep)
	}
	cc.text.WriteString(s)
}

// Prepend inserts s at the start of col; the fence moves with the existing text.
func (c *Columns) Prepend(col Column, s string) {
	if col >= numColumns {
		return
	}
	cc := &c.cols[col]
	old := cc.text.String()
	cc.text.Reset()
	cc.text.WriteString(s)
	cc.text.WriteString(old)
	if cc.fence > 0 {
		cc.fence += len(s)
	}
}

// Fence freezes the current text of col.
func (c *Columns) Fence(col Column) { c.FenceSep(col, "") }

// FenceSep freezes the current text of col; the first text an upper layer
// writes after it is preceded by sep.
func (c *Columns) FenceSep(col Column, sep string) {
	if col >= numColumns {
		return
	}
	cc := &c.cols[col]
	cc.fence = cc.text.Len()
	cc.sep = sep
}

// SavedColumns is a copy of every column, fences included.
type SavedColumns struct {
	text  [numColumns]string
	fence [numColumns]int
	sep   [numColumns]string
}

// Save copies the columns so a dissector can undo what an embedded packet wrote.
func (c *Columns) Save() SavedColumns {
	var s SavedColumns
	for i := range c.cols {
		s.text[i] = c.cols[i].text.String()
		s.fence[i] = c.cols[i].fence
		s.sep[i] = c.cols[i].sep
	}
	return s
}

// Restore puts back columns taken with Save.
func (c *Columns) Restore(s SavedColumns) {
	for i := range c.cols {
		cc := &c.cols[i]
		cc.text.Reset()
		cc.text.WriteString(s.text[i])
		cc.fence = s.fence[i]
		cc.sep = s.sep[i]
	}
}

// Snapshot copies the current text of every column.
func (c *Columns) Snapshot() map[Column]string {
	out := make(map[Column]string, numColumns)
	for i := range c.cols {
		out[Column(i)] = c.cols[i].text.String()
	}
	return out
}
