// Package dissector holds the dissector registry: named handles, keyed dispatch
// tables with heuristic fallbacks, and the invocation boundary that contains
// malformed-packet failures to the layer that caused them.
package dissector

import (
	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/proto"
)

// Func interprets buf, adding nodes under parent.
type Func func(ctx *Context, buf *buffer.Buffer, parent proto.Handle) (Result, error)

// Handle is an immutable reference to a dissector.
type Handle struct {
	name     string
	abbrev   string
	protocol proto.FieldID
	fn       Func
}

// NewHandle creates a handle. protocol is the dissector's protocol field; abbrev
// is its filter name as recorded in the frame's protocol stack.
func NewHandle(name string, protocol proto.FieldID, abbrev string, fn Func) *Handle {
	return &Handle{name: name, abbrev: abbrev, protocol: protocol, fn: fn}
}

func (h *Handle) Name() string            { return h.name }
func (h *Handle) Abbrev() string          { return h.abbrev }
func (h *Handle) Protocol() proto.FieldID { return h.protocol }
