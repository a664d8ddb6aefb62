package dissector

import (
	"errors"
	"fmt"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/proto"
)

const malformedInfo = " [Malformed Packet]"

// Call runs h on buf. It is the boundary between dissectors: a short read or a
// recursion overflow inside h becomes a malformed marker under h's layer and the
// call reports buf as fully consumed, so the caller keeps going. Any other error
// propagates.
func (c *Context) Call(h *Handle, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
	all := Accept(buf.CapturedLength())

	c.Depth++
	defer func() { c.Depth-- }()
	if c.Depth > c.Registry.MaxDepth() {
		c.malformed(h, parent, fmt.Errorf("%s at depth %d: %w", h.name, c.Depth, core.ErrRecursionLimit))
		return all, nil
	}

	prevLayer, prevCurrent, prevDesegment := c.layer, c.current, c.desegment
	c.layer, c.current = parent, h
	if c.desegment > 0 {
		c.desegment--
	}
	mayDesegment := c.desegment > 0
	depth := len(c.Layers)
	c.Layers = append(c.Layers, h.abbrev)

	res, err := h.fn(c, buf, parent)

	layer := c.layer
	c.layer, c.current, c.desegment = prevLayer, prevCurrent, prevDesegment

	if terr := c.Tree.Err(); terr != nil {
		return Result{}, fmt.Errorf("dissector %s: %w: %w", h.name, core.ErrInternalInconsistency, terr)
	}
	if err != nil {
		if errors.Is(err, core.ErrShortRead) || errors.Is(err, core.ErrRecursionLimit) {
			c.malformed(h, layer, err)
			return all, nil
		}
		return Result{}, fmt.Errorf("dissector %s: %w", h.name, err)
	}

	switch {
	case res.Rejected():
		c.Layers = c.Layers[:depth]
	case res.NeedsMore() && !mayDesegment:
		return all, nil
	case res.NeedsMore():
		// dissected later, in the frame that completes the PDU
		c.Layers = c.Layers[:depth]
	case res.Accepted():
		if res.n < 0 || res.n > buf.ReportedLength() {
			return Result{}, fmt.Errorf("dissector %s consumed %d of %d bytes: %w",
				h.name, res.n, buf.ReportedLength(), core.ErrInternalInconsistency)
		}
	}
	return res, nil
}

func (c *Context) malformed(h *Handle, under proto.Handle, err error) {
	if !under.IsValid() {
		under = c.Tree.Root()
	}
	c.Tree.MarkMalformed(under, err)
	if c.Columns != nil {
		c.Columns.Append(proto.ColInfo, malformedInfo)
	}
	if !c.Visited {
		metrics.MalformedTotal.WithLabelValues(h.abbrev).Inc()
	}
	c.Log.WithField("frame", c.Frame).WithError(err).Debugf("%s: malformed packet", h.name)
}

// CallData hands buf to the raw-data fallback.
func (c *Context) CallData(buf *buffer.Buffer, parent proto.Handle) (Result, error) {
	return c.Call(c.Registry.Data(), buf, parent)
}

// TryUint runs the dissector registered for key in table, if any. ok is false
// when no entry exists or the entry rejected the data.
func (c *Context) TryUint(table string, key uint64, buf *buffer.Buffer, parent proto.Handle) (res Result, ok bool, err error) {
	t, err := c.Registry.tableOf(table, KeyUint)
	if err != nil {
		return Result{}, false, err
	}
	h, found := t.LookupUint(key)
	if !found {
		return Reject(), false, nil
	}
	return c.try(h, buf, parent)
}

// TryString is TryUint for string-keyed tables.
func (c *Context) TryString(table, key string, buf *buffer.Buffer, parent proto.Handle) (res Result, ok bool, err error) {
	t, err := c.Registry.tableOf(table, KeyString)
	if err != nil {
		return Result{}, false, err
	}
	h, found := t.LookupString(key)
	if !found {
		return Reject(), false, nil
	}
	return c.try(h, buf, parent)
}

func (c *Context) try(h *Handle, buf *buffer.Buffer, parent proto.Handle) (Result, bool, error) {
	res, err := c.Call(h, buf, parent)
	if err != nil {
		return Result{}, false, err
	}
	return res, !res.Rejected(), nil
}

// TryHeuristics runs the enabled heuristics of table in registration order and
// stops at the first one that claims the data.
func (c *Context) TryHeuristics(table string, buf *buffer.Buffer, parent proto.Handle) (res Result, ok bool, err error) {
	t, err := c.Registry.Table(table)
	if err != nil {
		return Result{}, false, err
	}
	for _, h := range t.enabledHeuristics() {
		res, ok, err := c.try(h, buf, parent)
		if err != nil || ok {
			return res, ok, err
		}
	}
	return Reject(), false, nil
}

// DispatchUint looks key up in table, then tries the table's heuristics, then
// falls back to raw data. The result is never Reject.
func (c *Context) DispatchUint(table string, key uint64, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
	res, ok, err := c.TryUint(table, key, buf, parent)
	if err != nil || ok {
		return res, err
	}
	return c.fallback(table, buf, parent)
}

// DispatchString is DispatchUint for string-keyed tables.
func (c *Context) DispatchString(table, key string, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
	res, ok, err := c.TryString(table, key, buf, parent)
	if err != nil || ok {
		return res, err
	}
	return c.fallback(table, buf, parent)
}

func (c *Context) fallback(table string, buf *buffer.Buffer, parent proto.Handle) (Result, error) {
	res, ok, err := c.TryHeuristics(table, buf, parent)
	if err != nil || ok {
		return res, err
	}
	return c.CallData(buf, parent)
}

// Malformed records err against the running dissector's layer without stopping
// it, for inconsistencies such as a bogus length field that the dissector can
// step over.
func (c *Context) Malformed(err error) {
	h := c.current
	if h == nil {
		h = c.Registry.Data()
	}
	c.malformed(h, c.layer, err)
}
