package dissector

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/internal/reassembly"
)

// Context carries the state of one frame's dissection down the dissector chain.
// Lower layers fill in addresses and ports for the layers above them.
type Context struct {
	Frame         uint32
	Timestamp     time.Time
	Visited       bool
	Encapsulation core.Encapsulation

	Src, Dst         core.Address
	SrcPort, DstPort uint32
	PortType         core.PortType

	Tree          *proto.Tree
	Columns       *proto.Columns
	Registry      *Registry
	Conversations *conversation.Table
	Reassembly    *reassembly.Streams
	Fragments     *reassembly.Fragments

	// Conversation is set by the transport layer once it has looked one up.
	Conversation *conversation.Conversation

	Depth  int
	Layers []string
	Log    *logrus.Entry

	frameData *FrameData
	scratch   map[string]any
	desegment int
	layer     proto.Handle
	current   *Handle
}

// NewContext returns a context bound to reg, writing into tree and cols.
// fd keeps per-frame annotations across passes and may be nil.
func NewContext(reg *Registry, tree *proto.Tree, cols *proto.Columns, fd *FrameData) *Context {
	if fd == nil {
		fd = NewFrameData()
	}
	return &Context{
		Registry:  reg,
		Tree:      tree,
		Columns:   cols,
		frameData: fd,
		Log:       logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Reset prepares the context for a new frame. The tree and columns are reset by
// their owner.
func (c *Context) Reset(frame uint32, ts time.Time, encap core.Encapsulation, visited bool) {
	c.Frame = frame
	c.Timestamp = ts
	c.Encapsulation = encap
	c.Visited = visited
	c.Src, c.Dst = core.NoAddress{}, core.NoAddress{}
	c.SrcPort, c.DstPort = 0, 0
	c.PortType = core.PortNone
	c.Conversation = nil
	c.Depth = 0
	c.Layers = c.Layers[:0]
	clear(c.scratch)
	c.desegment = 0
	c.layer = proto.Handle{}
	c.current = nil
}

// Scratch returns a per-frame value stored by a protocol, discarded on Reset.
func (c *Context) Scratch(key string) (any, bool) {
	v, ok := c.scratch[key]
	return v, ok
}

func (c *Context) SetScratch(key string, v any) {
	if c.scratch == nil {
		c.scratch = make(map[string]any)
	}
	c.scratch[key] = v
}

// ProtoData returns an annotation a protocol attached to the current frame on an
// earlier pass.
func (c *Context) ProtoData(protocol string, key any) (any, bool) {
	return c.frameData.Get(c.Frame, protocol, key)
}

// SetProtoData attaches an annotation to the current frame. It survives Reset
// and is visible to every later pass over the frame.
func (c *Context) SetProtoData(protocol string, key any, v any) {
	c.frameData.Set(c.Frame, protocol, key, v)
}

// AllowDesegment lets the next two levels of dissectors ask for more data with
// NeedMore. Stream transports call it before handing a payload up.
func (c *Context) AllowDesegment() { c.desegment = 2 }

// CanDesegment reports whether a NeedMore result would be honoured.
func (c *Context) CanDesegment() bool { return c.desegment > 0 }

// AddLayer adds the protocol node for the running dissector and makes it the
// parent of any malformed marker raised by that dissector.
// n < 0 covers the rest of buf.
func (c *Context) AddLayer(parent proto.Handle, buf *buffer.Buffer, off, n int) proto.Handle {
	if c.current == nil {
		return parent
	}
	h := c.Tree.AddProtocol(parent, c.current.protocol, buf, off, n)
	if h.IsValid() {
		c.layer = h
	}
	return h
}

// Current returns the handle of the running dissector.
func (c *Context) Current() *Handle { return c.current }

// SetLayer makes h the node malformed markers of the running dissector go under.
func (c *Context) SetLayer(h proto.Handle) { c.layer = h }

// FindOrCreateConversation looks up the conversation of the current addresses
// and ports, creating it on the first pass. A revisit never creates one and
// gets nil when the first pass left none. forward reports whether the packet
// runs from endpoint A to endpoint B.
func (c *Context) FindOrCreateConversation() (conv *conversation.Conversation, forward bool) {
	if c.Conversations == nil {
		return nil, false
	}
	key, forward := conversation.NewKey(c.PortType,
		conversation.Endpoint{Addr: c.Src, Port: c.SrcPort},
		conversation.Endpoint{Addr: c.Dst, Port: c.DstPort})
	if c.Visited {
		conv, _ = c.Conversations.Find(key)
		c.Conversation = conv
		return conv, forward
	}
	conv = c.Conversations.FindOrCreate(key, c.Frame, c.Timestamp)
	c.Conversation = conv
	return conv, forward
}

type frameDataKey struct {
	frame    uint32
	protocol string
	key      any
}

// FrameData stores per-frame protocol annotations for a capture. Reads may run
// concurrently with the sequential pass.
type FrameData struct {
	mu sync.RWMutex
	m  map[frameDataKey]any
}

func NewFrameData() *FrameData {
	return &FrameData{m: make(map[frameDataKey]any)}
}

func (d *FrameData) Get(frame uint32, protocol string, key any) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.m[frameDataKey{frame, protocol, key}]
	return v, ok
}

func (d *FrameData) Set(frame uint32, protocol string, key any, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[frameDataKey{frame, protocol, key}] = v
}

// Len returns the number of annotations held.
func (d *FrameData) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.m)
}

func (d *FrameData) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.m)
}
