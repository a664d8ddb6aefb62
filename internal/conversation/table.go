package conversation

import (
	"sync"
	"time"

	"firestige.xyz/dissect/internal/core"
)

// Named is anything bound to a conversation as its dissector. The dissector
// package's handles satisfy it.
type Named interface {
	Name() string
}

// Conversation is session-lifetime state for one flow. Index and Key never
// change; the counters are read through Stats.
type Conversation struct {
	Index int
	Key   Key

	mu        sync.RWMutex
	stats     Stats
	data      map[string]any
	bound     Named
	boundFrom uint32
	setup     Expectation
}

// Stats is a point-in-time copy of a conversation's frame counters.
type Stats struct {
	FirstFrame uint32
	LastFrame  uint32
	FirstTime  time.Time
	LastTime   time.Time
	Frames     uint64
}

// Duration is the time between the first and the latest frame.
func (s Stats) Duration() time.Duration { return s.LastTime.Sub(s.FirstTime) }

// Stats returns the conversation's counters.
func (c *Conversation) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Data returns the per-protocol state stored under proto.
func (c *Conversation) Data(proto string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[proto]
	return v, ok
}

// SetData stores per-protocol state. Only the first pass should call it.
func (c *Conversation) SetData(proto string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[proto] = v
}

// SetDissector binds d to the conversation from frame onwards.
func (c *Conversation) SetDissector(d Named, frame uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound, c.boundFrom, c.setup = d, frame, Expectation{}
}

// Bind pins the dissector announced by e to the conversation from frame
// onwards and keeps e's setup for it.
func (c *Conversation) Bind(e Expectation, frame uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound, c.boundFrom, c.setup = e.Dissector, frame, e
}

// Setup returns the expectation the conversation was bound through, as seen by
// frame.
func (c *Conversation) Setup(frame uint32) (Expectation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.setup.Dissector == nil || frame < c.boundFrom {
		return Expectation{}, false
	}
	return c.setup, true
}

// Dissector returns the dissector bound to the conversation as seen by frame; a
// binding made by a later frame is invisible so revisits stay stable.
func (c *Conversation) Dissector(frame uint32) Named {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bound == nil || frame < c.boundFrom {
		return nil
	}
	return c.bound
}

// Expectation announces the dissector for traffic on an endpoint that has not
// been seen yet. Setup carries whatever the announcing protocol wants the bound
// dissector to see, such as the call that negotiated a media stream.
type Expectation struct {
	Dissector Named
	Frame     uint32 // the announcing frame
	Setup     any
}

// Hooks observe table changes; the engine uses them for metrics.
type Hooks struct {
	Created func(*Conversation)
	Matched func(Transaction)
}

// Table is the conversation and transaction store of one capture session.
// The sequential pass is the single writer; revisits only read.
type Table struct {
	mu       sync.RWMutex
	byKey    map[Key]*Conversation
	convs    []*Conversation
	bindings map[Key]Expectation

	pending map[pendingKey]*Transaction
	matched map[matchedKey]*Transaction
	txs     []*Transaction

	hooks Hooks
}

// NewTable returns an empty table.
func NewTable(hooks Hooks) *Table {
	t := &Table{hooks: hooks}
	t.Reset()
	return t
}

// Reset drops every conversation, binding and transaction.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey = make(map[Key]*Conversation)
	t.convs = nil
	t.bindings = make(map[Key]Expectation)
	t.pending = make(map[pendingKey]*Transaction)
	t.matched = make(map[matchedKey]*Transaction)
	t.txs = nil
}

// FindOrCreate returns the conversation for k, creating it on first sight.
// It records frame as the conversation's latest frame.
func (t *Table) FindOrCreate(k Key, frame uint32, ts time.Time) *Conversation {
	t.mu.Lock()
	c, ok := t.byKey[k]
	if ok {
		c.mu.Lock()
		if frame > c.stats.LastFrame {
			c.stats.LastFrame, c.stats.LastTime = frame, ts
			c.stats.Frames++
		}
		c.mu.Unlock()
		t.mu.Unlock()
		return c
	}
	c = &Conversation{
		Index: len(t.convs),
		Key:   k,
		stats: Stats{
			FirstFrame: frame,
			LastFrame:  frame,
			FirstTime:  ts,
			LastTime:   ts,
			Frames:     1,
		},
	}
	t.byKey[k] = c
	t.convs = append(t.convs, c)
	t.mu.Unlock()

	if t.hooks.Created != nil {
		t.hooks.Created(c)
	}
	return c
}

// Find returns the conversation for k without creating it.
func (t *Table) Find(k Key) (*Conversation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byKey[k]
	return c, ok
}

// Conversations returns every conversation in creation order.
func (t *Table) Conversations() []*Conversation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Conversation, len(t.convs))
	copy(out, t.convs)
	return out
}

// Len returns the number of conversations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.convs)
}

// Expect announces that traffic of kind to or from ep, seen after e.Frame,
// belongs to e.Dissector. Signalling protocols use it for media flows whose peer
// is not known yet. A later announcement for the same endpoint replaces it.
func (t *Table) Expect(kind core.PortType, ep Endpoint, e Expectation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[Key{Kind: kind, A: normalize(ep)}] = e
}

// Expected returns the expectation announced for ep, if the announcing frame
// precedes frame.
func (t *Table) Expected(kind core.PortType, ep Endpoint, frame uint32) (Expectation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.bindings[Key{Kind: kind, A: normalize(ep)}]
	if !ok || e.Frame >= frame {
		return Expectation{}, false
	}
	return e, true
}

// Unexpect withdraws the expectation for ep. Conversations already bound keep
// their dissector.
func (t *Table) Unexpect(kind core.PortType, ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, Key{Kind: kind, A: normalize(ep)})
}
