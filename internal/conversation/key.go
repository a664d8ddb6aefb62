package conversation

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
)

// Endpoint is one side of a conversation.
type Endpoint struct {
	Addr core.Address
	Port uint32
}

func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.Addr.String()
	}
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

func compareEndpoint(a, b Endpoint) int {
	if c := core.CompareAddress(a.Addr, b.Addr); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return 0
}

func normalize(e Endpoint) Endpoint {
	if e.Addr == nil {
		e.Addr = core.NoAddress{}
	}
	return e
}

// Key identifies a conversation independently of packet direction: the two
// endpoints are stored sorted by address, then port, so A <= B.
type Key struct {
	Kind core.PortType
	A, B Endpoint
}

// NewKey builds the canonical key for a packet travelling src -> dst. forward
// reports whether src is the key's A side.
func NewKey(kind core.PortType, src, dst Endpoint) (k Key, forward bool) {
	src, dst = normalize(src), normalize(dst)
	if compareEndpoint(src, dst) <= 0 {
		return Key{Kind: kind, A: src, B: dst}, true
	}
	return Key{Kind: kind, A: dst, B: src}, false
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s <-> %s", k.Kind, k.A, k.B)
}
