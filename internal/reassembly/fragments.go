// Package reassembly rebuilds protocol data units that span several frames:
// IPv4 fragments and application PDUs split across stream segments.
package reassembly

import (
	"container/list"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/dissect/internal/metrics"
)

// Limits from RFC 791.
const (
	ipv4MinFragSize    = 1
	ipv4MaxSize        = 65535
	ipv4MaxFragOffset  = 8183 // in 8-byte units
	ipv4MaxFragListLen = 8192
)

var (
	ErrFragmentInvalid     = errors.New("dissect: invalid fragment")
	ErrFragmentRateLimited = errors.New("dissect: fragment rate limit exceeded")
	ErrFragmentOverflow    = errors.New("dissect: fragment limits exceeded")
)

// FragmentConfig configures IPv4 reassembly.
type FragmentConfig struct {
	MaxFragments      int           // per datagram (default 100)
	MaxReassembleSize int           // bytes (default 65535)
	Timeout           time.Duration // capture-time expiry of incomplete datagrams (default 60s)
	MaxFragsPerIP     int           // per source per window, 0 disables
	RateLimitWindow   time.Duration
}

// FragmentKey identifies one fragmented datagram.
type FragmentKey struct {
	Src, Dst netip.Addr
	Protocol uint8
	ID       uint32
}

// Fragment is one received piece of a datagram.
type Fragment struct {
	Key     FragmentKey
	Offset  int // bytes
	More    bool
	Payload []byte
}

// Datagram is a completed reassembly.
type Datagram struct {
	Data   []byte
	Frames []uint32 // contributing frames in arrival order
}

type fragment struct {
	offset  int
	length  int
	payload []byte
}

// fragmentList keeps fragments sorted by offset. On overlap the earlier-arrived
// bytes are kept and the newcomer is trimmed (BSD-right).
type fragmentList struct {
	list          list.List // *fragment
	highest       int
	current       int
	finalReceived bool
	lastSeen      time.Time
	frames        []uint32
}

type frameKey struct {
	frame uint32
	key   FragmentKey
}

// Fragments is the session-lifetime IPv4 reassembly state. Add is called on the
// first pass only; Completed and ReassembledIn serve revisits.
type Fragments struct {
	mu        sync.RWMutex
	flows     map[FragmentKey]*fragmentList
	config    FragmentConfig
	limiter   *RateLimiter
	completed map[frameKey]*Datagram
	members   map[frameKey]uint32
	lastSweep time.Time
}

// NewFragments creates an IPv4 fragment reassembler.
func NewFragments(cfg FragmentConfig) *Fragments {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 100
	}
	if cfg.MaxReassembleSize <= 0 || cfg.MaxReassembleSize > ipv4MaxSize {
		cfg.MaxReassembleSize = ipv4MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	f := &Fragments{config: cfg}
	f.Reset()
	return f
}

// Reset drops all state.
func (f *Fragments) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	metrics.ReassemblyActiveFragments.Sub(float64(len(f.flows)))
	f.flows = make(map[FragmentKey]*fragmentList)
	f.completed = make(map[frameKey]*Datagram)
	f.members = make(map[frameKey]uint32)
	f.limiter = NewRateLimiter(f.config.MaxFragsPerIP, f.config.RateLimitWindow)
	f.lastSweep = time.Time{}
}

// Pending returns the number of datagrams awaiting fragments.
func (f *Fragments) Pending() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.flows)
}

// Add feeds one fragment seen in frame at capture time ts. It returns the
// datagram when this fragment completes it, nil while more are needed.
func (f *Fragments) Add(frame uint32, ts time.Time, frag Fragment) (*Datagram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fk := frameKey{frame: frame, key: frag.Key}
	if d, ok := f.completed[fk]; ok {
		return d, nil
	}
	f.sweep(ts)

	if err := securityChecks(frag); err != nil {
		metrics.FragmentsRejectedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if f.limiter != nil && !f.limiter.Allow(frag.Key.Src, ts) {
		metrics.FragmentsRejectedTotal.WithLabelValues("rate_limit").Inc()
		return nil, fmt.Errorf("source %s: %w", frag.Key.Src, ErrFragmentRateLimited)
	}

	fl, exists := f.flows[frag.Key]
	if !exists {
		fl = &fragmentList{}
		f.flows[frag.Key] = fl
		metrics.ReassemblyActiveFragments.Inc()
	}

	if fl.list.Len() >= ipv4MaxFragListLen || fl.list.Len() >= f.config.MaxFragments {
		f.evict(frag.Key)
		metrics.FragmentsRejectedTotal.WithLabelValues("overflow").Inc()
		return nil, fmt.Errorf("more than %d fragments: %w", f.config.MaxFragments, ErrFragmentOverflow)
	}

	// The frame's bytes are only valid for this call.
	payload := make([]byte, len(frag.Payload))
	copy(payload, frag.Payload)

	fl.lastSeen = ts
	fl.frames = append(fl.frames, frame)
	if !frag.More {
		fl.finalReceived = true
		if end := frag.Offset + len(payload); end > fl.highest {
			fl.highest = end
		}
	}
	insertBSDRight(fl, &fragment{offset: frag.Offset, length: len(payload), payload: payload})
	f.members[fk] = 0

	if !fl.finalReceived || fl.current < fl.highest {
		return nil, nil
	}

	f.evict(frag.Key)
	if fl.highest > f.config.MaxReassembleSize {
		metrics.FragmentsRejectedTotal.WithLabelValues("overflow").Inc()
		return nil, fmt.Errorf("reassembled size %d exceeds limit %d: %w", fl.highest, f.config.MaxReassembleSize, ErrFragmentOverflow)
	}
	d := &Datagram{Data: build(fl), Frames: fl.frames}
	f.completed[fk] = d
	for _, member := range fl.frames {
		f.members[frameKey{frame: member, key: frag.Key}] = frame
	}
	return d, nil
}

// Completed returns the datagram completed by frame, for revisits.
func (f *Fragments) Completed(frame uint32, key FragmentKey) (*Datagram, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.completed[frameKey{frame: frame, key: key}]
	return d, ok
}

// ReassembledIn returns the frame that completed the datagram frame contributed
// to; zero while the datagram is incomplete.
func (f *Fragments) ReassembledIn(frame uint32, key FragmentKey) (uint32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	in, ok := f.members[frameKey{frame: frame, key: key}]
	return in, ok && in != 0
}

func securityChecks(frag Fragment) error {
	size := len(frag.Payload)
	if size < ipv4MinFragSize {
		return fmt.Errorf("fragment too small: %d bytes: %w", size, ErrFragmentInvalid)
	}
	if frag.Offset%8 != 0 || frag.Offset/8 > ipv4MaxFragOffset {
		return fmt.Errorf("fragment offset %d: %w", frag.Offset, ErrFragmentInvalid)
	}
	if end := frag.Offset + size; end > ipv4MaxSize {
		return fmt.Errorf("fragment would exceed max IP size: offset=%d size=%d end=%d: %w",
			frag.Offset, size, end, ErrFragmentInvalid)
	}
	return nil
}

func insertBSDRight(fl *fragmentList, frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	var insertBefore *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			insertBefore = e
			break
		}
	}

	// trim against the previous fragment
	startAt := frag.offset
	var prev *list.Element
	if insertBefore != nil {
		prev = insertBefore.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if end := p.offset + p.length; end > startAt {
			startAt = end
		}
	}

	// trim against the next fragment
	endAt := fragEnd
	if insertBefore != nil {
		if next := insertBefore.Value.(*fragment); next.offset < endAt {
			endAt = next.offset
		}
	}

	if startAt >= endAt {
		return
	}

	trimmed := &fragment{
		offset:  startAt,
		length:  endAt - startAt,
		payload: frag.payload[startAt-frag.offset : endAt-frag.offset],
	}
	if insertBefore != nil {
		fl.list.InsertBefore(trimmed, insertBefore)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += trimmed.length
}

func build(fl *fragmentList) []byte {
	out := make([]byte, fl.highest)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		frag := e.Value.(*fragment)
		copy(out[frag.offset:frag.offset+frag.length], frag.payload)
	}
	return out
}

// evict must be called with f.mu held.
func (f *Fragments) evict(key FragmentKey) {
	if _, exists := f.flows[key]; exists {
		delete(f.flows, key)
		metrics.ReassemblyActiveFragments.Dec()
	}
}

// sweep drops incomplete datagrams idle for longer than the timeout, measured in
// capture time. Must be called with f.mu held.
func (f *Fragments) sweep(ts time.Time) {
	if !f.lastSweep.IsZero() && ts.Sub(f.lastSweep) < time.Second {
		return
	}
	f.lastSweep = ts
	for key, fl := range f.flows {
		if ts.Sub(fl.lastSeen) > f.config.Timeout {
			f.evict(key)
		}
	}
}
