package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dissector"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/internal/reassembly"
)

// FrameSource yields capture records in order. ReadFrame returns io.EOF after the
// last record; the returned data must not be reused by the source.
type FrameSource interface {
	ReadFrame() (data []byte, ci gopacket.CaptureInfo, err error)
	Encapsulation() core.Encapsulation
	Close() error
}

// arena is the reusable per-packet state: tree, columns and dissection context.
type arena struct {
	tree *proto.Tree
	cols *proto.Columns
	ctx  *dissector.Context
}

// Result is one dissected frame. It is valid until the next Dissect call on the
// session, or until Release for results of Redissect.
type Result struct {
	Frame     core.Frame
	Tree      *proto.Tree
	Columns   *proto.Columns
	Protocols string

	release func()
}

// Release returns the result's arena to its session.
func (r *Result) Release() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// Session holds the state of one capture: conversations, transactions,
// reassembly and the stored frames. Frames are dissected once in order with
// Run or Dissect; any of them may then be redissected.
type Session struct {
	engine *Engine
	src    FrameSource
	encap  core.Encapsulation
	log    *logrus.Entry

	conversations *conversation.Table
	streams       *reassembly.Streams
	fragments     *reassembly.Fragments
	frameData     *dissector.FrameData
	store         frameStore

	mu     sync.Mutex // serialises the sequential pass
	seq    *arena
	next   uint32
	closed bool

	pool sync.Pool // *arena for Redissect
}

// Open starts a session over src. It fails with core.ErrUnsupportedEncapsulation
// when no dissector handles the source's link type.
func (e *Engine) Open(src FrameSource) (*Session, error) {
	encap := src.Encapsulation()
	if !e.Supports(encap) {
		return nil, fmt.Errorf("link type %d: %w", encap, core.ErrUnsupportedEncapsulation)
	}
	s := &Session{
		engine: e,
		src:    src,
		encap:  encap,
		log:    log.WithComponent("session"),
		conversations: conversation.NewTable(conversation.Hooks{
			Created: func(*conversation.Conversation) { metrics.ConversationsActive.Inc() },
			Matched: func(conversation.Transaction) { metrics.TransactionsMatchedTotal.Inc() },
		}),
		streams: reassembly.NewStreams("Reassembled TCP", reassembly.StreamConfig{
			Enabled:         e.cfg.TCP.Desegment,
			MaxPendingBytes: e.cfg.TCP.MaxPendingBytes,
		}),
		frameData: dissector.NewFrameData(),
	}
	if e.cfg.IP.Defragment {
		s.fragments = reassembly.NewFragments(reassembly.FragmentConfig{
			MaxFragments:      e.cfg.IP.MaxFragments,
			MaxReassembleSize: e.cfg.IP.MaxReassembleSize,
			Timeout:           e.cfg.IP.TimeoutDuration(),
			MaxFragsPerIP:     e.cfg.IP.MaxFragsPerIP,
			RateLimitWindow:   e.cfg.IP.RateLimitWindowDuration(),
		})
	}
	s.seq = s.newArena()
	s.pool.New = func() any { return s.newArena() }
	s.log.WithField("encapsulation", encap).Debug("session opened")
	return s, nil
}

func (s *Session) newArena() *arena {
	tree := proto.NewTree(s.engine.fields)
	cols := proto.NewColumns()
	ctx := dissector.NewContext(s.engine.dissectors, tree, cols, s.frameData)
	ctx.Conversations = s.conversations
	ctx.Reassembly = s.streams
	ctx.Fragments = s.fragments
	ctx.Log = log.WithComponent("dissector")
	return &arena{tree: tree, cols: cols, ctx: ctx}
}

// Run reads the source to the end, dissecting each frame on the first pass and
// handing the result to fn. It stops early when ctx is cancelled or fn fails.
func (s *Session) Run(ctx context.Context, fn func(*Result) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		data, ci, err := s.src.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame %d: %w", s.store.len()+1, err)
		}
		res, err := s.Dissect(core.Frame{
			Timestamp:      ci.Timestamp,
			CaptureLength:  len(data),
			ReportedLength: ci.Length,
			Data:           data,
			Encapsulation:  s.encap,
		}, false)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(res); err != nil {
				return err
			}
		}
	}
}

// Dissect runs the dissectors over f. With visited false the frame is numbered,
// stored and may change session state; with visited true it must be a frame
// already seen and nothing is mutated. The result is valid until the next call.
func (s *Session) Dissect(f core.Frame, visited bool) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	if !visited {
		s.next++
		f.Number = s.next
		f.Encapsulation = s.encap
		if f.CaptureLength == 0 {
			f.CaptureLength = len(f.Data)
		}
		s.store.add(f)
	}
	return s.dissect(s.seq, f, visited)
}

// Redissect dissects a stored frame again with the state the first pass left.
// It may run concurrently with the sequential pass; Release the result when done.
func (s *Session) Redissect(number uint32) (*Result, error) {
	f, err := s.store.get(number)
	if err != nil {
		return nil, err
	}
	a := s.pool.Get().(*arena)
	res, err := s.dissect(a, f, true)
	if err != nil {
		s.pool.Put(a)
		return nil, err
	}
	res.release = func() { s.pool.Put(a) }
	return res, nil
}

func (s *Session) dissect(a *arena, f core.Frame, visited bool) (*Result, error) {
	start := time.Now()
	a.tree.Reset()
	a.cols.Reset()
	a.ctx.Reset(f.Number, f.Timestamp, f.Encapsulation, visited)

	first, prev := f.Timestamp, f.Timestamp
	if fr, err := s.store.get(1); err == nil {
		first = fr.Timestamp
	}
	if f.Number > 1 {
		if fr, err := s.store.get(f.Number - 1); err == nil {
			prev = fr.Timestamp
		}
	}

	buf := buffer.New(f.Data, f.ReportedLength)
	frameNode := s.engine.frame.add(a.tree, buf, f, first, prev)
	a.cols.Set(proto.ColNumber, fmt.Sprintf("%d", f.Number))
	a.cols.Set(proto.ColTime, fmt.Sprintf("%.6f", f.Timestamp.Sub(first).Seconds()))
	a.cols.Set(proto.ColLength, fmt.Sprintf("%d", f.ReportedLength))

	if _, err := a.ctx.DispatchUint(TableEncap, uint64(f.Encapsulation), buf, frameNode); err != nil {
		s.log.WithError(err).WithField("frame", f.Number).Error("dissection failed")
		return nil, fmt.Errorf("frame %d: %w", f.Number, err)
	}

	stack := s.engine.frame.addProtocols(a.tree, frameNode, a.ctx.Layers)
	if a.cols.Get(proto.ColProtocol) == "" && len(a.ctx.Layers) > 0 {
		a.cols.Set(proto.ColProtocol, a.ctx.Layers[len(a.ctx.Layers)-1])
	}
	if v := a.tree.RangeViolations(); len(v) > 0 {
		s.log.WithField("frame", f.Number).Debugf("%d field(s) outside their parent's range", len(v))
	}

	pass := metrics.PassFirst
	if visited {
		pass = metrics.PassRevisit
	}
	metrics.FramesTotal.WithLabelValues(pass).Inc()
	metrics.DissectLatencySeconds.Observe(time.Since(start).Seconds())

	return &Result{Frame: f, Tree: a.tree, Columns: a.cols, Protocols: stack}, nil
}

// Frames returns the number of frames seen by the first pass.
func (s *Session) Frames() int { return s.store.len() }

// Frame returns a stored frame.
func (s *Session) Frame(number uint32) (core.Frame, error) { return s.store.get(number) }

// Conversations lists conversations in creation order.
func (s *Session) Conversations() []*conversation.Conversation {
	return s.conversations.Conversations()
}

// Transactions lists copies of the transactions in creation order.
func (s *Session) Transactions() []conversation.Transaction {
	return s.conversations.Transactions()
}

// Reset drops all capture state so the source can be read again from a new start.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.ConversationsActive.Sub(float64(s.conversations.Len()))
	s.conversations.Reset()
	s.streams.Reset()
	if s.fragments != nil {
		s.fragments.Reset()
	}
	s.frameData.Reset()
	s.store.reset()
	s.next = 0
}

// Close resets the session and closes its source.
func (s *Session) Close() error {
	s.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Debug("session closed")
	return s.src.Close()
}
