package reassembly

import (
	"sync"

	"firestige.xyz/dissect/internal/buffer"
	"firestige.xyz/dissect/internal/metrics"
)

// OneMoreSegment asks for another segment when the PDU length is not yet known.
const OneMoreSegment = -1

// Verdict is what an application dissector reports for one pass over a buffer.
type Verdict struct {
	Consumed int  // bytes used; 0 with NeedMore false means "all"
	NeedMore bool // the PDU at Offset needs More further bytes
	Offset   int
	More     int
}

// PDUFunc dissects application data handed over by the stream.
type PDUFunc func(buf *buffer.Buffer) (Verdict, error)

// StreamConfig configures desegmentation.
type StreamConfig struct {
	Enabled         bool
	MaxPendingBytes int
}

// Step is one application dispatch made while processing a frame.
type Step struct {
	Offset int // within the frame's payload; unused when Reassembled is set
	Length int
	// Reassembled is the PDU rebuilt from several frames, nil for frame-local data.
	Reassembled *PDU
}

// PDU is data reassembled from several segments.
type PDU struct {
	Data   *buffer.Buffer
	Frames []uint32
}

// Record is what the first pass decided for one frame; revisits replay it.
type Record struct {
	Steps         []Step
	Held          int    // payload offset from which bytes were held for a later PDU, -1 when none
	ReassembledIn uint32 // frame that completed the PDU holding this frame's bytes
	Retransmitted bool
}

type recordKey struct {
	stream any
	frame  uint32
}

type pendingSeg struct {
	data   *buffer.Buffer
	recs   []*Record // records of the frames whose bytes are in data
	frames []uint32
}

type stream struct {
	initialized bool
	nextSeq     uint32
	pending     []pendingSeg
	pendingLen  int
	need        int // total bytes wanted for the pending PDU, OneMoreSegment when unknown
}

// Streams reassembles application PDUs that span segments of ordered byte
// streams. Stream keys are any comparable value, typically a conversation index
// plus direction.
type Streams struct {
	name   string
	config StreamConfig

	mu      sync.RWMutex
	streams map[any]*stream
	records map[recordKey]*Record
	held    int
}

// NewStreams returns desegmentation state whose reassembled buffers are named name.
func NewStreams(name string, cfg StreamConfig) *Streams {
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = 1 << 20
	}
	s := &Streams{name: name, config: cfg}
	s.Reset()
	return s
}

// Reset drops every stream and record.
func (s *Streams) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.ReassemblyPendingBytes.Sub(float64(s.held))
	s.held = 0
	s.streams = make(map[any]*stream)
	s.records = make(map[recordKey]*Record)
}

// Enabled reports whether desegmentation is on.
func (s *Streams) Enabled() bool { return s.config.Enabled }

// Process hands the in-order payload of one segment to fn, reassembling PDUs
// that fn reports as incomplete. On a revisit it replays the dispatches the
// first pass made for frame and changes nothing.
func (s *Streams) Process(key any, frame uint32, seq uint32, payload *buffer.Buffer, visited bool, fn PDUFunc) (Record, error) {
	if visited {
		return s.replay(key, frame, payload, fn)
	}
	rec := &Record{Held: -1}
	s.mu.Lock()
	s.records[recordKey{stream: key, frame: frame}] = rec
	st, ok := s.streams[key]
	if !ok {
		st = &stream{}
		s.streams[key] = st
	}
	s.mu.Unlock()

	n := payload.CapturedLength()
	if !st.initialized {
		st.initialized = true
		st.nextSeq = seq
	}
	switch {
	case seqLess(seq, st.nextSeq):
		rec.Retransmitted = true
		return s.snapshot(rec), nil
	case seq != st.nextSeq:
		// lost segment: the pending PDU can never complete
		s.release(st)
	}
	st.nextSeq = seq + uint32(n)
	if n == 0 {
		return s.snapshot(rec), nil
	}

	if len(st.pending) == 0 || !s.config.Enabled {
		err := s.runFrameLocal(st, rec, frame, payload, 0, fn)
		return s.snapshot(rec), err
	}

	s.hold(st, payload, rec, frame)
	s.setHeld(rec, 0)
	if st.pendingLen > s.config.MaxPendingBytes {
		s.release(st)
		s.setHeld(rec, -1)
		return s.snapshot(rec), nil
	}
	if st.need != OneMoreSegment && st.pendingLen < st.need {
		return s.snapshot(rec), nil
	}

	// enough data: dispatch the reassembled PDU
	var (
		bufs   []*buffer.Buffer
		recs   []*Record
		frames []uint32
	)
	for _, p := range st.pending {
		bufs = append(bufs, p.data)
		recs = append(recs, p.recs...)
		frames = appendFrames(frames, p.frames...)
	}
	boundary := st.pendingLen - n
	s.release(st)
	s.setHeld(rec, -1)
	composite := buffer.Compose(s.name, bufs...)

	err := s.runReassembled(st, rec, frame, composite, recs, frames, boundary, payload, fn)
	return s.snapshot(rec), err
}

// runFrameLocal dispatches the payload starting at off, PDU by PDU.
func (s *Streams) runFrameLocal(st *stream, rec *Record, frame uint32, payload *buffer.Buffer, off int, fn PDUFunc) error {
	for off < payload.CapturedLength() {
		sub, err := payload.Subset(off, -1)
		if err != nil {
			return err
		}
		v, err := fn(sub)
		s.addStep(rec, Step{Offset: off, Length: sub.CapturedLength()})
		if err != nil {
			return err
		}
		if v.NeedMore && s.config.Enabled {
			start := off + v.Offset
			held, err := payload.Subset(start, -1)
			if err != nil {
				return err
			}
			s.hold(st, held, rec, frame)
			st.need = wanted(held.CapturedLength(), v.More)
			s.setHeld(rec, start)
			return nil
		}
		if v.NeedMore || v.Consumed <= 0 || v.Consumed >= sub.CapturedLength() {
			return nil
		}
		off += v.Consumed
	}
	return nil
}

// runReassembled dispatches a PDU rebuilt from several segments. boundary is
// where the current frame's bytes start inside composite.
func (s *Streams) runReassembled(st *stream, rec *Record, frame uint32, composite *buffer.Buffer, recs []*Record, frames []uint32, boundary int, payload *buffer.Buffer, fn PDUFunc) error {
	off := 0
	for off < composite.CapturedLength() {
		if off >= boundary {
			// what is left lies entirely within this frame
			return s.runFrameLocal(st, rec, frame, payload, off-boundary, fn)
		}
		sub, err := composite.Subset(off, -1)
		if err != nil {
			return err
		}
		v, err := fn(sub)
		s.addStep(rec, Step{Reassembled: &PDU{Data: sub, Frames: frames}, Length: sub.CapturedLength()})
		if err != nil {
			return err
		}
		if v.NeedMore {
			start := off + v.Offset
			held, err := composite.Subset(start, -1)
			if err != nil {
				return err
			}
			if start >= boundary {
				s.hold(st, held, rec, frame)
				s.setHeld(rec, start-boundary)
			} else {
				// the PDU still spans earlier frames
				st.pending = append(st.pending, pendingSeg{data: detach(held), recs: recs, frames: frames})
				s.account(st, held.CapturedLength())
				s.setHeld(rec, 0)
			}
			st.need = wanted(held.CapturedLength(), v.More)
			return nil
		}
		s.markCompleted(recs, rec, frame)
		if v.Consumed <= 0 || v.Consumed >= sub.CapturedLength() {
			return nil
		}
		off += v.Consumed
	}
	return nil
}

func (s *Streams) markCompleted(recs []*Record, self *Record, in uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if r != self && r.ReassembledIn == 0 {
			r.ReassembledIn = in
		}
	}
}

func (s *Streams) addStep(rec *Record, step Step) {
	s.mu.Lock()
	rec.Steps = append(rec.Steps, step)
	s.mu.Unlock()
}

func (s *Streams) setHeld(rec *Record, off int) {
	s.mu.Lock()
	rec.Held = off
	s.mu.Unlock()
}

func (s *Streams) replay(key any, frame uint32, payload *buffer.Buffer, fn PDUFunc) (Record, error) {
	s.mu.RLock()
	r, ok := s.records[recordKey{stream: key, frame: frame}]
	var rec Record
	if ok {
		rec = *r
	}
	s.mu.RUnlock()
	if !ok {
		_, err := fn(payload)
		return Record{Held: -1, Steps: []Step{{Length: payload.CapturedLength()}}}, err
	}
	for _, step := range rec.Steps {
		buf := payload
		if step.Reassembled != nil {
			buf = step.Reassembled.Data
		} else {
			var err error
			if buf, err = payload.Subset(step.Offset, -1); err != nil {
				return rec, err
			}
		}
		if _, err := fn(buf); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (s *Streams) snapshot(rec *Record) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := *rec
	out.Steps = append([]Step(nil), rec.Steps...)
	return out
}

func (s *Streams) hold(st *stream, data *buffer.Buffer, rec *Record, frame uint32) {
	st.pending = append(st.pending, pendingSeg{data: detach(data), recs: []*Record{rec}, frames: []uint32{frame}})
	s.account(st, data.CapturedLength())
}

func (s *Streams) account(st *stream, n int) {
	st.pendingLen += n
	s.mu.Lock()
	s.held += n
	s.mu.Unlock()
	metrics.ReassemblyPendingBytes.Add(float64(n))
}

func (s *Streams) release(st *stream) {
	if len(st.pending) == 0 {
		return
	}
	s.mu.Lock()
	s.held -= st.pendingLen
	s.mu.Unlock()
	metrics.ReassemblyPendingBytes.Sub(float64(st.pendingLen))
	st.pending, st.pendingLen, st.need = nil, 0, 0
}

// detach copies the captured bytes so they outlive the frame being dissected.
func detach(b *buffer.Buffer) *buffer.Buffer {
	p, err := b.Bytes(0, b.CapturedLength())
	if err != nil {
		return buffer.New(nil, 0)
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	return buffer.NewNamed(b.Source().Name(), cp, len(cp))
}

func appendFrames(dst []uint32, frames ...uint32) []uint32 {
	for _, f := range frames {
		if len(dst) == 0 || dst[len(dst)-1] != f {
			dst = append(dst, f)
		}
	}
	return dst
}

func wanted(have, more int) int {
	if more <= 0 {
		return OneMoreSegment
	}
	return have + more
}

// seqLess compares TCP-style sequence numbers with wraparound.
func seqLess(a, b uint32) bool { return int32(a-b) < 0 }
