package filter

import (
	"sync/atomic"

	"github.com/google/gopacket"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/engine"
)

// Source wraps a frame source and drops the frames a filter rejects before
// they reach the engine.
type Source struct {
	engine.FrameSource
	filter  *Filter
	dropped atomic.Uint64
}

// Wrap returns src unchanged when f is empty.
func Wrap(src engine.FrameSource, f *Filter) engine.FrameSource {
	if f.Empty() {
		return src
	}
	return &Source{FrameSource: src, filter: f}
}

// ReadFrame returns the next frame the filter accepts.
func (s *Source) ReadFrame() ([]byte, gopacket.CaptureInfo, error) {
	for {
		data, ci, err := s.FrameSource.ReadFrame()
		if err != nil {
			return nil, ci, err
		}
		if s.filter.Match(data) {
			return data, ci, nil
		}
		s.dropped.Add(1)
	}
}

// Encapsulation is the wrapped source's link type.
func (s *Source) Encapsulation() core.Encapsulation { return s.FrameSource.Encapsulation() }

// Dropped returns the number of frames the filter rejected.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }
