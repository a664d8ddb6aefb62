package engine

import (
	"fmt"
	"sync"

	"firestige.xyz/dissect/internal/core"
)

// frameStore keeps every frame of the first pass for random access.
type frameStore struct {
	mu     sync.RWMutex
	frames []core.Frame
	bytes  int
}

func (s *frameStore) add(f core.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(f.Number) != len(s.frames)+1 {
		return
	}
	s.frames = append(s.frames, f)
	s.bytes += len(f.Data)
}

func (s *frameStore) get(n uint32) (core.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n == 0 || int(n) > len(s.frames) {
		return core.Frame{}, fmt.Errorf("frame %d of %d: %w", n, len(s.frames), core.ErrFrameNotFound)
	}
	return s.frames[n-1], nil
}

func (s *frameStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

func (s *frameStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
	s.bytes = 0
}
