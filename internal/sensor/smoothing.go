package sensor

import (
	"sync"
	"time"
)

// Smoother applies per-room exponential smoothing. State lives in memory only and is
// reset on restart; the first raw value seeds it.
type Smoother struct {
	mu    sync.Mutex
	state map[string]smoothed
}

type smoothed struct {
	raw     float64
	sampled time.Time
	value   float64
}

// NewSmoother creates an empty smoother.
func NewSmoother() *Smoother {
	return &Smoother{state: make(map[string]smoothed)}
}

// Apply returns alpha*raw + (1-alpha)*previous. An alpha of 0 or 1 disables smoothing.
// The same sample (raw value and timestamp) seen again returns the stored result, so
// smoothing advances per reading and not per pass.
func (s *Smoother) Apply(room string, raw, alpha float64, sampled time.Time) float64 {
	if alpha <= 0 || alpha >= 1 {
		return raw
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.state[room]
	if !ok {
		s.state[room] = smoothed{raw: raw, sampled: sampled, value: raw}
		return raw
	}
	if prev.raw == raw && prev.sampled.Equal(sampled) {
		return prev.value
	}
	next := alpha*raw + (1-alpha)*prev.value
	s.state[room] = smoothed{raw: raw, sampled: sampled, value: next}
	return next
}

// Reset forgets a room's smoothing state.
func (s *Smoother) Reset(room string) {
	s.mu.Lock()
	delete(s.state, room)
	s.mu.Unlock()
}
