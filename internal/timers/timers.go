// Package timers provides cancelable named delays. Starting a timer under a key replaces
// any earlier timer with the same key; cancelling a fired or cancelled timer is a no-op.
package timers

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/clock"
)

// Key names a timer kind.
type Key string

// Boiler supervision timers
const (
	MinOn       Key = "min_on"
	MinOff      Key = "min_off"
	OffDelay    Key = "off_delay"
	PumpOverrun Key = "pump_overrun"
)

// Handle identifies one started instance of a timer.
type Handle struct {
	Key Key
	id  uint64
}

// Valid reports whether the handle refers to a started timer.
func (h Handle) Valid() bool { return h.id != 0 }

type entry struct {
	id       uint64
	deadline time.Time
	timer    clock.Timer
}

// Service tracks named deadlines. Whether a timer is running is decided from the clock,
// not from callback delivery, so decisions stay correct even if a callback is late.
type Service struct {
	clock clock.Clock

	mu      sync.Mutex
	seq     uint64
	entries map[Key]*entry
	onFire  func(Key)
}

// New creates a timer service. onFire is invoked (outside the lock) when a timer expires.
func New(clk clock.Clock, onFire func(Key)) *Service {
	return &Service{
		clock:   clk,
		entries: make(map[Key]*entry),
		onFire:  onFire,
	}
}

// SetOnFire replaces the expiry callback.
func (s *Service) SetOnFire(fn func(Key)) {
	s.mu.Lock()
	s.onFire = fn
	s.mu.Unlock()
}

// Start begins a timer of duration d under key, replacing any earlier one.
func (s *Service) Start(key Key, d time.Duration) Handle {
	return s.startAt(key, s.clock.Now().Add(d))
}

// Restore re-creates a timer from a persisted absolute deadline. Deadlines in the past
// are ignored.
func (s *Service) Restore(key Key, deadline time.Time) (Handle, bool) {
	if !deadline.After(s.clock.Now()) {
		return Handle{}, false
	}
	return s.startAt(key, deadline), true
}

func (s *Service) startAt(key Key, deadline time.Time) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		old.timer.Stop()
	}

	s.seq++
	id := s.seq
	e := &entry{id: id, deadline: deadline}
	e.timer = s.clock.AfterFunc(deadline.Sub(s.clock.Now()), func() { s.fire(key, id) })
	s.entries[key] = e

	log.Debug().Str("timer", string(key)).Time("deadline", deadline).Msg("Timer started")
	return Handle{Key: key, id: id}
}

func (s *Service) fire(key Key, id uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.id != id {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	onFire := s.onFire
	s.mu.Unlock()

	log.Debug().Str("timer", string(key)).Msg("Timer fired")
	if onFire != nil {
		onFire(key)
	}
}

// Cancel stops the instance referred to by h. Stale handles are ignored.
func (s *Service) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h.Key]
	if !ok || e.id != h.id {
		return
	}
	e.timer.Stop()
	delete(s.entries, h.Key)
}

// CancelKey stops whatever timer is running under key.
func (s *Service) CancelKey(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

// Remaining returns the time left on h, zero if it fired, was cancelled or replaced.
func (s *Service) Remaining(h Handle) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h.Key]
	if !ok || e.id != h.id {
		return 0
	}
	return s.remainingLocked(e)
}

// RemainingKey returns the time left on the timer under key.
func (s *Service) RemainingKey(key Key) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0
	}
	return s.remainingLocked(e)
}

func (s *Service) remainingLocked(e *entry) time.Duration {
	left := e.deadline.Sub(s.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Running reports whether a timer under key has not yet reached its deadline.
func (s *Service) Running(key Key) bool {
	return s.RemainingKey(key) > 0
}

// Deadlines returns the deadlines of all running timers, for persistence.
func (s *Service) Deadlines() map[Key]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Key]time.Time, len(s.entries))
	now := s.clock.Now()
	for k, e := range s.entries {
		if e.deadline.After(now) {
			out[k] = e.deadline
		}
	}
	return out
}
