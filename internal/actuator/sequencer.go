// Package actuator sequences opening-degree commands to room actuators: rate limiting,
// change suppression, asynchronous feedback verification with bounded retries and drift
// detection.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/heatd/internal/clock"
	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/device"
	"github.com/dokzlo13/heatd/internal/timers"
)

const verifyPrefix = "verify:"

// Config holds sequencing settings.
type Config struct {
	Tolerance       int
	MaxRetries      int
	RetryDelay      time.Duration
	NominalSetpoint float64
	// RateLimits is the minimum interval between commands, per room.
	RateLimits map[string]time.Duration
}

// ConfigFrom extracts sequencer settings from the application config.
func ConfigFrom(c *config.Config) Config {
	cfg := Config{
		Tolerance:       c.Actuator.Tolerance,
		MaxRetries:      c.Actuator.MaxRetries,
		RetryDelay:      c.Actuator.RetryDelay.Duration(),
		NominalSetpoint: c.Actuator.NominalSetpoint,
		RateLimits:      make(map[string]time.Duration, len(c.Rooms)),
	}
	for _, r := range c.Rooms {
		cfg.RateLimits[r.ID] = r.RateLimit.Duration()
	}
	return cfg
}

// Outcome describes what SetActuator did.
type Outcome int

const (
	Sent Outcome = iota
	Unchanged
	RateLimited
	Failed
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Unchanged:
		return "unchanged"
	case RateLimited:
		return "rate_limited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the sequencer's view of one actuator.
type Status struct {
	Commanded    int  `json:"commanded"`
	HasCommanded bool `json:"-"`
	Feedback     int  `json:"feedback"`
	FeedbackOK   bool `json:"feedback_ok"`
	Inflight     bool `json:"inflight"`
	Attempts     int  `json:"attempts"`
	Faulted      bool `json:"faulted"`
}

type actuatorState struct {
	Status
	limiter *rate.Limiter
	sentAt  time.Time
}

// Sequencer owns per-room command state. Commands are issued from the recompute pass;
// verification is scheduled on timers and reported back through onDue.
type Sequencer struct {
	clock  clock.Clock
	driver device.ActuatorDriver
	timers *timers.Service

	mu    sync.Mutex
	cfg   Config
	rooms map[string]*actuatorState
}

// New creates a sequencer. onDue is called from a timer goroutine when a room's feedback
// should be verified; the caller is expected to run Verify inside its next pass.
func New(clk clock.Clock, driver device.ActuatorDriver, cfg Config, onDue func(room string)) *Sequencer {
	s := &Sequencer{
		clock:  clk,
		driver: driver,
		cfg:    cfg,
		rooms:  make(map[string]*actuatorState),
	}
	s.timers = timers.New(clk, func(k timers.Key) {
		if onDue != nil {
			onDue(strings.TrimPrefix(string(k), verifyPrefix))
		}
	})
	for id := range cfg.RateLimits {
		s.room(id)
	}
	return s
}

// SetConfig applies new settings, adding and removing rooms as needed.
func (s *Sequencer) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	for id, st := range s.rooms {
		interval, ok := cfg.RateLimits[id]
		if !ok {
			s.timers.CancelKey(verifyKey(id))
			delete(s.rooms, id)
			continue
		}
		st.limiter.SetLimitAt(s.clock.Now(), rate.Every(interval))
	}
	for id := range cfg.RateLimits {
		s.roomLocked(id)
	}
}

func (s *Sequencer) room(id string) *actuatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomLocked(id)
}

func (s *Sequencer) roomLocked(id string) *actuatorState {
	st, ok := s.rooms[id]
	if !ok {
		st = &actuatorState{limiter: rate.NewLimiter(rate.Every(s.cfg.RateLimits[id]), 1)}
		s.rooms[id] = st
	}
	return st
}

// SetActuator requests desired percent for room. A command equal to the last commanded
// value is not re-sent unless the actuator faulted; commands closer together than the
// room's rate limit are dropped. force bypasses both checks and is used for corrections.
func (s *Sequencer) SetActuator(ctx context.Context, room string, desired int, force bool) (Outcome, error) {
	s.mu.Lock()
	st := s.roomLocked(room)
	now := s.clock.Now()

	if !force {
		if st.HasCommanded && st.Commanded == desired && !st.Faulted {
			s.mu.Unlock()
			return Unchanged, nil
		}
		if !st.limiter.AllowN(now, 1) {
			s.mu.Unlock()
			log.Debug().Str("room", room).Int("percent", desired).Msg("Actuator command rate limited")
			return RateLimited, nil
		}
	} else {
		// forced sends still spend budget, possibly going into debt
		st.limiter.ReserveN(now, 1)
	}
	s.mu.Unlock()

	if err := s.driver.Command(ctx, room, desired); err != nil {
		log.Warn().Err(err).Str("room", room).Int("percent", desired).Msg("Actuator command failed")
		return Failed, fmt.Errorf("command %s to %d%%: %w", room, desired, err)
	}

	s.mu.Lock()
	prev := st.Commanded
	st.Commanded = desired
	st.HasCommanded = true
	st.Inflight = true
	st.Attempts = 0
	st.Faulted = false
	st.sentAt = now
	retryDelay := s.cfg.RetryDelay
	s.mu.Unlock()

	s.timers.Start(verifyKey(room), retryDelay)

	log.Info().
		Str("room", room).
		Int("from", prev).
		Int("to", desired).
		Bool("forced", force).
		Msg("Actuator commanded")
	return Sent, nil
}

// Verify checks a room's feedback against its last command. A mismatch is retried up to
// MaxRetries times; after that the actuator is marked faulted and left alone until the
// next change.
func (s *Sequencer) Verify(ctx context.Context, room string) bool {
	s.mu.Lock()
	st, ok := s.rooms[room]
	if !ok || !st.Inflight {
		s.mu.Unlock()
		return true
	}
	commanded := st.Commanded
	s.mu.Unlock()

	fb, err := s.driver.ReadFeedback(ctx, room)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		st.Feedback = fb
		st.FeedbackOK = true
		if abs(fb-commanded) <= s.cfg.Tolerance {
			st.Inflight = false
			st.Attempts = 0
			log.Debug().Str("room", room).Int("feedback", fb).Msg("Actuator position confirmed")
			return true
		}
	} else {
		st.FeedbackOK = false
	}

	if st.Attempts >= s.cfg.MaxRetries {
		st.Inflight = false
		st.Faulted = true
		log.Error().
			Err(err).
			Str("room", room).
			Int("commanded", commanded).
			Int("feedback", fb).
			Int("attempts", st.Attempts).
			Msg("Actuator did not reach commanded position")
		return false
	}

	st.Attempts++
	log.Warn().
		Str("room", room).
		Int("commanded", commanded).
		Int("feedback", fb).
		Int("attempt", st.Attempts).
		Msg("Actuator feedback mismatch, retrying")
	if cmdErr := s.driver.Command(ctx, room, commanded); cmdErr != nil {
		log.Warn().Err(cmdErr).Str("room", room).Msg("Actuator retry command failed")
	}
	s.timers.Start(verifyKey(room), s.cfg.RetryDelay)
	return false
}

// ReadFeedback polls every known actuator. Healthy means the actuator answered and has not
// exhausted its retries.
func (s *Sequencer) ReadFeedback(ctx context.Context) (feedback map[string]int, healthy map[string]bool) {
	feedback = make(map[string]int)
	healthy = make(map[string]bool)
	for _, id := range s.ids() {
		fb, err := s.driver.ReadFeedback(ctx, id)

		s.mu.Lock()
		st, ok := s.rooms[id]
		if ok {
			st.FeedbackOK = err == nil
			if err == nil {
				st.Feedback = fb
			}
			healthy[id] = err == nil && !st.Faulted
		}
		s.mu.Unlock()

		if err != nil {
			if !errors.Is(err, device.ErrUnavailable) {
				log.Warn().Err(err).Str("room", id).Msg("Failed to read actuator feedback")
			}
			continue
		}
		feedback[id] = fb
	}
	return feedback, healthy
}

// CheckDrift reports whether a room's actuator moved away from its commanded position
// without a command in flight. Always false while valves are being persisted.
func (s *Sequencer) CheckDrift(room string, feedback int, persisting bool) bool {
	if persisting {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[room]
	if !ok || !st.HasCommanded || st.Inflight {
		return false
	}
	if abs(feedback-st.Commanded) <= s.cfg.Tolerance {
		return false
	}
	log.Warn().
		Str("room", room).
		Int("commanded", st.Commanded).
		Int("feedback", feedback).
		Msg("Actuator drifted from commanded position")
	return true
}

// LockAll pins every actuator's own setpoint to the nominal value. Errors are collected so
// one unreachable actuator does not prevent locking the rest.
func (s *Sequencer) LockAll(ctx context.Context) error {
	s.mu.Lock()
	setpoint := s.cfg.NominalSetpoint
	s.mu.Unlock()

	var errs []error
	for _, id := range s.ids() {
		if err := s.driver.LockSetpoint(ctx, id, setpoint); err != nil {
			log.Warn().Err(err).Str("room", id).Msg("Failed to lock actuator setpoint")
			errs = append(errs, fmt.Errorf("lock %s: %w", id, err))
			continue
		}
		log.Debug().Str("room", id).Float64("setpoint", setpoint).Msg("Actuator setpoint locked")
	}
	return errors.Join(errs...)
}

// Seed adopts the reported position as last commanded, so a restart does not re-send
// positions the actuators already hold.
func (s *Sequencer) Seed(room string, feedback int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.roomLocked(room)
	st.Commanded = feedback
	st.HasCommanded = true
	st.Feedback = feedback
	st.FeedbackOK = true
}

// Commanded returns the last commanded percentage of every room that has one.
func (s *Sequencer) Commanded() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.rooms))
	for id, st := range s.rooms {
		if st.HasCommanded {
			out[id] = st.Commanded
		}
	}
	return out
}

// Status returns a copy of one actuator's state.
func (s *Sequencer) Status(room string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[room]
	if !ok {
		return Status{}, false
	}
	return st.Status, true
}

func (s *Sequencer) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func verifyKey(room string) timers.Key {
	return timers.Key(verifyPrefix + room)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
