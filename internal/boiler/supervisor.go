package boiler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/device"
	"github.com/dokzlo13/heatd/internal/timers"
)

// Reasons reported with the current state
const (
	ReasonIdle           = "no demand"
	ReasonDemand         = "demand"
	ReasonMinOff         = "min_off"
	ReasonInterlock      = "interlock"
	ReasonFeedback       = "awaiting feedback"
	ReasonOffDelay       = "off_delay"
	ReasonMinOn          = "min_on"
	ReasonOverrun        = "pump_overrun"
	ReasonInterlockTrip  = "interlock failed while running"
	ReasonDesync         = "desync: heat source reports off"
	ReasonTurnOnFailed   = "turn_on failed"
	ReasonRestored       = "restored"
	ReasonOverrunDone    = "pump overrun complete"
	ReasonDemandResumed  = "demand resumed"
	ReasonFeedbackOK     = "feedback confirmed"
	ReasonOffDelayExpiry = "off_delay elapsed"
)

// Config holds the supervisor thresholds.
type Config struct {
	Setpoint      float64
	MinOn         time.Duration
	MinOff        time.Duration
	OffDelay      time.Duration
	PumpOverrun   time.Duration
	DesyncGrace   time.Duration
	PendingOnWarn time.Duration
	MinValveOpen  int
	SafetyRoom    string
	Tolerance     int
}

// ConfigFrom extracts supervisor settings from the application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Setpoint:      c.Boiler.Setpoint,
		MinOn:         c.Boiler.MinOnTime.Duration(),
		MinOff:        c.Boiler.MinOffTime.Duration(),
		OffDelay:      c.Boiler.OffDelay.Duration(),
		PumpOverrun:   c.Boiler.PumpOverrun.Duration(),
		DesyncGrace:   c.Boiler.DesyncGrace.Duration(),
		PendingOnWarn: c.Boiler.PendingOnWarn.Duration(),
		MinValveOpen:  c.Boiler.MinValveOpenPercent,
		SafetyRoom:    c.Boiler.SafetyRoom,
		Tolerance:     c.Actuator.Tolerance,
	}
}

// Input is everything the supervisor looks at in one pass.
type Input struct {
	Now   time.Time
	Rooms []Demand
	// Commanded is the sequencer's last-commanded percentage per room.
	Commanded map[string]int
	// Feedback holds the reported opening of rooms whose actuator answered.
	Feedback map[string]int
	// Healthy marks actuators that answered and have not exhausted retries.
	Healthy map[string]bool
	// HeatActive is the physical state; ignored unless HeatActiveKnown.
	HeatActive      bool
	HeatActiveKnown bool
}

// Decision is the outcome of one Update.
type Decision struct {
	State  Kind
	From   Kind
	Reason string
	// Positions is the final percentage for every room, persistence and failsafe included.
	Positions    map[string]int
	Persisting   bool
	Transitioned bool
	Failsafe     bool
	Total        int
	Interlock    InterlockResult
}

// Supervisor runs the heat source state machine. It is owned by the recompute pass and is
// not safe for concurrent use.
type Supervisor struct {
	cfg    Config
	timers *timers.Service
	heat   device.HeatSourceDriver

	state     State
	reason    string
	lastOffAt time.Time
}

// NewSupervisor creates a supervisor in OFF.
func NewSupervisor(cfg Config, t *timers.Service, heat device.HeatSourceDriver, now time.Time) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		timers: t,
		heat:   heat,
		state:  Off{Entered: now},
		reason: ReasonIdle,
	}
}

// SetConfig applies new thresholds. Running timers keep their deadlines.
func (s *Supervisor) SetConfig(cfg Config) { s.cfg = cfg }

// State returns the current state variant.
func (s *Supervisor) State() State { return s.state }

// Reason returns why the supervisor is in its current state.
func (s *Supervisor) Reason() string { return s.reason }

// Update evaluates one pass: at most one transition, then the final valve positions.
func (s *Supervisor) Update(ctx context.Context, in Input) Decision {
	prev := s.state
	il := ApplyInterlock(in.Rooms, in.Healthy, s.cfg.MinValveOpen)
	demand := il.Calling > 0

	next, reason := s.step(ctx, prev, in, il, demand)
	transitioned := next.Kind() != prev.Kind()
	if transitioned {
		log.Info().
			Str("from", prev.Kind().String()).
			Str("to", next.Kind().String()).
			Str("reason", reason).
			Int("calling", il.Calling).
			Int("total", il.HealthyTotal).
			Msg("Boiler state changed")
	}
	s.state = next
	s.reason = reason

	s.checkReverseDesync(ctx, in, demand)

	d := Decision{
		State:        next.Kind(),
		From:         prev.Kind(),
		Reason:       reason,
		Persisting:   Persisting(next.Kind()),
		Transitioned: transitioned,
		Interlock:    il,
		Positions:    make(map[string]int, len(il.Positions)),
	}
	for id, p := range il.Positions {
		d.Positions[id] = p
	}
	for id, p := range next.Positions() {
		d.Positions[id] = p
	}

	if s.failsafeNeeded(prev, in, demand) {
		d.Failsafe = true
		d.Positions[s.cfg.SafetyRoom] = 100
		log.Warn().
			Str("state", prev.Kind().String()).
			Str("room", s.cfg.SafetyRoom).
			Msg("Heat source active with no demand, forcing safety room open")
	}

	for _, p := range d.Positions {
		d.Total += p
	}
	return d
}

func (s *Supervisor) step(ctx context.Context, prev State, in Input, il InterlockResult, demand bool) (State, string) {
	now := in.Now

	if heatOnAt, ok := believesOn(prev); ok && in.HeatActiveKnown && !in.HeatActive &&
		now.Sub(heatOnAt) >= s.cfg.DesyncGrace {
		log.Warn().
			Str("state", prev.Kind().String()).
			Msg("Heat source reports off while believed on, resetting to off")
		s.cancelAll()
		return Off{Entered: now}, ReasonDesync
	}

	switch st := prev.(type) {
	case Off:
		if !demand {
			return st, ReasonIdle
		}
		if blocked, why := s.blocked(il); blocked {
			return InterlockBlocked{Entered: now, Reason: why, Held: il.callingPositions(in.Rooms)}, why
		}
		return s.start(ctx, st, in, il)

	case PendingOn:
		if !demand {
			return Off{Entered: now}, ReasonIdle
		}
		if !il.Satisfied {
			return InterlockBlocked{Entered: now, Reason: ReasonInterlock, Held: il.callingPositions(in.Rooms)}, ReasonInterlock
		}
		if s.confirmed(in) {
			return s.turnOn(ctx, st, now, ReasonFeedbackOK)
		}
		if !st.Warned && s.cfg.PendingOnWarn > 0 && now.Sub(st.Entered) >= s.cfg.PendingOnWarn {
			log.Warn().
				Dur("waiting", now.Sub(st.Entered)).
				Msg("Actuator feedback has not confirmed commanded positions")
			st.Warned = true
		}
		return st, ReasonFeedback

	case On:
		if !demand {
			s.timers.Start(timers.OffDelay, s.cfg.OffDelay)
			return PendingOff{
				Entered:  now,
				HeatOnAt: st.HeatOnAt,
				Snapshot: openPositions(in.Commanded, nil),
			}, ReasonOffDelay
		}
		if !il.Satisfied {
			return s.turnOff(ctx, now, openPositions(in.Commanded, nil), ReasonInterlockTrip)
		}
		return st, ReasonDemand

	case PendingOff:
		if demand {
			if !il.Satisfied {
				return s.turnOff(ctx, now, openPositions(in.Commanded, st.Snapshot), ReasonInterlockTrip)
			}
			s.timers.CancelKey(timers.OffDelay)
			return On{Entered: now, HeatOnAt: st.HeatOnAt}, ReasonDemandResumed
		}
		if s.timers.Running(timers.OffDelay) {
			return st, ReasonOffDelay
		}
		if s.timers.Running(timers.MinOn) {
			return st, ReasonMinOn
		}
		return s.turnOff(ctx, now, openPositions(in.Commanded, st.Snapshot), ReasonOffDelayExpiry)

	case PumpOverrun:
		if demand && !s.timers.Running(timers.MinOff) && il.Satisfied {
			next, reason := s.turnOn(ctx, st, now, ReasonDemandResumed)
			if next.Kind() == KindOn {
				s.timers.CancelKey(timers.PumpOverrun)
			}
			return next, reason
		}
		if !s.timers.Running(timers.PumpOverrun) {
			return Off{Entered: now}, ReasonOverrunDone
		}
		if demand {
			if s.timers.Running(timers.MinOff) {
				return st, ReasonMinOff
			}
			return st, ReasonInterlock
		}
		return st, ReasonOverrun

	case InterlockBlocked:
		if !demand {
			return Off{Entered: now}, ReasonIdle
		}
		if blocked, why := s.blocked(il); blocked {
			st.Reason = why
			st.Held = il.callingPositions(in.Rooms)
			return st, why
		}
		return s.start(ctx, st, in, il)
	}

	return prev, s.reason
}

// blocked reports whether demand may not start the heat source yet.
func (s *Supervisor) blocked(il InterlockResult) (bool, string) {
	if s.timers.Running(timers.MinOff) {
		return true, ReasonMinOff
	}
	if !il.Satisfied {
		return true, ReasonInterlock
	}
	return false, ""
}

// start leaves OFF or INTERLOCK_BLOCKED once the guard holds.
func (s *Supervisor) start(ctx context.Context, from State, in Input, il InterlockResult) (State, string) {
	if s.confirmed(in) {
		return s.turnOn(ctx, from, in.Now, ReasonFeedbackOK)
	}
	return PendingOn{Entered: in.Now}, ReasonFeedback
}

// confirmed reports whether every calling room's actuator reports its last-commanded
// position within tolerance. A newer desired position still waiting on the rate limiter
// does not hold the heat source back. A calling room never commanded open has no flow path
// yet, and the commanded openings of calling rooms must reach the interlock minimum.
func (s *Supervisor) confirmed(in Input) bool {
	total := 0
	for _, r := range in.Rooms {
		if !r.Calling {
			continue
		}
		cmd, ok := in.Commanded[r.ID]
		if !ok || cmd <= 0 {
			return false
		}
		fb, ok := in.Feedback[r.ID]
		if !ok || abs(fb-cmd) > s.cfg.Tolerance {
			return false
		}
		total += cmd
	}
	return total >= s.cfg.MinValveOpen
}

func (s *Supervisor) turnOn(ctx context.Context, from State, now time.Time, reason string) (State, string) {
	if err := s.heat.TurnOn(ctx, s.cfg.Setpoint); err != nil {
		log.Error().Err(err).Str("state", from.Kind().String()).Msg("Failed to turn heat source on")
		return from, ReasonTurnOnFailed
	}
	s.timers.Start(timers.MinOn, s.cfg.MinOn)
	return On{Entered: now, HeatOnAt: now}, reason
}

// turnOff commands the heat source off and enters pump overrun holding persisted. The
// transition happens even if the command fails; reverse desync retries it.
func (s *Supervisor) turnOff(ctx context.Context, now time.Time, persisted map[string]int, reason string) (State, string) {
	if err := s.heat.TurnOff(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to turn heat source off")
	}
	s.lastOffAt = now
	s.timers.CancelKey(timers.OffDelay)
	s.timers.CancelKey(timers.MinOn)
	s.timers.Start(timers.MinOff, s.cfg.MinOff)
	s.timers.Start(timers.PumpOverrun, s.cfg.PumpOverrun)

	log.Info().Interface("persisted", persisted).Msg("Holding valves for pump overrun")
	return PumpOverrun{Entered: now, Persisted: persisted}, reason
}

// checkReverseDesync re-issues turn_off when the heat source runs although the machine
// believes it off.
func (s *Supervisor) checkReverseDesync(ctx context.Context, in Input, demand bool) {
	if !in.HeatActiveKnown || !in.HeatActive {
		return
	}
	switch s.state.(type) {
	case Off:
		if demand {
			return
		}
	case PumpOverrun:
	default:
		return
	}
	if !s.lastOffAt.IsZero() && in.Now.Sub(s.lastOffAt) < s.cfg.DesyncGrace {
		return
	}
	log.Warn().Str("state", s.state.Kind().String()).Msg("Heat source active while believed off, re-issuing turn off")
	if err := s.heat.TurnOff(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to turn heat source off")
	}
	s.lastOffAt = in.Now
}

// failsafeNeeded is evaluated against the state at the start of the pass.
func (s *Supervisor) failsafeNeeded(prev State, in Input, demand bool) bool {
	if s.cfg.SafetyRoom == "" || demand || !in.HeatActiveKnown || !in.HeatActive {
		return false
	}
	switch prev.Kind() {
	case KindPendingOff, KindPumpOverrun:
		return false
	}
	return true
}

func (s *Supervisor) cancelAll() {
	for _, k := range []timers.Key{timers.MinOn, timers.MinOff, timers.OffDelay, timers.PumpOverrun} {
		s.timers.CancelKey(k)
	}
}

// openPositions returns every non-zero commanded position merged over prior.
func openPositions(commanded, prior map[string]int) map[string]int {
	out := copyPositions(prior)
	for id, p := range commanded {
		if p <= 0 {
			continue
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[id] = p
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
