package room

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/sensor"
	"github.com/dokzlo13/heatd/internal/target"
)

// State is the runtime memory of one room, carried across cycles.
type State struct {
	ID          string
	Mode        string
	Temperature float64
	HasTemp     bool
	Stale       bool
	Target      *float64
	Source      target.Source
	Calling     bool
	Band        Band
	Percent     int
	Passive     bool
	Excluded    error // set when the room could not be evaluated this cycle
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	if s.Target != nil {
		t := *s.Target
		c.Target = &t
	}
	return &c
}

// Arena holds exactly one State per configured room.
type Arena struct {
	rooms map[string]*State
	order []string
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{rooms: make(map[string]*State)}
}

// Sync makes the arena contain exactly ids, keeping existing memory and dropping rooms that
// are no longer configured. New rooms start in defaultMode(id).
func (a *Arena) Sync(ids []string, defaultMode func(id string) string) {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
		if _, ok := a.rooms[id]; !ok {
			a.rooms[id] = &State{ID: id, Mode: defaultMode(id)}
		}
	}
	for id := range a.rooms {
		if !keep[id] {
			delete(a.rooms, id)
		}
	}
	a.order = append(a.order[:0], ids...)
}

// Get returns the state of a room.
func (a *Arena) Get(id string) (*State, bool) {
	s, ok := a.rooms[id]
	return s, ok
}

// IDs returns room ids in configuration order.
func (a *Arena) IDs() []string {
	return append([]string(nil), a.order...)
}

// Len returns the number of rooms.
func (a *Arena) Len() int { return len(a.rooms) }

// Clone deep-copies the arena.
func (a *Arena) Clone() *Arena {
	c := NewArena()
	for id, s := range a.rooms {
		c.rooms[id] = s.Clone()
	}
	c.order = append([]string(nil), a.order...)
	return c
}

// Seed restores memory from the actuator's reported opening after a restart. A room whose
// valve was open is assumed to have been calling.
func (a *Arena) Seed(id string, feedbackPercent int, v config.ValveBandConfig) {
	s, ok := a.rooms[id]
	if !ok || feedbackPercent <= 0 {
		return
	}
	s.Calling = true
	s.Band = BandForPercent(feedbackPercent, v)
	s.Percent = feedbackPercent
	log.Info().Str("room", id).Int("feedback", feedbackPercent).Int("band", int(s.Band)).Msg("Seeded room from actuator feedback")
}

// Input is one cycle's view of a room.
type Input struct {
	Fused  sensor.Result // already rounded
	Target target.Result
}

// Output is the room's demand for this cycle.
type Output struct {
	Calling bool
	Percent int
	Band    Band
	Passive bool
}

// Controller evaluates rooms.
type Controller struct{}

// NewController creates a room controller.
func NewController() *Controller { return &Controller{} }

// Evaluate updates st from in and returns the room's demand.
func (c *Controller) Evaluate(st *State, cfg *config.RoomConfig, in Input) Output {
	prevTarget := st.Target

	st.Stale = in.Fused.Stale
	st.HasTemp = !in.Fused.Stale
	if st.HasTemp {
		st.Temperature = in.Fused.Value
	}
	st.Target = copyPtr(in.Target.Target)
	st.Source = in.Target.Source
	st.Passive = in.Target.Passive
	st.Excluded = nil

	var out Output
	switch {
	case in.Target.Passive:
		out = evaluatePassive(st, in.Target)
	case !in.Target.HasTarget() || st.Stale:
		out = Output{}
	default:
		e := *in.Target.Target - st.Temperature
		changed := TargetChanged(prevTarget, in.Target.Target)
		calling := DecideCalling(e, st.Calling, changed, cfg.Hysteresis)
		band := DecideBand(e, st.Band, calling, cfg.Valve)
		out = Output{Calling: calling, Band: band, Percent: band.Percent(cfg.Valve)}

		if calling != st.Calling {
			log.Info().
				Str("room", st.ID).
				Bool("calling", calling).
				Float64("error", e).
				Bool("target_changed", changed).
				Msg("Call-for-heat changed")
		}
	}

	st.Calling = out.Calling
	st.Band = out.Band
	st.Percent = out.Percent
	return out
}

// evaluatePassive opens the valve to a fixed percentage below the ceiling. Passive rooms
// never call for heat.
func evaluatePassive(st *State, t target.Result) Output {
	out := Output{Passive: true}
	if !st.Stale && t.Target != nil && st.Temperature < *t.Target {
		out.Percent = t.PassivePercent
	}
	return out
}

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
