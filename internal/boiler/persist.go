package boiler

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/timers"
)

// Snapshot is the durable form of the supervisor, stored between restarts.
type Snapshot struct {
	State     string                   `json:"state"`
	Reason    string                   `json:"reason"`
	Entered   time.Time                `json:"entered"`
	HeatOnAt  time.Time                `json:"heat_on_at,omitempty"`
	Positions map[string]int           `json:"positions,omitempty"`
	Timers    map[timers.Key]time.Time `json:"timers,omitempty"`
	LastOffAt time.Time                `json:"last_off_at,omitempty"`
}

// Export captures the current state and timer deadlines.
func (s *Supervisor) Export() Snapshot {
	snap := Snapshot{
		State:     s.state.Kind().String(),
		Reason:    s.reason,
		Entered:   s.state.Since(),
		Positions: copyPositions(s.state.Positions()),
		Timers:    s.timers.Deadlines(),
		LastOffAt: s.lastOffAt,
	}
	if at, ok := believesOn(s.state); ok {
		snap.HeatOnAt = at
	}
	return snap
}

// Restore rebuilds the state from a snapshot. Expired timer deadlines are dropped, so the
// next pass sees them as elapsed. Physical truth is reconciled by the desync check.
func (s *Supervisor) Restore(snap Snapshot) {
	kind, ok := ParseKind(snap.State)
	if !ok {
		log.Warn().Str("state", snap.State).Msg("Unknown boiler state in snapshot, starting off")
		return
	}

	positions := copyPositions(snap.Positions)
	switch kind {
	case KindOff:
		s.state = Off{Entered: snap.Entered}
	case KindPendingOn:
		s.state = PendingOn{Entered: snap.Entered}
	case KindOn:
		s.state = On{Entered: snap.Entered, HeatOnAt: snap.HeatOnAt}
	case KindPendingOff:
		s.state = PendingOff{Entered: snap.Entered, HeatOnAt: snap.HeatOnAt, Snapshot: positions}
	case KindPumpOverrun:
		s.state = PumpOverrun{Entered: snap.Entered, Persisted: positions}
	case KindInterlockBlocked:
		s.state = InterlockBlocked{Entered: snap.Entered, Reason: snap.Reason, Held: positions}
	}
	s.reason = ReasonRestored
	s.lastOffAt = snap.LastOffAt

	restored := 0
	for key, deadline := range snap.Timers {
		if _, ok := s.timers.Restore(key, deadline); ok {
			restored++
		}
	}
	log.Info().
		Str("state", kind.String()).
		Int("timers", restored).
		Int("persisted", len(positions)).
		Msg("Restored boiler state")
}
