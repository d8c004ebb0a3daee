package engine

import (
	"time"

	"github.com/dokzlo13/heatd/internal/boiler"
	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/room"
	"github.com/dokzlo13/heatd/internal/status"
	"github.com/dokzlo13/heatd/internal/target"
	"github.com/dokzlo13/heatd/internal/timers"
)

var reportedTimers = []timers.Key{timers.MinOn, timers.MinOff, timers.OffDelay, timers.PumpOverrun}

// Snapshot returns the result of the last pass.
func (e *Engine) Snapshot() status.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

func (e *Engine) buildSnapshot(cfg *config.Config, now time.Time, holiday bool, d boiler.Decision, overrides map[string]*target.Override, heatActive *bool) status.Snapshot {
	snap := status.Snapshot{
		At:      now,
		Pass:    e.pass,
		Holiday: holiday,
		Rooms:   make([]status.RoomStatus, 0, e.arena.Len()),
		Boiler: status.BoilerStatus{
			State:             d.State.String(),
			Reason:            d.Reason,
			Since:             e.supervisor.State().Since(),
			TotalValvePercent: d.Total,
			HeatActive:        heatActive,
			Persisted:         copyInts(e.supervisor.State().Positions()),
			Failsafe:          d.Failsafe,
		},
	}

	for _, k := range reportedTimers {
		if left := e.timers.RemainingKey(k); left > 0 {
			if snap.Boiler.Timers == nil {
				snap.Boiler.Timers = make(map[string]string)
			}
			snap.Boiler.Timers[string(k)] = left.Round(time.Second).String()
		}
	}

	for _, id := range e.arena.IDs() {
		st, _ := e.arena.Get(id)
		rs := roomStatus(st, d)
		if rc, ok := cfg.Room(id); ok {
			rs.Name = rc.Name
		}
		if act, ok := e.sequencer.Status(id); ok {
			if act.HasCommanded {
				rs.Commanded = intPtr(act.Commanded)
			}
			if act.FeedbackOK {
				rs.Feedback = intPtr(act.Feedback)
			}
			rs.ActuatorFault = act.Faulted
		}
		if ov := overrides[id]; ov != nil {
			rs.Override = &status.OverrideStatus{
				ID:        ov.ID,
				Target:    ov.Target,
				Status:    string(ov.StatusAt(now)),
				EndsAt:    ov.EndsAt,
				Remaining: ov.Left(now).Round(time.Second).String(),
			}
		}
		snap.Rooms = append(snap.Rooms, rs)
	}
	return snap
}

func roomStatus(st *room.State, d boiler.Decision) status.RoomStatus {
	rs := status.RoomStatus{
		ID:      st.ID,
		Mode:    st.Mode,
		Stale:   st.Stale,
		Source:  string(st.Source),
		Calling: st.Calling,
	}
	if st.Excluded != nil {
		rs.OperatingMode = status.OperatingExcluded
		rs.Error = st.Excluded.Error()
		return rs
	}

	if st.HasTemp {
		rs.Temperature = floatPtr(st.Temperature)
	}
	if st.Target != nil {
		rs.Target = floatPtr(*st.Target)
	}
	rs.ValvePercent = st.Percent
	if p, ok := d.Positions[st.ID]; ok {
		rs.ValvePercent = p
	}

	switch {
	case st.Mode == config.ModeOff:
		rs.OperatingMode = status.OperatingOff
	case st.Passive:
		rs.OperatingMode = status.OperatingPassive
	case st.Calling:
		rs.OperatingMode = status.OperatingHeating
	default:
		rs.OperatingMode = status.OperatingIdle
	}
	return rs
}

func copyInts(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
