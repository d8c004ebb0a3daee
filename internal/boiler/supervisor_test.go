package boiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/heatd/internal/clock"
	"github.com/dokzlo13/heatd/internal/device"
	"github.com/dokzlo13/heatd/internal/timers"
)

var t0 = time.Date(2026, time.January, 5, 6, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Setpoint:      60,
		MinOn:         180 * time.Second,
		MinOff:        180 * time.Second,
		OffDelay:      30 * time.Second,
		PumpOverrun:   300 * time.Second,
		DesyncGrace:   15 * time.Second,
		PendingOnWarn: 5 * time.Minute,
		MinValveOpen:  100,
		SafetyRoom:    "C",
		Tolerance:     5,
	}
}

// harness drives the supervisor with a perfect sequencer: every decided position is
// commanded and reported back before the next pass.
type harness struct {
	clk       *clock.Fake
	timers    *timers.Service
	heat      *device.FakeHeatSource
	sup       *Supervisor
	commanded map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	ts := timers.New(clk, nil)
	heat := device.NewFakeHeatSource()
	return &harness{
		clk:       clk,
		timers:    ts,
		heat:      heat,
		sup:       NewSupervisor(testConfig(), ts, heat, clk.Now()),
		commanded: map[string]int{"A": 0, "B": 0, "C": 0},
	}
}

func (h *harness) update(rooms ...Demand) Decision {
	in := Input{
		Now:             h.clk.Now(),
		Rooms:           rooms,
		Commanded:       copyPositions(h.commanded),
		Feedback:        copyPositions(h.commanded),
		Healthy:         map[string]bool{},
		HeatActive:      h.heat.Active(),
		HeatActiveKnown: true,
	}
	for _, r := range rooms {
		in.Healthy[r.ID] = true
	}
	d := h.sup.Update(context.Background(), in)
	for id, p := range d.Positions {
		h.commanded[id] = p
	}
	return d
}

func idle() []Demand {
	return []Demand{{ID: "A"}, {ID: "B"}, {ID: "C"}}
}

func heating() []Demand {
	return []Demand{{ID: "A", Calling: true, Percent: 80}, {ID: "B", Calling: true, Percent: 40}, {ID: "C"}}
}

// runningAt brings the supervisor to ON with A at 80% and B at 40%.
func (h *harness) runningAt(t *testing.T) {
	t.Helper()
	d := h.update(heating()...)
	require.Equal(t, KindPendingOn, d.State)
	d = h.update(heating()...)
	require.Equal(t, KindOn, d.State)
	require.True(t, h.heat.Active())
}

func TestApplyInterlock(t *testing.T) {
	tests := []struct {
		name      string
		rooms     []Demand
		healthy   map[string]bool
		minOpen   int
		positions map[string]int
		satisfied bool
	}{
		{
			name:      "three rooms forced to ceil(100/3)",
			rooms:     []Demand{{ID: "a", Calling: true, Percent: 30}, {ID: "b", Calling: true, Percent: 30}, {ID: "c", Calling: true, Percent: 0}},
			minOpen:   100,
			positions: map[string]int{"a": 34, "b": 34, "c": 34},
			satisfied: true,
		},
		{
			name:      "own percentages kept when sum is enough",
			rooms:     []Demand{{ID: "a", Calling: true, Percent: 70}, {ID: "b", Calling: true, Percent: 40}},
			minOpen:   100,
			positions: map[string]int{"a": 70, "b": 40},
			satisfied: true,
		},
		{
			name:      "single room clamped to 100",
			rooms:     []Demand{{ID: "a", Calling: true, Percent: 40}},
			minOpen:   150,
			positions: map[string]int{"a": 100},
			satisfied: false,
		},
		{
			name:      "non calling rooms untouched",
			rooms:     []Demand{{ID: "a", Calling: true, Percent: 40}, {ID: "p", Percent: 30}},
			minOpen:   100,
			positions: map[string]int{"a": 100, "p": 30},
			satisfied: true,
		},
		{
			name:      "no demand is never satisfied",
			rooms:     []Demand{{ID: "a"}},
			minOpen:   0,
			positions: map[string]int{"a": 0},
			satisfied: false,
		},
		{
			name:      "unhealthy actuator does not count",
			rooms:     []Demand{{ID: "a", Calling: true, Percent: 100}, {ID: "b", Calling: true, Percent: 50}},
			healthy:   map[string]bool{"b": true},
			minOpen:   100,
			positions: map[string]int{"a": 100, "b": 50},
			satisfied: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ApplyInterlock(tt.rooms, tt.healthy, tt.minOpen)
			assert.Equal(t, tt.positions, res.Positions)
			assert.Equal(t, tt.satisfied, res.Satisfied)
		})
	}
}

func TestOffToOnWaitsForFeedback(t *testing.T) {
	h := newHarness(t)

	d := h.update(heating()...)
	assert.Equal(t, KindPendingOn, d.State)
	assert.Equal(t, 0, h.heat.OnCalls)
	assert.Equal(t, 80, d.Positions["A"])

	d = h.update(heating()...)
	assert.Equal(t, KindOn, d.State)
	assert.Equal(t, 1, h.heat.OnCalls)
	assert.InDelta(t, 60.0, h.heat.Setpoint, 0.001)
	assert.True(t, h.timers.Running(timers.MinOn))
}

func TestOffToOnWhenAlreadyConfirmed(t *testing.T) {
	h := newHarness(t)
	h.commanded["A"] = 80
	h.commanded["B"] = 40

	d := h.update(heating()...)
	assert.Equal(t, KindOn, d.State)
	assert.Equal(t, KindOff, d.From)
}

func TestPendingOnStaysWhileFeedbackLags(t *testing.T) {
	h := newHarness(t)
	h.update(heating()...)

	in := Input{
		Now:             h.clk.Now(),
		Rooms:           heating(),
		Commanded:       map[string]int{"A": 80, "B": 40},
		Feedback:        map[string]int{"A": 80, "B": 10},
		Healthy:         map[string]bool{"A": true, "B": true},
		HeatActiveKnown: true,
	}
	d := h.sup.Update(context.Background(), in)
	assert.Equal(t, KindPendingOn, d.State)
	assert.Equal(t, ReasonFeedback, d.Reason)

	in.Feedback["B"] = 37
	d = h.sup.Update(context.Background(), in)
	assert.Equal(t, KindOn, d.State)
}

func TestPendingOnConfirmsAgainstLastCommanded(t *testing.T) {
	tests := []struct {
		name      string
		rooms     []Demand
		commanded map[string]int
		feedback  map[string]int
		want      Kind
	}{
		{
			name:      "desired_moved_after_command",
			rooms:     []Demand{{ID: "A", Calling: true, Percent: 100}, {ID: "B", Calling: true, Percent: 40}},
			commanded: map[string]int{"A": 80, "B": 40},
			feedback:  map[string]int{"A": 80, "B": 40},
			want:      KindOn,
		},
		{
			name:      "feedback_within_tolerance",
			rooms:     heating(),
			commanded: map[string]int{"A": 80, "B": 40},
			feedback:  map[string]int{"A": 76, "B": 44},
			want:      KindOn,
		},
		{
			name:      "calling_room_commanded_closed",
			rooms:     heating(),
			commanded: map[string]int{"A": 80, "B": 0},
			feedback:  map[string]int{"A": 80, "B": 0},
			want:      KindPendingOn,
		},
		{
			name:      "calling_room_never_commanded",
			rooms:     heating(),
			commanded: map[string]int{"A": 80},
			feedback:  map[string]int{"A": 80, "B": 40},
			want:      KindPendingOn,
		},
		{
			name:      "commanded_below_interlock_minimum",
			rooms:     heating(),
			commanded: map[string]int{"A": 40, "B": 20},
			feedback:  map[string]int{"A": 40, "B": 20},
			want:      KindPendingOn,
		},
		{
			name:      "feedback_missing",
			rooms:     heating(),
			commanded: map[string]int{"A": 80, "B": 40},
			feedback:  map[string]int{"A": 80},
			want:      KindPendingOn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.Equal(t, KindPendingOn, h.update(heating()...).State)

			d := h.sup.Update(context.Background(), Input{
				Now:             h.clk.Now(),
				Rooms:           tt.rooms,
				Commanded:       tt.commanded,
				Feedback:        tt.feedback,
				Healthy:         map[string]bool{"A": true, "B": true},
				HeatActiveKnown: true,
			})
			assert.Equal(t, tt.want, d.State)
			if tt.want == KindPendingOn {
				assert.Equal(t, ReasonFeedback, d.Reason)
			} else {
				assert.Equal(t, ReasonFeedbackOK, d.Reason)
			}
		})
	}
}

func TestOffToOnNeedsAnOpenFlowPath(t *testing.T) {
	h := newHarness(t)
	h.commanded["A"] = 80

	d := h.update(heating()...)
	assert.Equal(t, KindPendingOn, d.State)
	assert.Equal(t, 0, h.heat.OnCalls)

	d = h.update(heating()...)
	assert.Equal(t, KindOn, d.State)
}

func TestPendingOnWithoutDemandReturnsOff(t *testing.T) {
	h := newHarness(t)
	h.update(heating()...)

	d := h.update(idle()...)
	assert.Equal(t, KindOff, d.State)
	assert.Equal(t, 0, h.heat.OnCalls)
}

func TestPumpOverrunHoldsEveryOpenValve(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)

	d := h.update(idle()...)
	require.Equal(t, KindPendingOff, d.State)
	assert.Equal(t, 80, d.Positions["A"])
	assert.Equal(t, 40, d.Positions["B"])

	h.clk.Advance(30 * time.Second)
	d = h.update(idle()...)
	require.Equal(t, KindPendingOff, d.State, "min_on still running")
	assert.Equal(t, ReasonMinOn, d.Reason)
	assert.Equal(t, 0, h.heat.OffCalls)

	h.clk.Advance(150 * time.Second)
	d = h.update(idle()...)
	require.Equal(t, KindPumpOverrun, d.State)
	assert.Equal(t, 1, h.heat.OffCalls)
	assert.Equal(t, map[string]int{"A": 80, "B": 40}, h.sup.State().Positions())

	for elapsed := 30 * time.Second; elapsed < 300*time.Second; elapsed += 30 * time.Second {
		h.clk.Advance(30 * time.Second)
		d = h.update(idle()...)
		require.Equal(t, KindPumpOverrun, d.State)
		assert.Equal(t, 80, d.Positions["A"])
		assert.Equal(t, 40, d.Positions["B"])
		assert.Equal(t, 0, d.Positions["C"])
	}

	h.clk.Advance(30 * time.Second)
	d = h.update(idle()...)
	require.Equal(t, KindOff, d.State)
	assert.Equal(t, map[string]int{"A": 0, "B": 0, "C": 0}, d.Positions)
	assert.Nil(t, h.sup.State().Positions())
}

func TestPendingOffDemandResumes(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)

	h.update(idle()...)
	d := h.update(heating()...)
	assert.Equal(t, KindOn, d.State)
	assert.False(t, h.timers.Running(timers.OffDelay))
	assert.Equal(t, 1, h.heat.OnCalls)
}

func TestDemandDuringMinOffStaysInOverrun(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)
	h.update(idle()...)
	h.clk.Advance(180 * time.Second)
	d := h.update(idle()...)
	require.Equal(t, KindPumpOverrun, d.State)

	h.clk.Advance(60 * time.Second)
	d = h.update(heating()...)
	assert.Equal(t, KindPumpOverrun, d.State)
	assert.Equal(t, ReasonMinOff, d.Reason)
	assert.Equal(t, 1, h.heat.OnCalls)

	h.clk.Advance(119 * time.Second)
	d = h.update(heating()...)
	assert.Equal(t, KindPumpOverrun, d.State)

	h.clk.Advance(time.Second)
	d = h.update(heating()...)
	assert.Equal(t, KindOn, d.State)
	assert.Equal(t, 2, h.heat.OnCalls)
	assert.False(t, h.timers.Running(timers.PumpOverrun))
}

func TestOffBlockedByMinOff(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)
	h.update(idle()...)
	h.clk.Advance(180 * time.Second)
	h.update(idle()...)
	h.clk.Advance(300 * time.Second)
	require.Equal(t, KindOff, h.update(idle()...).State)

	// min_off has elapsed together with the overrun, restart one directly
	h.timers.Start(timers.MinOff, time.Minute)
	d := h.update(heating()...)
	assert.Equal(t, KindInterlockBlocked, d.State)
	assert.Equal(t, ReasonMinOff, d.Reason)
	assert.True(t, d.Persisting)
	assert.Equal(t, map[string]int{"A": 80, "B": 40}, h.sup.State().Positions())

	h.clk.Advance(time.Minute)
	d = h.update(heating()...)
	assert.Equal(t, KindOn, d.State)
}

func TestInterlockBlockedWithoutDemandReturnsOff(t *testing.T) {
	h := newHarness(t)
	h.timers.Start(timers.MinOff, time.Minute)
	require.Equal(t, KindInterlockBlocked, h.update(heating()...).State)

	d := h.update(idle()...)
	assert.Equal(t, KindOff, d.State)
}

func TestInterlockFailureWhileRunningForcesOverrun(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)

	in := Input{
		Now:             h.clk.Now(),
		Rooms:           heating(),
		Commanded:       copyPositions(h.commanded),
		Feedback:        map[string]int{"B": 40},
		Healthy:         map[string]bool{"B": true},
		HeatActive:      true,
		HeatActiveKnown: true,
	}
	d := h.sup.Update(context.Background(), in)
	assert.Equal(t, KindPumpOverrun, d.State)
	assert.Equal(t, ReasonInterlockTrip, d.Reason)
	assert.Equal(t, 1, h.heat.OffCalls)
	assert.Equal(t, map[string]int{"A": 80, "B": 40, "C": 0}, d.Positions)
	assert.Equal(t, map[string]int{"A": 80, "B": 40}, h.sup.State().Positions())
	assert.True(t, h.timers.Running(timers.MinOff))
	assert.False(t, h.timers.Running(timers.MinOn))
}

func TestFailsafeOpensSafetyRoom(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)

	d := h.update(idle()...)
	assert.True(t, d.Failsafe)
	assert.Equal(t, 100, d.Positions["C"])
	assert.Equal(t, KindPendingOff, d.State)

	// PENDING_OFF is transitional and already holds a flow path
	d = h.update(idle()...)
	assert.False(t, d.Failsafe)
	assert.Equal(t, 0, d.Positions["C"])
}

func TestFailsafeWhenHeatRunsBehindOff(t *testing.T) {
	h := newHarness(t)
	h.heat.SetActive(true)

	d := h.update(idle()...)
	assert.True(t, d.Failsafe)
	assert.Equal(t, 100, d.Positions["C"])
	assert.Equal(t, 1, h.heat.OffCalls, "reverse desync re-issues turn off")
	assert.False(t, h.heat.Active())
}

func TestDesyncResetsToOff(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)
	h.heat.SetActive(false)

	d := h.update(heating()...)
	assert.Equal(t, KindOn, d.State, "desync grace not yet elapsed")

	h.clk.Advance(15 * time.Second)
	d = h.update(heating()...)
	assert.Equal(t, KindOff, d.State)
	assert.Equal(t, ReasonDesync, d.Reason)
	assert.False(t, h.timers.Running(timers.MinOn))

	d = h.update(heating()...)
	assert.Equal(t, KindOn, d.State, "fresh start after desync")
	assert.Equal(t, 2, h.heat.OnCalls)
}

func TestOneTransitionPerUpdate(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)

	d := h.update(idle()...)
	assert.Equal(t, KindOn, d.From)
	assert.Equal(t, KindPendingOff, d.State)
	assert.True(t, d.Transitioned)

	d = h.update(idle()...)
	assert.False(t, d.Transitioned)
}

func TestExportRestore(t *testing.T) {
	h := newHarness(t)
	h.runningAt(t)
	h.update(idle()...)
	h.clk.Advance(180 * time.Second)
	require.Equal(t, KindPumpOverrun, h.update(idle()...).State)

	snap := h.sup.Export()
	assert.Equal(t, "pump_overrun", snap.State)
	assert.Contains(t, snap.Timers, timers.PumpOverrun)

	ts := timers.New(h.clk, nil)
	restored := NewSupervisor(testConfig(), ts, h.heat, h.clk.Now())
	restored.Restore(snap)

	assert.Equal(t, KindPumpOverrun, restored.State().Kind())
	assert.Equal(t, map[string]int{"A": 80, "B": 40}, restored.State().Positions())
	assert.Equal(t, 300*time.Second, ts.RemainingKey(timers.PumpOverrun))
	assert.True(t, ts.Running(timers.MinOff))
}
