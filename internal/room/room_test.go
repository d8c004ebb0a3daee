package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/sensor"
	"github.com/dokzlo13/heatd/internal/target"
)

var (
	bands = config.ValveBandConfig{TLow: 0.30, TMid: 0.80, TMax: 1.50, Low: 40, Mid: 70, Max: 100, StepHysteresis: 0.05}
	hyst  = config.HysteresisConfig{OnDelta: 0.40, OffDelta: 0.10}
)

func f(v float64) *float64 { return &v }

func roomConfig() *config.RoomConfig {
	return &config.RoomConfig{
		ID:         "lounge",
		Hysteresis: hyst,
		Valve:      bands,
		Passive:    config.PassiveConfig{MaxTemp: 18, ValvePercent: 30},
	}
}

func TestDecideCalling(t *testing.T) {
	tests := []struct {
		name     string
		e        float64
		prev     bool
		changed  bool
		expected bool
	}{
		{"idle/above_on_delta", 0.5, false, false, true},
		{"idle/at_on_delta", 0.4, false, false, false},
		{"idle/inside_deadband", 0.2, false, false, false},
		{"calling/inside_deadband", 0.2, true, false, true},
		{"calling/at_off_delta", -0.1, true, false, true},
		{"calling/below_off_delta", -0.15, true, false, false},
		{"changed/small_positive", 0.0, false, true, true},
		{"changed/slight_overshoot", -0.05, false, true, true},
		{"changed/overshoot", -0.2, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DecideCalling(tt.e, tt.prev, tt.changed, hyst))
		})
	}
}

func TestDecideBand(t *testing.T) {
	tests := []struct {
		name     string
		e        float64
		prev     Band
		calling  bool
		expected Band
	}{
		{"not_calling", 2.0, Band3, false, Band0},
		{"rise/needs_step_hysteresis", 0.34, Band0, true, Band0},
		{"rise/clears_low", 0.36, Band0, true, Band1},
		{"rise/jumps_to_max", 1.6, Band0, true, Band3},
		{"rise/short_of_max", 1.52, Band1, true, Band2},
		{"hold/at_threshold", 1.5, Band3, true, Band3},
		{"fall/one_band_per_step", 0.2, Band3, true, Band2},
		{"fall/below_mid", 0.5, Band2, true, Band1},
		{"fall/below_low", 0.1, Band1, true, Band0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DecideBand(tt.e, tt.prev, tt.calling, bands))
		})
	}
}

func TestBandSweep(t *testing.T) {
	// drive the error up and back down and check the band never falls by more than one
	// tier per decision and is zero exactly when the room is not calling
	var errs []float64
	for e := -0.5; e <= 2.0; e += 0.01 {
		errs = append(errs, e)
	}
	for e := 2.0; e >= -0.5; e -= 0.01 {
		errs = append(errs, e)
	}

	calling, band := false, Band0
	for _, e := range errs {
		nextCalling := DecideCalling(e, calling, false, hyst)
		next := DecideBand(e, band, nextCalling, bands)
		if nextCalling {
			assert.GreaterOrEqual(t, int(next), int(band)-1, "e=%.2f", e)
		} else {
			assert.Equal(t, Band0, next, "e=%.2f", e)
		}
		calling, band = nextCalling, next
	}
	assert.False(t, calling)
}

func TestTargetChanged(t *testing.T) {
	assert.False(t, TargetChanged(nil, nil))
	assert.True(t, TargetChanged(nil, f(20)))
	assert.True(t, TargetChanged(f(20), nil))
	assert.False(t, TargetChanged(f(20), f(20.005)))
	assert.True(t, TargetChanged(f(20), f(20.5)))
}

func TestBandForPercent(t *testing.T) {
	assert.Equal(t, Band0, BandForPercent(0, bands))
	assert.Equal(t, Band1, BandForPercent(20, bands))
	assert.Equal(t, Band1, BandForPercent(40, bands))
	assert.Equal(t, Band2, BandForPercent(70, bands))
	assert.Equal(t, Band2, BandForPercent(90, bands))
	assert.Equal(t, Band3, BandForPercent(100, bands))
}

func input(temp float64, stale bool, tr target.Result) Input {
	return Input{Fused: sensor.Result{Value: temp, Stale: stale}, Target: tr}
}

func TestEvaluate(t *testing.T) {
	cfg := roomConfig()
	c := NewController()
	st := &State{ID: "lounge", Mode: config.ModeAuto}

	auto := target.Result{Target: f(20), Source: target.SourceSchedule}

	// cold room, fresh target
	out := c.Evaluate(st, cfg, input(18.0, false, auto))
	assert.True(t, out.Calling)
	assert.Equal(t, Band3, out.Band)
	assert.Equal(t, 100, out.Percent)
	assert.Equal(t, 18.0, st.Temperature)
	assert.True(t, st.Calling)

	// warming up inside the deadband keeps calling, dropping one band at a time
	out = c.Evaluate(st, cfg, input(19.9, false, auto))
	assert.True(t, out.Calling)
	assert.Equal(t, Band2, out.Band)
	out = c.Evaluate(st, cfg, input(19.9, false, auto))
	assert.Equal(t, Band1, out.Band)

	// overshoot stops the call
	out = c.Evaluate(st, cfg, input(20.2, false, auto))
	assert.False(t, out.Calling)
	assert.Equal(t, 0, out.Percent)

	// stale temperature never calls but keeps the last known value
	out = c.Evaluate(st, cfg, input(0, true, auto))
	assert.Equal(t, Output{}, out)
	assert.True(t, st.Stale)
	assert.Equal(t, 20.2, st.Temperature)

	// off mode
	out = c.Evaluate(st, cfg, input(15, false, target.Result{Source: target.SourceOff}))
	assert.Equal(t, Output{}, out)
	assert.Nil(t, st.Target)
}

func TestEvaluatePassive(t *testing.T) {
	cfg := roomConfig()
	c := NewController()
	st := &State{ID: "lounge", Mode: config.ModePassive, Calling: true, Band: Band2}

	passive := target.Result{Target: f(18), Source: target.SourcePassive, Passive: true, PassivePercent: 30}

	out := c.Evaluate(st, cfg, input(16, false, passive))
	assert.Equal(t, Output{Passive: true, Percent: 30}, out)
	assert.False(t, st.Calling)
	assert.Equal(t, Band0, st.Band)

	out = c.Evaluate(st, cfg, input(18, false, passive))
	assert.Equal(t, Output{Passive: true}, out)

	out = c.Evaluate(st, cfg, input(0, true, passive))
	assert.Equal(t, Output{Passive: true}, out)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	cfg := roomConfig()
	c := NewController()
	arena := NewArena()
	arena.Sync([]string{"lounge"}, func(string) string { return config.ModeAuto })

	st, _ := arena.Get("lounge")
	in := input(19.3, false, target.Result{Target: f(20), Source: target.SourceSchedule})
	first := c.Evaluate(st, cfg, in)

	snapshot := arena.Clone()
	second := c.Evaluate(st, cfg, in)

	assert.Equal(t, first, second)
	before, _ := snapshot.Get("lounge")
	after, _ := arena.Get("lounge")
	assert.Equal(t, before, after)
}

func TestArenaSync(t *testing.T) {
	arena := NewArena()
	modes := map[string]string{"lounge": config.ModeAuto, "study": config.ModeOff, "attic": config.ModeManual}
	defaultMode := func(id string) string { return modes[id] }

	arena.Sync([]string{"lounge", "study"}, defaultMode)
	require.Equal(t, 2, arena.Len())

	st, _ := arena.Get("lounge")
	st.Calling = true

	arena.Sync([]string{"attic", "lounge"}, defaultMode)
	assert.Equal(t, []string{"attic", "lounge"}, arena.IDs())
	_, ok := arena.Get("study")
	assert.False(t, ok)

	st, _ = arena.Get("lounge")
	assert.True(t, st.Calling, "memory survives a sync")
	attic, _ := arena.Get("attic")
	assert.Equal(t, config.ModeManual, attic.Mode)
}

func TestArenaSeed(t *testing.T) {
	arena := NewArena()
	arena.Sync([]string{"lounge", "study"}, func(string) string { return config.ModeAuto })

	arena.Seed("lounge", 70, bands)
	arena.Seed("study", 0, bands)
	arena.Seed("attic", 100, bands)

	lounge, _ := arena.Get("lounge")
	assert.True(t, lounge.Calling)
	assert.Equal(t, Band2, lounge.Band)
	assert.Equal(t, 70, lounge.Percent)

	study, _ := arena.Get("study")
	assert.False(t, study.Calling)
}
