package target

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/schedule"
)

var now = time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

var limits = config.LimitsConfig{MinTarget: 5, MaxTarget: 30, OverrideSentinel: 5}

func f(v float64) *float64 { return &v }

func TestRequestValidate(t *testing.T) {
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		req  Request
		err  error
	}{
		{"target_and_minutes", Request{Target: f(21), Minutes: f(30)}, nil},
		{"delta_and_end_time", Request{Delta: f(-1), EndTime: &future}, nil},
		{"both_temperatures", Request{Target: f(21), Delta: f(1), Minutes: f(30)}, ErrTemperatureExclusive},
		{"no_temperature", Request{Minutes: f(30)}, ErrTemperatureExclusive},
		{"both_durations", Request{Target: f(21), Minutes: f(30), EndTime: &future}, ErrDurationExclusive},
		{"no_duration", Request{Target: f(21)}, ErrDurationExclusive},
		{"zero_minutes", Request{Target: f(21), Minutes: f(0)}, ErrInvalidDuration},
		{"end_in_past", Request{Target: f(21), EndTime: &past}, ErrEndInPast},
		{"end_now", Request{Target: f(21), EndTime: &now}, ErrEndInPast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(now)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBuildOverride(t *testing.T) {
	t.Run("absolute", func(t *testing.T) {
		ov, err := BuildOverride(Request{Room: "lounge", Target: f(22), Minutes: f(90)}, 18, limits, now)
		require.NoError(t, err)
		assert.Equal(t, 22.0, ov.Target)
		assert.Equal(t, now.Add(90*time.Minute), ov.EndsAt)
		assert.Equal(t, now, ov.CreatedAt)
		assert.NotEmpty(t, ov.ID)
		assert.False(t, ov.Paused)
	})

	t.Run("delta_resolved_once", func(t *testing.T) {
		ov, err := BuildOverride(Request{Room: "lounge", Delta: f(1.5), Minutes: f(30)}, 18, limits, now)
		require.NoError(t, err)
		assert.Equal(t, 19.5, ov.Target)
	})

	t.Run("clamped_to_max", func(t *testing.T) {
		ov, err := BuildOverride(Request{Room: "lounge", Delta: f(20), Minutes: f(30)}, 18, limits, now)
		require.NoError(t, err)
		assert.Equal(t, 30.0, ov.Target)
	})

	t.Run("at_sentinel_rejected", func(t *testing.T) {
		_, err := BuildOverride(Request{Room: "lounge", Delta: f(-20), Minutes: f(30)}, 18, limits, now)
		assert.ErrorIs(t, err, ErrTargetTooLow)
	})

	t.Run("end_time", func(t *testing.T) {
		end := now.Add(2 * time.Hour)
		ov, err := BuildOverride(Request{Room: "lounge", Target: f(21), EndTime: &end}, 18, limits, now)
		require.NoError(t, err)
		assert.Equal(t, end, ov.EndsAt)
	})

	t.Run("unique_ids", func(t *testing.T) {
		a, err := BuildOverride(Request{Room: "lounge", Target: f(21), Minutes: f(1)}, 18, limits, now)
		require.NoError(t, err)
		b, err := BuildOverride(Request{Room: "lounge", Target: f(21), Minutes: f(1)}, 18, limits, now)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestPauseResume(t *testing.T) {
	ov := Override{Target: 21, EndsAt: now.Add(time.Hour)}
	assert.Equal(t, StatusActive, ov.StatusAt(now))

	paused := ov.Pause(now.Add(20 * time.Minute))
	assert.Equal(t, StatusPaused, paused.StatusAt(now.Add(3*time.Hour)))
	assert.Equal(t, 40*time.Minute, paused.Left(now.Add(3*time.Hour)))
	assert.Equal(t, paused, paused.Pause(now.Add(30*time.Minute)), "pause is idempotent")

	resumed := paused.Resume(now.Add(2 * time.Hour))
	assert.Equal(t, StatusActive, resumed.StatusAt(now.Add(2*time.Hour)))
	assert.Equal(t, now.Add(2*time.Hour+40*time.Minute), resumed.EndsAt)
	assert.Equal(t, StatusExpired, resumed.StatusAt(now.Add(2*time.Hour+40*time.Minute)))
	assert.Equal(t, time.Duration(0), resumed.Left(now.Add(5*time.Hour)))
	assert.Equal(t, resumed, resumed.Resume(now), "resume of an active override is a no-op")
}

func newTargetResolver(t *testing.T) (*Resolver, *config.RoomConfig) {
	t.Helper()
	table, err := schedule.NewTable(config.ScheduleConfig{
		DefaultTarget: 16,
		Week: map[string][]config.BlockConfig{
			"sat": {
				{Start: "10:00", End: "14:00", Target: 20},
				{Start: "14:00", End: "18:00", Target: 17, Mode: config.ModePassive},
			},
		},
	})
	require.NoError(t, err)
	sched := schedule.NewResolverWithTables(map[string]*schedule.Table{"lounge": table}, time.UTC, 12)
	rc := &config.RoomConfig{ID: "lounge", Passive: config.PassiveConfig{MaxTemp: 18, ValvePercent: 30}}
	return NewResolver(sched, limits.OverrideSentinel), rc
}

func TestResolvePrecedence(t *testing.T) {
	r, rc := newTargetResolver(t)
	live := &Override{Target: 23, EndsAt: now.Add(time.Hour)}
	expired := &Override{Target: 23, EndsAt: now}
	cleared := &Override{Target: 5, EndsAt: now.Add(time.Hour)}
	long := &Override{Target: 23, EndsAt: now.Add(6 * time.Hour)}
	paused := (&Override{Target: 22, EndsAt: now.Add(time.Hour)}).Pause(now)

	tests := []struct {
		name    string
		in      Input
		target  *float64
		source  Source
		passive bool
		percent int
	}{
		{"off_beats_everything", Input{Mode: config.ModeOff, Override: live, Holiday: true}, nil, SourceOff, false, 0},
		{"manual_beats_override", Input{Mode: config.ModeManual, ManualSetpoint: 19, Override: live}, f(19), SourceManual, false, 0},
		{"passive_mode_beats_override", Input{Mode: config.ModePassive, Override: live}, f(18), SourcePassive, true, 30},
		{"override_beats_schedule", Input{Mode: config.ModeAuto, Override: live}, f(23), SourceOverride, false, 0},
		{"override_beats_holiday", Input{Mode: config.ModeAuto, Override: live, Holiday: true}, f(23), SourceOverride, false, 0},
		{"paused_override_holds", Input{Mode: config.ModeAuto, Override: &paused}, f(22), SourceOverride, false, 0},
		{"expired_falls_through", Input{Mode: config.ModeAuto, Override: expired}, f(20), SourceSchedule, false, 0},
		{"sentinel_falls_through", Input{Mode: config.ModeAuto, Override: cleared}, f(20), SourceSchedule, false, 0},
		{"holiday", Input{Mode: config.ModeAuto, Holiday: true}, f(12), SourceHoliday, false, 0},
		{"schedule_gap", Input{Mode: config.ModeAuto, Now: now.Add(7 * time.Hour)}, f(16), SourceDefault, false, 0},
		{"passive_block", Input{Mode: config.ModeAuto, Now: now.Add(3 * time.Hour)}, f(17), SourceSchedule, true, 30},
		{"override_beats_passive_block", Input{Mode: config.ModeAuto, Now: now.Add(3 * time.Hour), Override: long}, f(23), SourceOverride, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.Room = rc
			if in.Now.IsZero() {
				in.Now = now
			}
			res, err := r.Resolve(in)
			require.NoError(t, err)
			assert.Equal(t, tt.source, res.Source)
			assert.Equal(t, tt.passive, res.Passive)
			assert.Equal(t, tt.percent, res.PassivePercent)
			if tt.target == nil {
				assert.False(t, res.HasTarget())
				return
			}
			require.True(t, res.HasTarget())
			assert.Equal(t, *tt.target, *res.Target)
		})
	}
}

func TestScheduledTargetIgnoresOverride(t *testing.T) {
	r, _ := newTargetResolver(t)

	got, err := r.ScheduledTarget("lounge", now, false)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got)

	_, err = r.ScheduledTarget("attic", now, false)
	assert.ErrorIs(t, err, schedule.ErrNoSchedule)
}
