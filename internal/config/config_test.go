package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
rooms:
  - id: lounge
    sensors:
      - entity: lounge_temp
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 60*time.Second, cfg.Engine.PeriodicInterval.Duration())
	assert.Equal(t, 180*time.Second, cfg.Boiler.MinOnTime.Duration())
	assert.Equal(t, 30*time.Second, cfg.Boiler.OffDelay.Duration())
	assert.Equal(t, 100, cfg.Boiler.MinValveOpenPercent)
	assert.Equal(t, 5, cfg.Actuator.Tolerance)
	assert.Equal(t, 3, cfg.Actuator.MaxRetries)
	assert.Equal(t, 5.0, cfg.Limits.OverrideSentinel)
	assert.Equal(t, BackendMQTT, cfg.Devices.Backend)
	assert.Equal(t, 30*24*time.Hour, cfg.Database.JournalRetention.Duration())
	assert.Equal(t, 8090, cfg.API.Port)

	r, ok := cfg.Room("lounge")
	require.True(t, ok)
	assert.Equal(t, "lounge", r.Name)
	assert.Equal(t, RolePrimary, r.Sensors[0].Role)
	assert.Equal(t, 3*time.Minute, r.Sensors[0].Timeout.Duration())
	assert.Equal(t, 0.40, r.Hysteresis.OnDelta)
	assert.Equal(t, 0.10, r.Hysteresis.OffDelta)
	assert.Equal(t, ValveBandConfig{TLow: 0.30, TMid: 0.80, TMax: 1.50, Low: 40, Mid: 70, Max: 100, StepHysteresis: 0.05}, r.Valve)
	assert.Equal(t, 1, r.Precision)
	assert.Equal(t, ModeAuto, r.DefaultMode)
	assert.NoError(t, r.Validate())

	_, ok = cfg.Room("attic")
	assert.False(t, ok)
	assert.Equal(t, []string{"lounge"}, cfg.RoomIDs())
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("HEATD_TEST_BROKER", "tcp://broker:1883")
	cfg, err := Parse([]byte(minimal + `
mqtt:
  broker: ${HEATD_TEST_BROKER}
  client_id: ${HEATD_TEST_UNSET:fallback}
`))
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "fallback", cfg.MQTT.ClientID)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		errIs error
	}{
		{"no_rooms", `engine: {timezone: UTC}`, ErrNoRooms},
		{"duplicate_room", minimal + minimal[len("\nrooms:\n"):], ErrDuplicateRoom},
		{"unknown_safety_room", minimal + "boiler: {safety_room: attic}\n", ErrUnknownRoom},
		{"bad_duration", minimal + "boiler: {min_on_time: soon}\n", nil},
		{"bad_timezone", minimal + "engine: {timezone: Mars/Olympus}\n", nil},
		{"bad_backend", minimal + "devices: {backend: zigbee}\n", nil},
		{"negative_retention", minimal + "database: {journal_retention: -1h}\n", nil},
		{"limits_inverted", minimal + "limits: {min_target: 25, max_target: 20}\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestRoomValidate(t *testing.T) {
	valid := func() RoomConfig {
		r := RoomConfig{ID: "lounge", Sensors: []SensorConfig{{Entity: "lounge_temp"}}}
		r.applyDefaults()
		return r
	}

	tests := []struct {
		name   string
		mutate func(r *RoomConfig)
		errIs  error
	}{
		{"ok", func(r *RoomConfig) {}, nil},
		{"no_sensors", func(r *RoomConfig) { r.Sensors = nil }, ErrNoSensors},
		{"bands_out_of_order", func(r *RoomConfig) { r.Valve.TMid = 2 }, ErrBadBands},
		{"deadband_larger_than_off_delta", func(r *RoomConfig) { r.Hysteresis.OffDelta = 0.01 }, ErrDeadbandTooBig},
		{"bad_default_mode", func(r *RoomConfig) { r.DefaultMode = "eco" }, ErrInvalidMode},
		{"bad_role", func(r *RoomConfig) { r.Sensors[0].Role = "backup" }, nil},
		{"valve_over_100", func(r *RoomConfig) { r.Valve.Max = 120 }, nil},
		{"smoothing_out_of_range", func(r *RoomConfig) { r.Smoothing = 1.5 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			if tt.name == "ok" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestHolderStagesUntilSwap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(path, cfg)
	assert.False(t, h.Swap())

	require.NoError(t, os.WriteFile(path, []byte(minimal+"holiday: {target: 12}\n"), 0o600))
	require.NoError(t, h.Reload())
	assert.Equal(t, 15.0, h.Current().Holiday.Target, "reload only stages")

	assert.True(t, h.Swap())
	assert.Equal(t, 12.0, h.Current().Holiday.Target)
	assert.False(t, h.Swap())

	// a broken file keeps the running configuration
	require.NoError(t, os.WriteFile(path, []byte("rooms: ["), 0o600))
	assert.Error(t, h.Reload())
	assert.False(t, h.Swap())
	assert.Equal(t, 12.0, h.Current().Holiday.Target)
}
