package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Sensor roles
const (
	RolePrimary  = "primary"
	RoleFallback = "fallback"
)

// Room modes
const (
	ModeOff     = "off"
	ModeManual  = "manual"
	ModeAuto    = "auto"
	ModePassive = "passive"
)

var (
	ErrNoRooms        = errors.New("no rooms configured")
	ErrDuplicateRoom  = errors.New("duplicate room id")
	ErrUnknownRoom    = errors.New("unknown room")
	ErrNoSensors      = errors.New("room has no sensors")
	ErrInvalidMode    = errors.New("invalid mode: must be off, manual, auto or passive")
	ErrBadBands       = errors.New("valve band thresholds must satisfy t_low < t_mid < t_max")
	ErrDeadbandTooBig = errors.New("display deadband larger than off_delta")
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig                 `yaml:"log"`
	Database        DatabaseConfig            `yaml:"database"`
	Engine          EngineConfig              `yaml:"engine"`
	Boiler          BoilerConfig              `yaml:"boiler"`
	Actuator        ActuatorConfig            `yaml:"actuator"`
	Limits          LimitsConfig              `yaml:"limits"`
	Holiday         HolidayConfig             `yaml:"holiday"`
	Rooms           []RoomConfig              `yaml:"rooms"`
	Schedules       map[string]ScheduleConfig `yaml:"schedules"`
	MQTT            MQTTConfig                `yaml:"mqtt"`
	API             APIConfig                 `yaml:"api"`
	Script          ScriptConfig              `yaml:"script"`
	Simulator       SimulatorConfig           `yaml:"simulator"`
	Devices         DevicesConfig             `yaml:"devices"`
	ShutdownTimeout Duration                  `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// JournalRetention is how long journal entries are kept. Older entries are pruned at
	// startup and once a day.
	JournalRetention Duration `yaml:"journal_retention"`
}

// EngineConfig controls the recompute loop
type EngineConfig struct {
	PeriodicInterval Duration `yaml:"periodic_interval"`
	Timezone         string   `yaml:"timezone"`
	EventWorkers     int      `yaml:"event_workers"`
	EventQueueSize   int      `yaml:"event_queue_size"`
}

// BoilerConfig contains heat source supervision thresholds
type BoilerConfig struct {
	Setpoint            float64  `yaml:"setpoint"`
	MinOnTime           Duration `yaml:"min_on_time"`
	MinOffTime          Duration `yaml:"min_off_time"`
	OffDelay            Duration `yaml:"off_delay"`
	PumpOverrun         Duration `yaml:"pump_overrun"`
	MinValveOpenPercent int      `yaml:"min_valve_open_percent"`
	SafetyRoom          string   `yaml:"safety_room"`
	DesyncGrace         Duration `yaml:"desync_grace"`
	PendingOnWarn       Duration `yaml:"pending_on_warn"`
}

// ActuatorConfig contains command sequencing settings shared by all rooms
type ActuatorConfig struct {
	Tolerance       int      `yaml:"tolerance"`  // percent
	MaxRetries      int      `yaml:"max_retries"`
	RetryDelay      Duration `yaml:"retry_delay"`
	NominalSetpoint float64  `yaml:"nominal_setpoint"` // locked TRV setpoint
}

// LimitsConfig bounds user supplied targets
type LimitsConfig struct {
	MinTarget        float64 `yaml:"min_target"`
	MaxTarget        float64 `yaml:"max_target"`
	OverrideSentinel float64 `yaml:"override_sentinel"` // stored targets at or below mean "cleared"
}

// HolidayConfig contains holiday mode settings
type HolidayConfig struct {
	Enabled bool    `yaml:"enabled"`
	Target  float64 `yaml:"target"`
}

// RoomConfig is the immutable per-room configuration
type RoomConfig struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	Sensors        []SensorConfig   `yaml:"sensors"`
	Hysteresis     HysteresisConfig `yaml:"hysteresis"`
	Valve          ValveBandConfig  `yaml:"valve_bands"`
	Passive        PassiveConfig    `yaml:"passive"`
	RateLimit      Duration         `yaml:"rate_limit"`
	Precision      int              `yaml:"precision"`
	Smoothing      float64          `yaml:"smoothing"` // EMA alpha, 0 or 1 disables
	DefaultMode    string           `yaml:"default_mode"`
	ManualSetpoint float64          `yaml:"manual_setpoint"`
}

// SensorConfig references one temperature source
type SensorConfig struct {
	Entity  string   `yaml:"entity"`
	Role    string   `yaml:"role"`
	Timeout Duration `yaml:"timeout"`
}

// HysteresisConfig holds the asymmetric call-for-heat thresholds
type HysteresisConfig struct {
	OnDelta  float64 `yaml:"on_delta"`
	OffDelta float64 `yaml:"off_delta"`
}

// ValveBandConfig holds the stepped valve opening thresholds
type ValveBandConfig struct {
	TLow           float64 `yaml:"t_low"`
	TMid           float64 `yaml:"t_mid"`
	TMax           float64 `yaml:"t_max"`
	Low            int     `yaml:"low"`
	Mid            int     `yaml:"mid"`
	Max            int     `yaml:"max"`
	StepHysteresis float64 `yaml:"step_hysteresis"`
}

// PassiveConfig is used when a room is put in passive mode
type PassiveConfig struct {
	MaxTemp      float64 `yaml:"max_temp"`
	ValvePercent int     `yaml:"valve_percent"`
}

// ScheduleConfig is the weekly table of one room
type ScheduleConfig struct {
	DefaultTarget float64                  `yaml:"default_target"`
	Week          map[string][]BlockConfig `yaml:"week"` // monday..sunday (or mon..sun), all, weekdays, weekend
}

// BlockConfig is one scheduled block ("HH:MM" bounds, end exclusive, "24:00" allowed)
type BlockConfig struct {
	Start        string  `yaml:"start"`
	End          string  `yaml:"end"`
	Target       float64 `yaml:"target"`
	Mode         string  `yaml:"mode,omitempty"`
	ValvePercent *int    `yaml:"valve_percent,omitempty"`
}

// MQTTConfig contains status publication settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ScriptConfig points at optional Lua hooks
type ScriptConfig struct {
	Holiday string `yaml:"holiday"`
}

// SimulatorConfig tunes the built-in thermal simulation
type SimulatorConfig struct {
	Ambient     float64  `yaml:"ambient"`
	InitialTemp float64  `yaml:"initial_temp"`
	Tick        Duration `yaml:"tick"`
	Speedup     float64  `yaml:"speedup"`
}

// Device backends
const (
	BackendSim  = "sim"
	BackendMQTT = "mqtt"
)

// DevicesConfig selects where sensors, actuators and the heat source live
type DevicesConfig struct {
	Backend     string `yaml:"backend"`      // sim or mqtt
	TopicPrefix string `yaml:"topic_prefix"` // mqtt backend only
	QoS         byte   `yaml:"qos"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes configuration bytes, applies defaults and validates global settings.
// Per-room problems are reported by RoomConfig.Validate so a single bad room does not
// take the whole controller down.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./heatd.sqlite"
	}
	if cfg.Database.JournalRetention == 0 {
		cfg.Database.JournalRetention = Duration(30 * 24 * time.Hour)
	}

	// Engine defaults
	if cfg.Engine.PeriodicInterval == 0 {
		cfg.Engine.PeriodicInterval = Duration(60 * time.Second)
	}
	if cfg.Engine.Timezone == "" {
		cfg.Engine.Timezone = "Local"
	}
	if cfg.Engine.EventWorkers <= 0 {
		cfg.Engine.EventWorkers = 2
	}
	if cfg.Engine.EventQueueSize <= 0 {
		cfg.Engine.EventQueueSize = 100
	}

	// Boiler defaults
	if cfg.Boiler.Setpoint == 0 {
		cfg.Boiler.Setpoint = 30.0
	}
	if cfg.Boiler.MinOnTime == 0 {
		cfg.Boiler.MinOnTime = Duration(180 * time.Second)
	}
	if cfg.Boiler.MinOffTime == 0 {
		cfg.Boiler.MinOffTime = Duration(180 * time.Second)
	}
	if cfg.Boiler.OffDelay == 0 {
		cfg.Boiler.OffDelay = Duration(30 * time.Second)
	}
	if cfg.Boiler.PumpOverrun == 0 {
		cfg.Boiler.PumpOverrun = Duration(180 * time.Second)
	}
	if cfg.Boiler.MinValveOpenPercent == 0 {
		cfg.Boiler.MinValveOpenPercent = 100
	}
	if cfg.Boiler.DesyncGrace == 0 {
		cfg.Boiler.DesyncGrace = Duration(15 * time.Second)
	}
	if cfg.Boiler.PendingOnWarn == 0 {
		cfg.Boiler.PendingOnWarn = Duration(5 * time.Minute)
	}

	// Actuator defaults
	if cfg.Actuator.Tolerance == 0 {
		cfg.Actuator.Tolerance = 5
	}
	if cfg.Actuator.MaxRetries == 0 {
		cfg.Actuator.MaxRetries = 3
	}
	if cfg.Actuator.RetryDelay == 0 {
		cfg.Actuator.RetryDelay = Duration(2 * time.Second)
	}
	if cfg.Actuator.NominalSetpoint == 0 {
		cfg.Actuator.NominalSetpoint = 35.0
	}

	// Limits defaults
	if cfg.Limits.MinTarget == 0 {
		cfg.Limits.MinTarget = 5.0
	}
	if cfg.Limits.MaxTarget == 0 {
		cfg.Limits.MaxTarget = 35.0
	}
	if cfg.Limits.OverrideSentinel == 0 {
		cfg.Limits.OverrideSentinel = 5.0
	}

	if cfg.Holiday.Target == 0 {
		cfg.Holiday.Target = 15.0
	}

	for i := range cfg.Rooms {
		cfg.Rooms[i].applyDefaults()
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "heatd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "heatd"
	}

	// API defaults
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8090
	}

	// Simulator defaults
	if cfg.Simulator.Ambient == 0 {
		cfg.Simulator.Ambient = 8.0
	}
	if cfg.Simulator.InitialTemp == 0 {
		cfg.Simulator.InitialTemp = 17.0
	}
	if cfg.Simulator.Tick == 0 {
		cfg.Simulator.Tick = Duration(5 * time.Second)
	}
	if cfg.Simulator.Speedup == 0 {
		cfg.Simulator.Speedup = 1.0
	}

	if cfg.Devices.Backend == "" {
		cfg.Devices.Backend = BackendMQTT
	}
	if cfg.Devices.TopicPrefix == "" {
		cfg.Devices.TopicPrefix = "home/heating"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

func (r *RoomConfig) applyDefaults() {
	if r.Name == "" {
		r.Name = r.ID
	}
	for i := range r.Sensors {
		if r.Sensors[i].Role == "" {
			r.Sensors[i].Role = RolePrimary
		}
		if r.Sensors[i].Timeout == 0 {
			r.Sensors[i].Timeout = Duration(3 * time.Minute)
		}
	}
	if r.Hysteresis.OnDelta == 0 {
		r.Hysteresis.OnDelta = 0.40
	}
	if r.Hysteresis.OffDelta == 0 {
		r.Hysteresis.OffDelta = 0.10
	}
	if r.Valve.TLow == 0 && r.Valve.TMid == 0 && r.Valve.TMax == 0 {
		r.Valve.TLow, r.Valve.TMid, r.Valve.TMax = 0.30, 0.80, 1.50
	}
	if r.Valve.Low == 0 && r.Valve.Mid == 0 && r.Valve.Max == 0 {
		r.Valve.Low, r.Valve.Mid, r.Valve.Max = 40, 70, 100
	}
	if r.Valve.StepHysteresis == 0 {
		r.Valve.StepHysteresis = 0.05
	}
	if r.Passive.MaxTemp == 0 {
		r.Passive.MaxTemp = 18.0
	}
	if r.Passive.ValvePercent == 0 {
		r.Passive.ValvePercent = 30
	}
	if r.RateLimit == 0 {
		r.RateLimit = Duration(30 * time.Second)
	}
	if r.Precision <= 0 {
		r.Precision = 1
	}
	if r.DefaultMode == "" {
		r.DefaultMode = ModeAuto
	}
	if r.ManualSetpoint == 0 {
		r.ManualSetpoint = 20.0
	}
}

// Validate checks the settings whose failure makes the whole configuration unusable.
func (cfg *Config) Validate() error {
	if len(cfg.Rooms) == 0 {
		return ErrNoRooms
	}
	seen := make(map[string]bool, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		if r.ID == "" {
			return fmt.Errorf("room without id")
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateRoom, r.ID)
		}
		seen[r.ID] = true
	}
	if cfg.Boiler.SafetyRoom != "" && !seen[cfg.Boiler.SafetyRoom] {
		return fmt.Errorf("boiler.safety_room: %w: %s", ErrUnknownRoom, cfg.Boiler.SafetyRoom)
	}
	if cfg.Boiler.MinValveOpenPercent < 0 || cfg.Boiler.MinValveOpenPercent > 100*len(cfg.Rooms) {
		return fmt.Errorf("boiler.min_valve_open_percent out of range: %d", cfg.Boiler.MinValveOpenPercent)
	}
	if cfg.Limits.MinTarget >= cfg.Limits.MaxTarget {
		return fmt.Errorf("limits.min_target must be below limits.max_target")
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	if cfg.Devices.Backend != BackendSim && cfg.Devices.Backend != BackendMQTT {
		return fmt.Errorf("devices.backend: unknown backend %q", cfg.Devices.Backend)
	}
	if cfg.Database.JournalRetention < 0 {
		return fmt.Errorf("database.journal_retention must not be negative")
	}
	if cfg.Devices.QoS > 2 {
		return fmt.Errorf("devices.qos must be 0, 1 or 2")
	}
	return nil
}

// Validate checks one room. Invalid rooms are excluded from control cycles.
func (r *RoomConfig) Validate() error {
	if len(r.Sensors) == 0 {
		return ErrNoSensors
	}
	for _, s := range r.Sensors {
		if s.Entity == "" {
			return fmt.Errorf("sensor without entity")
		}
		if s.Role != RolePrimary && s.Role != RoleFallback {
			return fmt.Errorf("sensor %s: invalid role %q", s.Entity, s.Role)
		}
	}
	if r.Hysteresis.OnDelta < 0 || r.Hysteresis.OffDelta < 0 {
		return fmt.Errorf("hysteresis deltas must be non-negative")
	}
	if !(r.Valve.TLow < r.Valve.TMid && r.Valve.TMid < r.Valve.TMax) {
		return ErrBadBands
	}
	for _, p := range []int{r.Valve.Low, r.Valve.Mid, r.Valve.Max, r.Passive.ValvePercent} {
		if p < 0 || p > 100 {
			return fmt.Errorf("valve percent out of range: %d", p)
		}
	}
	if r.Smoothing < 0 || r.Smoothing > 1 {
		return fmt.Errorf("smoothing alpha out of range: %v", r.Smoothing)
	}
	if r.Deadband() > r.Hysteresis.OffDelta {
		return fmt.Errorf("%w: %.3f > %.3f", ErrDeadbandTooBig, r.Deadband(), r.Hysteresis.OffDelta)
	}
	if !ValidMode(r.DefaultMode) {
		return ErrInvalidMode
	}
	return nil
}

// Deadband is half a display precision unit.
func (r *RoomConfig) Deadband() float64 {
	return 0.5 * math.Pow(10, -float64(r.Precision))
}

// Room returns the configuration for a room id.
func (cfg *Config) Room(id string) (*RoomConfig, bool) {
	for i := range cfg.Rooms {
		if cfg.Rooms[i].ID == id {
			return &cfg.Rooms[i], true
		}
	}
	return nil, false
}

// RoomIDs returns room ids in configuration order.
func (cfg *Config) RoomIDs() []string {
	ids := make([]string, 0, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		ids = append(ids, r.ID)
	}
	return ids
}

// Location resolves engine.timezone.
func (cfg *Config) Location() (*time.Location, error) {
	return time.LoadLocation(cfg.Engine.Timezone)
}

// ValidMode reports whether m is a known room mode.
func ValidMode(m string) bool {
	switch m {
	case ModeOff, ModeManual, ModeAuto, ModePassive:
		return true
	}
	return false
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
