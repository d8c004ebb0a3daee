// Package engine runs heatd's recompute pass. Inputs (sensor updates, commands, timer expiry,
// actuator verification) only request a pass; a single loop runs passes one at a time and
// coalesces requests that arrive while a pass is running into one follow-up pass.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/actuator"
	"github.com/dokzlo13/heatd/internal/boiler"
	"github.com/dokzlo13/heatd/internal/clock"
	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/device"
	"github.com/dokzlo13/heatd/internal/eventbus"
	"github.com/dokzlo13/heatd/internal/ledger"
	"github.com/dokzlo13/heatd/internal/room"
	"github.com/dokzlo13/heatd/internal/schedule"
	"github.com/dokzlo13/heatd/internal/sensor"
	"github.com/dokzlo13/heatd/internal/status"
	"github.com/dokzlo13/heatd/internal/storage"
	"github.com/dokzlo13/heatd/internal/target"
	"github.com/dokzlo13/heatd/internal/timers"
)

// boilerID is the resource id of the supervisor snapshot and the engine flags.
const boilerID = "main"

// HolidayHook decides holiday mode from local time.
type HolidayHook interface {
	IsHoliday(t time.Time) (bool, error)
}

// Deps are the collaborators of the engine. Store, Publisher, Holiday and Journal are
// optional.
type Deps struct {
	Config    *config.Holder
	Clock     clock.Clock
	Sensors   device.SensorReader
	Actuators device.ActuatorDriver
	Heat      device.HeatSourceDriver
	Overrides storage.OverrideStore
	Store     *storage.Store
	Publisher status.Publisher
	Holiday   HolidayHook
	Journal   *ledger.Ledger
}

// Engine owns all control state. Fields below passMu are only touched inside a pass (or
// during Start/Stop, which take the same lock).
type Engine struct {
	holder    *config.Holder
	clock     clock.Clock
	sensors   device.SensorReader
	heat      device.HeatSourceDriver
	overrides storage.OverrideStore
	publisher status.Publisher
	hook      HolidayHook
	journal   *ledger.Ledger

	modeStore   *storage.Typed[storage.RoomMode]
	boilerStore *storage.Typed[boiler.Snapshot]
	flagStore   *storage.Typed[storage.Flags]

	trigger chan struct{}

	mu            sync.Mutex
	pendingVerify map[string]struct{}
	modes         map[string]storage.RoomMode
	holiday       bool
	lastSensor    map[string]float64
	snapshot      status.Snapshot
	targets       *target.Resolver
	schedules     *schedule.Resolver

	passMu     sync.Mutex
	pass       uint64
	cfg        *config.Config
	roomErrs   map[string]error
	arena      *room.Arena
	controller *room.Controller
	smoother   *sensor.Smoother
	timers     *timers.Service
	supervisor *boiler.Supervisor
	sequencer  *actuator.Sequencer
}

// New creates an engine for the holder's current configuration.
func New(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Publisher == nil {
		d.Publisher = status.NopPublisher{}
	}

	cfg := d.Config.Current()
	e := &Engine{
		holder:        d.Config,
		clock:         d.Clock,
		sensors:       d.Sensors,
		heat:          d.Heat,
		overrides:     d.Overrides,
		publisher:     d.Publisher,
		hook:          d.Holiday,
		journal:       d.Journal,
		trigger:       make(chan struct{}, 1),
		pendingVerify: make(map[string]struct{}),
		modes:         make(map[string]storage.RoomMode),
		lastSensor:    make(map[string]float64),
		arena:         room.NewArena(),
		controller:    room.NewController(),
		smoother:      sensor.NewSmoother(),
	}
	if d.Store != nil {
		e.modeStore = storage.NewTyped[storage.RoomMode](d.Store, storage.KindRoomMode)
		e.boilerStore = storage.NewTyped[boiler.Snapshot](d.Store, storage.KindBoiler)
		e.flagStore = storage.NewTyped[storage.Flags](d.Store, storage.KindEngine)
	}

	e.timers = timers.New(d.Clock, func(k timers.Key) {
		e.Submit(eventbus.Event{Type: eventbus.EventTypeTimer, At: e.clock.Now()})
	})
	e.supervisor = boiler.NewSupervisor(boiler.ConfigFrom(cfg), e.timers, d.Heat, d.Clock.Now())
	e.sequencer = actuator.New(d.Clock, d.Actuators, actuator.ConfigFrom(cfg), func(id string) {
		e.Submit(eventbus.Event{Type: eventbus.EventTypeVerify, Room: id, At: e.clock.Now()})
	})

	e.applyConfig(cfg)
	return e
}

// applyConfig rebuilds everything derived from the configuration. Room memory survives for
// rooms that are still configured.
func (e *Engine) applyConfig(cfg *config.Config) {
	schedules, schedErrs := schedule.NewResolver(cfg)
	targets := target.NewResolver(schedules, cfg.Limits.OverrideSentinel)

	roomErrs := make(map[string]error)
	for i := range cfg.Rooms {
		rc := &cfg.Rooms[i]
		if err := rc.Validate(); err != nil {
			roomErrs[rc.ID] = err
			continue
		}
		if err, ok := schedErrs[rc.ID]; ok {
			roomErrs[rc.ID] = err
		}
	}
	for id, err := range roomErrs {
		log.Error().Err(err).Str("room", id).Msg("Room configuration invalid, excluding from control")
	}

	e.cfg = cfg
	e.roomErrs = roomErrs
	e.arena.Sync(cfg.RoomIDs(), func(id string) string {
		if rc, ok := cfg.Room(id); ok {
			return rc.DefaultMode
		}
		return config.ModeAuto
	})
	e.supervisor.SetConfig(boiler.ConfigFrom(cfg))
	e.sequencer.SetConfig(actuator.ConfigFrom(cfg))

	e.mu.Lock()
	e.schedules = schedules
	e.targets = targets
	e.mu.Unlock()
}

// Start prepares the physical side before the first pass: actuator setpoints are locked,
// room and actuator memory is seeded from reported positions, and persisted state is
// restored.
func (e *Engine) Start(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	if err := e.sequencer.LockAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Some actuator setpoints could not be locked")
	}

	feedback, _ := e.sequencer.ReadFeedback(ctx)
	for id, fb := range feedback {
		e.sequencer.Seed(id, fb)
		if rc, ok := e.cfg.Room(id); ok {
			e.arena.Seed(id, fb, rc.Valve)
		}
	}

	return e.restore()
}

func (e *Engine) restore() error {
	if e.modeStore == nil {
		return nil
	}

	modes, err := e.modeStore.All()
	if err != nil {
		return err
	}
	flags, _, err := e.flagStore.Load(boilerID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for id, m := range modes {
		e.modes[id] = m
	}
	e.holiday = flags.Holiday
	e.mu.Unlock()

	snap, found, err := e.boilerStore.Load(boilerID)
	if err != nil {
		return err
	}
	if found {
		e.supervisor.Restore(snap)
	}

	log.Info().Int("modes", len(modes)).Bool("holiday", flags.Holiday).Msg("Restored engine state")
	return nil
}

// Stop persists the supervisor so a restart resumes timers and persisted valve positions.
func (e *Engine) Stop() {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	e.persistBoiler()
}

// Trigger requests a pass. Requests made while one is pending collapse into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Submit records an inbound event and requests a pass when it matters.
func (e *Engine) Submit(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventTypeSensor:
		if !e.sensorMoved(ev) {
			return
		}
	case eventbus.EventTypeVerify:
		e.mu.Lock()
		e.pendingVerify[ev.Room] = struct{}{}
		e.mu.Unlock()
	case eventbus.EventTypeReload:
		if err := e.holder.Reload(); err != nil {
			log.Error().Err(err).Msg("Configuration reload failed, keeping current configuration")
			return
		}
		log.Info().Msg("Configuration staged for next pass")
	}
	e.Trigger()
}

// Attach subscribes the engine to every inbound event type.
func (e *Engine) Attach(bus *eventbus.Bus) {
	bus.SubscribeAll(e.Submit)
}

// sensorMoved applies the jitter deadband: a sensor event only triggers when the value
// moved by at least half a display unit since the last value that triggered.
func (e *Engine) sensorMoved(ev eventbus.Event) bool {
	if ev.Entity == "" {
		return true
	}
	cfg := e.holder.Current()
	precision := -1
	for _, r := range cfg.Rooms {
		for _, s := range r.Sensors {
			if s.Entity == ev.Entity {
				precision = r.Precision
			}
		}
	}
	if precision < 0 {
		log.Debug().Str("entity", ev.Entity).Msg("Ignoring reading from unknown sensor")
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastSensor[ev.Entity]
	if !sensor.ShouldTrigger(last, ev.Value, ok, precision) {
		return false
	}
	e.lastSensor[ev.Entity] = ev.Value
	return true
}

// Run executes an initial pass, then one pass per trigger or periodic tick until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.holder.Current().Engine.PeriodicInterval.Duration()
	log.Info().Dur("periodic_interval", interval).Msg("Engine started")

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	e.Recompute(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Engine stopping")
			return nil
		case <-e.trigger:
			e.Recompute(ctx)
		case <-ticker.C:
			e.Recompute(ctx)
		}
	}
}

// Recompute runs one full pass.
func (e *Engine) Recompute(ctx context.Context) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.pass++
	if e.holder.Swap() {
		log.Info().Uint64("pass", e.pass).Msg("Applying reloaded configuration")
		e.applyConfig(e.holder.Current())
	}
	cfg := e.cfg
	now := e.clock.Now()

	e.expireOverrides(ctx, now)
	holiday := e.holidayAt(cfg, now)

	overrides := make(map[string]*target.Override)
	demands := make([]boiler.Demand, 0, e.arena.Len())
	for _, id := range e.arena.IDs() {
		ov, demand, ok := e.evaluateRoom(ctx, cfg, id, now, holiday)
		overrides[id] = ov
		if ok {
			demands = append(demands, demand)
		}
	}

	e.mu.Lock()
	due := make([]string, 0, len(e.pendingVerify))
	for id := range e.pendingVerify {
		due = append(due, id)
	}
	e.pendingVerify = make(map[string]struct{})
	e.mu.Unlock()
	sort.Strings(due)
	for _, id := range due {
		e.sequencer.Verify(ctx, id)
	}

	feedback, healthy := e.sequencer.ReadFeedback(ctx)
	active, heatErr := e.heat.ReadActiveState(ctx)
	if heatErr != nil {
		log.Warn().Err(heatErr).Msg("Failed to read heat source state")
	}

	decision := e.supervisor.Update(ctx, boiler.Input{
		Now:             now,
		Rooms:           demands,
		Commanded:       e.sequencer.Commanded(),
		Feedback:        feedback,
		Healthy:         healthy,
		HeatActive:      active,
		HeatActiveKnown: heatErr == nil,
	})

	e.command(ctx, cfg, decision, feedback)

	if decision.Transitioned {
		e.persistBoiler()
		e.record(ledger.EntryBoilerTransition, now, "", map[string]any{
			"from":     decision.From.String(),
			"to":       decision.State.String(),
			"reason":   decision.Reason,
			"failsafe": decision.Failsafe,
		})
		e.Trigger()
	}

	var heatActive *bool
	if heatErr == nil {
		heatActive = &active
	}
	snap := e.buildSnapshot(cfg, now, holiday, decision, overrides, heatActive)
	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()

	if err := e.publisher.Publish(snap); err != nil {
		log.Warn().Err(err).Msg("Failed to publish status")
	}

	log.Debug().
		Uint64("pass", e.pass).
		Str("boiler", decision.State.String()).
		Int("rooms", len(demands)).
		Int("total", decision.Total).
		Msg("Pass complete")
}

// evaluateRoom runs fusion, target resolution and the room controller for one room. ok is
// false when the room is excluded from this pass.
func (e *Engine) evaluateRoom(ctx context.Context, cfg *config.Config, id string, now time.Time, holiday bool) (*target.Override, boiler.Demand, bool) {
	st, _ := e.arena.Get(id)
	rc, ok := cfg.Room(id)
	if !ok {
		return nil, boiler.Demand{}, false
	}
	mode := e.modeFor(rc)
	st.Mode = mode.Mode

	if err := e.roomErrs[id]; err != nil {
		st.Excluded = err
		return nil, boiler.Demand{}, false
	}

	readings := make([]sensor.Reading, 0, len(rc.Sensors))
	for _, sc := range rc.Sensors {
		v, at, err := e.sensors.Read(ctx, sc.Entity)
		if err != nil && !errors.Is(err, device.ErrUnavailable) {
			log.Warn().Err(err).Str("room", id).Str("entity", sc.Entity).Msg("Failed to read sensor")
		}
		readings = append(readings, sensor.Reading{
			Entity:    sc.Entity,
			Role:      sc.Role,
			Value:     v,
			Timestamp: at,
			Timeout:   sc.Timeout.Duration(),
			Available: err == nil,
		})
	}
	fused := sensor.Fuse(readings, now)
	if !fused.Stale {
		fused.Value = sensor.Round(e.smoother.Apply(id, fused.Value, rc.Smoothing, fused.Sampled), rc.Precision)
	} else if !st.Stale {
		log.Warn().Str("room", id).Msg("No fresh temperature, room will not call for heat")
	}

	ov, err := e.overrides.Read(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("room", id).Msg("Failed to read override")
		ov = nil
	}

	manual := rc.ManualSetpoint
	if mode.ManualSetpoint != nil {
		manual = *mode.ManualSetpoint
	}
	res, err := e.targets.Resolve(target.Input{
		Room:           rc,
		Mode:           mode.Mode,
		ManualSetpoint: manual,
		Override:       ov,
		Now:            now,
		Holiday:        holiday,
	})
	if err != nil {
		if st.Excluded == nil {
			log.Error().Err(err).Str("room", id).Msg("Cannot resolve target, excluding room")
		}
		st.Excluded = err
		return ov, boiler.Demand{}, false
	}

	out := e.controller.Evaluate(st, rc, room.Input{Fused: fused, Target: res})
	return ov, boiler.Demand{ID: id, Calling: out.Calling, Percent: out.Percent}, true
}

// command sends the supervisor's final positions. The failsafe room and drifted actuators
// are forced past deduplication and rate limiting.
func (e *Engine) command(ctx context.Context, cfg *config.Config, d boiler.Decision, feedback map[string]int) {
	ids := make([]string, 0, len(d.Positions))
	for id := range d.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		force := d.Failsafe && id == cfg.Boiler.SafetyRoom
		if fb, ok := feedback[id]; ok && e.sequencer.CheckDrift(id, fb, d.Persisting) {
			force = true
		}
		// failures are logged by the sequencer and retried on the next pass
		_, _ = e.sequencer.SetActuator(ctx, id, d.Positions[id], force)
	}
}

func (e *Engine) expireOverrides(ctx context.Context, now time.Time) {
	list, err := e.overrides.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list overrides")
		return
	}
	for _, ov := range list {
		if ov.StatusAt(now) != target.StatusExpired {
			continue
		}
		if _, err := e.overrides.Clear(ctx, ov.Room); err != nil {
			log.Error().Err(err).Str("room", ov.Room).Msg("Failed to remove expired override")
			continue
		}
		log.Info().
			Str("room", ov.Room).
			Str("override", ov.ID).
			Float64("target", ov.Target).
			Msg("Override expired")
		e.record(ledger.EntryOverrideExpired, now, ov.Room, map[string]any{"override": ov.ID, "target": ov.Target})
	}
}

// holidayAt combines the operator flag, the configured switch and the optional hook.
func (e *Engine) holidayAt(cfg *config.Config, now time.Time) bool {
	e.mu.Lock()
	flag := e.holiday
	e.mu.Unlock()
	if flag || cfg.Holiday.Enabled {
		return true
	}
	if e.hook == nil {
		return false
	}

	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	on, err := e.hook.IsHoliday(now.In(loc))
	if err != nil {
		log.Warn().Err(err).Msg("Holiday hook failed, assuming no holiday")
		return false
	}
	return on
}

func (e *Engine) modeFor(rc *config.RoomConfig) storage.RoomMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.modes[rc.ID]; ok && m.Mode != "" {
		return m
	}
	return storage.RoomMode{Mode: rc.DefaultMode}
}

func (e *Engine) persistBoiler() {
	if e.boilerStore == nil {
		return
	}
	if err := e.boilerStore.Save(boilerID, e.supervisor.Export()); err != nil {
		log.Error().Err(err).Msg("Failed to persist boiler state")
	}
}

// record appends to the journal when one is configured. A failed append is logged and
// never fails the caller.
func (e *Engine) record(t ledger.EntryType, at time.Time, roomID string, payload map[string]any) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(t, at, roomID, payload); err != nil {
		log.Warn().Err(err).Str("entry", string(t)).Str("room", roomID).Msg("Failed to append journal entry")
	}
}

// Journal returns recent journal entries, newest first, optionally for one room.
func (e *Engine) Journal(roomID string, limit int) ([]ledger.Entry, error) {
	if e.journal == nil {
		return []ledger.Entry{}, nil
	}
	if roomID == "" {
		return e.journal.Recent(limit)
	}
	return e.journal.ByRoom(roomID, limit)
}
