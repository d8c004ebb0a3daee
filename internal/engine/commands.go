package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/eventbus"
	"github.com/dokzlo13/heatd/internal/ledger"
	"github.com/dokzlo13/heatd/internal/schedule"
	"github.com/dokzlo13/heatd/internal/storage"
	"github.com/dokzlo13/heatd/internal/target"
)

// ErrSetpointOutOfRange is returned for a manual setpoint outside the configured limits.
var ErrSetpointOutOfRange = errors.New("manual setpoint outside limits")

// SetOverride validates and stores an override, replacing any existing one for the room.
// A delta is resolved once against the schedule as if no override existed.
func (e *Engine) SetOverride(ctx context.Context, req target.Request) (target.Override, error) {
	cfg := e.holder.Current()
	if _, ok := cfg.Room(req.Room); !ok {
		return target.Override{}, fmt.Errorf("%w: %s", config.ErrUnknownRoom, req.Room)
	}
	now := e.clock.Now()
	if err := req.Validate(now); err != nil {
		return target.Override{}, err
	}

	var base float64
	if req.UsesDelta() {
		e.mu.Lock()
		targets := e.targets
		e.mu.Unlock()

		var err error
		base, err = targets.ScheduledTarget(req.Room, now, e.holidayAt(cfg, now))
		if err != nil {
			return target.Override{}, fmt.Errorf("failed to resolve scheduled target: %w", err)
		}
	}

	ov, err := target.BuildOverride(req, base, cfg.Limits, now)
	if err != nil {
		return target.Override{}, err
	}
	if err := e.overrides.Create(ctx, ov); err != nil {
		return target.Override{}, fmt.Errorf("failed to store override: %w", err)
	}

	log.Info().
		Str("room", ov.Room).
		Str("override", ov.ID).
		Float64("target", ov.Target).
		Time("ends_at", ov.EndsAt).
		Msg("Override set")
	e.record(ledger.EntryOverrideSet, now, ov.Room, map[string]any{
		"override": ov.ID,
		"target":   ov.Target,
		"ends_at":  ov.EndsAt,
	})
	e.Submit(eventbus.Event{Type: eventbus.EventTypeOverride, Room: ov.Room, At: now})
	return ov, nil
}

// CancelOverride removes a room's override, reporting whether there was one.
func (e *Engine) CancelOverride(ctx context.Context, roomID string) (bool, error) {
	if err := e.knownRoom(roomID); err != nil {
		return false, err
	}
	existed, err := e.overrides.Clear(ctx, roomID)
	if err != nil {
		return false, err
	}
	if existed {
		log.Info().Str("room", roomID).Msg("Override cancelled")
		e.record(ledger.EntryOverrideCancelled, e.clock.Now(), roomID, nil)
		e.Submit(eventbus.Event{Type: eventbus.EventTypeOverride, Room: roomID, At: e.clock.Now()})
	}
	return existed, nil
}

// PauseOverride freezes an override's remaining time. A paused override keeps applying.
func (e *Engine) PauseOverride(ctx context.Context, roomID string) (target.Override, error) {
	if err := e.knownRoom(roomID); err != nil {
		return target.Override{}, err
	}
	ov, err := e.overrides.Pause(ctx, roomID, e.clock.Now())
	if err != nil {
		return target.Override{}, err
	}
	log.Info().Str("room", roomID).Dur("remaining", ov.Remaining).Msg("Override paused")
	e.record(ledger.EntryOverridePaused, e.clock.Now(), roomID, map[string]any{"remaining_s": ov.Remaining.Seconds()})
	e.Submit(eventbus.Event{Type: eventbus.EventTypeOverride, Room: roomID, At: e.clock.Now()})
	return ov, nil
}

// ResumeOverride restarts a paused override's countdown.
func (e *Engine) ResumeOverride(ctx context.Context, roomID string) (target.Override, error) {
	if err := e.knownRoom(roomID); err != nil {
		return target.Override{}, err
	}
	ov, err := e.overrides.Resume(ctx, roomID, e.clock.Now())
	if err != nil {
		return target.Override{}, err
	}
	log.Info().Str("room", roomID).Time("ends_at", ov.EndsAt).Msg("Override resumed")
	e.record(ledger.EntryOverrideResumed, e.clock.Now(), roomID, map[string]any{"ends_at": ov.EndsAt})
	e.Submit(eventbus.Event{Type: eventbus.EventTypeOverride, Room: roomID, At: e.clock.Now()})
	return ov, nil
}

// SetMode changes a room's mode and, optionally, its manual setpoint.
func (e *Engine) SetMode(roomID, mode string, manualSetpoint *float64) error {
	cfg := e.holder.Current()
	if _, ok := cfg.Room(roomID); !ok {
		return fmt.Errorf("%w: %s", config.ErrUnknownRoom, roomID)
	}
	if !config.ValidMode(mode) {
		return config.ErrInvalidMode
	}
	if sp := manualSetpoint; sp != nil && (*sp < cfg.Limits.MinTarget || *sp > cfg.Limits.MaxTarget) {
		return fmt.Errorf("%w: %.1f not in [%.1f, %.1f]", ErrSetpointOutOfRange, *sp, cfg.Limits.MinTarget, cfg.Limits.MaxTarget)
	}

	e.mu.Lock()
	m := e.modes[roomID]
	m.Mode = mode
	if manualSetpoint != nil {
		v := *manualSetpoint
		m.ManualSetpoint = &v
	}
	e.modes[roomID] = m
	e.mu.Unlock()

	if e.modeStore != nil {
		if err := e.modeStore.Save(roomID, m); err != nil {
			return fmt.Errorf("failed to persist mode: %w", err)
		}
	}

	ev := log.Info().Str("room", roomID).Str("mode", mode)
	if m.ManualSetpoint != nil {
		ev = ev.Float64("manual_setpoint", *m.ManualSetpoint)
	}
	ev.Msg("Room mode changed")
	payload := map[string]any{"mode": mode}
	if m.ManualSetpoint != nil {
		payload["manual_setpoint"] = *m.ManualSetpoint
	}
	e.record(ledger.EntryModeChanged, e.clock.Now(), roomID, payload)
	e.Submit(eventbus.Event{Type: eventbus.EventTypeMode, Room: roomID, At: e.clock.Now()})
	return nil
}

// SetHoliday sets the operator holiday flag.
func (e *Engine) SetHoliday(on bool) error {
	e.mu.Lock()
	e.holiday = on
	e.mu.Unlock()

	if e.flagStore != nil {
		if err := e.flagStore.Save(boilerID, storage.Flags{Holiday: on}); err != nil {
			return fmt.Errorf("failed to persist holiday flag: %w", err)
		}
	}
	log.Info().Bool("holiday", on).Msg("Holiday mode changed")
	e.record(ledger.EntryHolidayChanged, e.clock.Now(), "", map[string]any{"holiday": on})
	e.Submit(eventbus.Event{Type: eventbus.EventTypeHoliday, At: e.clock.Now()})
	return nil
}

// Reload re-reads the configuration file. The new configuration takes effect at the start
// of the next pass.
func (e *Engine) Reload() error {
	if err := e.holder.Reload(); err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	log.Info().Msg("Configuration staged for next pass")
	e.Trigger()
	return nil
}

// RecomputeNow requests a pass.
func (e *Engine) RecomputeNow() {
	e.Submit(eventbus.Event{Type: eventbus.EventTypeManual, At: e.clock.Now()})
}

// NextChange returns the room's next scheduled change.
func (e *Engine) NextChange(roomID string) (schedule.Change, bool, error) {
	cfg := e.holder.Current()
	if _, ok := cfg.Room(roomID); !ok {
		return schedule.Change{}, false, fmt.Errorf("%w: %s", config.ErrUnknownRoom, roomID)
	}
	now := e.clock.Now()

	e.mu.Lock()
	schedules := e.schedules
	e.mu.Unlock()
	return schedules.NextChange(roomID, now, e.holidayAt(cfg, now))
}

// Mode returns a room's effective mode.
func (e *Engine) Mode(roomID string) (storage.RoomMode, error) {
	rc, ok := e.holder.Current().Room(roomID)
	if !ok {
		return storage.RoomMode{}, fmt.Errorf("%w: %s", config.ErrUnknownRoom, roomID)
	}
	return e.modeFor(rc), nil
}

func (e *Engine) knownRoom(roomID string) error {
	if _, ok := e.holder.Current().Room(roomID); !ok {
		return fmt.Errorf("%w: %s", config.ErrUnknownRoom, roomID)
	}
	return nil
}
