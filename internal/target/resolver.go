// Package target applies mode and override precedence to produce a room's target.
package target

import (
	"time"

	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/schedule"
)

// Source says which rule produced a target.
type Source string

const (
	SourceOff      Source = "off"
	SourceManual   Source = "manual"
	SourcePassive  Source = "passive"
	SourceOverride Source = "override"
	SourceSchedule Source = "schedule"
	SourceDefault  Source = "default"
	SourceHoliday  Source = "holiday"
)

// Result is the authoritative target of a room for one cycle.
type Result struct {
	Target         *float64 // nil: no heating desired
	Source         Source
	Passive        bool
	PassivePercent int
}

// HasTarget reports whether heating may be desired.
func (r Result) HasTarget() bool { return r.Target != nil }

// Input is everything the precedence rules look at.
type Input struct {
	Room           *config.RoomConfig
	Mode           string
	ManualSetpoint float64
	Override       *Override
	Now            time.Time
	Holiday        bool
}

// Resolver resolves targets against the schedule.
type Resolver struct {
	schedules *schedule.Resolver
	sentinel  float64
}

// NewResolver creates a target resolver. Override targets at or below sentinel count as cleared.
func NewResolver(schedules *schedule.Resolver, sentinel float64) *Resolver {
	return &Resolver{schedules: schedules, sentinel: sentinel}
}

// Resolve applies, in order: off, manual, passive mode, live override, schedule. A passive
// room keeps any stored override but ignores it until the mode changes; a passive schedule
// block ranks below the override.
func (r *Resolver) Resolve(in Input) (Result, error) {
	switch in.Mode {
	case config.ModeOff:
		return Result{Source: SourceOff}, nil
	case config.ModeManual:
		return Result{Target: ptr(in.ManualSetpoint), Source: SourceManual}, nil
	case config.ModePassive:
		return Result{
			Target:         ptr(in.Room.Passive.MaxTemp),
			Source:         SourcePassive,
			Passive:        true,
			PassivePercent: in.Room.Passive.ValvePercent,
		}, nil
	}

	if ov := in.Override; ov != nil {
		st := ov.StatusAt(in.Now)
		if (st == StatusActive || st == StatusPaused) && ov.Target > r.sentinel {
			return Result{Target: ptr(ov.Target), Source: SourceOverride}, nil
		}
	}

	sr, err := r.schedules.Resolve(in.Room.ID, in.Now, in.Holiday)
	if err != nil {
		return Result{}, err
	}
	res := Result{Target: ptr(sr.Target), Source: scheduleSource(sr.Source)}
	if sr.Passive() {
		res.Passive = true
		res.PassivePercent = in.Room.Passive.ValvePercent
		if sr.ValvePercent != nil {
			res.PassivePercent = *sr.ValvePercent
		}
	}
	return res, nil
}

// ScheduledTarget is the schedule's current target ignoring any override, used as the
// base for delta overrides.
func (r *Resolver) ScheduledTarget(room string, now time.Time, holiday bool) (float64, error) {
	sr, err := r.schedules.Resolve(room, now, holiday)
	if err != nil {
		return 0, err
	}
	return sr.Target, nil
}

func scheduleSource(s schedule.Source) Source {
	switch s {
	case schedule.SourceHoliday:
		return SourceHoliday
	case schedule.SourceDefault:
		return SourceDefault
	}
	return SourceSchedule
}

func ptr(v float64) *float64 { return &v }
