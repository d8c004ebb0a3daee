package schedule

import (
	"fmt"
	"time"

	"github.com/dokzlo13/heatd/internal/config"
)

// Source says where a scheduled value came from.
type Source string

const (
	SourceBlock   Source = "schedule"
	SourceDefault Source = "default"
	SourceHoliday Source = "holiday"
)

// lookahead bounds NextChange.
const lookahead = 7 * 24 * time.Hour

// Result is the scheduled value for a room at an instant.
type Result struct {
	Target       float64
	Mode         string // "" or config.ModePassive
	ValvePercent *int
	Source       Source
}

// Passive reports whether the value is a passive block.
func (r Result) Passive() bool { return r.Mode == config.ModePassive }

// ChangeKind distinguishes the two kinds of schedule boundaries.
type ChangeKind string

const (
	ChangeBlockStart ChangeKind = "block_start" // gap or other block into a block
	ChangeGapStart   ChangeKind = "gap_start"   // block into default
)

// Change is the next genuine change of a room's scheduled value.
type Change struct {
	At     time.Time
	Target float64
	Mode   string
	Kind   ChangeKind
}

// Resolver resolves scheduled targets for all rooms.
type Resolver struct {
	tables        map[string]*Table
	loc           *time.Location
	holidayTarget float64
}

// NewResolver builds tables for every room with a schedule. Rooms whose table fails to
// build are returned in errs and have no schedule.
func NewResolver(cfg *config.Config) (*Resolver, map[string]error) {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	r := &Resolver{
		tables:        make(map[string]*Table),
		loc:           loc,
		holidayTarget: cfg.Holiday.Target,
	}
	errs := make(map[string]error)
	for room, sc := range cfg.Schedules {
		t, err := NewTable(sc)
		if err != nil {
			errs[room] = err
			continue
		}
		r.tables[room] = t
	}
	return r, errs
}

// NewResolverWithTables is used when tables are built programmatically.
func NewResolverWithTables(tables map[string]*Table, loc *time.Location, holidayTarget float64) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{tables: tables, loc: loc, holidayTarget: holidayTarget}
}

// Has reports whether a room has a usable schedule.
func (r *Resolver) Has(room string) bool {
	_, ok := r.tables[room]
	return ok
}

// Resolve returns the scheduled value for room at t. Holiday overrides the table.
func (r *Resolver) Resolve(room string, t time.Time, holiday bool) (Result, error) {
	if holiday {
		return Result{Target: r.holidayTarget, Source: SourceHoliday}, nil
	}
	table, ok := r.tables[room]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSchedule, room)
	}

	local := t.In(r.loc)
	minute := local.Hour()*60 + local.Minute()
	if b, ok := table.blockAt(local.Weekday(), minute); ok {
		return Result{
			Target:       b.Target,
			Mode:         b.Mode,
			ValvePercent: b.ValvePercent,
			Source:       SourceBlock,
		}, nil
	}
	return Result{Target: table.DefaultTarget, Source: SourceDefault}, nil
}

// NextChange scans forward up to seven days for the first boundary where the scheduled
// target or mode differs from the current one. Boundaries to an equal value are skipped.
// During holiday the value is open-ended and no change is reported.
func (r *Resolver) NextChange(room string, t time.Time, holiday bool) (Change, bool, error) {
	table, ok := r.tables[room]
	if !ok {
		return Change{}, false, fmt.Errorf("%w: %s", ErrNoSchedule, room)
	}
	if holiday {
		return Change{}, false, nil
	}

	current, err := r.Resolve(room, t, false)
	if err != nil {
		return Change{}, false, err
	}

	local := t.In(r.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	limit := t.Add(lookahead)

	for offset := 0; offset <= 7; offset++ {
		day := midnight.AddDate(0, 0, offset)
		for _, seg := range table.segments(day.Weekday()) {
			at := time.Date(day.Year(), day.Month(), day.Day(), seg.start/60, seg.start%60, 0, 0, r.loc)
			if !at.After(t) {
				continue
			}
			if at.After(limit) {
				return Change{}, false, nil
			}
			if seg.target == current.Target && seg.mode == current.Mode {
				continue
			}
			kind := ChangeGapStart
			if seg.block {
				kind = ChangeBlockStart
			}
			return Change{At: at, Target: seg.target, Mode: seg.mode, Kind: kind}, true, nil
		}
	}
	return Change{}, false, nil
}
