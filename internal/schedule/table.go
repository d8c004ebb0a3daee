// Package schedule maps wall-clock time to a room's scheduled target using weekly tables.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dokzlo13/heatd/internal/config"
)

const minutesPerDay = 24 * 60

var (
	ErrNoSchedule = errors.New("no schedule for room")
	ErrOverlap    = errors.New("overlapping schedule blocks")
)

// Match patterns like "06:30" or "24:00"
var clockPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// weekdayKeys accepts full day names and their three-letter forms.
var weekdayKeys = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sun":       time.Sunday,
	"mon":       time.Monday,
	"tue":       time.Tuesday,
	"wed":       time.Wednesday,
	"thu":       time.Thursday,
	"fri":       time.Friday,
	"sat":       time.Saturday,
}

// dayGroups expand to several weekdays
var dayGroups = map[string][]time.Weekday{
	"all":      {time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
	"weekdays": {time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	"weekend":  {time.Saturday, time.Sunday},
}

// Block is one scheduled interval [Start, End) in minutes since midnight.
type Block struct {
	Start        int
	End          int
	Target       float64
	Mode         string // "" or config.ModePassive
	ValvePercent *int
}

// Contains reports whether minute-of-day m falls inside the block.
func (b Block) Contains(m int) bool {
	return m >= b.Start && m < b.End
}

// Table is one room's weekly schedule.
type Table struct {
	DefaultTarget float64
	Days          [7][]Block // indexed by time.Weekday, sorted by Start
}

// ParseClock parses "HH:MM" into minutes since midnight. "24:00" is accepted as end of day.
func ParseClock(s string) (int, error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hour, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	if min > 59 || hour > 24 || (hour == 24 && min != 0) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return hour*60 + min, nil
}

// NewTable builds and validates a table from configuration.
// Besides mon..sun the keys "all", "weekdays" and "weekend" apply blocks to several days.
func NewTable(cfg config.ScheduleConfig) (*Table, error) {
	t := &Table{DefaultTarget: cfg.DefaultTarget}

	for key, blocks := range cfg.Week {
		key = strings.ToLower(key)
		days, group := dayGroups[key]
		if !group {
			d, ok := weekdayKeys[key]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", key)
			}
			days = []time.Weekday{d}
		}

		for _, bc := range blocks {
			b, err := parseBlock(bc)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			for _, d := range days {
				t.Days[d] = append(t.Days[d], b)
			}
		}
	}

	for d := range t.Days {
		blocks := t.Days[d]
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start < blocks[j].Start })
		for i := 1; i < len(blocks); i++ {
			if blocks[i].Start < blocks[i-1].End {
				return nil, fmt.Errorf("%w on %s", ErrOverlap, time.Weekday(d))
			}
		}
	}
	return t, nil
}

func parseBlock(bc config.BlockConfig) (Block, error) {
	start, err := ParseClock(bc.Start)
	if err != nil {
		return Block{}, err
	}
	end, err := ParseClock(bc.End)
	if err != nil {
		return Block{}, err
	}
	if end <= start {
		return Block{}, fmt.Errorf("block %s-%s: end must be after start", bc.Start, bc.End)
	}
	if bc.Mode != "" && bc.Mode != config.ModePassive {
		return Block{}, fmt.Errorf("block %s-%s: unsupported mode %q", bc.Start, bc.End, bc.Mode)
	}
	if bc.ValvePercent != nil && (*bc.ValvePercent < 0 || *bc.ValvePercent > 100) {
		return Block{}, fmt.Errorf("block %s-%s: valve_percent out of range", bc.Start, bc.End)
	}
	return Block{
		Start:        start,
		End:          end,
		Target:       bc.Target,
		Mode:         bc.Mode,
		ValvePercent: bc.ValvePercent,
	}, nil
}

// blockAt returns the block covering minute m on weekday d.
func (t *Table) blockAt(d time.Weekday, m int) (Block, bool) {
	for _, b := range t.Days[d] {
		if b.Contains(m) {
			return b, true
		}
		if b.Start > m {
			break
		}
	}
	return Block{}, false
}

// segment is a contiguous stretch of one day with a single resolved value.
type segment struct {
	start  int
	target float64
	mode   string
	block  bool
}

// segments covers the whole day: blocks plus default-valued gaps.
func (t *Table) segments(d time.Weekday) []segment {
	var out []segment
	cursor := 0
	for _, b := range t.Days[d] {
		if b.Start > cursor {
			out = append(out, segment{start: cursor, target: t.DefaultTarget})
		}
		out = append(out, segment{start: b.Start, target: b.Target, mode: b.Mode, block: true})
		cursor = b.End
	}
	if cursor < minutesPerDay {
		out = append(out, segment{start: cursor, target: t.DefaultTarget})
	}
	return out
}
