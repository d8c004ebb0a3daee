package target

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dokzlo13/heatd/internal/config"
)

// Status is the lifecycle state of an override.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusExpired Status = "expired"
)

var (
	ErrTemperatureExclusive = errors.New("exactly one of target or delta must be given")
	ErrDurationExclusive    = errors.New("exactly one of minutes or end_time must be given")
	ErrInvalidDuration      = errors.New("override duration must be positive")
	ErrEndInPast            = errors.New("override end_time is in the past")
	ErrTargetTooLow         = errors.New("override target at or below the cleared sentinel")
)

// Override is the stored override of one room. Only the absolute target is kept; a delta
// supplied at creation is resolved once and discarded.
type Override struct {
	ID        string        `json:"id"`
	Room      string        `json:"room"`
	Target    float64       `json:"target"`
	EndsAt    time.Time     `json:"ends_at"`
	Paused    bool          `json:"paused"`
	Remaining time.Duration `json:"remaining"` // frozen time left while paused
	CreatedAt time.Time     `json:"created_at"`
}

// StatusAt derives the status at now.
func (o Override) StatusAt(now time.Time) Status {
	if o.Paused {
		return StatusPaused
	}
	if !now.Before(o.EndsAt) {
		return StatusExpired
	}
	return StatusActive
}

// Left returns the time remaining at now.
func (o Override) Left(now time.Time) time.Duration {
	if o.Paused {
		return o.Remaining
	}
	if d := o.EndsAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Pause freezes the remaining time.
func (o Override) Pause(now time.Time) Override {
	if o.Paused {
		return o
	}
	o.Remaining = o.Left(now)
	o.Paused = true
	return o
}

// Resume restarts the countdown with the frozen remaining time.
func (o Override) Resume(now time.Time) Override {
	if !o.Paused {
		return o
	}
	o.EndsAt = now.Add(o.Remaining)
	o.Remaining = 0
	o.Paused = false
	return o
}

// Request is an override creation request. Target/Delta and Minutes/EndTime are
// mutually exclusive pairs; exactly one member of each must be set.
type Request struct {
	Room    string     `json:"room"`
	Target  *float64   `json:"target,omitempty"`
	Delta   *float64   `json:"delta,omitempty"`
	Minutes *float64   `json:"minutes,omitempty"`
	EndTime *time.Time `json:"end_time,omitempty"`
}

// Validate checks the exclusive pairs and durations.
func (r Request) Validate(now time.Time) error {
	if (r.Target == nil) == (r.Delta == nil) {
		return ErrTemperatureExclusive
	}
	if (r.Minutes == nil) == (r.EndTime == nil) {
		return ErrDurationExclusive
	}
	if r.Minutes != nil && *r.Minutes <= 0 {
		return ErrInvalidDuration
	}
	if r.EndTime != nil && !r.EndTime.After(now) {
		return ErrEndInPast
	}
	return nil
}

// UsesDelta reports whether the request needs the scheduled target as its base.
func (r Request) UsesDelta() bool { return r.Delta != nil }

// BuildOverride validates req and resolves it to an absolute record. scheduleTarget must be
// the schedule's current target computed as if no override existed; it is only read when
// the request carries a delta.
func BuildOverride(req Request, scheduleTarget float64, limits config.LimitsConfig, now time.Time) (Override, error) {
	if err := req.Validate(now); err != nil {
		return Override{}, err
	}

	var abs float64
	if req.Target != nil {
		abs = *req.Target
	} else {
		abs = scheduleTarget + *req.Delta
	}
	abs = clamp(abs, limits.MinTarget, limits.MaxTarget)
	if abs <= limits.OverrideSentinel {
		return Override{}, fmt.Errorf("%w: %.1f", ErrTargetTooLow, abs)
	}

	var ends time.Time
	if req.Minutes != nil {
		ends = now.Add(time.Duration(*req.Minutes * float64(time.Minute)))
	} else {
		ends = *req.EndTime
	}

	return Override{
		ID:        uuid.NewString(),
		Room:      req.Room,
		Target:    math.Round(abs*100) / 100,
		EndsAt:    ends,
		CreatedAt: now,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
