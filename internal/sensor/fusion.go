// Package sensor fuses raw per-room temperature readings into one value with staleness handling.
package sensor

import (
	"math"
	"time"

	"github.com/dokzlo13/heatd/internal/config"
)

// Reading is one sensor sample as seen by the fusion step.
type Reading struct {
	Entity    string
	Role      string // config.RolePrimary or config.RoleFallback
	Value     float64
	Timestamp time.Time
	Timeout   time.Duration
	Available bool
}

// Fresh reports whether the reading may be used at now.
func (r Reading) Fresh(now time.Time) bool {
	if !r.Available || math.IsNaN(r.Value) {
		return false
	}
	return now.Sub(r.Timestamp) <= r.Timeout
}

// Result is the fused temperature of a room.
type Result struct {
	Value  float64
	Stale  bool
	Source string // "primary", "fallback" or "" when stale
	Used   int
	// Sampled is the timestamp of the newest reading used.
	Sampled time.Time
}

// Fuse averages fresh primary readings, falling back to fresh fallback readings.
// With nothing fresh the result is stale and carries no usable value.
func Fuse(readings []Reading, now time.Time) Result {
	for _, role := range []string{config.RolePrimary, config.RoleFallback} {
		sum, n := 0.0, 0
		var sampled time.Time
		for _, r := range readings {
			if r.Role != role || !r.Fresh(now) {
				continue
			}
			sum += r.Value
			n++
			if r.Timestamp.After(sampled) {
				sampled = r.Timestamp
			}
		}
		if n > 0 {
			return Result{Value: sum / float64(n), Source: role, Used: n, Sampled: sampled}
		}
	}
	return Result{Stale: true}
}

// Round rounds v to precision decimal places.
func Round(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

const triggerEpsilon = 1e-9

// ShouldTrigger reports whether a new fused value differs enough from the last value that
// drove a recompute. Changes smaller than half a display unit are rounding jitter.
func ShouldTrigger(last, next float64, haveLast bool, precision int) bool {
	if !haveLast {
		return true
	}
	deadband := 0.5 * math.Pow(10, -float64(precision))
	// 20.05-20.00 lands a hair under 0.05 in binary floating point
	return math.Abs(next-last) >= deadband-triggerEpsilon
}
