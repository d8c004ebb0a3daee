// Package room turns a target and a fused temperature into a call-for-heat decision and an
// actuator opening, keeping per-room hysteresis memory between cycles.
package room

import (
	"math"

	"github.com/dokzlo13/heatd/internal/config"
)

// targetEpsilon is the smallest target movement treated as a change.
const targetEpsilon = 0.01

// Band is one of four valve opening tiers.
type Band int

const (
	Band0 Band = iota
	Band1
	Band2
	Band3
)

// Percent maps a band to its configured opening.
func (b Band) Percent(v config.ValveBandConfig) int {
	switch b {
	case Band1:
		return v.Low
	case Band2:
		return v.Mid
	case Band3:
		return v.Max
	}
	return 0
}

// threshold is the raw lower error bound of band b.
func threshold(b Band, v config.ValveBandConfig) float64 {
	switch b {
	case Band1:
		return v.TLow
	case Band2:
		return v.TMid
	case Band3:
		return v.TMax
	}
	return math.Inf(-1)
}

// ClassifyBand returns the band for error without any hysteresis.
func ClassifyBand(e float64, v config.ValveBandConfig) Band {
	switch {
	case e >= v.TMax:
		return Band3
	case e >= v.TMid:
		return Band2
	case e >= v.TLow:
		return Band1
	}
	return Band0
}

// DecideBand moves from prev toward the error's band. Rising demand must clear a threshold
// by step_hysteresis and may jump several bands; falling demand drops at most one band per
// decision, once error is below the current band's raw threshold.
func DecideBand(e float64, prev Band, calling bool, v config.ValveBandConfig) Band {
	if !calling {
		return Band0
	}
	for b := Band3; b > prev; b-- {
		if e >= threshold(b, v)+v.StepHysteresis {
			return b
		}
	}
	if prev > Band0 && e < threshold(prev, v) {
		return prev - 1
	}
	return prev
}

// DecideCalling applies asymmetric hysteresis. A changed target bypasses the deadband: heat
// unless the room has already overshot by more than off_delta.
func DecideCalling(e float64, prevCalling, targetChanged bool, h config.HysteresisConfig) bool {
	if targetChanged {
		return e >= -h.OffDelta
	}
	switch {
	case e > h.OnDelta:
		return true
	case e < -h.OffDelta:
		return false
	}
	return prevCalling
}

// TargetChanged compares two optional targets.
func TargetChanged(prev, next *float64) bool {
	if prev == nil && next == nil {
		return false
	}
	if prev == nil || next == nil {
		return true
	}
	return math.Abs(*prev-*next) > targetEpsilon
}

// BandForPercent returns the highest band whose opening does not exceed p. Used to reseed
// band memory from actuator feedback after a restart.
func BandForPercent(p int, v config.ValveBandConfig) Band {
	switch {
	case p <= 0:
		return Band0
	case p >= v.Max:
		return Band3
	case p >= v.Mid:
		return Band2
	}
	return Band1
}
