// Package sim simulates a house so heatd can run without hardware. Every room is a single
// thermal mass that loses heat toward ambient and gains heat in proportion to its valve
// opening while the heat source runs.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/clock"
	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/device"
)

// ----------- Simulation constants -----------
const (
	LossPerSec     = 0.0003 // fraction of (temp - ambient) lost per second
	GainPerSec     = 0.01   // °C per second at 100% valve with the heat source on
	ValveTravelSec = 4.0    // seconds for a valve to travel 100%
)

type simRoom struct {
	temp      float64
	valve     float64 // actual opening, moves toward commanded
	commanded int
	setpoint  float64
}

// House implements SensorReader, ActuatorDriver and HeatSourceDriver.
type House struct {
	clock   clock.Clock
	ambient float64
	speedup float64

	mu       sync.Mutex
	rooms    map[string]*simRoom
	entities map[string]string // sensor entity -> room
	heatOn   bool
	setpoint float64
	last     time.Time

	// OnReading, if set, is called after every step for each sensor entity.
	OnReading func(entity string, value float64, at time.Time)
}

var (
	_ device.SensorReader     = (*House)(nil)
	_ device.ActuatorDriver   = (*House)(nil)
	_ device.HeatSourceDriver = (*House)(nil)
)

// NewHouse builds a house with one simulated room per configured room.
func NewHouse(cfg *config.Config, clk clock.Clock) *House {
	h := &House{
		clock:    clk,
		ambient:  cfg.Simulator.Ambient,
		speedup:  cfg.Simulator.Speedup,
		rooms:    make(map[string]*simRoom),
		entities: make(map[string]string),
		last:     clk.Now(),
	}
	if h.speedup <= 0 {
		h.speedup = 1
	}
	for _, r := range cfg.Rooms {
		h.rooms[r.ID] = &simRoom{temp: cfg.Simulator.InitialTemp}
		for _, s := range r.Sensors {
			h.entities[s.Entity] = r.ID
		}
	}
	return h
}

// Run advances the model every tick until ctx is canceled.
func (h *House) Run(ctx context.Context, tick time.Duration) {
	t := h.clock.NewTicker(tick)
	defer t.Stop()
	log.Info().Dur("tick", tick).Float64("speedup", h.speedup).Msg("House simulation started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			h.Step(now)
		}
	}
}

// Step advances the model to now.
func (h *House) Step(now time.Time) {
	h.mu.Lock()
	elapsed := now.Sub(h.last).Seconds() * h.speedup
	h.last = now
	if elapsed <= 0 {
		h.mu.Unlock()
		return
	}

	for _, r := range h.rooms {
		r.valve = approach(r.valve, float64(r.commanded), 100/ValveTravelSec*elapsed)
		r.temp -= (r.temp - h.ambient) * minFloat(LossPerSec*elapsed, 1)
		if h.heatOn {
			r.temp += GainPerSec * elapsed * r.valve / 100
		}
	}

	type reading struct {
		entity string
		value  float64
	}
	readings := make([]reading, 0, len(h.entities))
	for entity, room := range h.entities {
		readings = append(readings, reading{entity, h.rooms[room].temp})
	}
	onReading := h.OnReading
	h.mu.Unlock()

	if onReading != nil {
		for _, r := range readings {
			onReading(r.entity, r.value, now)
		}
	}
}

// Read implements device.SensorReader.
func (h *House) Read(ctx context.Context, entity string) (float64, time.Time, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.entities[entity]
	if !ok {
		return 0, time.Time{}, device.ErrUnavailable
	}
	return h.rooms[room].temp, h.last, nil
}

// Command implements device.ActuatorDriver.
func (h *House) Command(ctx context.Context, room string, percent int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return device.ErrUnavailable
	}
	r.commanded = percent
	return nil
}

// ReadFeedback implements device.ActuatorDriver.
func (h *House) ReadFeedback(ctx context.Context, room string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return 0, device.ErrUnavailable
	}
	return int(r.valve + 0.5), nil
}

// LockSetpoint implements device.ActuatorDriver.
func (h *House) LockSetpoint(ctx context.Context, room string, setpoint float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return device.ErrUnavailable
	}
	r.setpoint = setpoint
	return nil
}

// TurnOn implements device.HeatSourceDriver.
func (h *House) TurnOn(ctx context.Context, setpoint float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heatOn = true
	h.setpoint = setpoint
	log.Debug().Float64("setpoint", setpoint).Msg("Simulated heat source on")
	return nil
}

// TurnOff implements device.HeatSourceDriver.
func (h *House) TurnOff(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heatOn = false
	log.Debug().Msg("Simulated heat source off")
	return nil
}

// ReadActiveState implements device.HeatSourceDriver.
func (h *House) ReadActiveState(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heatOn, nil
}

// Temperature returns a room's simulated temperature.
func (h *House) Temperature(room string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[room]; ok {
		return r.temp
	}
	return 0
}

// approach moves v toward target by at most step.
func approach(v, target, step float64) float64 {
	switch {
	case v < target:
		return minFloat(v+step, target)
	case v > target:
		return maxFloat(v-step, target)
	}
	return v
}

// helpers
func minFloat(a, b float64) float64 {
	if a <= b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a >= b {
		return a
	}
	return b
}
