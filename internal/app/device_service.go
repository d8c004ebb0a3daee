package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/clock"
	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/device"
	"github.com/dokzlo13/heatd/internal/device/mqttdev"
	"github.com/dokzlo13/heatd/internal/device/sim"
	"github.com/dokzlo13/heatd/internal/eventbus"
)

// DeviceService owns the sensor, actuator and heat source backend and forwards its
// reports to the event bus.
type DeviceService struct {
	Backend   string
	Sensors   device.SensorReader
	Actuators device.ActuatorDriver
	Heat      device.HeatSourceDriver

	house  *sim.House
	bridge *mqttdev.Bridge
	tick   time.Duration
}

// NewDeviceService builds the configured backend. Simulate overrides devices.backend.
func NewDeviceService(cfg *config.Config, opts Options, clk clock.Clock, bus *eventbus.Bus) (*DeviceService, error) {
	backend := cfg.Devices.Backend
	if opts.Simulate {
		backend = config.BackendSim
	}
	s := &DeviceService{Backend: backend, tick: cfg.Simulator.Tick.Duration()}

	onReading := func(entity string, value float64, at time.Time) {
		bus.Publish(eventbus.Event{Type: eventbus.EventTypeSensor, Entity: entity, Value: value, At: at})
	}

	switch backend {
	case config.BackendSim:
		s.house = sim.NewHouse(cfg, clk)
		s.house.OnReading = onReading
		s.Sensors, s.Actuators, s.Heat = s.house, s.house, s.house

	case config.BackendMQTT:
		if cfg.MQTT.Broker == "" {
			return nil, fmt.Errorf("devices.backend mqtt needs mqtt.broker")
		}
		b, err := mqttdev.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.Devices.TopicPrefix, cfg.Devices.QoS, clk)
		if err != nil {
			return nil, fmt.Errorf("device bridge: %w", err)
		}
		b.OnReading = onReading
		b.OnFeedback = func(room string, percent int) {
			bus.Publish(eventbus.Event{Type: eventbus.EventTypeFeedback, Room: room, Value: float64(percent), At: clk.Now()})
		}
		s.bridge = b
		s.Sensors, s.Actuators, s.Heat = b, b, b

	default:
		return nil, fmt.Errorf("unknown device backend %q", backend)
	}

	log.Info().Str("backend", backend).Msg("Device backend ready")
	return s, nil
}

// Start runs the simulation loop when the simulated house is in use.
func (s *DeviceService) Start(ctx context.Context, wg *sync.WaitGroup) {
	if s.house == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.house.Run(ctx, s.tick)
	}()
}

// Close disconnects from the broker, if any.
func (s *DeviceService) Close() {
	if s.bridge != nil {
		s.bridge.Close()
	}
}
