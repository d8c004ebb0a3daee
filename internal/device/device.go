// Package device defines the abstract command/feedback interfaces to sensors, actuators and
// the heat source. Implementations live outside the control core.
package device

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a device has no usable value.
var ErrUnavailable = errors.New("device unavailable")

// SensorReader reads temperature sensors.
type SensorReader interface {
	// Read returns the latest value and its timestamp, or ErrUnavailable.
	Read(ctx context.Context, entity string) (float64, time.Time, error)
}

// ActuatorDriver commands per-room flow actuators (TRVs).
type ActuatorDriver interface {
	// Command requests an opening degree in percent.
	Command(ctx context.Context, room string, percent int) error
	// ReadFeedback returns the reported opening degree, or ErrUnavailable.
	ReadFeedback(ctx context.Context, room string) (int, error)
	// LockSetpoint pins the actuator's own setpoint so only the opening degree governs flow.
	LockSetpoint(ctx context.Context, room string, setpoint float64) error
}

// HeatSourceDriver controls the shared heat source.
type HeatSourceDriver interface {
	TurnOn(ctx context.Context, setpoint float64) error
	TurnOff(ctx context.Context) error
	// ReadActiveState reports whether the heat source is enabled for heating.
	ReadActiveState(ctx context.Context) (bool, error)
}
