package device

import (
	"context"
	"sync"
	"time"
)

// FakeSensors is an in-memory SensorReader for tests.
type FakeSensors struct {
	mu       sync.Mutex
	readings map[string]fakeReading
}

type fakeReading struct {
	value float64
	at    time.Time
}

// NewFakeSensors creates an empty sensor set; unknown entities are unavailable.
func NewFakeSensors() *FakeSensors {
	return &FakeSensors{readings: make(map[string]fakeReading)}
}

// Set records a reading.
func (f *FakeSensors) Set(entity string, value float64, at time.Time) {
	f.mu.Lock()
	f.readings[entity] = fakeReading{value: value, at: at}
	f.mu.Unlock()
}

// Remove makes an entity unavailable.
func (f *FakeSensors) Remove(entity string) {
	f.mu.Lock()
	delete(f.readings, entity)
	f.mu.Unlock()
}

// Read implements SensorReader.
func (f *FakeSensors) Read(ctx context.Context, entity string) (float64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.readings[entity]
	if !ok {
		return 0, time.Time{}, ErrUnavailable
	}
	return r.value, r.at, nil
}

// FakeActuators is an ActuatorDriver for tests. By default feedback follows commands
// immediately; Stuck freezes a room's feedback.
type FakeActuators struct {
	mu       sync.Mutex
	feedback map[string]int
	stuck    map[string]bool
	failing  map[string]bool
	locked   map[string]float64
	Commands []ActuatorCommand
}

// ActuatorCommand records one Command call.
type ActuatorCommand struct {
	Room    string
	Percent int
}

// NewFakeActuators creates a fake with all rooms reporting 0%.
func NewFakeActuators() *FakeActuators {
	return &FakeActuators{
		feedback: make(map[string]int),
		stuck:    make(map[string]bool),
		failing:  make(map[string]bool),
		locked:   make(map[string]float64),
	}
}

// Command implements ActuatorDriver.
func (f *FakeActuators) Command(ctx context.Context, room string, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[room] {
		return ErrUnavailable
	}
	f.Commands = append(f.Commands, ActuatorCommand{Room: room, Percent: percent})
	if !f.stuck[room] {
		f.feedback[room] = percent
	}
	return nil
}

// ReadFeedback implements ActuatorDriver.
func (f *FakeActuators) ReadFeedback(ctx context.Context, room string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[room] {
		return 0, ErrUnavailable
	}
	return f.feedback[room], nil
}

// LockSetpoint implements ActuatorDriver.
func (f *FakeActuators) LockSetpoint(ctx context.Context, room string, setpoint float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[room] = setpoint
	return nil
}

// SetFeedback forces the reported position.
func (f *FakeActuators) SetFeedback(room string, percent int) {
	f.mu.Lock()
	f.feedback[room] = percent
	f.mu.Unlock()
}

// SetStuck freezes or releases a room's feedback.
func (f *FakeActuators) SetStuck(room string, stuck bool) {
	f.mu.Lock()
	f.stuck[room] = stuck
	f.mu.Unlock()
}

// SetFailing makes every call for room fail.
func (f *FakeActuators) SetFailing(room string, failing bool) {
	f.mu.Lock()
	f.failing[room] = failing
	f.mu.Unlock()
}

// Locked returns the locked setpoint of a room.
func (f *FakeActuators) Locked(room string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.locked[room]
	return v, ok
}

// CommandsFor returns the commanded percentages of one room in order.
func (f *FakeActuators) CommandsFor(room string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.Commands {
		if c.Room == room {
			out = append(out, c.Percent)
		}
	}
	return out
}

// ResetCommands clears the command log.
func (f *FakeActuators) ResetCommands() {
	f.mu.Lock()
	f.Commands = nil
	f.mu.Unlock()
}

// FakeHeatSource is a HeatSourceDriver for tests.
type FakeHeatSource struct {
	mu       sync.Mutex
	active   bool
	Setpoint float64
	OnCalls  int
	OffCalls int
}

// NewFakeHeatSource creates a heat source that starts off.
func NewFakeHeatSource() *FakeHeatSource {
	return &FakeHeatSource{}
}

// TurnOn implements HeatSourceDriver.
func (f *FakeHeatSource) TurnOn(ctx context.Context, setpoint float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.Setpoint = setpoint
	f.OnCalls++
	return nil
}

// TurnOff implements HeatSourceDriver.
func (f *FakeHeatSource) TurnOff(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.OffCalls++
	return nil
}

// ReadActiveState implements HeatSourceDriver.
func (f *FakeHeatSource) ReadActiveState(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

// SetActive changes the physical state behind the controller's back.
func (f *FakeHeatSource) SetActive(active bool) {
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
}

// Active returns the physical state.
func (f *FakeHeatSource) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}
