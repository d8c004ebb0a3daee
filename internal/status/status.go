// Package status defines the per-pass snapshot of the controller and publishes it.
package status

import (
	"encoding/json"
	"time"
)

// Operating modes reported per room
const (
	OperatingHeating  = "heating"
	OperatingIdle     = "idle"
	OperatingPassive  = "passive"
	OperatingOff      = "off"
	OperatingExcluded = "excluded"
)

// OverrideStatus describes a room's override as seen by the last pass.
type OverrideStatus struct {
	ID        string    `json:"id"`
	Target    float64   `json:"target"`
	Status    string    `json:"status"`
	EndsAt    time.Time `json:"ends_at"`
	Remaining string    `json:"remaining"`
}

// RoomStatus is one room's line in the snapshot.
type RoomStatus struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Mode          string          `json:"mode"`
	OperatingMode string          `json:"operating_mode"`
	Temperature   *float64        `json:"temperature"`
	Stale         bool            `json:"stale"`
	Target        *float64        `json:"target"`
	Source        string          `json:"source"`
	Calling       bool            `json:"calling"`
	ValvePercent  int             `json:"valve_percent"`
	Commanded     *int            `json:"commanded,omitempty"`
	Feedback      *int            `json:"feedback,omitempty"`
	ActuatorFault bool            `json:"actuator_fault,omitempty"`
	Override      *OverrideStatus `json:"override,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// BoilerStatus is the supervisor's line in the snapshot.
type BoilerStatus struct {
	State             string            `json:"state"`
	Reason            string            `json:"reason"`
	Since             time.Time         `json:"since"`
	TotalValvePercent int               `json:"total_valve_percent"`
	HeatActive        *bool             `json:"heat_active,omitempty"`
	Persisted         map[string]int    `json:"persisted,omitempty"`
	Failsafe          bool              `json:"failsafe,omitempty"`
	Timers            map[string]string `json:"timers,omitempty"`
}

// Snapshot is produced at the end of every recompute pass.
type Snapshot struct {
	At      time.Time    `json:"at"`
	Pass    uint64       `json:"pass"`
	Holiday bool         `json:"holiday"`
	Rooms   []RoomStatus `json:"rooms"`
	Boiler  BoilerStatus `json:"boiler"`
}

// Room returns the status of one room.
func (s Snapshot) Room(id string) (RoomStatus, bool) {
	for _, r := range s.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return RoomStatus{}, false
}

// Publisher publishes snapshots. Errors are reported, never fatal.
type Publisher interface {
	Publish(s Snapshot) error
	Close() error
}

// FormatPayload creates the JSON payload for the house-wide topic.
func FormatPayload(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// FormatRoomPayload creates the JSON payload for one room's topic.
func FormatRoomPayload(r RoomStatus) ([]byte, error) {
	return json.Marshal(r)
}
