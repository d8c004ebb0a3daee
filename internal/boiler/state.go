// Package boiler supervises the shared heat source: anti-cycling, flow interlock, pump
// overrun valve persistence, safety failsafe and desync recovery.
package boiler

import (
	"time"
)

// Kind names a supervisor state.
type Kind int

const (
	KindOff Kind = iota
	KindPendingOn
	KindOn
	KindPendingOff
	KindPumpOverrun
	KindInterlockBlocked
)

// String returns a human-readable name for the state.
func (k Kind) String() string {
	switch k {
	case KindOff:
		return "off"
	case KindPendingOn:
		return "pending_on"
	case KindOn:
		return "on"
	case KindPendingOff:
		return "pending_off"
	case KindPumpOverrun:
		return "pump_overrun"
	case KindInterlockBlocked:
		return "interlock_blocked"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, bool) {
	for k := KindOff; k <= KindInterlockBlocked; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return KindOff, false
}

// State is the closed set of supervisor states. Each variant carries only its own data.
type State interface {
	Kind() Kind
	Since() time.Time
	// Positions is the persisted valve map; nil outside PENDING_OFF, PUMP_OVERRUN and
	// INTERLOCK_BLOCKED.
	Positions() map[string]int
	sealed()
}

// Off: heat source off, no persisted valves.
type Off struct {
	Entered time.Time
}

// PendingOn: demand exists and the guard passed; waiting for actuator feedback.
type PendingOn struct {
	Entered time.Time
	Warned  bool
}

// On: heat source running.
type On struct {
	Entered  time.Time
	HeatOnAt time.Time
}

// PendingOff: no demand, off-delay grace running. Snapshot holds the valves that were open
// when demand stopped.
type PendingOff struct {
	Entered  time.Time
	HeatOnAt time.Time
	Snapshot map[string]int
}

// PumpOverrun: heat source off, valves held open until the overrun timer elapses.
type PumpOverrun struct {
	Entered   time.Time
	Persisted map[string]int
}

// InterlockBlocked: demand exists but min-off or the interlock prevents starting. Calling
// rooms are held at their interlock positions so the flow path is ready when unblocked.
type InterlockBlocked struct {
	Entered time.Time
	Reason  string
	Held    map[string]int
}

func (s Off) Kind() Kind              { return KindOff }
func (s PendingOn) Kind() Kind        { return KindPendingOn }
func (s On) Kind() Kind               { return KindOn }
func (s PendingOff) Kind() Kind       { return KindPendingOff }
func (s PumpOverrun) Kind() Kind      { return KindPumpOverrun }
func (s InterlockBlocked) Kind() Kind { return KindInterlockBlocked }

func (s Off) Since() time.Time              { return s.Entered }
func (s PendingOn) Since() time.Time        { return s.Entered }
func (s On) Since() time.Time               { return s.Entered }
func (s PendingOff) Since() time.Time       { return s.Entered }
func (s PumpOverrun) Since() time.Time      { return s.Entered }
func (s InterlockBlocked) Since() time.Time { return s.Entered }

func (s Off) Positions() map[string]int              { return nil }
func (s PendingOn) Positions() map[string]int        { return nil }
func (s On) Positions() map[string]int               { return nil }
func (s PendingOff) Positions() map[string]int       { return s.Snapshot }
func (s PumpOverrun) Positions() map[string]int      { return s.Persisted }
func (s InterlockBlocked) Positions() map[string]int { return s.Held }

func (Off) sealed()              {}
func (PendingOn) sealed()        {}
func (On) sealed()               {}
func (PendingOff) sealed()       {}
func (PumpOverrun) sealed()      {}
func (InterlockBlocked) sealed() {}

// Persisting reports whether the state forces valve positions regardless of demand.
func Persisting(k Kind) bool {
	return k == KindPendingOff || k == KindPumpOverrun || k == KindInterlockBlocked
}

// believesOn reports whether the state assumes the heat source is running.
func believesOn(s State) (time.Time, bool) {
	switch st := s.(type) {
	case On:
		return st.HeatOnAt, true
	case PendingOff:
		return st.HeatOnAt, true
	}
	return time.Time{}, false
}

func copyPositions(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
