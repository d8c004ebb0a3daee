package boiler

// Demand is one room's request for this pass.
type Demand struct {
	ID      string
	Calling bool
	Percent int
}

// InterlockResult describes the flow path for a set of demands.
type InterlockResult struct {
	// Positions holds the interlock-adjusted percentage of every room. Non-calling rooms keep
	// their own percentage (passive rooms may be open without calling).
	Positions map[string]int
	Calling   int
	// Sum of the calling rooms' own percentages before adjustment.
	Requested int
	// Forced is set when calling rooms were raised to ForcedPercent.
	Forced        bool
	ForcedPercent int
	// HealthyTotal sums the adjusted percentages of calling rooms with working actuators.
	HealthyTotal int
	Satisfied    bool
}

// ApplyInterlock guarantees a minimum total opening across calling rooms. If the rooms'
// own percentages already reach minOpen they are used unchanged; otherwise every calling
// room is forced to ceil(minOpen / calling), clamped to 100.
//
// healthy may be nil, in which case every actuator counts.
func ApplyInterlock(rooms []Demand, healthy map[string]bool, minOpen int) InterlockResult {
	res := InterlockResult{Positions: make(map[string]int, len(rooms))}

	for _, r := range rooms {
		res.Positions[r.ID] = r.Percent
		if r.Calling {
			res.Calling++
			res.Requested += r.Percent
		}
	}
	if res.Calling == 0 {
		return res
	}

	if res.Requested < minOpen {
		per := (minOpen + res.Calling - 1) / res.Calling
		if per > 100 {
			per = 100
		}
		res.Forced = true
		res.ForcedPercent = per
		for _, r := range rooms {
			if r.Calling {
				res.Positions[r.ID] = per
			}
		}
	}

	for _, r := range rooms {
		if !r.Calling {
			continue
		}
		if healthy != nil && !healthy[r.ID] {
			continue
		}
		res.HealthyTotal += res.Positions[r.ID]
	}
	res.Satisfied = res.HealthyTotal >= minOpen
	return res
}

// callingPositions returns the adjusted positions of calling rooms only.
func (r InterlockResult) callingPositions(rooms []Demand) map[string]int {
	out := make(map[string]int, r.Calling)
	for _, d := range rooms {
		if d.Calling {
			out[d.ID] = r.Positions[d.ID]
		}
	}
	return out
}
