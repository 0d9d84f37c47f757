// Package simulate implements the per-tick device update contract from
// spec.md §4.2: read commands, advance kinematics, advance the electrical
// model, advance wear, recompute sensors, publish a snapshot. Kinematics
// are a generalization of the teacher's clipped racetrack arithmetic
// (grid_world.go's velocity-bounded position update) from a discrete 2D
// grid to continuous, axis-dependent travel with arrival epsilons.
package simulate

import "math"

// EpsilonTranslational is the default arrival tolerance for linear axes, in
// millimeters (spec.md §4.2 step 2).
const EpsilonTranslational = 1.0

// EpsilonRotational is the default arrival tolerance for rotational axes,
// in degrees.
const EpsilonRotational = 1.0

// Axis is one independently driven degree of freedom.
type Axis struct {
	Name       string
	Position   float64
	Target     float64
	HasTarget  bool
	MaxSpeed   float64 // units/sec
	MinLimit   float64
	MaxLimit   float64
	Epsilon    float64
	Rotational bool
}

// NewLinearAxis returns a translational axis with the default epsilon.
func NewLinearAxis(name string, maxSpeed, minLimit, maxLimit float64) *Axis {
	return &Axis{Name: name, MaxSpeed: maxSpeed, MinLimit: minLimit, MaxLimit: maxLimit, Epsilon: EpsilonTranslational}
}

// NewRotationalAxis returns a rotational axis with the default epsilon.
func NewRotationalAxis(name string, maxSpeed, minLimit, maxLimit float64) *Axis {
	return &Axis{Name: name, MaxSpeed: maxSpeed, MinLimit: minLimit, MaxLimit: maxLimit, Epsilon: EpsilonRotational, Rotational: true}
}

// MoveTo sets a new target within the axis's soft travel limits. A target
// outside the limits is not clipped: it is rejected outright, the current
// target is kept, and MoveTo returns false (spec.md §4.2: "a device with any axis at its soft
// travel limit rejects further commands in that direction").
func (a *Axis) MoveTo(target float64) bool {
	if target < a.MinLimit || target > a.MaxLimit {
		return false
	}
	a.Target = target
	a.HasTarget = true
	return true
}

// Stop clears the axis's target in place, as a safe-park does.
func (a *Axis) Stop() {
	a.HasTarget = false
	a.Target = a.Position
}

// Advance moves the axis toward its target by MaxSpeed*dtSeconds, clipped
// to the travel limits, and clears the target on arrival. Returns true if
// the axis arrived this tick (transitioned from moving to settled).
func (a *Axis) Advance(dtSeconds float64) (arrived bool) {
	if !a.HasTarget {
		return false
	}

	delta := a.Target - a.Position
	step := a.MaxSpeed * dtSeconds
	if math.Abs(delta) <= step {
		a.Position = a.Target
	} else if delta > 0 {
		a.Position += step
	} else {
		a.Position -= step
	}
	a.Position = clip(a.Position, a.MinLimit, a.MaxLimit)

	if math.Abs(a.Target-a.Position) < a.Epsilon {
		a.HasTarget = false
		arrived = true
	}
	return arrived
}

// AtHome reports whether the axis sits within epsilon of the given home
// position, used by reference-switch sensors.
func (a *Axis) AtHome(home float64) bool {
	return math.Abs(a.Position-home) < a.Epsilon
}

// Moving reports whether the axis currently has an outstanding target.
func (a *Axis) Moving() bool {
	return a.HasTarget
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
