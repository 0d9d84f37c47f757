package simulate

import (
	"time"

	"stf/internal/domain"
)

// LightBarrier triggers when a carrier's position lies within its beam
// interval, per spec.md §4.2 step 5.
type LightBarrier struct {
	Sensor   *domain.Sensor
	Position float64
	Width    float64 // half-width of the beam interval, in mm
}

// NewLightBarrier returns a light barrier sensor centered at position with
// the given beam half-width.
func NewLightBarrier(id string, position, width float64) *LightBarrier {
	return &LightBarrier{
		Sensor:   &domain.Sensor{ID: id, Kind: domain.SensorLightBarrier},
		Position: position,
		Width:    width,
	}
}

// Update recomputes the triggered state from a carrier's current position
// along the sensor's axis, incrementing TriggerCount on each rising edge.
func (lb *LightBarrier) Update(carrierPosition float64, now time.Time) {
	within := abs(carrierPosition-lb.Position) <= lb.Width
	rising := within && !lb.Sensor.Triggered
	lb.Sensor.Triggered = within
	if rising {
		lb.Sensor.TriggerCount++
		lb.Sensor.LastTrigger = now.UnixNano()
	}
}

// ReferenceSwitch triggers when an axis is at its home position.
type ReferenceSwitch struct {
	Sensor *domain.Sensor
	Axis   *Axis
	Home   float64
}

// NewReferenceSwitch returns a reference switch for axis's home position.
func NewReferenceSwitch(id string, axis *Axis, home float64) *ReferenceSwitch {
	return &ReferenceSwitch{
		Sensor: &domain.Sensor{ID: id, Kind: domain.SensorReferenceSwitch},
		Axis:   axis,
		Home:   home,
	}
}

// Update recomputes the triggered state from the axis's current position.
func (rs *ReferenceSwitch) Update(now time.Time) {
	atHome := rs.Axis.AtHome(rs.Home)
	rising := atHome && !rs.Sensor.Triggered
	rs.Sensor.Triggered = atHome
	if rising {
		rs.Sensor.TriggerCount++
		rs.Sensor.LastTrigger = now.UnixNano()
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
