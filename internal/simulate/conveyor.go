package simulate

import (
	"time"

	"stf/internal/domain"
)

// conveyorLength is the belt's full travel range in mm (spec.md §4.2
// "Conveyor specifics").
const conveyorLength = 1000.0

// Conveyor simulates the belt: a single continuously-driven axis (not a
// move-to-target axis like the gantry/VGR, since a belt command specifies a
// direction and speed to run at, not a destination) plus four fixed light
// barriers.
type Conveyor struct {
	status   domain.DeviceStatus
	seq      uint64
	position float64
	dir      float64 // -1, 0, or +1
	speed    float64 // mm/s, magnitude

	motor    *MotorSim
	barriers map[string]*LightBarrier

	emergency bool
}

// NewConveyor returns a stopped belt at position 0 with sensors L1..L4 at
// the fixed positions from spec.md §4.2.
func NewConveyor(seed int64) *Conveyor {
	return &Conveyor{
		status: domain.DeviceIdle,
		motor:  NewMotorSim(domain.NewMotor("belt"), seed),
		barriers: map[string]*LightBarrier{
			"L1": NewLightBarrier("L1", 100, 25),
			"L2": NewLightBarrier("L2", 400, 25),
			"L3": NewLightBarrier("L3", 700, 25),
			"L4": NewLightBarrier("L4", 950, 25),
		},
	}
}

func (c *Conveyor) ID() domain.DeviceID { return domain.DeviceConveyor }

// ApplyCommand handles belt run/stop and reset, per spec.md §4.2.
func (c *Conveyor) ApplyCommand(env CommandEnvelope) error {
	if c.emergency && env.Action != ActionReset && env.Action != ActionEmergency {
		return nil
	}
	switch env.Action {
	case ActionEmergency:
		c.EmergencyStop()
	case ActionBelt:
		dir := 1.0
		if env.Dir != nil {
			dir = *env.Dir
		}
		speed := 50.0
		if env.Speed != nil {
			speed = *env.Speed
		}
		if dir > 0 {
			c.dir = 1
		} else if dir < 0 {
			c.dir = -1
		} else {
			c.dir = 0
		}
		c.speed = speed
	case ActionStop:
		c.dir = 0
	case ActionReset:
		c.Reset()
	}
	return nil
}

// Advance moves the belt by dir*speed*dt clipped to [0, conveyorLength],
// stopping dead (not bouncing) at either end, and recomputes the four light
// barriers from the resulting position.
func (c *Conveyor) Advance(dt float64, now time.Time) (microStop bool) {
	if c.emergency {
		return false
	}

	moving := c.dir != 0
	wasMoving := moving
	if moving {
		c.position += c.dir * c.speed * dt
		if c.position <= 0 {
			c.position = 0
			c.dir = 0
		} else if c.position >= conveyorLength {
			c.position = conveyorLength
			c.dir = 0
		}
	}
	arrived := wasMoving && c.dir == 0

	if c.motor.Advance(dt, wasMoving, arrived) {
		microStop = true
	}

	for _, lb := range c.barriers {
		lb.Update(c.position, now)
	}

	if microStop {
		c.status = domain.DeviceError
	} else if c.dir != 0 {
		c.status = domain.DeviceMoving
	} else {
		c.status = domain.DeviceIdle
	}
	return microStop
}

// Snapshot builds the self-contained status publication for this tick.
func (c *Conveyor) Snapshot() StatusSnapshot {
	c.seq++
	motors := map[string]MotorSnapshot{
		"belt": {
			Phase: c.motor.Motor.Phase, CurrentA: c.motor.Motor.CurrentA, VoltageV: c.motor.Motor.VoltageV,
			Health: c.motor.Motor.Health.Load(), RuntimeSeconds: c.motor.Motor.RuntimeSeconds, TriggerCount: c.motor.Motor.TriggerCount,
		},
	}
	sensors := make(map[string]SensorSnapshot, len(c.barriers))
	for name, lb := range c.barriers {
		sensors[name] = SensorSnapshot{
			Kind: lb.Sensor.Kind, Triggered: lb.Sensor.Triggered,
			TriggerCount: lb.Sensor.TriggerCount, LastTrigger: lb.Sensor.LastTrigger,
		}
	}
	return StatusSnapshot{
		Device: domain.DeviceConveyor, Seq: c.seq, Ts: time.Now(), Status: c.status,
		Position: domain.Vec3{X: c.position}, Target: domain.Vec3{},
		Motors: motors, Sensors: sensors,
	}
}

// EmergencyStop halts the belt and blocks further run commands until Reset.
func (c *Conveyor) EmergencyStop() {
	c.emergency = true
	c.dir = 0
	c.status = domain.DeviceEmergency
}

// Reset clears emergency-stop; belt position, motor health, and runtime are
// preserved.
func (c *Conveyor) Reset() {
	c.emergency = false
	c.status = domain.DeviceIdle
}
