package simulate

import (
	"time"

	"stf/internal/domain"
)

// HBW simulates the storage/retrieval machine: an x/y/z gantry plus a
// gripper, addressing the 9 slots on a 250mm column / 200mm row pitch
// (domain.DefaultLayout).
type HBW struct {
	status domain.DeviceStatus
	seq    uint64

	x, y, z *Axis
	gripper *Axis // 0 = closed, 1 = open

	motors  map[string]*MotorSim
	sensors map[string]*ReferenceSwitch

	emergency bool
}

// NewHBW returns an HBW at its home position with all motors idle.
func NewHBW(seed int64) *HBW {
	x := NewLinearAxis("x", 200, 0, 500)
	y := NewLinearAxis("y", 200, 0, 400)
	z := NewLinearAxis("z", 100, 0, 50)
	gripper := NewLinearAxis("gripper", 4, 0, 1)

	h := &HBW{
		status:  domain.DeviceIdle,
		x:       x,
		y:       y,
		z:       z,
		gripper: gripper,
		motors: map[string]*MotorSim{
			"x":       NewMotorSim(domain.NewMotor("x"), seed),
			"y":       NewMotorSim(domain.NewMotor("y"), seed+1),
			"z":       NewMotorSim(domain.NewMotor("z"), seed+2),
			"gripper": NewMotorSim(domain.NewMotor("gripper"), seed+3),
		},
		sensors: map[string]*ReferenceSwitch{
			"x_home": NewReferenceSwitch("x_home", x, 0),
			"y_home": NewReferenceSwitch("y_home", y, 0),
			"z_home": NewReferenceSwitch("z_home", z, 0),
		},
	}
	return h
}

func (h *HBW) ID() domain.DeviceID { return domain.DeviceHBW }

// ApplyCommand mutates target state from a command envelope. Per spec.md
// §4.2 safety rules, a device in EMERGENCY_STOP ignores all motion commands
// and only accepts reset.
func (h *HBW) ApplyCommand(env CommandEnvelope) error {
	if h.emergency && env.Action != ActionReset && env.Action != ActionEmergency {
		return nil
	}
	switch env.Action {
	case ActionEmergency:
		h.EmergencyStop()
	case ActionMove:
		if env.X != nil {
			h.x.MoveTo(*env.X)
		}
		if env.Y != nil {
			h.y.MoveTo(*env.Y)
		}
		if env.Z != nil {
			h.z.MoveTo(*env.Z)
		}
	case ActionGripper:
		if env.Open != nil {
			if *env.Open {
				h.gripper.MoveTo(1)
			} else {
				h.gripper.MoveTo(0)
			}
		}
	case ActionStop:
		h.x.Stop()
		h.y.Stop()
		h.z.Stop()
		h.gripper.Stop()
	case ActionReset:
		h.Reset()
	}
	return nil
}

// Advance steps kinematics, electrical, wear, and sensors for one tick.
func (h *HBW) Advance(dt float64, now time.Time) (microStop bool) {
	if h.emergency {
		return false
	}

	axes := []*Axis{h.x, h.y, h.z, h.gripper}
	moving := false
	for _, a := range axes {
		wasMoving := a.Moving()
		arrived := a.Advance(dt)
		m := h.motors[a.Name]
		if m.Advance(dt, wasMoving, arrived) {
			microStop = true
		}
		if a.Moving() {
			moving = true
		}
	}

	for _, rs := range h.sensors {
		rs.Update(now)
	}

	if microStop {
		h.status = domain.DeviceError
	} else if moving {
		h.status = domain.DeviceMoving
	} else {
		h.status = domain.DeviceIdle
	}
	return microStop
}

// Snapshot builds the self-contained status publication for this tick.
func (h *HBW) Snapshot() StatusSnapshot {
	h.seq++
	motors := make(map[string]MotorSnapshot, len(h.motors))
	for name, m := range h.motors {
		motors[name] = MotorSnapshot{
			Phase: m.Motor.Phase, CurrentA: m.Motor.CurrentA, VoltageV: m.Motor.VoltageV,
			Health: m.Motor.Health.Load(), RuntimeSeconds: m.Motor.RuntimeSeconds, TriggerCount: m.Motor.TriggerCount,
		}
	}
	sensors := make(map[string]SensorSnapshot, len(h.sensors))
	for name, rs := range h.sensors {
		sensors[name] = SensorSnapshot{
			Kind: rs.Sensor.Kind, Triggered: rs.Sensor.Triggered,
			TriggerCount: rs.Sensor.TriggerCount, LastTrigger: rs.Sensor.LastTrigger,
		}
	}
	return StatusSnapshot{
		Device: domain.DeviceHBW, Seq: h.seq, Ts: time.Now(), Status: h.status,
		Position: domain.Vec3{X: h.x.Position, Y: h.y.Position, Z: h.z.Position},
		Target:   domain.Vec3{X: h.x.Target, Y: h.y.Target, Z: h.z.Target},
		Gripper:  h.gripper.Position,
		Motors:   motors, Sensors: sensors,
	}
}

// EmergencyStop zeroes motor enable outputs and ignores further motion
// commands until Reset (spec.md §4.2 safety rules).
func (h *HBW) EmergencyStop() {
	h.emergency = true
	h.x.Stop()
	h.y.Stop()
	h.z.Stop()
	h.status = domain.DeviceEmergency
}

// Reset clears emergency-stop and returns the device to IDLE at its current
// position; substate (health, runtime) is preserved per the idempotence law
// in spec.md §8 ("RESET... leaves each device... with health and runtime
// fields preserved").
func (h *HBW) Reset() {
	h.emergency = false
	h.status = domain.DeviceIdle
}
