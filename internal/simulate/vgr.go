package simulate

import (
	"time"

	"stf/internal/domain"
)

// VGR simulates the vacuum gripper robot: a rotating turret, a radial
// extend axis, a vertical lift axis, and a gripper.
type VGR struct {
	status domain.DeviceStatus
	seq    uint64

	rotate, extend, lift, gripper *Axis

	motors  map[string]*MotorSim
	sensors map[string]*ReferenceSwitch

	emergency bool
}

// NewVGR returns a VGR parked at its home pose with all motors idle.
func NewVGR(seed int64) *VGR {
	rotate := NewRotationalAxis("rotate", 90, 0, 360)
	extend := NewLinearAxis("extend", 150, 0, 300)
	lift := NewLinearAxis("lift", 100, 0, 200)
	gripper := NewLinearAxis("gripper", 4, 0, 1)

	return &VGR{
		status:  domain.DeviceIdle,
		rotate:  rotate,
		extend:  extend,
		lift:    lift,
		gripper: gripper,
		motors: map[string]*MotorSim{
			"rotate":  NewMotorSim(domain.NewMotor("rotate"), seed),
			"extend":  NewMotorSim(domain.NewMotor("extend"), seed+1),
			"lift":    NewMotorSim(domain.NewMotor("lift"), seed+2),
			"gripper": NewMotorSim(domain.NewMotor("gripper"), seed+3),
		},
		sensors: map[string]*ReferenceSwitch{
			"rotate_home": NewReferenceSwitch("rotate_home", rotate, 0),
			"extend_home": NewReferenceSwitch("extend_home", extend, 0),
			"lift_home":   NewReferenceSwitch("lift_home", lift, 0),
		},
	}
}

func (v *VGR) ID() domain.DeviceID { return domain.DeviceVGR }

// ApplyCommand interprets X as rotation degrees, Y as radial extension mm,
// Z as lift mm.
func (v *VGR) ApplyCommand(env CommandEnvelope) error {
	if v.emergency && env.Action != ActionReset && env.Action != ActionEmergency {
		return nil
	}
	switch env.Action {
	case ActionEmergency:
		v.EmergencyStop()
	case ActionMove:
		if env.X != nil {
			v.rotate.MoveTo(*env.X)
		}
		if env.Y != nil {
			v.extend.MoveTo(*env.Y)
		}
		if env.Z != nil {
			v.lift.MoveTo(*env.Z)
		}
	case ActionGripper:
		if env.Open != nil {
			if *env.Open {
				v.gripper.MoveTo(1)
			} else {
				v.gripper.MoveTo(0)
			}
		}
	case ActionStop:
		v.rotate.Stop()
		v.extend.Stop()
		v.lift.Stop()
		v.gripper.Stop()
	case ActionReset:
		v.Reset()
	}
	return nil
}

// Advance steps kinematics, electrical, wear, and sensors for one tick.
func (v *VGR) Advance(dt float64, now time.Time) (microStop bool) {
	if v.emergency {
		return false
	}

	axes := []*Axis{v.rotate, v.extend, v.lift, v.gripper}
	moving := false
	for _, a := range axes {
		wasMoving := a.Moving()
		arrived := a.Advance(dt)
		m := v.motors[a.Name]
		if m.Advance(dt, wasMoving, arrived) {
			microStop = true
		}
		if a.Moving() {
			moving = true
		}
	}

	for _, rs := range v.sensors {
		rs.Update(now)
	}

	if microStop {
		v.status = domain.DeviceError
	} else if moving {
		v.status = domain.DeviceMoving
	} else {
		v.status = domain.DeviceIdle
	}
	return microStop
}

// Snapshot builds the self-contained status publication for this tick.
func (v *VGR) Snapshot() StatusSnapshot {
	v.seq++
	motors := make(map[string]MotorSnapshot, len(v.motors))
	for name, m := range v.motors {
		motors[name] = MotorSnapshot{
			Phase: m.Motor.Phase, CurrentA: m.Motor.CurrentA, VoltageV: m.Motor.VoltageV,
			Health: m.Motor.Health.Load(), RuntimeSeconds: m.Motor.RuntimeSeconds, TriggerCount: m.Motor.TriggerCount,
		}
	}
	sensors := make(map[string]SensorSnapshot, len(v.sensors))
	for name, rs := range v.sensors {
		sensors[name] = SensorSnapshot{
			Kind: rs.Sensor.Kind, Triggered: rs.Sensor.Triggered,
			TriggerCount: rs.Sensor.TriggerCount, LastTrigger: rs.Sensor.LastTrigger,
		}
	}
	return StatusSnapshot{
		Device: domain.DeviceVGR, Seq: v.seq, Ts: time.Now(), Status: v.status,
		Position: domain.Vec3{X: v.rotate.Position, Y: v.extend.Position, Z: v.lift.Position},
		Target:   domain.Vec3{X: v.rotate.Target, Y: v.extend.Target, Z: v.lift.Target},
		Gripper:  v.gripper.Position,
		Motors:   motors, Sensors: sensors,
	}
}

// EmergencyStop zeroes motor enable outputs and ignores further motion
// commands until Reset.
func (v *VGR) EmergencyStop() {
	v.emergency = true
	v.rotate.Stop()
	v.extend.Stop()
	v.lift.Stop()
	v.status = domain.DeviceEmergency
}

// Reset clears emergency-stop, preserving health/runtime fields.
func (v *VGR) Reset() {
	v.emergency = false
	v.status = domain.DeviceIdle
}
