package executor

import (
	"fmt"
	"math"
	"time"

	"stf/internal/domain"
	"stf/internal/simulate"
)

// conveyorInPosition and conveyorOutPosition are the belt positions the
// VGR hands a carrier off to and picks it back up from, for PROCESS.
const (
	conveyorInPosition  = 100.0 // L1, the bake entry sensor
	conveyorOutPosition = 950.0 // L4, the bake exit sensor
)

// devicesForKind returns the device set a command of this kind touches,
// used both for the executor's overlap-blocking rule (spec.md §4.4) and to
// tag the claimed Command's Devices field.
func devicesForKind(kind domain.CommandKind, params domain.Params) domain.DeviceSet {
	switch kind {
	case domain.KindStore, domain.KindRetrieve:
		return domain.NewDeviceSet(domain.DeviceHBW, domain.DeviceVGR)
	case domain.KindProcess:
		return domain.NewDeviceSet(domain.DeviceHBW, domain.DeviceVGR, domain.DeviceConveyor)
	case domain.KindMove:
		if d, ok := params["device"].(string); ok {
			return domain.NewDeviceSet(domain.DeviceID(d))
		}
		return domain.NewDeviceSet(domain.DeviceHBW, domain.DeviceVGR, domain.DeviceConveyor)
	case domain.KindReset, domain.KindEmergencyStop:
		return domain.NewDeviceSet(domain.DeviceHBW, domain.DeviceVGR, domain.DeviceConveyor)
	}
	return nil
}

// arriveAt builds an arrival predicate that waits for device's x/y/z
// position to settle within epsilon of target (spec.md §4.2 step 2).
func arriveAt(target domain.Vec3, epsilon float64) func(simulate.StatusSnapshot) bool {
	return func(snap simulate.StatusSnapshot) bool {
		return dist(snap.Position, target) < epsilon
	}
}

func dist(a, b domain.Vec3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func gripperAt(open bool) func(simulate.StatusSnapshot) bool {
	want := 0.0
	if open {
		want = 1.0
	}
	return func(snap simulate.StatusSnapshot) bool {
		return math.Abs(snap.Gripper-want) < 0.05
	}
}

func idleAt() func(simulate.StatusSnapshot) bool {
	return func(snap simulate.StatusSnapshot) bool { return snap.Status == domain.DeviceIdle }
}

func openBool(v bool) *bool { return &v }
func floatPtr(v float64) *float64 { return &v }

// lerp maps v from [inLo, inHi] onto [outLo, outHi].
func lerp(v, inLo, inHi, outLo, outHi float64) float64 {
	if inHi == inLo {
		return outLo
	}
	t := (v - inLo) / (inHi - inLo)
	return outLo + t*(outHi-outLo)
}

// vgrAxisTarget maps a position in the shared HBW rack frame (x: 0-500mm
// column pitch, y: 0-400mm row pitch per domain.DefaultLayout; z: the HBW's
// 0-50mm lift travel, which is 0 for every DefaultLayout slot) into
// the VGR's own rotate/extend/lift axis space (vgr.go's NewVGR: rotate
// 0-360°, extend 0-300mm, lift 0-200mm). The VGR reaches the rack with a
// turret and radial arm rather than a second x/y/z gantry, so a slot
// position cannot be handed to it as-is: row C slots alone (y = 400mm)
// already exceed the 300mm extend limit, and Axis.MoveTo silently
// rejects any out-of-range target, leaving the op to time out.
func vgrAxisTarget(pos domain.Vec3) domain.Vec3 {
	return domain.Vec3{
		X: lerp(pos.X, 0, 500, 10, 170),
		Y: lerp(pos.Y, 0, 400, 50, 290),
		Z: lerp(pos.Z, 0, 50, 5, 190),
	}
}

// vgrConveyorPose is the VGR's fixed pose when handing a carrier to or from
// the belt, given directly in axis space: the conveyor sits outside the
// rack frame, so there is no slot position to run through vgrAxisTarget.
var vgrConveyorPose = domain.Vec3{X: 270, Y: 290, Z: 5}

func moveOp(device domain.DeviceID, target domain.Vec3) op {
	return op{
		kind:   opMoveTo,
		device: device,
		env:    simulate.CommandEnvelope{Action: simulate.ActionMove, X: floatPtr(target.X), Y: floatPtr(target.Y), Z: floatPtr(target.Z)},
		arrived: arriveAt(target, simulate.EpsilonTranslational),
		idempotent: true,
	}
}

func gripperOp(device domain.DeviceID, open bool) op {
	return op{
		kind:    opGripper,
		device:  device,
		env:     simulate.CommandEnvelope{Action: simulate.ActionGripper, Open: openBool(open)},
		arrived: gripperAt(open),
	}
}

func beltRunOp(dir float64) op {
	return op{
		kind:   opBeltRun,
		device: domain.DeviceConveyor,
		env:    simulate.CommandEnvelope{Action: simulate.ActionBelt, Dir: floatPtr(dir), Speed: floatPtr(100)},
		arrived: func(snap simulate.StatusSnapshot) bool {
			if dir > 0 {
				return snap.Position.X >= conveyorOutPosition-25
			}
			return snap.Position.X <= conveyorInPosition+25
		},
	}
}

func beltStopOp() op {
	return op{
		kind:    opBeltStop,
		device:  domain.DeviceConveyor,
		env:     simulate.CommandEnvelope{Action: simulate.ActionStop},
		arrived: idleAt(),
	}
}

func waitOp(d time.Duration) op {
	return op{kind: opWait, wait: d}
}

func updateCookieOp(status domain.CookieStatus) op {
	return op{kind: opUpdateCookie, cookieStatus: status}
}

func lockCarrierOp() op   { return op{kind: opLockCarrier} }
func unlockCarrierOp() op { return op{kind: opUnlockCarrier} }

// buildPlan constructs the op sequence for cmd, given the resolved slot
// (nil for MOVE/RESET) and the configured bake time. The PROCESS sequence
// follows spec.md §4.4's example verbatim, translated into VGR/HBW/
// Conveyor operations.
func buildPlan(cmd *domain.Command, slot *domain.Slot, bakeTime time.Duration) ([]op, error) {
	switch cmd.Kind {
	case domain.KindStore:
		rackPos := domain.Vec3{X: slot.X, Y: slot.Y, Z: slot.Z}
		return []op{
			lockCarrierOp(),
			moveOp(domain.DeviceVGR, vgrAxisTarget(rackPos)),
			gripperOp(domain.DeviceVGR, false),
			moveOp(domain.DeviceHBW, rackPos),
			gripperOp(domain.DeviceHBW, true),
			unlockCarrierOp(),
		}, nil

	case domain.KindRetrieve:
		rackPos := domain.Vec3{X: slot.X, Y: slot.Y, Z: slot.Z}
		return []op{
			lockCarrierOp(),
			moveOp(domain.DeviceHBW, rackPos),
			gripperOp(domain.DeviceHBW, false),
			moveOp(domain.DeviceVGR, vgrAxisTarget(rackPos)),
			gripperOp(domain.DeviceVGR, true),
			unlockCarrierOp(),
		}, nil

	case domain.KindProcess:
		s := vgrAxisTarget(domain.Vec3{X: slot.X, Y: slot.Y, Z: slot.Z})
		return []op{
			lockCarrierOp(),
			moveOp(domain.DeviceVGR, s),
			gripperOp(domain.DeviceVGR, false),
			moveOp(domain.DeviceVGR, vgrConveyorPose),
			gripperOp(domain.DeviceVGR, true), // PLACE: release onto the belt
			beltRunOp(1),
			waitOp(bakeTime),
			beltStopOp(),
			gripperOp(domain.DeviceVGR, false), // re-grip from the belt
			moveOp(domain.DeviceVGR, s),
			gripperOp(domain.DeviceVGR, true),
			updateCookieOp(domain.Baked),
			unlockCarrierOp(),
		}, nil

	case domain.KindMove:
		device, _ := cmd.Params["device"].(string)
		if device == "" {
			return nil, fmt.Errorf("executor: MOVE command %d missing device param", cmd.ID)
		}
		target := paramVec3(cmd.Params)
		return []op{moveOp(domain.DeviceID(device), target)}, nil

	case domain.KindReset:
		return []op{
			{kind: opDeviceCommand, device: domain.DeviceHBW, env: simulate.CommandEnvelope{Action: simulate.ActionReset}, arrived: idleAt()},
			{kind: opDeviceCommand, device: domain.DeviceVGR, env: simulate.CommandEnvelope{Action: simulate.ActionReset}, arrived: idleAt()},
			{kind: opDeviceCommand, device: domain.DeviceConveyor, env: simulate.CommandEnvelope{Action: simulate.ActionReset}, arrived: idleAt()},
		}, nil
	}
	return nil, fmt.Errorf("executor: no plan for command kind %s", cmd.Kind)
}

func paramVec3(params domain.Params) domain.Vec3 {
	f := func(key string) float64 {
		v, _ := params[key].(float64)
		return v
	}
	return domain.Vec3{X: f("x"), Y: f("y"), Z: f("z")}
}
