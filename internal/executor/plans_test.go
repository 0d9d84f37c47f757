package executor

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"stf/internal/domain"
)

var testSlot = &domain.Slot{ID: "A1", X: 0, Y: 0, Z: 0}

func TestBuildPlanStore(t *testing.T) {
	Convey("STORE locks the carrier, drives VGR then HBW, and unlocks", t, func() {
		cmd := &domain.Command{Kind: domain.KindStore, Params: domain.Params{"flavor": "CHOCO"}}
		plan, err := buildPlan(cmd, testSlot, time.Second)
		So(err, ShouldBeNil)
		So(kindsOf(plan), ShouldResemble, []opKind{
			opLockCarrier, opMoveTo, opGripper, opMoveTo, opGripper, opUnlockCarrier,
		})
	})
}

func TestBuildPlanRetrieve(t *testing.T) {
	Convey("RETRIEVE drives HBW then VGR", t, func() {
		cmd := &domain.Command{Kind: domain.KindRetrieve}
		plan, err := buildPlan(cmd, testSlot, time.Second)
		So(err, ShouldBeNil)
		So(kindsOf(plan), ShouldResemble, []opKind{
			opLockCarrier, opMoveTo, opGripper, opMoveTo, opGripper, opUnlockCarrier,
		})
		So(plan[1].device, ShouldEqual, domain.DeviceHBW)
		So(plan[3].device, ShouldEqual, domain.DeviceVGR)
	})
}

func TestBuildPlanProcess(t *testing.T) {
	Convey("PROCESS hands the carrier to the belt, bakes, and returns it to the slot", t, func() {
		cmd := &domain.Command{Kind: domain.KindProcess}
		plan, err := buildPlan(cmd, testSlot, 5*time.Second)
		So(err, ShouldBeNil)
		So(kindsOf(plan), ShouldResemble, []opKind{
			opLockCarrier, opMoveTo, opGripper, opMoveTo, opGripper,
			opBeltRun, opWait, opBeltStop, opGripper, opMoveTo, opGripper,
			opUpdateCookie, opUnlockCarrier,
		})

		var waitOps int
		for _, o := range plan {
			if o.kind == opWait {
				waitOps++
				So(o.wait, ShouldEqual, 5*time.Second)
			}
			if o.kind == opUpdateCookie {
				So(o.cookieStatus, ShouldEqual, domain.Baked)
			}
		}
		So(waitOps, ShouldEqual, 1)
	})
}

func TestBuildPlanMoveRequiresDevice(t *testing.T) {
	Convey("MOVE without a device param is rejected", t, func() {
		cmd := &domain.Command{Kind: domain.KindMove, Params: domain.Params{}}
		_, err := buildPlan(cmd, nil, time.Second)
		So(err, ShouldNotBeNil)
	})

	Convey("MOVE with a device and coordinates builds a single move op", t, func() {
		cmd := &domain.Command{Kind: domain.KindMove, Params: domain.Params{
			"device": "VGR", "x": 10.0, "y": 20.0, "z": 0.0,
		}}
		plan, err := buildPlan(cmd, nil, time.Second)
		So(err, ShouldBeNil)
		So(len(plan), ShouldEqual, 1)
		So(plan[0].device, ShouldEqual, domain.DeviceVGR)
	})
}

func TestBuildPlanReset(t *testing.T) {
	Convey("RESET touches all three devices", t, func() {
		cmd := &domain.Command{Kind: domain.KindReset}
		plan, err := buildPlan(cmd, nil, time.Second)
		So(err, ShouldBeNil)
		So(len(plan), ShouldEqual, 3)
		for _, o := range plan {
			So(o.kind, ShouldEqual, opDeviceCommand)
		}
	})
}

func TestDevicesForKind(t *testing.T) {
	Convey("STORE/RETRIEVE touch HBW and VGR", t, func() {
		ds := devicesForKind(domain.KindStore, nil)
		So(len(ds), ShouldEqual, 2)
		So(ds.Intersects(domain.NewDeviceSet(domain.DeviceConveyor)), ShouldBeFalse)
	})

	Convey("PROCESS touches all three devices including the conveyor", t, func() {
		ds := devicesForKind(domain.KindProcess, nil)
		So(ds.Intersects(domain.NewDeviceSet(domain.DeviceConveyor)), ShouldBeTrue)
	})

	Convey("MOVE with an explicit device only touches that device", t, func() {
		ds := devicesForKind(domain.KindMove, domain.Params{"device": "HBW"})
		So(len(ds), ShouldEqual, 1)
		So(ds.Intersects(domain.NewDeviceSet(domain.DeviceHBW)), ShouldBeTrue)
	})
}

func TestVgrAxisTarget(t *testing.T) {
	Convey("every rack slot maps within the VGR's rotate/extend/lift limits", t, func() {
		for _, slot := range []domain.Vec3{
			{X: 0, Y: 0, Z: 0},
			{X: 500, Y: 400, Z: 50},   // far corner, e.g. row C
			{X: 250, Y: 200, Z: 25},
		} {
			target := vgrAxisTarget(slot)
			So(target.X, ShouldBeBetween, 0, 360)
			So(target.Y, ShouldBeBetween, 0, 300)
			So(target.Z, ShouldBeBetween, 0, 200)
		}
	})
}

func kindsOf(plan []op) []opKind {
	kinds := make([]opKind, len(plan))
	for i, o := range plan {
		kinds[i] = o.kind
	}
	return kinds
}
