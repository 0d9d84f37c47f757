package simulate

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"stf/internal/domain"
)

func TestHBWMoveAndArrive(t *testing.T) {
	Convey("Given an HBW at home", t, func() {
		h := NewHBW(1)

		Convey("A move command drives x/y/z toward the target and eventually arrives", func() {
			x, y := 250.0, 200.0
			_ = h.ApplyCommand(CommandEnvelope{Action: ActionMove, X: &x, Y: &y})

			var snap StatusSnapshot
			for i := 0; i < 50; i++ {
				h.Advance(0.1, time.Now())
				snap = h.Snapshot()
				if snap.Status == domain.DeviceIdle && i > 0 {
					break
				}
			}

			So(snap.Position.X, ShouldAlmostEqual, 250.0, 1.0)
			So(snap.Position.Y, ShouldAlmostEqual, 200.0, 1.0)
		})

		Convey("Emergency stop halts motion and is only cleared by reset", func() {
			x := 500.0
			_ = h.ApplyCommand(CommandEnvelope{Action: ActionMove, X: &x})
			h.EmergencyStop()
			h.Advance(0.1, time.Now())
			snap := h.Snapshot()
			So(snap.Status, ShouldEqual, domain.DeviceEmergency)

			moved := 500.0
			_ = h.ApplyCommand(CommandEnvelope{Action: ActionMove, X: &moved})
			h.Advance(0.1, time.Now())
			snap = h.Snapshot()
			So(snap.Position.X, ShouldEqual, 0.0)

			h.Reset()
			So(h.status, ShouldEqual, domain.DeviceIdle)
		})
	})
}

func TestConveyorSensors(t *testing.T) {
	Convey("Given a stopped conveyor", t, func() {
		c := NewConveyor(1)
		dir, speed := 1.0, 1000.0
		_ = c.ApplyCommand(CommandEnvelope{Action: ActionBelt, Dir: &dir, Speed: &speed})

		Convey("Running the belt past L1 triggers it", func() {
			var triggered bool
			for i := 0; i < 20; i++ {
				c.Advance(0.01, time.Now())
				if c.barriers["L1"].Sensor.Triggered {
					triggered = true
					break
				}
			}
			So(triggered, ShouldBeTrue)
		})

		Convey("The belt stops dead at the end of travel instead of overshooting", func() {
			for i := 0; i < 200; i++ {
				c.Advance(0.1, time.Now())
			}
			So(c.position, ShouldEqual, conveyorLength)
		})
	})
}
