package executor

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"stf/internal/domain"
)

func TestStepHappyPath(t *testing.T) {
	Convey("Given a two-op plan", t, func() {
		plan := []op{
			{kind: opLockCarrier},
			{kind: opMoveTo, device: domain.DeviceVGR, idempotent: true},
		}
		state := runState{plan: plan}

		Convey("evStart arms the first op", func() {
			state, effects := step(state, event{kind: evStart})
			So(state.index, ShouldEqual, 0)
			So(len(effects), ShouldBeGreaterThan, 0)
			So(effects[0].kind, ShouldEqual, effStartWait)
		})

		Convey("evArrived advances through the whole plan to completion", func() {
			state, _ = step(state, event{kind: evStart})
			state, effects := step(state, event{kind: evArrived})
			So(state.index, ShouldEqual, 1)
			So(effectKinds(effects), ShouldContain, effCommitProgress)

			state, effects = step(state, event{kind: evArrived})
			So(state.done, ShouldBeTrue)
			So(effectKinds(effects), ShouldContain, effCommitTerminal)
		})
	})
}

func TestStepTimeoutRetriesIdempotentOps(t *testing.T) {
	Convey("Given a plan at an idempotent op", t, func() {
		plan := []op{{kind: opMoveTo, device: domain.DeviceHBW, idempotent: true}}
		state := runState{plan: plan}
		state, _ = step(state, event{kind: evStart})

		Convey("the op is retried up to maxIdempotentRetries on timeout", func() {
			for i := 0; i < maxIdempotentRetries; i++ {
				var effects []effect
				state, effects = step(state, event{kind: evOpTimeout})
				So(state.failed, ShouldBeFalse)
				So(effectKinds(effects), ShouldContain, effSendCommand)
			}

			Convey("and fails once the retry budget is exhausted", func() {
				state, effects := step(state, event{kind: evOpTimeout})
				So(state.failed, ShouldBeTrue)
				So(state.failReason, ShouldEqual, "TIMEOUT")
				So(effectKinds(effects), ShouldContain, effSafePark)
			})
		})
	})
}

func TestStepTimeoutFailsNonIdempotentOps(t *testing.T) {
	Convey("A non-idempotent op fails immediately on timeout", t, func() {
		plan := []op{{kind: opGripper, device: domain.DeviceHBW}}
		state := runState{plan: plan}
		state, _ = step(state, event{kind: evStart})

		state, effects := step(state, event{kind: evOpTimeout})
		So(state.failed, ShouldBeTrue)
		So(effectKinds(effects), ShouldContain, effAlert)
		So(effectKinds(effects), ShouldContain, effCommitTerminal)
	})
}

func TestStepEmergencyStopInterruptsAnyState(t *testing.T) {
	Convey("An emergency-stop event fails the FSM regardless of current op", t, func() {
		plan := []op{{kind: opWait, wait: time.Hour}}
		state := runState{plan: plan}
		state, _ = step(state, event{kind: evStart})

		state, effects := step(state, event{kind: evEmergencyStop})
		So(state.failed, ShouldBeTrue)
		So(state.failReason, ShouldEqual, "EMERGENCY_STOP")
		So(effectKinds(effects), ShouldContain, effSafePark)
	})
}

func TestStepIgnoresEventsAfterTerminal(t *testing.T) {
	Convey("Once done, further events are no-ops", t, func() {
		state := runState{done: true}
		next, effects := step(state, event{kind: evArrived})
		So(next, ShouldResemble, state)
		So(effects, ShouldBeNil)
	})
}

func effectKinds(effects []effect) []effectKind {
	kinds := make([]effectKind, len(effects))
	for i, e := range effects {
		kinds[i] = e.kind
	}
	return kinds
}
