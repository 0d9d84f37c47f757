package store

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"stf/internal/domain"
)

func TestMemoryStoreClaimOrdering(t *testing.T) {
	Convey("Given three PENDING commands inserted in order", t, func() {
		ctx := context.Background()
		m := NewMemoryStore()
		var ids []domain.CommandID
		for i := 0; i < 3; i++ {
			id, err := m.InsertCommand(ctx, &domain.Command{Kind: domain.KindReset})
			So(err, ShouldBeNil)
			ids = append(ids, id)
		}

		Convey("ClaimNext returns them oldest-first", func() {
			for _, want := range ids {
				cmd, err := m.ClaimNext(ctx, "exec-1", nil)
				So(err, ShouldBeNil)
				So(cmd, ShouldNotBeNil)
				So(cmd.ID, ShouldEqual, want)
				So(cmd.Status, ShouldEqual, domain.StatusInProgress)
				So(cmd.ExecutorID, ShouldEqual, "exec-1")
			}

			Convey("and nil once the queue is drained", func() {
				cmd, err := m.ClaimNext(ctx, "exec-1", nil)
				So(err, ShouldBeNil)
				So(cmd, ShouldBeNil)
			})
		})

		Convey("a filter blocking every candidate leaves the queue untouched", func() {
			cmd, err := m.ClaimNext(ctx, "exec-1", func(*domain.Command) bool { return true })
			So(err, ShouldBeNil)
			So(cmd, ShouldBeNil)
		})

		Convey("a filter blocking only the oldest candidate yields the next one", func() {
			blocked := ids[0]
			cmd, err := m.ClaimNext(ctx, "exec-1", func(c *domain.Command) bool { return c.ID == blocked })
			So(err, ShouldBeNil)
			So(cmd.ID, ShouldEqual, ids[1])
		})
	})
}

func TestMemoryStoreCommitTerminalRejectsDoubleCommit(t *testing.T) {
	Convey("Given a claimed command", t, func() {
		ctx := context.Background()
		m := NewMemoryStore()
		id, _ := m.InsertCommand(ctx, &domain.Command{Kind: domain.KindReset})
		cmd, _ := m.ClaimNext(ctx, "exec-1", nil)
		So(cmd.ID, ShouldEqual, id)

		cmd.Status = domain.StatusCompleted
		Convey("the first CommitTerminal succeeds", func() {
			err := m.CommitTerminal(ctx, TerminalUpdate{Command: cmd})
			So(err, ShouldBeNil)

			Convey("a second CommitTerminal on the same row is rejected", func() {
				err := m.CommitTerminal(ctx, TerminalUpdate{Command: cmd})
				So(err, ShouldHaveSameTypeAs, ErrConflict{})
			})
		})
	})
}

func TestMemoryStoreCommitTerminalUpdatesRelatedRows(t *testing.T) {
	Convey("Given a STORE command committing terminal state", t, func() {
		ctx := context.Background()
		m := NewMemoryStore()
		id, _ := m.InsertCommand(ctx, &domain.Command{Kind: domain.KindStore})
		cmd, _ := m.ClaimNext(ctx, "exec-1", nil)
		So(cmd.ID, ShouldEqual, id)
		cmd.Status = domain.StatusCompleted

		carrier := &domain.Carrier{ID: "carrier-1", Zone: domain.ZoneHBW}
		cookie := &domain.Cookie{ID: "cookie-1", Status: domain.RawDough, Carrier: carrier.ID, Slot: "A1"}
		slot, err := m.GetSlot(ctx, "A1")
		So(err, ShouldBeNil)
		slot.Occupant = carrier.ID

		err = m.CommitTerminal(ctx, TerminalUpdate{
			Command: cmd, Carrier: carrier, Cookie: cookie, Slot: slot,
			History: &domain.OrderHistory{CommandID: cmd.ID, Kind: domain.KindStore, FinalStatus: domain.StatusCompleted},
		})
		So(err, ShouldBeNil)

		Convey("the slot, carrier, and cookie rows are visible afterward", func() {
			gotSlot, err := m.GetSlot(ctx, "A1")
			So(err, ShouldBeNil)
			So(gotSlot.Occupant, ShouldEqual, domain.CarrierID("carrier-1"))

			gotCarrier, err := m.GetCarrier(ctx, "carrier-1")
			So(err, ShouldBeNil)
			So(gotCarrier.Zone, ShouldEqual, domain.ZoneHBW)

			history, err := m.ListHistory(ctx, 10, 0)
			So(err, ShouldBeNil)
			So(len(history), ShouldEqual, 1)
		})
	})
}

func TestMemoryStorePruneTelemetryKeepsMostRecent(t *testing.T) {
	Convey("Given 10 telemetry samples for a device", t, func() {
		ctx := context.Background()
		m := NewMemoryStore()
		base := time.Now()
		for i := 0; i < 10; i++ {
			err := m.InsertTelemetry(ctx, domain.TelemetrySample{
				Device: domain.DeviceHBW, Seq: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Second),
			})
			So(err, ShouldBeNil)
		}

		Convey("pruning to keep 3 leaves only the most recent 3, in order", func() {
			err := m.PruneTelemetry(ctx, domain.DeviceHBW, 3)
			So(err, ShouldBeNil)
			So(len(m.telemetry[domain.DeviceHBW]), ShouldEqual, 3)
			So(m.telemetry[domain.DeviceHBW][0].Seq, ShouldEqual, uint64(7))
			So(m.telemetry[domain.DeviceHBW][2].Seq, ShouldEqual, uint64(9))
		})
	})
}

func TestEmergencyStoppedTracksLatestResumeEvent(t *testing.T) {
	Convey("A fresh store reports no emergency stop", t, func() {
		ctx := context.Background()
		m := NewMemoryStore()
		stopped, err := EmergencyStopped(ctx, m)
		So(err, ShouldBeNil)
		So(stopped, ShouldBeFalse)

		Convey("recording EMERGENCY_STOP flips it true", func() {
			So(m.InsertResumeEvent(ctx, domain.ResumeEvent{Kind: "EMERGENCY_STOP"}), ShouldBeNil)
			stopped, err := EmergencyStopped(ctx, m)
			So(err, ShouldBeNil)
			So(stopped, ShouldBeTrue)

			Convey("and a subsequent RESUME flips it back", func() {
				So(m.InsertResumeEvent(ctx, domain.ResumeEvent{Kind: "RESUME"}), ShouldBeNil)
				stopped, err := EmergencyStopped(ctx, m)
				So(err, ShouldBeNil)
				So(stopped, ShouldBeFalse)
			})
		})
	})
}
