package executor

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"stf/internal/domain"
	"stf/internal/store"
)

func TestSelectProcessSlotPicksLowestSlotWithRawDough(t *testing.T) {
	Convey("Given cookies of RAW_DOUGH status in B2 and A3", t, func() {
		ctx := context.Background()
		st := store.NewMemoryStore()
		So(st.UpsertCookie(ctx, &domain.Cookie{ID: "c1", Status: domain.RawDough, Slot: "B2"}), ShouldBeNil)
		So(st.UpsertCookie(ctx, &domain.Cookie{ID: "c2", Status: domain.RawDough, Slot: "A3"}), ShouldBeNil)
		So(st.UpsertCookie(ctx, &domain.Cookie{ID: "c3", Status: domain.Baked, Slot: "A1"}), ShouldBeNil)

		Convey("selectProcessSlot returns A3, the lowest AllSlotIDs entry among the RAW_DOUGH cookies", func() {
			slot, err := selectProcessSlot(ctx, st)
			So(err, ShouldBeNil)
			So(slot, ShouldEqual, domain.SlotID("A3"))
		})
	})

	Convey("Given no RAW_DOUGH cookie anywhere", t, func() {
		ctx := context.Background()
		st := store.NewMemoryStore()
		_, err := selectProcessSlot(ctx, st)
		So(err, ShouldNotBeNil)
	})
}

func TestResolveSlotAutoSelectsForProcess(t *testing.T) {
	Convey("A PROCESS command with no explicit slot resolves via auto-selection", t, func() {
		ctx := context.Background()
		st := store.NewMemoryStore()
		So(st.UpsertCookie(ctx, &domain.Cookie{ID: "c1", Status: domain.RawDough, Slot: "B1"}), ShouldBeNil)

		cmd := &domain.Command{Kind: domain.KindProcess}
		slot, err := resolveSlot(ctx, st, cmd)
		So(err, ShouldBeNil)
		So(slot.ID, ShouldEqual, domain.SlotID("B1"))
	})

	Convey("A RETRIEVE command with an explicit slot resolves that slot directly", t, func() {
		ctx := context.Background()
		st := store.NewMemoryStore()
		cmd := &domain.Command{Kind: domain.KindRetrieve, Slot: "C2"}
		slot, err := resolveSlot(ctx, st, cmd)
		So(err, ShouldBeNil)
		So(slot.ID, ShouldEqual, domain.SlotID("C2"))
	})

	Convey("A MOVE command targets no slot", t, func() {
		ctx := context.Background()
		st := store.NewMemoryStore()
		cmd := &domain.Command{Kind: domain.KindMove}
		slot, err := resolveSlot(ctx, st, cmd)
		So(err, ShouldBeNil)
		So(slot, ShouldBeNil)
	})
}
