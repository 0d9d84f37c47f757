package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"stf/internal/broadcast"
	"stf/internal/bus"
	"stf/internal/domain"
	"stf/internal/store"
)

type stubController struct{}

func (stubController) EmergencyStop(_ context.Context) error { return nil }
func (stubController) Resume(_ context.Context) error        { return nil }

func newTestServer(st store.Store) *Server {
	b := bus.NewMemoryBus(16)
	hub := broadcast.NewHub(16)
	return NewServer(":0", st, b, hub, stubController{}, zerolog.Nop())
}

func TestHandleOrderRejectsBadRequestsAtTheEdge(t *testing.T) {
	ctx := context.Background()

	Convey("STORE against an occupied slot 400s before a command row exists", t, func() {
		st := store.NewMemoryStore()
		slot, err := st.GetSlot(ctx, "A1")
		So(err, ShouldBeNil)
		slot.Occupant = "carrier-1"
		So(st.UpsertSlot(ctx, slot), ShouldBeNil)

		s := newTestServer(st)
		req := httptest.NewRequest(http.MethodPost, "/order/store", bytes.NewBufferString(`{"slot":"A1","flavor":"CHOCO"}`))
		rec := httptest.NewRecorder()
		s.handleOrder(domain.KindStore)(rec, req)

		So(rec.Code, ShouldEqual, http.StatusBadRequest)

		cmds, err := st.ListCommands(ctx, "")
		So(err, ShouldBeNil)
		So(cmds, ShouldBeEmpty)
	})

	Convey("RETRIEVE against an empty slot 400s before a command row exists", t, func() {
		st := store.NewMemoryStore()
		s := newTestServer(st)
		req := httptest.NewRequest(http.MethodPost, "/order/retrieve", bytes.NewBufferString(`{"slot":"A1"}`))
		rec := httptest.NewRecorder()
		s.handleOrder(domain.KindRetrieve)(rec, req)

		So(rec.Code, ShouldEqual, http.StatusBadRequest)
	})

	Convey("PROCESS with no RAW_DOUGH cookie anywhere 400s before a command row exists", t, func() {
		st := store.NewMemoryStore()
		s := newTestServer(st)
		req := httptest.NewRequest(http.MethodPost, "/order/process", bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		s.handleOrder(domain.KindProcess)(rec, req)

		So(rec.Code, ShouldEqual, http.StatusBadRequest)
	})

	Convey("STORE against an empty slot is accepted", t, func() {
		st := store.NewMemoryStore()
		s := newTestServer(st)
		req := httptest.NewRequest(http.MethodPost, "/order/store", bytes.NewBufferString(`{"slot":"A1","flavor":"CHOCO"}`))
		rec := httptest.NewRecorder()
		s.handleOrder(domain.KindStore)(rec, req)

		So(rec.Code, ShouldEqual, http.StatusAccepted)
	})
}
