package broadcast

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestHub(t *testing.T) {
	Convey("Given a hub with a small buffer depth", t, func() {
		h := NewHub(2)

		Convey("A subscriber receives published events in order", func() {
			sub := h.Subscribe()
			defer sub.Close()

			h.Publish(Event{Kind: "device", Payload: 1})
			h.Publish(Event{Kind: "device", Payload: 2})

			first := <-sub.Events()
			second := <-sub.Events()
			So(first.Payload, ShouldEqual, 1)
			So(second.Payload, ShouldEqual, 2)
		})

		Convey("A slow subscriber drops the oldest event on overflow instead of blocking Publish", func() {
			sub := h.Subscribe()
			defer sub.Close()

			done := make(chan struct{})
			go func() {
				for i := 0; i < 10; i++ {
					h.Publish(Event{Kind: "device", Payload: i})
				}
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("Publish blocked on a slow subscriber")
			}

			So(sub.DropCount(), ShouldBeGreaterThan, 0)
		})

		Convey("Closing a subscription detaches it from the hub", func() {
			sub := h.Subscribe()
			So(h.SubscriberCount(), ShouldEqual, 1)
			sub.Close()
			So(h.SubscriberCount(), ShouldEqual, 0)
		})
	})
}
