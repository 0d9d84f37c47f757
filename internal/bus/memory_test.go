package bus

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryBus(t *testing.T) {
	Convey("Given a connected memory bus", t, func() {
		b := NewMemoryBus(4)
		ctx := context.Background()

		Convey("Subscribers matching a pattern receive published messages", func() {
			received := make(chan Message, 1)
			unsub := b.Subscribe(CommandTopic("hbw", "*"), func(m Message) {
				received <- m
			})
			defer unsub()

			err := b.Publish(ctx, CommandTopic("hbw", "move"), []byte(`{"target":"A1"}`))
			So(err, ShouldBeNil)

			msg := <-received
			So(msg.Topic, ShouldEqual, "stf/hbw/cmd/move")
		})

		Convey("Unrelated topics are not delivered", func() {
			received := make(chan Message, 1)
			unsub := b.Subscribe(CommandTopic("conveyor", "*"), func(m Message) {
				received <- m
			})
			defer unsub()

			_ = b.Publish(ctx, CommandTopic("hbw", "move"), []byte(`{}`))
			select {
			case <-received:
				t.Fatal("should not have received a message for an unrelated topic")
			default:
			}
		})
	})

	Convey("Given a disconnected memory bus", t, func() {
		b := NewMemoryBus(2)
		b.SetConnected(false)
		ctx := context.Background()

		Convey("Publishes are buffered and flushed on reconnect", func() {
			_ = b.Publish(ctx, StatusTopic("hbw"), []byte(`{"seq":1}`))
			_ = b.Publish(ctx, StatusTopic("hbw"), []byte(`{"seq":2}`))

			received := make(chan Message, 4)
			unsub := b.Subscribe(StatusTopic("hbw"), func(m Message) { received <- m })
			defer unsub()

			b.SetConnected(true)

			first := <-received
			second := <-received
			So(string(first.Payload), ShouldEqual, `{"seq":1}`)
			So(string(second.Payload), ShouldEqual, `{"seq":2}`)
		})

		Convey("Overflowing the buffer drops the oldest message", func() {
			_ = b.Publish(ctx, StatusTopic("hbw"), []byte(`1`))
			_ = b.Publish(ctx, StatusTopic("hbw"), []byte(`2`))
			_ = b.Publish(ctx, StatusTopic("hbw"), []byte(`3`))

			So(b.DropCount(), ShouldEqual, uint64(1))
			So(len(b.buffer), ShouldEqual, 2)
			So(string(b.buffer[0].Payload), ShouldEqual, "2")
		})
	})
}
