package clock

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestClock(t *testing.T) {
	Convey("Given a clock ticking every 10ms", t, func() {
		c := New(10 * time.Millisecond)
		sub := c.Subscribe()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.Run(ctx)

		Convey("Subscribers receive ticks in increasing N order", func() {
			first := <-sub
			second := <-sub
			So(first.N, ShouldEqual, uint64(1))
			So(second.N, ShouldEqual, uint64(2))
			So(second.T, ShouldBeGreaterThan, first.T)
		})

		Convey("DT is always the nominal period, never stretched", func() {
			for i := 0; i < 3; i++ {
				tick := <-sub
				So(tick.DT, ShouldEqual, 10*time.Millisecond)
			}
		})
	})

	Convey("Given a slow subscriber", t, func() {
		c := New(5 * time.Millisecond)
		c.ackTimeout = time.Millisecond // force overruns quickly for the test
		sub := c.Subscribe()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.Run(ctx)

		Convey("Overruns accrue instead of blocking the clock", func() {
			time.Sleep(50 * time.Millisecond)
			So(c.Overruns(0), ShouldBeGreaterThan, uint64(0))
			// Drain whatever the subscriber did manage to receive so the
			// publish goroutines for those ticks don't leak past the test.
			for {
				select {
				case <-sub:
				default:
					return
				}
			}
		})
	})
}
