// Package clock implements the single logical ticker described in
// spec.md §4.1: a fixed-period monotonic pulse, fanned out to any number of
// subscribers (device simulators) with the guarantee that a subscriber's
// handler for tick n completes before it receives tick n+1. Missed
// deadlines are recorded as overruns and the next tick is scheduled
// immediately rather than catching up by stretching dt.
//
// Grounded on the teacher's dm-vev-adamant-style tick loop (time.NewTicker
// plus an overrun counter). Run fans each tick out with one send goroutine
// per subscriber; channerics.Broadcast backs only the separate Broadcast
// helper below.
package clock

import (
	"context"
	"sync"
	"time"

	channerics "github.com/niceyeti/channerics/channels"
)

// Tick is one discrete simulated time step.
type Tick struct {
	// T is the monotonic simulated timestamp: tick count * nominal period.
	T time.Duration
	// DT is the nominal period; always the configured period, never
	// stretched to "catch up" (spec.md §4.1).
	DT time.Duration
	// N is the tick sequence number, starting at 1.
	N uint64
}

// Clock emits Tick events at a fixed period and fans them out to
// subscribers, each on its own unbuffered channel, so that a slow
// subscriber cannot delay delivery to the others — it only delays its own
// next tick and accrues overruns.
type Clock struct {
	period time.Duration

	mu          sync.Mutex
	subscribers []chan Tick
	overruns    map[int]uint64 // subscriber index -> overrun count

	ackTimeout time.Duration
}

// New returns a Clock that will emit ticks every period once Run is called.
func New(period time.Duration) *Clock {
	return &Clock{
		period:     period,
		overruns:   make(map[int]uint64),
		ackTimeout: period, // a subscriber gets one full period to consume a tick before it's counted an overrun
	}
}

// Subscribe registers a new subscriber and returns its tick channel. Must
// be called before Run starts, or while Run is not actively publishing
// (the zero-value mutex in Clock only protects bookkeeping, not emission
// ordering across a live Run).
func (c *Clock) Subscribe() <-chan Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Tick)
	c.subscribers = append(c.subscribers, ch)
	c.overruns[len(c.subscribers)-1] = 0
	return ch
}

// Overruns returns the overrun count observed for the subscriber at index
// idx (the order Subscribe was called in).
func (c *Clock) Overruns(idx int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overruns[idx]
}

// Run drives the ticker until ctx is cancelled. Ticks are delivered to all
// subscribers concurrently; Run waits up to ackTimeout for each subscriber
// to receive its tick before moving on, recording an overrun and dropping
// that subscriber's tick if it doesn't. This is the non-overlapping-tick
// guarantee from spec.md §4.1: a handler that is still processing tick n
// will not be sent tick n+1 — it will simply miss it and be charged an
// overrun, and the clock schedules the next tick at the next period
// boundary regardless (no catch-up by advancing dt).
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	var n uint64
	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			elapsed += c.period
			tick := Tick{T: elapsed, DT: c.period, N: n}
			c.publish(ctx, tick)
		}
	}
}

func (c *Clock) publish(ctx context.Context, tick Tick) {
	c.mu.Lock()
	subs := make([]chan Tick, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for i, sub := range subs {
		i, sub := i, sub
		go func() {
			defer wg.Done()
			select {
			case sub <- tick:
			case <-time.After(c.ackTimeout):
				c.mu.Lock()
				c.overruns[i]++
				c.mu.Unlock()
			case <-ctx.Done():
			}
		}()
	}
	wg.Wait()
}

// Broadcast fans a single upstream channel of Ticks out to n downstream
// channels using the teacher's channerics combinator, for components (like
// the Broadcast Hub) that want to observe the same tick stream a simulator
// consumes without coupling to the Clock directly.
func Broadcast(done <-chan struct{}, source <-chan Tick, n int) []<-chan Tick {
	return channerics.Broadcast(done, source, n)
}
