// Package atomicfloat provides a lock-free float64 box for values that are
// written by a single owning goroutine (a device simulator's tick loop) and
// read by many (the broadcast hub, the HTTP edge's snapshot readers).
package atomicfloat

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Notes:
// - consider gc side effects
// - consider race conditions
// This code 'checks out' despite the code-smell of using the unsafe package.
// But beware the tight guidelines, and minimize critical regions and pointers.
// For example, no unsafe pointer should be stored for more than a few lines of context,
// since the gc may move the original variable around, such that the original pointer
// no longer refers to the variable's location:
// 	tmp := unintptr(unsafe.Pointer(&x)) + unsafe.Offsetof(x.b)
// In this code the gc may run, see that &x is no longer referenced, move it,
// and thus tmp refers to a stale location.

// Float64 encapsulates a float64 for non-locking atomic operations. Used for
// device substate (motor health, runtime) that is written once per tick by
// its owning simulator but read concurrently by snapshot consumers.
type Float64 struct {
	val float64
}

// New returns a Float64 initialized to val.
func New(val float64) *Float64 {
	return &Float64{val: val}
}

// Load atomically reads the float64.
func (af *Float64) Load() (value float64) {
	bits := atomic.LoadUint64((*uint64)(unsafe.Pointer(&af.val)))
	return math.Float64frombits(bits)
}

// Add atomically adds addend, retrying on CAS failure. Unlike the teacher's
// original single-attempt version, this loops: the wear model's per-tick
// decrement would otherwise silently no-op under contention from a
// concurrent snapshot reader racing a Store.
func (af *Float64) Add(addend float64) (newVal float64) {
	for {
		old := af.Load()
		newVal = old + addend
		if atomic.CompareAndSwapUint64(
			(*uint64)(unsafe.Pointer(&af.val)),
			math.Float64bits(old),
			math.Float64bits(newVal),
		) {
			return
		}
	}
}

// Store atomically sets the float64.
func (af *Float64) Store(newVal float64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&af.val)), math.Float64bits(newVal))
}

// Clamp atomically adds delta to the current value, clamps the result into
// [lo, hi], and stores it. Used by the wear model to keep health in [0,1].
func (af *Float64) Clamp(delta, lo, hi float64) (newVal float64) {
	for {
		old := af.Load()
		newVal = old + delta
		if newVal < lo {
			newVal = lo
		}
		if newVal > hi {
			newVal = hi
		}
		if atomic.CompareAndSwapUint64(
			(*uint64)(unsafe.Pointer(&af.val)),
			math.Float64bits(old),
			math.Float64bits(newVal),
		) {
			return
		}
	}
}
