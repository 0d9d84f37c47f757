package domain

import "time"

// CookieStatus is a forward-only lifecycle position.
type CookieStatus int

const (
	RawDough CookieStatus = iota
	Baked
	Packaged
	Shipped
)

func (s CookieStatus) String() string {
	switch s {
	case RawDough:
		return "RAW_DOUGH"
	case Baked:
		return "BAKED"
	case Packaged:
		return "PACKAGED"
	case Shipped:
		return "SHIPPED"
	default:
		return "UNKNOWN"
	}
}

// CanAdvanceTo reports whether next is a legal forward transition from s.
// The observed status sequence must be a prefix of
// RAW_DOUGH, BAKED, PACKAGED, SHIPPED (spec.md §8 invariant 3), so only the
// immediate next step is legal.
func (s CookieStatus) CanAdvanceTo(next CookieStatus) bool {
	return next == s+1
}

// BatchID identifies a production batch a Cookie belongs to.
type BatchID string

// Cookie is a single baked good tracked through its lifecycle. At most one
// Cookie occupies a given Carrier at a time.
type Cookie struct {
	ID       string
	Batch    BatchID
	Flavor   string
	Expiry   time.Time
	Status   CookieStatus
	Carrier  CarrierID
	Slot     SlotID
	Created  time.Time
	Archived bool
}

// Advance moves the cookie forward one lifecycle step, rejecting any
// attempt to move backward or skip.
func (c *Cookie) Advance(next CookieStatus) bool {
	if !c.Status.CanAdvanceTo(next) {
		return false
	}
	c.Status = next
	return true
}
