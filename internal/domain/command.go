package domain

import "time"

// CommandID is a monotonically assigned queue row identifier.
type CommandID int64

// CommandKind is the high-level order type the executor decomposes into
// device operations.
type CommandKind string

const (
	KindStore         CommandKind = "STORE"
	KindRetrieve      CommandKind = "RETRIEVE"
	KindProcess       CommandKind = "PROCESS"
	KindMove          CommandKind = "MOVE"
	KindReset         CommandKind = "RESET"
	KindEmergencyStop CommandKind = "EMERGENCY_STOP"
)

// CommandStatus is a queue row's lifecycle position. Transitions follow the
// linear order Pending -> InProgress -> {Completed, Failed}; once terminal,
// a row is immutable (spec.md §3).
type CommandStatus string

const (
	StatusPending    CommandStatus = "PENDING"
	StatusInProgress CommandStatus = "IN_PROGRESS"
	StatusCompleted  CommandStatus = "COMPLETED"
	StatusFailed     CommandStatus = "FAILED"
)

// Terminal reports whether no further transition is legal.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DeviceSet is the (unordered) set of devices a command will touch, used to
// detect overlap for the executor's concurrency rule (spec.md §4.4): a
// command on device set D blocks any other PENDING command whose device set
// intersects D.
type DeviceSet map[DeviceID]struct{}

// NewDeviceSet builds a DeviceSet from the given devices.
func NewDeviceSet(devices ...DeviceID) DeviceSet {
	ds := make(DeviceSet, len(devices))
	for _, d := range devices {
		ds[d] = struct{}{}
	}
	return ds
}

// Intersects reports whether ds and other share any device.
func (ds DeviceSet) Intersects(other DeviceSet) bool {
	small, big := ds, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for d := range small {
		if _, ok := big[d]; ok {
			return true
		}
	}
	return false
}

// Params is the opaque parameter blob attached to a command, e.g.
// {"flavor": "CHOCO"} for STORE or {"slot": "A1"} for RETRIEVE/PROCESS.
type Params map[string]any

// Command is a queue row: one factory order decomposed by the executor into
// one or more device operations.
type Command struct {
	ID       CommandID
	Kind     CommandKind
	Slot     SlotID // optional, empty if not targeted
	Params   Params
	Status   CommandStatus
	Devices  DeviceSet // populated once claimed, used for overlap detection

	ExecutorID string // identity of the executor instance that claimed this row

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Result string // human-readable terminal message
}

// Less orders two PENDING commands per the tie-break rule in spec.md §4.4:
// older created_at wins, ties break on numerically smaller id.
func (c *Command) Less(other *Command) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}
