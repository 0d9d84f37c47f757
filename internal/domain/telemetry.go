package domain

import "time"

// TelemetrySample is an append-only per-tick record of a device's coarse
// status, used for replay-based property tests (spec.md §8: "replaying a
// persisted status stream reproduces the final device snapshot").
type TelemetrySample struct {
	Device    DeviceID
	Seq       uint64
	Timestamp time.Time
	Status    DeviceStatus
	Position  Vec3
}

// EnergySample is an append-only energy reading.
type EnergySample struct {
	Device          DeviceID
	Timestamp       time.Time
	Watts           float64
	CumulativeWattS float64
}

// AlertSeverity classifies an Alert for downstream filtering/paging.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is an append-only operational event, e.g. a hardware failure, a
// safety trip, or a micro-stoppage from the wear model.
type Alert struct {
	ID        int64
	Severity  AlertSeverity
	Source    string // component or device id
	Message   string
	CommandID CommandID // zero if not command-scoped
	Timestamp time.Time
}

// LogEntry is an append-only structured log record mirrored into the store
// for operators who cannot tail process stdout (e.g. after a restart).
// CommandID is zero when the entry isn't scoped to one command, mirroring
// Alert's convention.
type LogEntry struct {
	ID        int64
	Level     string
	Component string
	Message   string
	CommandID CommandID
	Timestamp time.Time
}

// OrderHistory is a denormalized snapshot of a completed or failed command,
// written once at the terminal transition so the edge can show full cookie
// provenance without re-joining Command/Cookie/Slot tables.
type OrderHistory struct {
	CommandID   CommandID
	Kind        CommandKind
	Slot        SlotID
	CookieID    string
	FinalStatus CommandStatus
	Result      string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// ResumeEvent records an operator-issued emergency-stop or resume action,
// used to enforce spec.md §8 invariant 6: no command transitions to
// IN_PROGRESS until a subsequent resume event is recorded.
type ResumeEvent struct {
	ID        int64
	Kind      string // "EMERGENCY_STOP" or "RESUME"
	Timestamp time.Time
}
