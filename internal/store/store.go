// Package store is the persistence boundary spec.md treats as an external
// relational store: the queue table keyed (id, status) and
// (status, created_at), device/slot tables keyed by identifier, and
// append-only telemetry/energy/alert tables keyed (device, timestamp)
// (spec.md §6). Per the design note in spec.md §9 ("where the source
// relies on a shared ORM session, redesign as a single-writer event
// pipeline"), every mutation goes through this single interface rather
// than components sharing a database handle directly.
package store

import (
	"context"
	"time"

	"stf/internal/domain"
)

// ErrNotFound is returned by lookups that find no matching row.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return "store: not found: " + e.What }

// ErrConflict is returned by CommitTerminal when the command is already in
// a terminal state. ClaimNext does not return it: a lost claim race just
// moves on to the next candidate.
type ErrConflict struct{ What string }

func (e ErrConflict) Error() string { return "store: conflict: " + e.What }

// ClaimFilter decides whether a PENDING command is currently blocked by an
// in-progress command sharing a device (spec.md §4.4). It is evaluated
// inside the same atomic claim step so the decision and the write are
// linearised together.
type ClaimFilter func(candidate *domain.Command) (blocked bool)

// TerminalUpdate bundles everything a terminal FSM transition writes in a
// single commit (spec.md §4.4: "the row update on terminal transitions
// also updates any affected Cookie/Slot/Carrier rows in the same
// transaction").
type TerminalUpdate struct {
	Command  *domain.Command
	Cookie   *domain.Cookie  // nil if unaffected
	Slot     *domain.Slot    // nil if unaffected
	Carrier  *domain.Carrier // nil if unaffected
	History  *domain.OrderHistory
}

// Store is the full persistence surface. Implementations must make
// InsertCommand / ClaimNext / CommitTerminal linearisable with respect to
// concurrent callers (spec.md §4.4: "the claim step is linearisable").
type Store interface {
	// Commands
	InsertCommand(ctx context.Context, cmd *domain.Command) (domain.CommandID, error)
	GetCommand(ctx context.Context, id domain.CommandID) (*domain.Command, error)
	ListCommands(ctx context.Context, status domain.CommandStatus) ([]*domain.Command, error)
	ClaimNext(ctx context.Context, executorID string, filter ClaimFilter) (*domain.Command, error)
	CommitProgress(ctx context.Context, id domain.CommandID, note string) error
	CommitTerminal(ctx context.Context, update TerminalUpdate) error

	// Slots / carriers / cookies
	GetSlot(ctx context.Context, id domain.SlotID) (*domain.Slot, error)
	ListSlots(ctx context.Context) ([]*domain.Slot, error)
	UpsertSlot(ctx context.Context, slot *domain.Slot) error
	GetCookie(ctx context.Context, id string) (*domain.Cookie, error)
	ListCookies(ctx context.Context) ([]*domain.Cookie, error)
	UpsertCookie(ctx context.Context, cookie *domain.Cookie) error
	GetCarrier(ctx context.Context, id domain.CarrierID) (*domain.Carrier, error)
	UpsertCarrier(ctx context.Context, carrier *domain.Carrier) error

	// Append-only records
	InsertTelemetry(ctx context.Context, sample domain.TelemetrySample) error
	InsertEnergySample(ctx context.Context, sample domain.EnergySample) error
	InsertAlert(ctx context.Context, alert domain.Alert) error
	InsertLog(ctx context.Context, entry domain.LogEntry) error
	InsertResumeEvent(ctx context.Context, event domain.ResumeEvent) error
	LatestResumeEvent(ctx context.Context) (*domain.ResumeEvent, error)
	ListHistory(ctx context.Context, limit, offset int) ([]*domain.OrderHistory, error)

	// PruneTelemetry deletes telemetry/energy rows for device beyond the
	// most recent keep rows, resolving the retention Open Question per
	// SPEC_FULL.md §9.
	PruneTelemetry(ctx context.Context, device domain.DeviceID, keep int) error

	Close() error
}

// EmergencyStopped reports whether the most recent resume-event kind is
// "EMERGENCY_STOP" (no subsequent "RESUME" recorded), enforcing spec.md §8
// invariant 6.
func EmergencyStopped(ctx context.Context, s Store) (bool, error) {
	ev, err := s.LatestResumeEvent(ctx)
	if err != nil {
		if _, ok := err.(ErrNotFound); ok {
			return false, nil
		}
		return false, err
	}
	return ev.Kind == "EMERGENCY_STOP", nil
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
