package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stf/internal/broadcast"
	"stf/internal/bus"
	"stf/internal/config"
	"stf/internal/domain"
	"stf/internal/simulate"
	"stf/internal/store"
	"stf/internal/xerrors"
)

// Executor polls the store for claimable commands and drives each one
// through its FSM (spec.md §4.4). Multiple Executor instances may run
// concurrently against the same store; the claim step is linearised by the
// store, and this Executor additionally tracks which devices are currently
// owned by an in-flight command of its own so its claim filter never
// contends with itself.
type Executor struct {
	id  string
	st  store.Store
	bus bus.Bus
	hub *broadcast.Hub
	cfg config.Config
	log zerolog.Logger

	mu            sync.Mutex
	activeDevices map[domain.DeviceID]domain.CommandID
	stopping      map[domain.CommandID]chan struct{} // emergency-stop signal per active command

	emergency bool
}

// New returns an Executor identified by id. hub may be nil, in which case
// terminal alerts are recorded in the store but not broadcast.
func New(id string, st store.Store, b bus.Bus, hub *broadcast.Hub, cfg config.Config, log zerolog.Logger) *Executor {
	return &Executor{
		id:            id,
		st:            st,
		bus:           b,
		hub:           hub,
		cfg:           cfg,
		log:           log.With().Str("component", "executor").Str("executor_id", id).Logger(),
		activeDevices: make(map[domain.DeviceID]domain.CommandID),
		stopping:      make(map[domain.CommandID]chan struct{}),
	}
}

// Run polls at cfg.ExecutorPoll until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ExecutorPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Executor) pollOnce(ctx context.Context) {
	stopped, err := store.EmergencyStopped(ctx, e.st)
	if err != nil {
		e.log.Error().Err(err).Msg("check emergency-stop state")
		return
	}
	if stopped {
		return // invariant 6: no claims until an operator-issued resume
	}

	cmd, err := e.st.ClaimNext(ctx, e.id, e.claimFilter)
	if err != nil {
		e.log.Error().Err(err).Msg("claim next command")
		return
	}
	if cmd == nil {
		return
	}

	devices := devicesForKind(cmd.Kind, cmd.Params)
	cmd.Devices = devices
	e.lockDevices(cmd.ID, devices)

	if cmd.Kind == domain.KindEmergencyStop {
		go e.handleEmergencyStop(ctx, cmd)
		return
	}

	go e.runCommand(ctx, cmd)
}

// claimFilter blocks any PENDING candidate whose device set intersects a
// device currently owned by one of this Executor's in-flight commands
// (spec.md §4.4: "a command on device set D blocks any other PENDING
// command whose device set intersects D").
func (e *Executor) claimFilter(candidate *domain.Command) bool {
	devices := devicesForKind(candidate.Kind, candidate.Params)
	e.mu.Lock()
	defer e.mu.Unlock()
	for d := range devices {
		if _, busy := e.activeDevices[d]; busy {
			return true
		}
	}
	return false
}

func (e *Executor) lockDevices(id domain.CommandID, devices domain.DeviceSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for d := range devices {
		e.activeDevices[d] = id
	}
	e.stopping[id] = make(chan struct{})
}

func (e *Executor) releaseDevices(id domain.CommandID, devices domain.DeviceSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for d := range devices {
		if owner, ok := e.activeDevices[d]; ok && owner == id {
			delete(e.activeDevices, d)
		}
	}
	delete(e.stopping, id)
}

// EmergencyStop signals every in-flight command's FSM to interrupt
// immediately (spec.md §4.4: "Emergency-stop interrupts all FSMs").
func (e *Executor) EmergencyStop(ctx context.Context) error {
	e.mu.Lock()
	e.emergency = true
	signals := make([]chan struct{}, 0, len(e.stopping))
	for _, ch := range e.stopping {
		signals = append(signals, ch)
	}
	e.mu.Unlock()

	for _, ch := range signals {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}

	// Broadcast an emergency action (not a plain stop) to every device so
	// each simulator's own EmergencyStop() latches its emergency flag and
	// starts ignoring further motion commands until an explicit RESET
	// (spec.md §4.2 safety rule), rather than just parking in place.
	for _, device := range []domain.DeviceID{domain.DeviceHBW, domain.DeviceVGR, domain.DeviceConveyor} {
		payload, _ := json.Marshal(simulate.CommandEnvelope{Action: simulate.ActionEmergency})
		_ = e.bus.Publish(ctx, bus.CommandTopic(string(device), simulate.ActionEmergency), payload)
	}

	return e.st.InsertResumeEvent(ctx, domain.ResumeEvent{Kind: "EMERGENCY_STOP", Timestamp: time.Now()})
}

// Resume clears the emergency-stop condition, allowing new claims.
func (e *Executor) Resume(ctx context.Context) error {
	e.mu.Lock()
	e.emergency = false
	e.mu.Unlock()
	return e.st.InsertResumeEvent(ctx, domain.ResumeEvent{Kind: "RESUME", Timestamp: time.Now()})
}

func (e *Executor) handleEmergencyStop(ctx context.Context, cmd *domain.Command) {
	defer e.releaseDevices(cmd.ID, cmd.Devices)
	err := e.EmergencyStop(ctx)
	result := "OK"
	status := domain.StatusCompleted
	if err != nil {
		result = err.Error()
		status = domain.StatusFailed
	}
	cmd.Status = status
	cmd.Result = result
	_ = e.st.CommitTerminal(ctx, store.TerminalUpdate{
		Command: cmd,
		History: historyFor(cmd, "", status, result),
	})
}

// runCommand drives cmd's FSM to completion. It is the effect-applying
// driver around the pure step function: it resolves the concrete plan,
// then loops feeding events (arrival, timeout, emergency-stop) into step
// and performing whatever effects come back.
func (e *Executor) runCommand(ctx context.Context, cmd *domain.Command) {
	defer e.releaseDevices(cmd.ID, cmd.Devices)

	deadline := time.Now().Add(e.cfg.CommandDeadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	plan, slot, carrier, cookie, err := e.prepare(ctx, cmd)
	if err != nil {
		e.fail(ctx, cmd, fmt.Sprintf("prepare: %v", err))
		return
	}

	d := &driver{
		exec: e, ctx: ctx, cmd: cmd, slot: slot, carrier: carrier, cookie: cookie,
		state: runState{plan: plan},
		stopSignal: e.stopSignalFor(cmd.ID),
	}
	d.run()
}

func (e *Executor) stopSignalFor(id domain.CommandID) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping[id]
}

// prepare resolves the slot/carrier/cookie context a plan needs and builds
// the op sequence.
func (e *Executor) prepare(ctx context.Context, cmd *domain.Command) ([]op, *domain.Slot, *domain.Carrier, *domain.Cookie, error) {
	switch cmd.Kind {
	case domain.KindStore:
		slot, err := e.resolveEmptySlot(ctx, cmd)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		flavor, _ := cmd.Params["flavor"].(string)
		carrier := &domain.Carrier{ID: domain.CarrierID(uuid.NewString()), Zone: domain.ZoneConveyor}
		cookie := &domain.Cookie{
			ID: uuid.NewString(), Flavor: flavor, Status: domain.RawDough,
			Carrier: carrier.ID, Slot: slot.ID, Created: time.Now(),
		}
		plan, err := buildPlan(cmd, slot, e.cfg.BakeTime)
		return plan, slot, carrier, cookie, err

	case domain.KindRetrieve, domain.KindProcess:
		slot, err := resolveSlot(ctx, e.st, cmd)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if slot == nil || slot.Empty() {
			return nil, nil, nil, nil, xerrors.Operational("target slot is empty", nil)
		}
		carrier, err := e.st.GetCarrier(ctx, slot.Occupant)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		cookie, err := e.findCookieInSlot(ctx, slot.ID)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if cmd.Kind == domain.KindProcess && cookie.Status != domain.RawDough {
			return nil, nil, nil, nil, xerrors.Operational("slot's cookie is not RAW_DOUGH", nil)
		}
		plan, err := buildPlan(cmd, slot, e.cfg.BakeTime)
		return plan, slot, carrier, cookie, err

	case domain.KindMove, domain.KindReset:
		plan, err := buildPlan(cmd, nil, e.cfg.BakeTime)
		return plan, nil, nil, nil, err
	}
	return nil, nil, nil, nil, fmt.Errorf("executor: unsupported command kind %s", cmd.Kind)
}

func (e *Executor) resolveEmptySlot(ctx context.Context, cmd *domain.Command) (*domain.Slot, error) {
	return FindEmptySlot(ctx, e.st, cmd.Slot)
}

// FindEmptySlot resolves slotID to an empty Slot, or auto-selects the
// lowest empty slot in domain.AllSlotIDs order when slotID is empty.
// Exported so the HTTP edge can run the exact same check a STORE command
// will run, and reject the request at the edge (spec.md §7: "operational
// errors fail the request at the edge... before it becomes a command row")
// instead of creating a PENDING row that the executor later fails.
func FindEmptySlot(ctx context.Context, st store.Store, slotID domain.SlotID) (*domain.Slot, error) {
	if slotID != "" {
		slot, err := st.GetSlot(ctx, slotID)
		if err != nil {
			return nil, err
		}
		if !slot.Empty() {
			return nil, xerrors.Operational(fmt.Sprintf("slot %s is occupied", slotID), nil)
		}
		return slot, nil
	}
	slots, err := st.ListSlots(ctx)
	if err != nil {
		return nil, err
	}
	bySlot := make(map[domain.SlotID]*domain.Slot, len(slots))
	for _, s := range slots {
		bySlot[s.ID] = s
	}
	for _, id := range domain.AllSlotIDs {
		if s, ok := bySlot[id]; ok && s.Empty() {
			return s, nil
		}
	}
	return nil, xerrors.Operational("warehouse full", nil)
}

func (e *Executor) findCookieInSlot(ctx context.Context, slotID domain.SlotID) (*domain.Cookie, error) {
	return findCookieInSlot(ctx, e.st, slotID)
}

func findCookieInSlot(ctx context.Context, st store.Store, slotID domain.SlotID) (*domain.Cookie, error) {
	cookies, err := st.ListCookies(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cookies {
		if c.Slot == slotID && !c.Archived {
			return c, nil
		}
	}
	return nil, xerrors.Operational("no cookie in target slot", nil)
}

// ValidateRetrieveOrProcess resolves and validates the slot a RETRIEVE or
// PROCESS command targets: the slot must hold a carrier, and for PROCESS
// its cookie must be RAW_DOUGH. Exported so the HTTP edge can reject these
// requests before a command row is created, reusing the same resolution
// resolveSlot/findCookieInSlot use inside the executor's own prepare step.
func ValidateRetrieveOrProcess(ctx context.Context, st store.Store, kind domain.CommandKind, slotID domain.SlotID) (*domain.Slot, *domain.Cookie, error) {
	slot, err := resolveSlot(ctx, st, &domain.Command{Kind: kind, Slot: slotID})
	if err != nil {
		return nil, nil, err
	}
	if slot == nil || slot.Empty() {
		return nil, nil, xerrors.Operational("target slot is empty", nil)
	}
	cookie, err := findCookieInSlot(ctx, st, slot.ID)
	if err != nil {
		return nil, nil, err
	}
	if kind == domain.KindProcess && cookie.Status != domain.RawDough {
		return nil, nil, xerrors.Operational("slot's cookie is not RAW_DOUGH", nil)
	}
	return slot, cookie, nil
}

func (e *Executor) fail(ctx context.Context, cmd *domain.Command, reason string) {
	cmd.Status = domain.StatusFailed
	cmd.Result = reason
	if err := e.st.CommitTerminal(ctx, store.TerminalUpdate{
		Command: cmd,
		History: historyFor(cmd, "", domain.StatusFailed, reason),
	}); err != nil {
		e.log.Error().Err(err).Int64("command_id", int64(cmd.ID)).Msg("commit terminal failure")
	}
	alert := domain.Alert{
		Severity: domain.SeverityCritical, Source: "executor", Message: reason,
		CommandID: cmd.ID, Timestamp: time.Now(),
	}
	_ = e.st.InsertAlert(ctx, alert)
	if e.hub != nil {
		e.hub.Publish(broadcast.Event{Kind: "alert", Timestamp: alert.Timestamp, Payload: alert})
	}
}

func historyFor(cmd *domain.Command, cookieID string, status domain.CommandStatus, result string) *domain.OrderHistory {
	return &domain.OrderHistory{
		CommandID: cmd.ID, Kind: cmd.Kind, Slot: cmd.Slot, CookieID: cookieID,
		FinalStatus: status, Result: result, CreatedAt: cmd.CreatedAt, CompletedAt: time.Now(),
	}
}
