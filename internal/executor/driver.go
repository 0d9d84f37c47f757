package executor

import (
	"context"
	"encoding/json"
	"time"

	"stf/internal/bus"
	"stf/internal/broadcast"
	"stf/internal/domain"
	"stf/internal/simulate"
	"stf/internal/store"
)

// driver is the effect-applying shell around the pure step function for one
// claimed command: it owns the bus subscriptions that turn device status
// snapshots into evArrived events, the per-op timer that turns a stalled
// operation into evOpTimeout, and the store/bus calls every effect performs.
type driver struct {
	exec    *Executor
	ctx     context.Context
	cmd     *domain.Command
	slot    *domain.Slot
	carrier *domain.Carrier
	cookie  *domain.Cookie

	state      runState
	stopSignal <-chan struct{}

	events chan timedEvent
	gen    int64 // bumped every time a new op's wait/timeout is armed

	timer    *time.Timer
	unsubAll []func()
}

// timedEvent tags an event with the generation it was armed under, so a
// timer or subscription callback from a superseded op attempt (e.g. an
// idempotent retry) cannot spuriously advance the FSM.
type timedEvent struct {
	ev  event
	gen int64
}

func (d *driver) run() {
	d.events = make(chan timedEvent, 16)
	d.subscribeDevices()
	defer d.cleanup()

	d.dispatch(event{kind: evStart})
	for !d.state.done && !d.state.failed {
		select {
		case te := <-d.events:
			if te.gen != d.gen {
				continue
			}
			d.dispatch(te.ev)
		case <-d.stopSignal:
			d.dispatch(event{kind: evEmergencyStop})
		case <-d.ctx.Done():
			d.dispatch(event{kind: evOpTimeout})
		}
	}
}

func (d *driver) cleanup() {
	if d.timer != nil {
		d.timer.Stop()
	}
	for _, unsub := range d.unsubAll {
		unsub()
	}
}

func (d *driver) subscribeDevices() {
	for device := range d.cmd.Devices {
		device := device
		unsub := d.exec.bus.Subscribe(bus.StatusTopic(string(device)), func(msg bus.Message) {
			var snap simulate.StatusSnapshot
			if err := json.Unmarshal(msg.Payload, &snap); err != nil {
				return
			}
			d.onSnapshot(snap)
		})
		d.unsubAll = append(d.unsubAll, unsub)
	}
}

func (d *driver) onSnapshot(snap simulate.StatusSnapshot) {
	gen := d.gen
	if d.state.index >= len(d.state.plan) {
		return
	}
	cur := d.state.plan[d.state.index]
	if cur.arrived == nil || cur.device != snap.Device {
		return
	}
	if cur.arrived(snap) {
		d.send(event{kind: evArrived}, gen)
	}
}

func (d *driver) send(ev event, gen int64) {
	select {
	case d.events <- timedEvent{ev: ev, gen: gen}:
	default:
	}
}

func (d *driver) dispatch(ev event) {
	state, effects := step(d.state, ev)
	d.state = state
	d.applyEffects(effects)
}

func (d *driver) applyEffects(effects []effect) {
	for _, eff := range effects {
		switch eff.kind {
		case effSendCommand:
			d.sendCommand(eff.op)
		case effStartWait:
			d.startWait(eff.op)
		case effCommitProgress:
			d.commitProgress(eff.message)
		case effCommitTerminal:
			d.commitTerminal(eff.message)
		case effSafePark:
			d.safePark()
		case effAlert:
			d.alert(eff.message)
		}
	}
}

func (d *driver) sendCommand(o op) {
	if o.device == "" {
		return
	}
	payload, err := json.Marshal(o.env)
	if err != nil {
		return
	}
	_ = d.exec.bus.Publish(d.ctx, bus.CommandTopic(string(o.device), o.env.Action), payload)
}

// startWait arms the condition that will eventually produce the op's
// completion event: an immediate self-transition for data-only ops
// (lock/unlock/update-cookie), a fixed timer for opWait, or a bounded
// per-operation deadline for device ops (whose completion instead arrives
// through onSnapshot).
func (d *driver) startWait(o op) {
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}

	switch o.kind {
	case opLockCarrier:
		if d.carrier != nil {
			d.carrier.Lock(d.cmd.ID)
		}
		d.send(event{kind: evArrived}, gen)
		return
	case opUnlockCarrier:
		if d.carrier != nil {
			d.carrier.Unlock()
		}
		d.send(event{kind: evArrived}, gen)
		return
	case opUpdateCookie:
		if d.cookie != nil {
			d.cookie.Advance(o.cookieStatus)
		}
		d.send(event{kind: evArrived}, gen)
		return
	}

	deadline := d.exec.cfg.OperationTimeout
	if o.kind == opWait {
		deadline = o.wait
	}
	d.timer = time.NewTimer(deadline)
	go func(t *time.Timer, gen int64) {
		<-t.C
		if o.kind == opWait {
			d.send(event{kind: evArrived}, gen)
		} else {
			d.send(event{kind: evOpTimeout}, gen)
		}
	}(d.timer, gen)
}

func (d *driver) commitProgress(message string) {
	_ = d.exec.st.CommitProgress(d.ctx, d.cmd.ID, message)
}

func (d *driver) commitTerminal(message string) {
	status := domain.StatusCompleted
	if d.state.failed {
		status = domain.StatusFailed
		message = d.state.failReason
	}
	d.cmd.Status = status
	d.cmd.Result = message

	update := store.TerminalUpdate{Command: d.cmd}
	if d.slot != nil && d.carrier != nil && d.cookie != nil {
		switch d.cmd.Kind {
		case domain.KindStore:
			d.slot.Occupant = d.carrier.ID
			d.carrier.Zone = domain.ZoneHBW
		case domain.KindRetrieve:
			d.slot.Occupant = ""
			d.carrier.Zone = domain.ZoneVGR
		case domain.KindProcess:
			d.carrier.Zone = domain.ZoneHBW
		}
		update.Slot = d.slot
		update.Carrier = d.carrier
		update.Cookie = d.cookie
	}
	cookieID := ""
	if d.cookie != nil {
		cookieID = d.cookie.ID
	}
	update.History = historyFor(d.cmd, cookieID, status, message)

	if err := d.exec.st.CommitTerminal(d.ctx, update); err != nil {
		d.exec.log.Error().Err(err).Int64("command_id", int64(d.cmd.ID)).Msg("commit terminal")
	}
}

// safePark stops every device this command touched in place, per spec.md
// §4.4's failure path: a failed FSM leaves devices parked, not mid-motion.
func (d *driver) safePark() {
	for device := range d.cmd.Devices {
		payload, _ := json.Marshal(simulate.CommandEnvelope{Action: simulate.ActionStop})
		_ = d.exec.bus.Publish(d.ctx, bus.CommandTopic(string(device), simulate.ActionStop), payload)
	}
	if d.carrier != nil {
		d.carrier.Unlock()
	}
}

func (d *driver) alert(message string) {
	alert := domain.Alert{
		Severity: domain.SeverityCritical, Source: "executor", Message: message,
		CommandID: d.cmd.ID, Timestamp: time.Now(),
	}
	_ = d.exec.st.InsertAlert(d.ctx, alert)
	if d.exec.hub != nil {
		d.exec.hub.Publish(broadcast.Event{Kind: "alert", Timestamp: alert.Timestamp, Payload: alert})
	}
}
