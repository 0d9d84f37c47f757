// Package executor implements the command executor from spec.md §4.4: a
// bounded-interval poll loop that atomically claims PENDING queue rows and
// drives each claimed command through a per-kind finite-state machine of
// device operations.
//
// Per the design note in spec.md §9, a command's FSM is a tagged variant
// over operation kinds (op) stepped by a single pure function, step, rather
// than a subclass hierarchy per command kind — different kinds differ only
// in the op sequence buildPlan produces for them.
package executor

import (
	"time"

	"stf/internal/domain"
	"stf/internal/simulate"
)

// opKind tags the variant of a single device operation in a command's plan.
type opKind int

const (
	opMoveTo opKind = iota
	opGripper
	opBeltRun
	opBeltStop
	opWait
	opUpdateCookie
	opLockCarrier
	opUnlockCarrier
	opDeviceCommand // generic pass-through, used by the MOVE command kind
)

// op is one step of a command's device operation plan.
type op struct {
	kind opKind

	device domain.DeviceID
	env    simulate.CommandEnvelope

	wait time.Duration // opWait duration

	cookieStatus domain.CookieStatus // opUpdateCookie target status

	// arrived reports whether snap satisfies this op's terminal condition.
	// nil for ops that complete as soon as they are sent (lock/unlock/
	// update-cookie) or after a fixed wait.
	arrived func(snap simulate.StatusSnapshot) bool

	// idempotent ops are re-sent on timeout, at most maxIdempotentRetries
	// times, instead of failing the command outright. Every retry waits the
	// same per-operation timeout as the first attempt; the deadline is not
	// shortened between attempts.
	idempotent bool
}

// maxIdempotentRetries bounds the retry count for idempotent ops (spec.md
// §4.4).
const maxIdempotentRetries = 3

// runState is the FSM's mutable state between step calls.
type runState struct {
	plan  []op
	index int

	retries    int
	opDeadline time.Time

	done       bool
	failed     bool
	failReason string
}

// eventKind tags the variant of event fed into step.
type eventKind int

const (
	evStart eventKind = iota
	evArrived
	evOpTimeout
	evEmergencyStop
)

type event struct {
	kind eventKind
}

// effectKind tags the variant of side effect step asks the driver to
// perform.
type effectKind int

const (
	effSendCommand effectKind = iota
	effStartWait
	effCommitProgress
	effCommitTerminal
	effSafePark
	effAlert
)

type effect struct {
	kind    effectKind
	op      op
	message string
}

// step is the pure transition function: given the current state and one
// incoming event, it returns the next state and the effects the driver must
// perform. It never performs I/O itself.
func step(state runState, ev event) (runState, []effect) {
	if state.done || state.failed {
		return state, nil
	}

	switch ev.kind {
	case evEmergencyStop:
		state.failed = true
		state.failReason = "EMERGENCY_STOP"
		return state, []effect{
			{kind: effSafePark},
			{kind: effAlert, message: "emergency stop"},
			{kind: effCommitTerminal, message: "EMERGENCY_STOP"},
		}

	case evStart:
		return startCurrentOp(state)

	case evArrived:
		if state.index >= len(state.plan) {
			return state, nil
		}
		state.index++
		state.retries = 0
		effects := []effect{{kind: effCommitProgress, message: progressMessage(state)}}
		if state.index >= len(state.plan) {
			state.done = true
			effects = append(effects, effect{kind: effCommitTerminal, message: "OK"})
			return state, effects
		}
		next, startEffects := startCurrentOp(state)
		return next, append(effects, startEffects...)

	case evOpTimeout:
		if state.index >= len(state.plan) {
			return state, nil
		}
		cur := state.plan[state.index]
		if cur.idempotent && state.retries < maxIdempotentRetries {
			state.retries++
			return state, []effect{{kind: effSendCommand, op: cur}, {kind: effStartWait, op: cur}}
		}
		state.failed = true
		state.failReason = "TIMEOUT"
		return state, []effect{
			{kind: effSafePark},
			{kind: effAlert, message: "operation timeout"},
			{kind: effCommitTerminal, message: "TIMEOUT"},
		}
	}
	return state, nil
}

func startCurrentOp(state runState) (runState, []effect) {
	if state.index >= len(state.plan) {
		state.done = true
		return state, []effect{{kind: effCommitTerminal, message: "OK"}}
	}
	cur := state.plan[state.index]
	switch cur.kind {
	case opWait, opLockCarrier, opUnlockCarrier, opUpdateCookie:
		return state, []effect{{kind: effStartWait, op: cur}}
	default:
		return state, []effect{{kind: effSendCommand, op: cur}, {kind: effStartWait, op: cur}}
	}
}

func progressMessage(state runState) string {
	if state.index <= 0 || state.index > len(state.plan) {
		return "advancing"
	}
	return opKindName(state.plan[state.index-1].kind) + " complete"
}

func opKindName(k opKind) string {
	switch k {
	case opMoveTo:
		return "move"
	case opGripper:
		return "gripper"
	case opBeltRun:
		return "belt_run"
	case opBeltStop:
		return "belt_stop"
	case opWait:
		return "wait"
	case opUpdateCookie:
		return "update_cookie"
	case opLockCarrier:
		return "lock_carrier"
	case opUnlockCarrier:
		return "unlock_carrier"
	case opDeviceCommand:
		return "device_command"
	default:
		return "unknown"
	}
}
