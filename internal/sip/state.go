package sip

import (
	"context"

	"github.com/looplab/fsm"
)

// Call lifecycle states. A call is created Idle, moves through Trying and
// Ringing to Connected, may bounce between Connected and Held, and always
// ends Terminated. Answering straight from Trying is not a legal transition:
// the 180 must go out before the 200 so the caller's device generates
// ring-back, and the machine enforces that ordering.
const (
	StateIdle       = "idle"
	StateTrying     = "trying"
	StateRinging    = "ringing"
	StateConnected  = "connected"
	StateHeld       = "held"
	StateTerminated = "terminated"
)

// Call events.
const (
	eventInvite = "invite"
	eventRing   = "ring"
	eventAnswer = "answer"
	eventHold   = "hold"
	eventResume = "resume"
	eventHangup = "hangup"
)

func newCallFSM(onChange func(src, dst string)) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventInvite, Src: []string{StateIdle}, Dst: StateTrying},
			{Name: eventRing, Src: []string{StateTrying}, Dst: StateRinging},
			{Name: eventAnswer, Src: []string{StateRinging}, Dst: StateConnected},
			{Name: eventHold, Src: []string{StateConnected}, Dst: StateHeld},
			{Name: eventResume, Src: []string{StateHeld}, Dst: StateConnected},
			{Name: eventHangup, Src: []string{StateIdle, StateTrying, StateRinging, StateConnected, StateHeld}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onChange != nil && e.Src != e.Dst {
					onChange(e.Src, e.Dst)
				}
			},
		},
	)
}

// Transfer sub-state (RFC 3515 REFER). Runs alongside the call machine:
// a transfer starts from Connected, and either completes (the call then
// terminates, original leg released) or fails (the call stays Connected).
const (
	TransferNone      = "none"
	TransferInitiated = "initiated"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

const (
	eventRefer          = "refer"
	eventTransferDone   = "transfer_done"
	eventTransferFailed = "transfer_failed"
	eventTransferReset  = "transfer_reset"
)

func newTransferFSM() *fsm.FSM {
	return fsm.NewFSM(
		TransferNone,
		fsm.Events{
			{Name: eventRefer, Src: []string{TransferNone, TransferFailed}, Dst: TransferInitiated},
			{Name: eventTransferDone, Src: []string{TransferInitiated}, Dst: TransferCompleted},
			{Name: eventTransferFailed, Src: []string{TransferInitiated}, Dst: TransferFailed},
			{Name: eventTransferReset, Src: []string{TransferCompleted, TransferFailed}, Dst: TransferNone},
		}, nil,
	)
}
