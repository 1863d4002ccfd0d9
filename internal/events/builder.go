package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder constructs call events with consistent base fields.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder with node-wide defaults.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// newBase creates a BaseEvent with common fields populated.
func (b *Builder) newBase(eventType EventType, callUUID, sipCallID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		CallUUID:  callUUID,
		SIPCallID: sipCallID,
		NodeID:    b.nodeID,
	}
}

// CallReceived builds a CallReceivedEvent for an inbound INVITE.
func (b *Builder) CallReceived(callUUID, sipCallID string, from, to Endpoint, requestURI, sourceIP, userAgent string) *CallReceivedEvent {
	return &CallReceivedEvent{
		BaseEvent:  b.newBase(CallReceived, callUUID, sipCallID),
		Direction:  DirectionInbound,
		From:       from,
		To:         to,
		RequestURI: requestURI,
		SourceIP:   sourceIP,
		UserAgent:  userAgent,
	}
}

// CallRinging builds a CallRingingEvent.
func (b *Builder) CallRinging(callUUID, sipCallID string, code int) *CallRingingEvent {
	return &CallRingingEvent{
		BaseEvent:    b.newBase(CallRinging, callUUID, sipCallID),
		ResponseCode: code,
	}
}

// CallAnswered builds a CallAnsweredEvent.
func (b *Builder) CallAnswered(callUUID, sipCallID string, m MediaInfo, setup time.Duration) *CallAnsweredEvent {
	return &CallAnsweredEvent{
		BaseEvent:       b.newBase(CallAnswered, callUUID, sipCallID),
		Media:           m,
		SetupDurationMs: setup.Milliseconds(),
	}
}

// CallBridged builds a CallBridgedEvent.
func (b *Builder) CallBridged(callUUID, sipCallID string, caller, callee MediaInfo, codec string) *CallBridgedEvent {
	return &CallBridgedEvent{
		BaseEvent:   b.newBase(CallBridged, callUUID, sipCallID),
		CallerMedia: caller,
		CalleeMedia: callee,
		BridgeCodec: codec,
	}
}

// CallHold builds a CallHoldEvent for hold or resume.
func (b *Builder) CallHold(callUUID, sipCallID string, held bool) *CallHoldEvent {
	typ := CallHeld
	if !held {
		typ = CallResumed
	}
	return &CallHoldEvent{
		BaseEvent: b.newBase(typ, callUUID, sipCallID),
		Held:      held,
	}
}

// CallEnded builds a CallEndedEvent.
func (b *Builder) CallEnded(callUUID, sipCallID string, reason EndReason) *CallEndedEvent {
	return &CallEndedEvent{
		BaseEvent: b.newBase(CallEnded, callUUID, sipCallID),
		EndReason: reason,
	}
}
