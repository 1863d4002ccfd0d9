// Package events provides call lifecycle event definitions and publishing
// infrastructure. Transport-agnostic so a broker can be wired in later.
package events

import (
	"encoding/json"
	"time"

	"github.com/sonara/pbx/internal/media"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallReceived fires when an INVITE is received and accepted for processing
	CallReceived EventType = "call.received"
	// CallRinging fires when the call enters the ringing phase (180 sent or received)
	CallRinging EventType = "call.ringing"
	// CallAnswered fires when the call is answered (200 OK)
	CallAnswered EventType = "call.answered"
	// CallBridged fires when media is flowing between two legs
	CallBridged EventType = "call.bridged"
	// CallHeld fires when a leg places the call on hold
	CallHeld EventType = "call.held"
	// CallResumed fires when a held call resumes
	CallResumed EventType = "call.resumed"
	// CallEnded fires when the call terminates for any reason
	CallEnded EventType = "call.ended"
)

// EndReason explains why a call ended
type EndReason string

const (
	EndReasonNormal    EndReason = "normal"    // Normal hangup (BYE)
	EndReasonBusy      EndReason = "busy"      // 486 Busy Here
	EndReasonNoAnswer  EndReason = "no_answer" // Timeout waiting for answer
	EndReasonCancelled EndReason = "cancelled" // CANCEL from originator
	EndReasonRejected  EndReason = "rejected"  // 4xx/5xx/6xx from destination
	EndReasonError     EndReason = "error"     // Internal error
	EndReasonTimeout   EndReason = "timeout"   // ACK timeout, media timeout
	EndReasonTransfer  EndReason = "transfer"  // REFER transfer completed
)

// Direction indicates call direction relative to this node
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event is the base interface for all call events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the broker subject this event should publish to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// CallID returns the primary correlation ID
	CallID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is a unique identifier for this event instance
	EventID string `json:"event_id"`
	// EventType identifies the event
	EventType EventType `json:"event_type"`
	// EventTime is when the event occurred (RFC3339Nano)
	EventTime time.Time `json:"event_time"`
	// CallUUID is our internal unique call identifier (stable across retransmits)
	CallUUID string `json:"call_uuid"`
	// SIPCallID is the SIP Call-ID header value
	SIPCallID string `json:"sip_call_id"`
	// NodeID identifies the pbx instance
	NodeID string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.CallUUID }

// Subject returns the broker subject for routing.
// Format: pbx.calls.<call_uuid>.<event_type_suffix>
func (e *BaseEvent) Subject() string {
	suffix := string(e.EventType)[5:] // strip "call." prefix
	return "pbx.calls." + e.CallUUID + "." + suffix
}

// Endpoint represents a SIP endpoint (caller or callee)
type Endpoint struct {
	URI         string `json:"uri"`
	DisplayName string `json:"display_name,omitempty"`
	User        string `json:"user"`
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
}

// MediaInfo captures media negotiation details for one leg
type MediaInfo struct {
	LocalPort     int      `json:"local_port"`
	RemoteAddr    string   `json:"remote_addr,omitempty"`
	RemotePort    int      `json:"remote_port,omitempty"`
	OfferedCodecs []string `json:"offered_codecs,omitempty"`
	SelectedCodec string   `json:"selected_codec,omitempty"`
}

// CallReceivedEvent fires when an INVITE is received
type CallReceivedEvent struct {
	BaseEvent
	Direction  Direction `json:"direction"`
	From       Endpoint  `json:"from"`
	To         Endpoint  `json:"to"`
	RequestURI string    `json:"request_uri"`
	SourceIP   string    `json:"source_ip"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Media      MediaInfo `json:"media,omitempty"`
}

// CallRingingEvent fires when 180 is sent or received
type CallRingingEvent struct {
	BaseEvent
	ResponseCode int `json:"response_code"`
}

// CallAnsweredEvent fires on 200 OK
type CallAnsweredEvent struct {
	BaseEvent
	Media MediaInfo `json:"media,omitempty"`
	// Time from INVITE to answer
	SetupDurationMs int64 `json:"setup_duration_ms"`
}

// CallBridgedEvent fires when the relay starts forwarding between legs
type CallBridgedEvent struct {
	BaseEvent
	CallerMedia MediaInfo `json:"caller_media,omitempty"`
	CalleeMedia MediaInfo `json:"callee_media,omitempty"`
	BridgeCodec string    `json:"bridge_codec"`
}

// CallHoldEvent fires on hold and resume
type CallHoldEvent struct {
	BaseEvent
	Held bool `json:"held"`
}

// CallEndedEvent fires when the call terminates
type CallEndedEvent struct {
	BaseEvent
	EndReason       EndReason `json:"end_reason"`
	EndReasonDetail string    `json:"end_reason_detail,omitempty"`
	// SIP response that ended the call (if applicable)
	SIPResponseCode int `json:"sip_response_code,omitempty"`
	// Who initiated the hangup
	HangupSource string `json:"hangup_source,omitempty"` // "local", "remote", "system"
	// CDR-ready duration fields (in milliseconds)
	SetupDurationMs int64 `json:"setup_duration_ms"`
	TalkDurationMs  int64 `json:"talk_duration_ms"`
	TotalDurationMs int64 `json:"total_duration_ms"`
	// Final media quality snapshot
	Quality *media.QualityReport `json:"quality,omitempty"`
}

// MarshalEvent serializes an event for transport.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
