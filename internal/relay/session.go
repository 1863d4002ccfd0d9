package relay

import (
	"time"

	"github.com/sonara/pbx/internal/media"
)

// HoldMode selects which media directions stop while a call is held.
// Hold is an application-layer mute: sockets and learned addresses
// stay intact so resume is instant.
type HoldMode int

const (
	// HoldOff restores full duplex.
	HoldOff HoldMode = iota
	// HoldOneWay silences audio toward the holder while the holder's
	// own stream (music on hold) keeps flowing. This is a sendonly
	// re-INVITE from the holder.
	HoldOneWay
	// HoldFull silences both directions, for an inactive re-INVITE.
	HoldFull
)

// MediaSession is one call's media path. Two concrete variants exist:
// RelayedSession forwards between two remote legs, DirectSession
// terminates media locally for IVR. The call state machine holds the
// interface and does not care which it has.
type MediaSession interface {
	// CallerPort is the local RTP port advertised to the caller.
	CallerPort() int

	// Codec returns the negotiated codec.
	Codec() media.Codec

	// Start launches the session's media tasks. The session must be
	// started before any local playback so early packets land on a
	// bound port instead of being dropped.
	Start() error

	// SetCallerRemote reseeds the caller leg's address, on re-INVITE.
	SetCallerRemote(addr string, port int) error

	// SetHeld applies the hold mode the caller negotiated, without
	// tearing the session down, so hold does not churn ports.
	SetHeld(mode HoldMode)

	// Quality returns the current worst-stream quality estimate.
	Quality() media.QualityReport

	// Stop tears the session down and releases its ports. Safe to
	// call more than once; it blocks until the media tasks exit.
	Stop()
}

// SessionConfig carries the settings shared by both session variants.
type SessionConfig struct {
	CallID  string
	Codec   media.Codec
	EventPT uint8 // negotiated telephone-event payload type, 0 if none

	// MediaTimeout tears the session down after this long without
	// inbound media. Zero disables the watchdog.
	MediaTimeout time.Duration

	// OnTimeout is invoked at most once, on its own goroutine, when
	// the media timeout trips. Calling Stop from it is fine.
	OnTimeout func()
}
