package media

import (
	"log/slog"

	"github.com/pion/rtp"
)

// DigitSource identifies which detection path produced a digit.
type DigitSource int

const (
	// SourceRFC2833 is the telephone-event packet path
	SourceRFC2833 DigitSource = iota
	// SourceInband is the Goertzel tone analysis path
	SourceInband
)

func (s DigitSource) String() string {
	if s == SourceInband {
		return "inband"
	}
	return "rfc2833"
}

// Digit is one detected DTMF keypress.
type Digit struct {
	Char   rune
	Source DigitSource
}

// DTMFDetector runs both digit detection paths against one media
// stream: RFC 4733 telephone-event packets and inband Goertzel tone
// analysis on decoded audio. Both paths feed the same digit channel;
// consumers do not care which path fired.
//
// Not safe for concurrent use; feed it from the stream's receive loop.
type DTMFDetector struct {
	eventPT uint8
	tones   *ToneDetector
	digits  chan Digit

	// telephone-event dedup state. End packets are retransmitted for
	// reliability; an event instance is identified by its code plus
	// the RTP timestamp, which stays constant for the whole event.
	lastEvent   uint8
	lastEventTS uint32
	emitted     bool
	minDuration uint16
}

// NewDTMFDetector creates a detector for a stream. eventPT is the
// negotiated telephone-event payload type; pass 0 to disable the
// packet path. codec is the negotiated audio codec; the inband path
// activates only for G.711 since that is the only encoding the engine
// decodes.
func NewDTMFDetector(eventPT uint8, codec Codec) *DTMFDetector {
	d := &DTMFDetector{
		eventPT:     eventPT,
		minDuration: MinDTMFDuration,
		digits:      make(chan Digit, 16),
	}
	if codec.IsG711() {
		d.tones = NewToneDetector(int(codec.SampleRate))
	}
	return d
}

// Digits returns the channel digit events are delivered on.
// The channel is buffered; if the consumer falls behind, further
// digits are dropped rather than stalling the media loop.
func (d *DTMFDetector) Digits() <-chan Digit {
	return d.digits
}

// ProcessPacket inspects one inbound RTP packet for both paths.
// Returns true if the packet was a telephone-event packet, which
// audio consumers should not treat as media.
func (d *DTMFDetector) ProcessPacket(pkt *rtp.Packet) bool {
	if d.eventPT != 0 && pkt.PayloadType == d.eventPT {
		d.processEvent(pkt)
		return true
	}
	if d.tones != nil {
		if char, ok := d.tones.Process(pkt.Payload, pkt.PayloadType); ok {
			d.emit(Digit{Char: char, Source: SourceInband})
		}
	}
	return false
}

func (d *DTMFDetector) processEvent(pkt *rtp.Packet) {
	evt, err := DecodeDTMFEvent(pkt.Payload)
	if err != nil {
		return
	}

	fresh := evt.Event != d.lastEvent || pkt.Timestamp != d.lastEventTS
	if fresh {
		d.lastEvent = evt.Event
		d.lastEventTS = pkt.Timestamp
		d.emitted = false
	}

	if !evt.EndOfEvent || d.emitted {
		return
	}
	if evt.Duration < d.minDuration {
		return
	}

	char, ok := EventToRune(evt.Event)
	if !ok {
		return
	}
	d.emitted = true
	d.emit(Digit{Char: char, Source: SourceRFC2833})
}

func (d *DTMFDetector) emit(digit Digit) {
	select {
	case d.digits <- digit:
	default:
		slog.Warn("[DTMF] Digit dropped, consumer not reading", "digit", string(digit.Char))
	}
}

// Close releases the detector. The digit channel is closed so
// consumers blocked on it unwind.
func (d *DTMFDetector) Close() {
	close(d.digits)
}
