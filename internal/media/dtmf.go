package media

import (
	"encoding/binary"
	"fmt"
)

// DTMFEvent represents an RFC 4733 telephone-event payload.
// The payload format is 4 bytes:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8  // 0-15: 0-9, *, #, A-D
	EndOfEvent bool   // E bit: marks final packet of event
	Volume     uint8  // 0-63: expressed in dBm0 (typically 10)
	Duration   uint16 // Duration in timestamp units
}

// Default DTMF parameters
const (
	DefaultDTMFVolume   uint8  = 10   // -10 dBm0
	DefaultDTMFDuration uint16 = 1600 // 200ms at 8kHz
	MinDTMFDuration     uint16 = 400  // 50ms minimum
	DTMFPayloadType     uint8  = 101  // Common default for telephone-event
	DTMFSampleRate      uint32 = 8000
)

// Event codes 0-15 map onto the telephone keypad characters.
const dtmfAlphabet = "0123456789*#ABCD"

// RuneToEvent converts a DTMF character to its event code.
// Returns the event code and true if valid, 0 and false otherwise.
func RuneToEvent(r rune) (uint8, bool) {
	if r >= 'a' && r <= 'd' {
		r -= 'a' - 'A'
	}
	for i, c := range dtmfAlphabet {
		if c == r {
			return uint8(i), true
		}
	}
	return 0, false
}

// EventToRune converts a DTMF event code to its character.
// Returns the character and true if valid, 0 and false otherwise.
func EventToRune(event uint8) (rune, bool) {
	if int(event) >= len(dtmfAlphabet) {
		return 0, false
	}
	return rune(dtmfAlphabet[event]), true
}

// Encode serializes the DTMF event to RFC 4733 4-byte format.
func (e DTMFEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F // Volume is 6 bits
	if e.EndOfEvent {
		b[1] |= 0x80 // Set E bit
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeDTMFEvent decodes an RFC 4733 4-byte payload into a DTMFEvent.
// Returns an error if the payload is too short.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("DTMF payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: (payload[1] & 0x80) != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// String returns a human-readable representation of the event.
func (e DTMFEvent) String() string {
	char, ok := EventToRune(e.Event)
	if !ok {
		char = '?'
	}
	endStr := ""
	if e.EndOfEvent {
		endStr = " END"
	}
	return fmt.Sprintf("DTMF '%c' vol=%d dur=%d%s", char, e.Volume, e.Duration, endStr)
}
