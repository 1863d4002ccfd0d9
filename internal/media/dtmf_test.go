package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTMFEventRoundTrip(t *testing.T) {
	evt := DTMFEvent{Event: 11, EndOfEvent: true, Volume: 10, Duration: 1600}

	decoded, err := DecodeDTMFEvent(evt.Encode())
	require.NoError(t, err)
	assert.Equal(t, evt, decoded)
}

func TestDecodeDTMFEventShortPayload(t *testing.T) {
	_, err := DecodeDTMFEvent([]byte{0x01, 0x80})
	assert.Error(t, err)
}

func TestRuneEventMapping(t *testing.T) {
	for _, tc := range []struct {
		r     rune
		event uint8
	}{
		{'0', 0}, {'9', 9}, {'*', 10}, {'#', 11}, {'A', 12}, {'d', 15},
	} {
		event, ok := RuneToEvent(tc.r)
		require.True(t, ok, "rune %c", tc.r)
		assert.Equal(t, tc.event, event)
	}

	_, ok := RuneToEvent('x')
	assert.False(t, ok)

	r, ok := EventToRune(10)
	require.True(t, ok)
	assert.Equal(t, '*', r)

	_, ok = EventToRune(16)
	assert.False(t, ok)
}

func eventPacket(seq uint16, ts uint32, event uint8, end bool, dur uint16) *rtp.Packet {
	evt := DTMFEvent{Event: event, EndOfEvent: end, Volume: 10, Duration: dur}
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    101,
			SequenceNumber: seq,
			Timestamp:      ts,
		},
		Payload: evt.Encode(),
	}
}

func collectDigits(d *DTMFDetector) []Digit {
	var out []Digit
	for {
		select {
		case digit := <-d.Digits():
			out = append(out, digit)
		default:
			return out
		}
	}
}

func TestRFC2833EndOfEventDeduplication(t *testing.T) {
	d := NewDTMFDetector(101, CodecPCMU)

	// One event: start, continuation, then three redundant end packets.
	d.ProcessPacket(eventPacket(1, 5000, 5, false, 160))
	d.ProcessPacket(eventPacket(2, 5000, 5, false, 320))
	d.ProcessPacket(eventPacket(3, 5000, 5, true, 800))
	d.ProcessPacket(eventPacket(4, 5000, 5, true, 800))
	d.ProcessPacket(eventPacket(5, 5000, 5, true, 800))

	digits := collectDigits(d)
	require.Len(t, digits, 1, "redundant end packets must produce one digit")
	assert.Equal(t, '5', digits[0].Char)
	assert.Equal(t, SourceRFC2833, digits[0].Source)
}

func TestRFC2833RepeatedDigit(t *testing.T) {
	d := NewDTMFDetector(101, CodecPCMU)

	// Same digit pressed twice: distinct events have distinct timestamps.
	d.ProcessPacket(eventPacket(1, 1000, 7, false, 160))
	d.ProcessPacket(eventPacket(2, 1000, 7, true, 800))
	d.ProcessPacket(eventPacket(3, 3000, 7, false, 160))
	d.ProcessPacket(eventPacket(4, 3000, 7, true, 800))

	digits := collectDigits(d)
	require.Len(t, digits, 2)
	assert.Equal(t, '7', digits[0].Char)
	assert.Equal(t, '7', digits[1].Char)
}

func TestRFC2833EndWithoutStart(t *testing.T) {
	// Start packets lost: the end packet alone still yields the digit.
	d := NewDTMFDetector(101, CodecPCMU)

	d.ProcessPacket(eventPacket(9, 2000, 2, true, 800))

	digits := collectDigits(d)
	require.Len(t, digits, 1)
	assert.Equal(t, '2', digits[0].Char)
}

func TestRFC2833TooShortIgnored(t *testing.T) {
	d := NewDTMFDetector(101, CodecPCMU)

	// Below the 50ms minimum duration.
	d.ProcessPacket(eventPacket(1, 1000, 3, true, 100))

	assert.Empty(t, collectDigits(d))
}

func TestDetectorIdentifiesEventPackets(t *testing.T) {
	d := NewDTMFDetector(101, CodecPCMU)

	assert.True(t, d.ProcessPacket(eventPacket(1, 0, 1, false, 160)))

	audio := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0},
		Payload: make([]byte, 160),
	}
	assert.False(t, d.ProcessPacket(audio))
}
