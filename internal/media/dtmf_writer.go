package media

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// DTMFWriter generates RFC 4733 DTMF events on top of an existing
// RTP stream writer, splicing event packets into the audio stream's
// sequence space.
type DTMFWriter struct {
	writer      *RTPStreamWriter
	payloadType uint8
	sampleRate  uint32
}

// NewDTMFWriter creates a DTMF writer bound to a stream writer.
func NewDTMFWriter(writer *RTPStreamWriter, payloadType uint8) *DTMFWriter {
	return &DTMFWriter{
		writer:      writer,
		payloadType: payloadType,
		sampleRate:  DTMFSampleRate,
	}
}

// SendDigit sends a DTMF digit with proper RFC 4733 encoding.
// The digit should be one of: 0-9, *, #, A-D (case insensitive).
//
// Per RFC 4733:
//   - Multiple packets are sent during the event
//   - End-of-event packets are sent 3 times for reliability
//   - Timestamp remains constant throughout the event
//   - Duration field increases with each packet
func (d *DTMFWriter) SendDigit(digit rune, duration time.Duration) error {
	event, ok := RuneToEvent(digit)
	if !ok {
		return fmt.Errorf("invalid DTMF digit: %c", digit)
	}

	samples := uint16(duration.Seconds() * float64(d.sampleRate))
	if samples < MinDTMFDuration {
		samples = MinDTMFDuration
	}

	const intervalDuration = 20 * time.Millisecond
	const intervalSamples = uint16(160) // 20ms at 8kHz

	seq, tsStart := d.writer.NextHeader()
	sent := 0

	writeEvent := func(evt DTMFEvent, marker bool) error {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    d.payloadType,
				SequenceNumber: seq,
				Timestamp:      tsStart, // constant for the whole event
			},
			Payload: evt.Encode(),
		}
		if err := d.writer.WriteRTP(pkt); err != nil {
			return err
		}
		seq++
		sent++
		return nil
	}

	// Intermediate packets with increasing duration
	for currentDuration := intervalSamples; currentDuration < samples; currentDuration += intervalSamples {
		evt := DTMFEvent{
			Event:    event,
			Volume:   DefaultDTMFVolume,
			Duration: currentDuration,
		}
		if err := writeEvent(evt, sent == 0); err != nil {
			return fmt.Errorf("send DTMF packet: %w", err)
		}
		time.Sleep(intervalDuration)
	}

	// Three redundant end-of-event packets
	for i := 0; i < 3; i++ {
		evt := DTMFEvent{
			Event:      event,
			EndOfEvent: true,
			Volume:     DefaultDTMFVolume,
			Duration:   samples,
		}
		if err := writeEvent(evt, false); err != nil {
			return fmt.Errorf("send DTMF end packet: %w", err)
		}
		if i < 2 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	d.writer.Advance(sent)
	return nil
}

// SendDigitString sends a string of DTMF digits with the given
// inter-digit delay.
func (d *DTMFWriter) SendDigitString(digits string, digitDuration, interDigitDelay time.Duration) error {
	for i, digit := range digits {
		if err := d.SendDigit(digit, digitDuration); err != nil {
			return fmt.Errorf("digit %d (%c): %w", i, digit, err)
		}
		if i < len(digits)-1 {
			time.Sleep(interDigitDelay)
		}
	}
	return nil
}
