package media

import (
	"time"
)

// Codec represents an immutable audio codec specification.
// Use the pre-defined codec values (CodecPCMU, CodecPCMA, etc.) for RTP streaming.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Clock rate in Hz (8000, 16000, etc.)
	SampleDur   time.Duration // Duration per sample frame (typically 20ms)
	Channels    int           // Number of channels (1 for mono, 2 for stereo)
}

// Pre-defined codecs for common VoIP use cases.
var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecG722 is wideband G.722. The RTP clock rate is 8000 by
	// historical accident even though the codec samples at 16kHz.
	CodecG722 = Codec{"G722", 9, 8000, 20 * time.Millisecond, 1}

	// CodecG729 is G.729 annex A/B
	CodecG729 = Codec{"G729", 18, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is RFC 4733 DTMF events
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload bytes per frame.
// For PCMU/PCMA (8-bit encoded), this equals SamplesPerFrame.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
// This equals SamplesPerFrame for audio codecs.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// IsG711 reports whether the codec is one of the two G.711 variants,
// the only codecs this engine can decode to linear PCM.
func (c Codec) IsG711() bool {
	return c.PayloadType == CodecPCMU.PayloadType || c.PayloadType == CodecPCMA.PayloadType
}
