package media

import (
	"math"

	"github.com/zaf/g711"
)

// DTMF keypad frequencies per ITU-T Q.23. A keypress sounds one row
// frequency and one column frequency simultaneously.
var (
	dtmfRowFreqs = [4]float64{697, 770, 852, 941}
	dtmfColFreqs = [4]float64{1209, 1336, 1477, 1633}

	dtmfKeypad = [4][4]rune{
		{'1', '2', '3', 'A'},
		{'4', '5', '6', 'B'},
		{'7', '8', '9', 'C'},
		{'*', '0', '#', 'D'},
	}
)

// Detection tuning. A digit must hold for confirmFrames consecutive
// frames before it is reported, and a gapFrames quiet period must pass
// before the next digit is accepted, so a held key produces one event.
const (
	toneFrameSize     = 160 // 20ms at 8kHz
	toneConfirmFrames = 2
	toneGapFrames     = 2
	tonePowerMin      = 8.0 // Goertzel power floor for a normalized sine
	toneDominance     = 4.0 // strongest freq must beat runner-up by this factor
)

// ToneDetector detects DTMF digits inband using the Goertzel
// algorithm over decoded G.711 audio.
type ToneDetector struct {
	sampleRate int
	frame      []float64

	candidate rune
	run       int
	quiet     int
}

// NewToneDetector creates an inband detector for the given sample rate.
func NewToneDetector(sampleRate int) *ToneDetector {
	return &ToneDetector{
		sampleRate: sampleRate,
		frame:      make([]float64, 0, toneFrameSize),
		quiet:      toneGapFrames,
	}
}

// Process feeds one G.711 payload into the detector and returns a
// digit when one is confirmed. payloadType selects the companding law.
func (t *ToneDetector) Process(payload []byte, payloadType uint8) (rune, bool) {
	var pcm []byte
	switch payloadType {
	case CodecPCMU.PayloadType:
		pcm = g711.DecodeUlaw(payload)
	case CodecPCMA.PayloadType:
		pcm = g711.DecodeAlaw(payload)
	default:
		return 0, false
	}

	var digit rune
	var found bool
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		t.frame = append(t.frame, float64(sample)/32768.0)
		if len(t.frame) == toneFrameSize {
			if d, ok := t.analyzeFrame(); ok {
				digit, found = d, true
			}
			t.frame = t.frame[:0]
		}
	}
	return digit, found
}

// analyzeFrame runs Goertzel over one full frame and updates the
// confirmation state machine.
func (t *ToneDetector) analyzeFrame() (rune, bool) {
	var rowPower, colPower [4]float64
	for i := range dtmfRowFreqs {
		rowPower[i] = t.goertzel(dtmfRowFreqs[i])
		colPower[i] = t.goertzel(dtmfColFreqs[i])
	}

	row, rowBest, rowNext := strongest(rowPower)
	col, colBest, colNext := strongest(colPower)

	present := rowBest >= tonePowerMin && colBest >= tonePowerMin &&
		rowBest >= toneDominance*rowNext && colBest >= toneDominance*colNext

	if !present {
		t.candidate = 0
		t.run = 0
		if t.quiet < toneGapFrames {
			t.quiet++
		}
		return 0, false
	}

	digit := dtmfKeypad[row][col]
	if digit != t.candidate {
		t.candidate = digit
		t.run = 1
		return 0, false
	}

	t.run++
	if t.run == toneConfirmFrames && t.quiet >= toneGapFrames {
		t.quiet = 0
		return digit, true
	}
	return 0, false
}

// goertzel computes the power of a single frequency in the current
// frame using the Goertzel recurrence.
func (t *ToneDetector) goertzel(freq float64) float64 {
	omega := 2 * math.Pi * freq / float64(t.sampleRate)
	coeff := 2 * math.Cos(omega)

	var s1, s2 float64
	for _, x := range t.frame {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

// strongest returns the index and power of the strongest bin plus the
// power of the runner-up.
func strongest(powers [4]float64) (idx int, best, next float64) {
	for i, p := range powers {
		if p > best {
			next = best
			best = p
			idx = i
		} else if p > next {
			next = p
		}
	}
	return idx, best, next
}
