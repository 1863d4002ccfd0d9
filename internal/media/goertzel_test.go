package media

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

// tonePCM synthesizes n samples of a DTMF tone pair at 8kHz.
func tonePCM(rowFreq, colFreq float64, n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / 8000.0
		v := 0.4*math.Sin(2*math.Pi*rowFreq*t) + 0.4*math.Sin(2*math.Pi*colFreq*t)
		s := int16(v * 32767)
		pcm[i*2] = byte(uint16(s) & 0xFF)
		pcm[i*2+1] = byte(uint16(s) >> 8)
	}
	return pcm
}

func silencePCM(n int) []byte {
	return make([]byte, n*2)
}

func feedUlaw(t *testing.T, d *ToneDetector, pcm []byte) (rune, bool) {
	t.Helper()
	payload := g711.EncodeUlaw(pcm)
	var digit rune
	var found bool
	for off := 0; off < len(payload); off += 160 {
		end := off + 160
		if end > len(payload) {
			end = len(payload)
		}
		if dg, ok := d.Process(payload[off:end], CodecPCMU.PayloadType); ok {
			digit, found = dg, true
		}
	}
	return digit, found
}

func TestGoertzelDetectsDigit(t *testing.T) {
	d := NewToneDetector(8000)

	// 770 + 1336 Hz is the '5' key. Three frames worth of tone.
	digit, ok := feedUlaw(t, d, tonePCM(770, 1336, 480))
	require.True(t, ok)
	assert.Equal(t, '5', digit)
}

func TestGoertzelAllKeys(t *testing.T) {
	for row, rowFreq := range dtmfRowFreqs {
		for col, colFreq := range dtmfColFreqs {
			d := NewToneDetector(8000)
			digit, ok := feedUlaw(t, d, tonePCM(rowFreq, colFreq, 480))
			require.True(t, ok, "key %c", dtmfKeypad[row][col])
			assert.Equal(t, dtmfKeypad[row][col], digit)
		}
	}
}

func TestGoertzelIgnoresSilence(t *testing.T) {
	d := NewToneDetector(8000)
	_, ok := feedUlaw(t, d, silencePCM(960))
	assert.False(t, ok)
}

func TestGoertzelIgnoresSingleTone(t *testing.T) {
	// One frequency alone is not a DTMF keypress.
	d := NewToneDetector(8000)
	pcm := make([]byte, 960*2)
	for i := 0; i < 960; i++ {
		v := 0.5 * math.Sin(2*math.Pi*770*float64(i)/8000.0)
		s := int16(v * 32767)
		pcm[i*2] = byte(uint16(s) & 0xFF)
		pcm[i*2+1] = byte(uint16(s) >> 8)
	}
	_, ok := feedUlaw(t, d, pcm)
	assert.False(t, ok)
}

func TestGoertzelHeldKeyEmitsOnce(t *testing.T) {
	d := NewToneDetector(8000)

	// A full second of held key.
	count := 0
	payload := g711.EncodeUlaw(tonePCM(941, 1209, 8000))
	for off := 0; off+160 <= len(payload); off += 160 {
		if _, ok := d.Process(payload[off:off+160], CodecPCMU.PayloadType); ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "a held key must produce exactly one digit")
}

func TestGoertzelInterDigitGap(t *testing.T) {
	d := NewToneDetector(8000)

	digit, ok := feedUlaw(t, d, tonePCM(697, 1209, 480))
	require.True(t, ok)
	assert.Equal(t, '1', digit)

	// Quiet gap, then a second press of the same key.
	_, ok = feedUlaw(t, d, silencePCM(480))
	require.False(t, ok)

	digit, ok = feedUlaw(t, d, tonePCM(697, 1209, 480))
	require.True(t, ok)
	assert.Equal(t, '1', digit)
}

func TestGoertzelRequiresQuietBeforeSecondDigit(t *testing.T) {
	d := NewToneDetector(8000)

	digit, ok := feedUlaw(t, d, tonePCM(697, 1209, 480))
	require.True(t, ok)
	assert.Equal(t, '1', digit)

	// Immediate switch to another key without a gap is suppressed.
	_, ok = feedUlaw(t, d, tonePCM(852, 1477, 480))
	assert.False(t, ok)
}
