package media

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	require.NoError(t, WriteWAVFile(path, pcm, 8000))

	audio, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), audio.SampleRate)
	assert.Equal(t, uint16(1), audio.NumChannels)
	assert.Equal(t, uint16(16), audio.BitsPerSample)
	assert.Equal(t, pcm, audio.PCMData)
}

func TestResamplePassthrough(t *testing.T) {
	audio := &AudioFile{
		AudioFormat:   1,
		SampleRate:    8000,
		NumChannels:   1,
		BitsPerSample: 16,
		PCMData:       make([]byte, 640),
	}
	out, err := ResampleAudio(audio)
	require.NoError(t, err)
	assert.Equal(t, audio.PCMData, out)
}

func TestResampleDownsamples(t *testing.T) {
	audio := &AudioFile{
		AudioFormat:   1,
		SampleRate:    16000,
		NumChannels:   1,
		BitsPerSample: 16,
		PCMData:       make([]byte, 3200), // 100ms at 16kHz
	}
	out, err := ResampleAudio(audio)
	require.NoError(t, err)
	// 100ms at 8kHz is 800 samples, allow edge truncation.
	assert.InDelta(t, 1600, len(out), 8)
}

func TestResampleStereoToMono(t *testing.T) {
	audio := &AudioFile{
		AudioFormat:   1,
		SampleRate:    8000,
		NumChannels:   2,
		BitsPerSample: 16,
		PCMData:       make([]byte, 1280),
	}
	out, err := ResampleAudio(audio)
	require.NoError(t, err)
	assert.Len(t, out, 640)
}

func TestG711RoundTrip(t *testing.T) {
	pcm := tonePCM(440, 880, 160)

	for _, codec := range []Codec{CodecPCMU, CodecPCMA} {
		encoded, err := EncodeG711(pcm, codec)
		require.NoError(t, err)
		assert.Len(t, encoded, 160)

		decoded, err := DecodeG711(encoded, codec)
		require.NoError(t, err)
		assert.Len(t, decoded, 320)
	}

	_, err := EncodeG711(pcm, CodecG729)
	assert.Error(t, err)
}

func TestRecorderCapturesFrames(t *testing.T) {
	rec, err := NewRecorder(CodecPCMU)
	require.NoError(t, err)

	rec.WriteFrame(make([]byte, 160)) // before Start, discarded
	rec.Start()
	for i := 0; i < 50; i++ {
		rec.WriteFrame(make([]byte, 160))
	}
	rec.WriteFrame(nil) // lost packet concealed as silence

	pcm := rec.Stop()
	assert.Len(t, pcm, 51*320)
	assert.InDelta(t, 1.02, rec.Duration(), 0.001)

	rec.WriteFrame(make([]byte, 160)) // after Stop, discarded
	assert.Len(t, rec.Stop(), 51*320)

	path := filepath.Join(t.TempDir(), "rec.wav")
	require.NoError(t, rec.SaveWAV(path))

	audio, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Len(t, audio.PCMData, 51*320)
}

func TestRecorderRejectsNonG711(t *testing.T) {
	_, err := NewRecorder(CodecG722)
	assert.Error(t, err)
}
