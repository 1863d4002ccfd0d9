package media

import (
	"fmt"
	"sync"
)

// Recorder accumulates one side of a call as linear PCM.
// Feed it decoded-order G.711 frames from the stream's play-out path;
// Stop returns the samples, and SaveWAV persists them.
type Recorder struct {
	mu      sync.Mutex
	codec   Codec
	pcm     []byte
	active  bool
	stopped bool
}

// NewRecorder creates a recorder for a stream using the given codec.
func NewRecorder(codec Codec) (*Recorder, error) {
	if !codec.IsG711() {
		return nil, fmt.Errorf("recording requires a G.711 codec, got %s", codec.Name)
	}
	return &Recorder{codec: codec}, nil
}

// Start begins capturing. Frames written before Start are discarded.
func (r *Recorder) Start() {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
}

// WriteFrame appends one G.711 payload to the recording. A nil or
// empty frame stands in for a lost packet and is concealed as
// silence so the recording keeps real-time length.
func (r *Recorder) WriteFrame(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active || r.stopped {
		return
	}

	if len(payload) == 0 {
		r.pcm = append(r.pcm, make([]byte, r.codec.BytesPerFrame()*2)...)
		return
	}

	pcm, err := DecodeG711(payload, r.codec)
	if err != nil {
		return
	}
	r.pcm = append(r.pcm, pcm...)
}

// Stop ends capturing and returns the accumulated 16-bit PCM samples.
func (r *Recorder) Stop() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	r.stopped = true
	return r.pcm
}

// Duration returns the captured audio length in seconds.
func (r *Recorder) Duration() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	bytesPerSecond := float64(r.codec.SampleRate) * 2
	return float64(len(r.pcm)) / bytesPerSecond
}

// SaveWAV writes the recording to a WAV file. Call after Stop.
func (r *Recorder) SaveWAV(path string) error {
	r.mu.Lock()
	pcm := r.pcm
	rate := r.codec.SampleRate
	r.mu.Unlock()

	if len(pcm) == 0 {
		return fmt.Errorf("recording is empty")
	}
	return WriteWAVFile(path, pcm, rate)
}
