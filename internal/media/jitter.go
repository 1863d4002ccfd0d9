package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Jitter buffer depth bounds, in packets. The working depth adapts
// between these based on observed inter-arrival variance.
const (
	JitterMinDepth     = 2
	JitterMaxDepth     = 16
	jitterSlotCapacity = 64
	jitterAdaptEvery   = 50 // re-evaluate depth every N inserts
)

// JitterBuffer smooths one directional RTP stream: it reorders
// packets by sequence number, discards arrivals older than the
// play-out point, and reports gaps to the caller as loss events.
// Output is strictly monotonic by sequence number with no duplicates.
//
// The buffer is consumer driven: the audio consumer calls Get at the
// codec frame rate while the network loop calls Put.
type JitterBuffer struct {
	mu sync.Mutex

	slots    [jitterSlotCapacity]*rtp.Packet
	depth    int // target packets buffered before/while playing
	count    int // packets currently held
	primed   bool
	resuming bool // re-priming after an in-stream gap

	started bool
	playSeq uint16 // next sequence to hand out

	// inter-arrival variance estimate used for depth adaptation,
	// smoothed the same way RFC 3550 smooths jitter
	lastArrival time.Time
	variance    float64 // seconds
	frameDur    time.Duration
	inserts     int

	late        uint64
	playoutLost uint64
	duplicates  uint64
}

// NewJitterBuffer creates a buffer for a stream with the given frame
// duration and initial target depth. depth is clamped to the allowed
// bounds.
func NewJitterBuffer(frameDur time.Duration, depth int) *JitterBuffer {
	if depth < JitterMinDepth {
		depth = JitterMinDepth
	}
	if depth > JitterMaxDepth {
		depth = JitterMaxDepth
	}
	return &JitterBuffer{
		depth:    depth,
		frameDur: frameDur,
	}
}

// Put inserts a received packet. Packets at or behind the play-out
// point are counted late and dropped; duplicates of a buffered
// sequence are dropped.
func (b *JitterBuffer) Put(pkt *rtp.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !b.lastArrival.IsZero() {
		// Deviation of the actual gap from the nominal frame interval.
		d := now.Sub(b.lastArrival) - b.frameDur
		if d < 0 {
			d = -d
		}
		b.variance += (d.Seconds() - b.variance) / 16
	}
	b.lastArrival = now

	b.inserts++
	if b.inserts%jitterAdaptEvery == 0 {
		b.adaptLocked()
	}

	seq := pkt.SequenceNumber
	if !b.started {
		b.started = true
		b.playSeq = seq
	} else if int16(seq-b.playSeq) < 0 {
		b.late++
		return
	} else if int16(seq-b.playSeq) >= jitterSlotCapacity {
		// The stream jumped past the window (gap or remote restart).
		// Resync the play-out point rather than bleeding loss events.
		for i := range b.slots {
			b.slots[i] = nil
		}
		b.count = 0
		b.primed = false
		b.playSeq = seq
	}

	slot := seq % jitterSlotCapacity
	if held := b.slots[slot]; held != nil {
		if held.SequenceNumber == seq {
			b.duplicates++
			return
		}
		// Far-ahead packet colliding with an unplayed slot: the held
		// packet is about to be overrun anyway. Count it lost.
		b.playoutLost++
		b.count--
	}
	b.slots[slot] = pkt
	b.count++

	target := b.depth
	if b.resuming {
		// The far end was already talking before the gap; waiting for
		// a full depth again would clip the resumed audio.
		if target = (b.depth + 1) / 2; target < 1 {
			target = 1
		}
	}
	if !b.primed && b.count >= target {
		b.primed = true
		b.resuming = false
	}
}

// Get returns the next packet in sequence order. ok is false when the
// slot is missing at play-out time (a loss event the caller conceals
// with silence) or while the buffer is still priming. The play-out
// position only advances once priming completes.
func (b *JitterBuffer) Get() (pkt *rtp.Packet, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started || !b.primed {
		return nil, false
	}

	slot := b.playSeq % jitterSlotCapacity
	held := b.slots[slot]
	if held != nil && held.SequenceNumber == b.playSeq {
		b.slots[slot] = nil
		b.count--
		b.playSeq++
		return held, true
	}

	// Missing at play-out time. If the buffer has drained completely
	// the stream is in a gap; hold position instead of racing ahead,
	// and re-prime at a reduced threshold once packets return.
	if b.count == 0 {
		b.primed = false
		b.resuming = true
		return nil, false
	}

	b.playoutLost++
	b.playSeq++
	return nil, false
}

// Playing reports whether the buffer has primed and is actively
// handing out frames. While false, Get returning no packet means
// idle, not loss.
func (b *JitterBuffer) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && b.primed
}

// Depth returns the current adaptive target depth in packets.
func (b *JitterBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}

// Stats returns the cumulative late-arrival and play-out loss counts.
func (b *JitterBuffer) Stats() (late, lost, duplicates uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.late, b.playoutLost, b.duplicates
}

// adaptLocked grows the depth when inter-arrival variance approaches
// the buffered play-out headroom and shrinks it when the stream has
// been stable.
func (b *JitterBuffer) adaptLocked() {
	varianceFrames := b.variance / b.frameDur.Seconds()

	switch {
	case varianceFrames > float64(b.depth)/2 && b.depth < JitterMaxDepth:
		b.depth++
	case varianceFrames < float64(b.depth)/4 && b.depth > JitterMinDepth:
		b.depth--
	}
}
