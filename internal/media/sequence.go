package media

// SequenceTracker tracks RTP sequence numbers with rollover handling.
// RTP sequence numbers are 16-bit and wrap around at 65535.
// The tracker maintains an extended 32-bit counter so loss can be
// computed accurately across rollovers.
type SequenceTracker struct {
	initialized bool
	firstSeq    uint16
	lastSeq     uint16
	cycles      uint32 // Rollover count (upper 16 bits of extended seq)
	lost        uint64 // Total packets detected as lost
	received    uint64 // Total packets received
}

// NewSequenceTracker creates a new sequence tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{}
}

// Update records a received sequence number and returns statistics.
// Returns the extended sequence number (32-bit) and packets lost since
// the previous update. A loss later filled by a reordered arrival is
// reclaimed.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.firstSeq = seq
		s.lastSeq = seq
		return uint32(seq), 0
	}

	// Forward distance in uint16 arithmetic, reinterpreted as signed
	// for direction, per RFC 3550 appendix A.
	udiff := seq - s.lastSeq
	diff := int16(udiff)

	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	} else if diff < 0 {
		// Out-of-order arrival fills a gap we previously counted.
		if s.lost > 0 {
			s.lost--
		}
		return (s.cycles << 16) | uint32(seq), 0
	}

	// Rollover: lastSeq near the top, new seq near the bottom.
	if s.lastSeq > 0xF000 && seq < 0x1000 {
		s.cycles++
	}

	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// Stats returns cumulative statistics.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	return s.received, s.lost
}

// Expected returns the packet count the sequence span implies.
func (s *SequenceTracker) Expected() uint64 {
	return s.received + s.lost
}

// LossRate returns the packet loss rate as a fraction (0.0 to 1.0).
func (s *SequenceTracker) LossRate() float64 {
	total := s.received + s.lost
	if total == 0 {
		return 0.0
	}
	return float64(s.lost) / float64(total)
}

// Reset clears all tracking state.
func (s *SequenceTracker) Reset() {
	*s = SequenceTracker{}
}
