package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// QualityReport is a point-in-time quality estimate for one
// directional stream.
type QualityReport struct {
	PacketsReceived uint64  `json:"packets_received"`
	PacketsExpected uint64  `json:"packets_expected"`
	LossPercent     float64 `json:"loss_percent"`
	JitterMs        float64 `json:"jitter_ms"`
	MOS             float64 `json:"mos"`
}

// QualityMonitor accumulates reception statistics for one directional
// RTP stream and derives jitter, loss, and a MOS estimate. Every
// packet must be observed; sampling understates loss and skews MOS.
type QualityMonitor struct {
	mu        sync.Mutex
	clockRate uint32
	ssrc      uint32
	seq       *SequenceTracker

	// RFC 3550 §6.4.1 inter-arrival jitter, in timestamp units
	jitter      float64
	lastTransit int64
	hasTransit  bool

	octets uint64

	// last-report marks for RTCP fraction-lost
	lastExpected uint64
	lastLost     uint64
}

// NewQualityMonitor creates a monitor for a stream with the given
// codec clock rate.
func NewQualityMonitor(clockRate uint32) *QualityMonitor {
	return &QualityMonitor{
		clockRate: clockRate,
		seq:       NewSequenceTracker(),
	}
}

// Observe records one received packet and its arrival time.
func (m *QualityMonitor) Observe(pkt *rtp.Packet, arrival time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ssrc = pkt.SSRC
	m.octets += uint64(len(pkt.Payload))
	m.seq.Update(pkt.SequenceNumber)

	// Inter-arrival jitter per RFC 3550 §6.4.1: the smoothed absolute
	// deviation of (arrival time − RTP timestamp) between packets.
	arrivalTS := int64(arrival.UnixNano()) * int64(m.clockRate) / int64(time.Second)
	transit := arrivalTS - int64(pkt.Timestamp)
	if m.hasTransit {
		d := transit - m.lastTransit
		if d < 0 {
			d = -d
		}
		m.jitter += (float64(d) - m.jitter) / 16
	}
	m.lastTransit = transit
	m.hasTransit = true
}

// Snapshot returns the current quality estimate.
func (m *QualityMonitor) Snapshot() QualityReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	received, lost := m.seq.Stats()
	expected := received + lost

	lossPct := 0.0
	if expected > 0 {
		lossPct = float64(lost) / float64(expected) * 100
	}

	jitterMs := m.jitter / float64(m.clockRate) * 1000

	return QualityReport{
		PacketsReceived: received,
		PacketsExpected: expected,
		LossPercent:     lossPct,
		JitterMs:        jitterMs,
		MOS:             estimateMOS(lossPct, jitterMs),
	}
}

// BuildReceiverReport produces an RTCP receiver report for the
// stream, with fraction-lost computed over the interval since the
// previous report. Round-trip fields are left zero; latency
// measurement is not implemented.
func (m *QualityMonitor) BuildReceiverReport(reporterSSRC uint32) *rtcp.ReceiverReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	received, lost := m.seq.Stats()
	expected := received + lost

	intervalExpected := expected - m.lastExpected
	intervalLost := lost - m.lastLost
	m.lastExpected = expected
	m.lastLost = lost

	var fraction uint8
	if intervalExpected > 0 {
		fraction = uint8(intervalLost * 256 / intervalExpected)
	}

	totalLost := uint32(lost)
	if totalLost > 0xFFFFFF {
		totalLost = 0xFFFFFF
	}

	extended := uint32(0)
	if received > 0 {
		extended = (m.seq.cycles << 16) | uint32(m.seq.lastSeq)
	}

	return &rtcp.ReceiverReport{
		SSRC: reporterSSRC,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               m.ssrc,
			FractionLost:       fraction,
			TotalLost:          totalLost,
			LastSequenceNumber: extended,
			Jitter:             uint32(m.jitter),
		}},
	}
}

// estimateMOS converts loss and jitter into a 1.0-5.0 MOS using a
// simplified E-model: an R factor degraded by delay impairment (Id,
// from jitter) and equipment impairment (Ie, from loss), mapped to
// MOS by the standard ITU-T G.107 polynomial.
func estimateMOS(lossPct, jitterMs float64) float64 {
	// The two segments meet at 160ms (160/40 == (160-120)/10), so
	// impairment grows continuously as jitter worsens.
	var id float64
	if jitterMs <= 160 {
		id = jitterMs / 40
	} else {
		id = (jitterMs - 120) / 10
	}

	ie := lossPct * 2.5

	r := 93.2 - id - ie
	if r < 0 {
		r = 0
	}
	if r > 100 {
		r = 100
	}

	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	if mos < 1.0 {
		mos = 1.0
	}
	if mos > 5.0 {
		mos = 5.0
	}
	return mos
}
