package media

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedStream(m *QualityMonitor, count int, dropEvery int) {
	base := time.Now()
	seq := uint16(1000)
	ts := uint32(8000)
	for i := 0; i < count; i++ {
		if dropEvery == 0 || i%dropEvery != 0 {
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           0xABCD,
				},
				Payload: make([]byte, 160),
			}
			// Arrival exactly on the 20ms grid: zero jitter.
			m.Observe(pkt, base.Add(time.Duration(i)*20*time.Millisecond))
		}
		seq++
		ts += 160
	}
}

func TestMOSCleanStream(t *testing.T) {
	m := NewQualityMonitor(8000)
	feedStream(m, 500, 0)

	report := m.Snapshot()
	assert.Equal(t, uint64(500), report.PacketsReceived)
	assert.Zero(t, report.LossPercent)
	assert.GreaterOrEqual(t, report.MOS, 4.0, "clean stream must score at least 4.0")
}

func TestMOSHeavyLoss(t *testing.T) {
	m := NewQualityMonitor(8000)
	feedStream(m, 500, 2) // every other packet dropped

	report := m.Snapshot()
	assert.GreaterOrEqual(t, report.LossPercent, 49.0)
	assert.LessOrEqual(t, report.MOS, 2.0, "50%% loss must score at most 2.0")
}

func TestMOSBounds(t *testing.T) {
	assert.Equal(t, 1.0, estimateMOS(100, 500))
	assert.LessOrEqual(t, estimateMOS(0, 0), 5.0)
	assert.GreaterOrEqual(t, estimateMOS(0, 0), 4.0)
}

func TestMOSMonotonicInJitter(t *testing.T) {
	// Worse jitter must never score better, in particular across the
	// delay-impairment knee.
	prev := estimateMOS(0, 0)
	for jitter := 1.0; jitter <= 400; jitter++ {
		mos := estimateMOS(0, jitter)
		assert.LessOrEqual(t, mos, prev, "MOS rose when jitter worsened to %.0fms", jitter)
		prev = mos
	}
	// Same property along the loss axis.
	prev = estimateMOS(0, 20)
	for loss := 1.0; loss <= 100; loss++ {
		mos := estimateMOS(loss, 20)
		assert.LessOrEqual(t, mos, prev, "MOS rose when loss worsened to %.0f%%", loss)
		prev = mos
	}
}

func TestJitterAccumulation(t *testing.T) {
	m := NewQualityMonitor(8000)

	base := time.Now()
	for i := 0; i < 100; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i) * 160,
			},
		}
		// Alternate arrivals 10ms off the grid.
		arrival := base.Add(time.Duration(i) * 20 * time.Millisecond)
		if i%2 == 1 {
			arrival = arrival.Add(10 * time.Millisecond)
		}
		m.Observe(pkt, arrival)
	}

	report := m.Snapshot()
	assert.Greater(t, report.JitterMs, 1.0)
	assert.Less(t, report.MOS, estimateMOS(0, 0), "jitter must degrade MOS")
}

func TestReceiverReport(t *testing.T) {
	m := NewQualityMonitor(8000)
	feedStream(m, 100, 10) // 10% loss

	rr := m.BuildReceiverReport(0x1234)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint32(0x1234), rr.SSRC)
	assert.Equal(t, uint32(0xABCD), rr.Reports[0].SSRC)
	assert.NotZero(t, rr.Reports[0].TotalLost)
	assert.NotZero(t, rr.Reports[0].FractionLost)

	// Second report over a clean interval shows zero fraction lost.
	feedStream2 := func() {
		base := time.Now()
		for i := 0; i < 50; i++ {
			pkt := &rtp.Packet{Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(1100 + i),
				Timestamp:      uint32(8000 + (100+i)*160),
				SSRC:           0xABCD,
			}}
			m.Observe(pkt, base.Add(time.Duration(i)*20*time.Millisecond))
		}
	}
	feedStream2()
	rr = m.BuildReceiverReport(0x1234)
	assert.Zero(t, rr.Reports[0].FractionLost)
}
