package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/sonara/pbx/internal/media"
	"github.com/sonara/pbx/internal/metrics"
)

const readDeadlineInterval = time.Second

// RelayedSession forwards media between two remote legs.
// Payload passes through verbatim; the relay only inspects headers
// for quality accounting and DTMF tapping. Each leg's true address is
// learned from its first observed packet, and forwarding starts as
// soon as the destination leg is known at all: withholding until both
// legs confirm would drop the opening audio.
type RelayedSession struct {
	cfg  SessionConfig
	pool *PortPool

	caller *Leg // A leg
	callee *Leg // B leg

	dtmf *media.DTMFDetector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce    sync.Once
	timeoutOnce sync.Once
	started     bool
}

// NewRelayedSession allocates two port pairs (one per leg) and binds
// their sockets. On any failure everything acquired so far is
// released.
func NewRelayedSession(cfg SessionConfig, pool *PortPool) (*RelayedSession, error) {
	callerPort, _, err := pool.Allocate()
	if err != nil {
		return nil, err
	}
	calleePort, _, err := pool.Allocate()
	if err != nil {
		pool.Release(callerPort)
		return nil, err
	}

	caller, err := newLeg("caller", callerPort, cfg.Codec.SampleRate)
	if err != nil {
		pool.Release(callerPort)
		pool.Release(calleePort)
		return nil, err
	}
	callee, err := newLeg("callee", calleePort, cfg.Codec.SampleRate)
	if err != nil {
		caller.close()
		pool.Release(callerPort)
		pool.Release(calleePort)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayedSession{
		cfg:    cfg,
		pool:   pool,
		caller: caller,
		callee: callee,
		dtmf:   media.NewDTMFDetector(cfg.EventPT, cfg.Codec),
		ctx:    ctx,
		cancel: cancel,
	}

	slog.Debug("[Relay] Session created",
		"call_id", cfg.CallID,
		"caller_port", callerPort,
		"callee_port", calleePort,
		"codec", cfg.Codec.Name,
	)
	return s, nil
}

// CallerPort returns the local RTP port the caller sends to.
func (s *RelayedSession) CallerPort() int { return s.caller.Port() }

// CalleePort returns the local RTP port the callee sends to.
func (s *RelayedSession) CalleePort() int { return s.callee.Port() }

// Codec returns the negotiated codec.
func (s *RelayedSession) Codec() media.Codec { return s.cfg.Codec }

// SetCallerRemote seeds the caller leg's address from SDP.
func (s *RelayedSession) SetCallerRemote(addr string, port int) error {
	return s.caller.SetRemote(addr, port)
}

// SetCalleeRemote seeds the callee leg's address from the answer SDP.
func (s *RelayedSession) SetCalleeRemote(addr string, port int) error {
	return s.callee.SetRemote(addr, port)
}

// SetHeld applies the hold the caller negotiated. A sendonly hold
// drops only the callee's audio, so nothing plays toward the holder
// while the holder's stream keeps flowing to the callee; inactive
// drops both directions. The relay keeps running either way.
func (s *RelayedSession) SetHeld(mode HoldMode) {
	s.callee.muted.Store(mode != HoldOff)
	s.caller.muted.Store(mode == HoldFull)
}

// Start launches the forwarding loops, one per direction per
// protocol, plus the silence watchdog.
func (s *RelayedSession) Start() error {
	if s.started {
		return fmt.Errorf("session already started")
	}
	s.started = true

	s.wg.Add(4)
	go s.relayRTP(s.caller, s.callee, "a_to_b", true)
	go s.relayRTP(s.callee, s.caller, "b_to_a", false)
	go s.relayRTCP(s.caller, s.callee)
	go s.relayRTCP(s.callee, s.caller)

	if s.cfg.MediaTimeout > 0 {
		s.wg.Add(1)
		go s.watchdog()
	}
	return nil
}

// relayRTP forwards RTP from one leg's socket to the other leg's
// learned remote. tapDigits enables DTMF detection, on the caller
// direction only.
func (s *RelayedSession) relayRTP(from, to *Leg, direction string, tapDigits bool) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	relayed := metrics.PacketsRelayed.WithLabelValues(direction)
	logged := false

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = from.rtpConn.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		n, src, err := from.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			slog.Debug("[Relay] Read error", "call_id", s.cfg.CallID, "direction", direction, "error", err)
			continue
		}

		// Symmetric learning, checked on every packet.
		from.learnRTP(src)

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err == nil {
			from.ssrc.Store(pkt.SSRC)
			from.monitor.Observe(pkt, time.Now())
			if tapDigits {
				// telephone-event packets are still relayed below so
				// the far end sees the digit too.
				s.dtmf.ProcessPacket(pkt)
			}
		}

		if from.muted.Load() {
			continue
		}

		dest := to.RTPRemote()
		if dest == nil {
			// Destination leg entirely unknown, nothing to do yet.
			continue
		}

		if !logged {
			slog.Info("[Relay] First packet",
				"call_id", s.cfg.CallID,
				"direction", direction,
				"from", src.String(),
				"to", dest.String(),
				"size", n,
			)
			logged = true
		}

		if _, err := to.rtpConn.WriteToUDP(buf[:n], dest); err != nil {
			slog.Debug("[Relay] Write error", "call_id", s.cfg.CallID, "direction", direction, "error", err)
			continue
		}
		relayed.Inc()
	}
}

// relayRTCP forwards RTCP packets verbatim between the legs.
func (s *RelayedSession) relayRTCP(from, to *Leg) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = from.rtcpConn.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		n, src, err := from.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}

		from.learnRTCP(src)

		dest := to.RTCPRemote()
		if dest == nil {
			continue
		}
		_, _ = to.rtcpConn.WriteToUDP(buf[:n], dest)
	}
}

// watchdog tears the call down when neither leg has sent media for
// the configured timeout.
func (s *RelayedSession) watchdog() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		last := s.caller.LastReceive()
		if b := s.callee.LastReceive(); b.After(last) {
			last = b
		}
		if last.IsZero() {
			last = start
		}

		if time.Since(last) > s.cfg.MediaTimeout {
			slog.Warn("[Relay] Media timeout, flagging call for teardown",
				"call_id", s.cfg.CallID,
				"idle", time.Since(last).Round(time.Second).String(),
			)
			s.fireTimeout()
			return
		}
	}
}

func (s *RelayedSession) fireTimeout() {
	s.timeoutOnce.Do(func() {
		if s.cfg.OnTimeout != nil {
			go s.cfg.OnTimeout()
		}
	})
}

// Digits returns the channel of DTMF digits tapped from the caller's
// stream.
func (s *RelayedSession) Digits() <-chan media.Digit {
	return s.dtmf.Digits()
}

// Quality returns the quality estimate for the worse of the two
// inbound streams.
func (s *RelayedSession) Quality() media.QualityReport {
	a := s.caller.Quality()
	b := s.callee.Quality()
	if b.PacketsReceived > 0 && (a.PacketsReceived == 0 || b.MOS < a.MOS) {
		return b
	}
	return a
}

// CallerQuality returns the caller-inbound stream estimate.
func (s *RelayedSession) CallerQuality() media.QualityReport { return s.caller.Quality() }

// CalleeQuality returns the callee-inbound stream estimate.
func (s *RelayedSession) CalleeQuality() media.QualityReport { return s.callee.Quality() }

// Stop cancels the media tasks, waits for them to exit, then closes
// the sockets and returns both port pairs to the pool. Runs exactly
// once regardless of how many paths call it.
func (s *RelayedSession) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.caller.close()
		s.callee.close()
		s.wg.Wait()

		s.pool.Release(s.caller.Port())
		s.pool.Release(s.callee.Port())

		q := s.Quality()
		if q.PacketsReceived > 0 {
			metrics.CallMOS.Observe(q.MOS)
		}
		slog.Info("[Relay] Session stopped",
			"call_id", s.cfg.CallID,
			"packets", q.PacketsReceived,
			"loss_pct", fmt.Sprintf("%.2f", q.LossPercent),
			"mos", fmt.Sprintf("%.2f", q.MOS),
		)
	})
}

var _ MediaSession = (*RelayedSession)(nil)
