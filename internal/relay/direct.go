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

const rtcpReportInterval = 5 * time.Second

// DirectSession terminates media locally: the engine itself is the
// far end (auto attendant, voicemail). No relay sits between the
// caller and the audio engine; the caller's port feeds the jitter
// buffer, DTMF detectors, player, and recorder directly. A generic
// two-leg relay here would have no second leg and would just eat the
// caller's packets.
type DirectSession struct {
	cfg  SessionConfig
	pool *PortPool
	leg  *Leg

	jitter   *media.JitterBuffer
	dtmf     *media.DTMFDetector
	writer   *media.RTPStreamWriter
	player   *media.Player
	recorder *media.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce    sync.Once
	timeoutOnce sync.Once
	started     bool
}

// NewDirectSession allocates one port pair and binds the caller leg.
// audioBase is the prompt directory for playback. jitterDepth is the
// initial buffer depth in packets.
func NewDirectSession(cfg SessionConfig, pool *PortPool, audioBase string, jitterDepth int) (*DirectSession, error) {
	port, _, err := pool.Allocate()
	if err != nil {
		return nil, err
	}

	leg, err := newLeg("caller", port, cfg.Codec.SampleRate)
	if err != nil {
		pool.Release(port)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &DirectSession{
		cfg:    cfg,
		pool:   pool,
		leg:    leg,
		jitter: media.NewJitterBuffer(cfg.Codec.SampleDur, jitterDepth),
		dtmf:   media.NewDTMFDetector(cfg.EventPT, cfg.Codec),
		ctx:    ctx,
		cancel: cancel,
	}

	s.writer = media.NewRTPStreamWriter(leg.rtpConn, nil, cfg.Codec)
	s.player = media.NewPlayer(s.writer, cfg.Codec, audioBase)
	if cfg.Codec.IsG711() {
		s.recorder, _ = media.NewRecorder(cfg.Codec)
	}

	slog.Debug("[Direct] Session created",
		"call_id", cfg.CallID,
		"port", port,
		"codec", cfg.Codec.Name,
	)
	return s, nil
}

// CallerPort returns the local RTP port advertised to the caller.
func (s *DirectSession) CallerPort() int { return s.leg.Port() }

// Codec returns the negotiated codec.
func (s *DirectSession) Codec() media.Codec { return s.cfg.Codec }

// SetCallerRemote seeds the caller's address from SDP.
func (s *DirectSession) SetCallerRemote(addr string, port int) error {
	if err := s.leg.SetRemote(addr, port); err != nil {
		return err
	}
	s.writer.SetRemote(s.leg.RTPRemote())
	return nil
}

// SetHeld applies the hold the caller negotiated. Under a sendonly
// hold the caller declared it still sends, so inbound keeps feeding
// the recorder and digit detection; only inactive silences it.
func (s *DirectSession) SetHeld(mode HoldMode) {
	s.leg.muted.Store(mode == HoldFull)
}

// Start launches the receive, play-out, and RTCP tasks.
func (s *DirectSession) Start() error {
	if s.started {
		return fmt.Errorf("session already started")
	}
	s.started = true

	s.wg.Add(3)
	go s.receiveLoop()
	go s.playoutLoop()
	go s.rtcpLoop()

	if s.cfg.MediaTimeout > 0 {
		s.wg.Add(1)
		go s.watchdog()
	}
	return nil
}

// receiveLoop pulls packets off the caller's port, learns the true
// source, and routes them to the DTMF detectors and jitter buffer.
func (s *DirectSession) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	var lastRemote *net.UDPAddr

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = s.leg.rtpConn.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		n, src, err := s.leg.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			slog.Debug("[Direct] Read error", "call_id", s.cfg.CallID, "error", err)
			continue
		}

		s.leg.learnRTP(src)
		if remote := s.leg.RTPRemote(); remote != lastRemote {
			s.writer.SetRemote(remote)
			lastRemote = remote
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		s.leg.ssrc.Store(pkt.SSRC)
		s.leg.monitor.Observe(pkt, time.Now())

		if s.dtmf.ProcessPacket(pkt) {
			continue // telephone-event, not audio
		}
		if s.leg.muted.Load() {
			continue
		}
		if pkt.PayloadType == s.cfg.Codec.PayloadType {
			s.jitter.Put(clonePacket(pkt))
		}
	}
}

// playoutLoop drains the jitter buffer at the codec frame rate,
// feeding the recorder. Gaps come out as concealed silence so the
// recording stays real-time.
func (s *DirectSession) playoutLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Codec.SampleDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		pkt, ok := s.jitter.Get()
		if s.recorder == nil {
			continue
		}
		if ok {
			s.recorder.WriteFrame(pkt.Payload)
		} else if s.jitter.Playing() {
			// loss event mid-stream, conceal as silence
			s.recorder.WriteFrame(nil)
		}
	}
}

// rtcpLoop sends periodic receiver reports to the caller.
func (s *DirectSession) rtcpLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(rtcpReportInterval)
	defer ticker.Stop()

	reporterSSRC := s.writer.SSRC()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		dest := s.leg.RTCPRemote()
		if dest == nil || s.leg.ssrc.Load() == 0 {
			continue
		}

		rr := s.leg.monitor.BuildReceiverReport(reporterSSRC)
		data, err := rr.Marshal()
		if err != nil {
			continue
		}
		_, _ = s.leg.rtcpConn.WriteToUDP(data, dest)
	}
}

func (s *DirectSession) watchdog() {
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

		last := s.leg.LastReceive()
		if last.IsZero() {
			last = start
		}
		if time.Since(last) > s.cfg.MediaTimeout {
			slog.Warn("[Direct] Media timeout, flagging call for teardown",
				"call_id", s.cfg.CallID,
				"idle", time.Since(last).Round(time.Second).String(),
			)
			s.timeoutOnce.Do(func() {
				if s.cfg.OnTimeout != nil {
					go s.cfg.OnTimeout()
				}
			})
			return
		}
	}
}

// PlayFile streams a prompt to the caller, blocking until it ends or
// ctx is cancelled. The session must be started first.
func (s *DirectSession) PlayFile(ctx context.Context, name string) error {
	if !s.started {
		return fmt.Errorf("session not started")
	}
	if s.leg.RTPRemote() == nil {
		return fmt.Errorf("caller address unknown, cannot play")
	}
	return s.player.PlayFile(ctx, name)
}

// SendDigit plays an RFC 4733 digit toward the caller.
func (s *DirectSession) SendDigit(digit rune) error {
	pt := s.cfg.EventPT
	if pt == 0 {
		return fmt.Errorf("telephone-event not negotiated")
	}
	w := media.NewDTMFWriter(s.writer, pt)
	return w.SendDigit(digit, 200*time.Millisecond)
}

// StartRecording begins capturing the caller's audio.
func (s *DirectSession) StartRecording() error {
	if s.recorder == nil {
		return fmt.Errorf("recording unavailable for codec %s", s.cfg.Codec.Name)
	}
	s.recorder.Start()
	return nil
}

// StopRecording ends capture and returns the 16-bit PCM samples.
func (s *DirectSession) StopRecording() ([]byte, error) {
	if s.recorder == nil {
		return nil, fmt.Errorf("recording unavailable for codec %s", s.cfg.Codec.Name)
	}
	return s.recorder.Stop(), nil
}

// SaveRecording writes the capture to a WAV file, after StopRecording.
func (s *DirectSession) SaveRecording(path string) error {
	if s.recorder == nil {
		return fmt.Errorf("recording unavailable for codec %s", s.cfg.Codec.Name)
	}
	return s.recorder.SaveWAV(path)
}

// NextDigit blocks until the caller presses a key, from either
// detection path, or the context expires.
func (s *DirectSession) NextDigit(ctx context.Context) (rune, error) {
	select {
	case digit, ok := <-s.dtmf.Digits():
		if !ok {
			return 0, fmt.Errorf("session closed")
		}
		return digit.Char, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Digits exposes the raw digit event stream.
func (s *DirectSession) Digits() <-chan media.Digit {
	return s.dtmf.Digits()
}

// Quality returns the caller-inbound quality estimate.
func (s *DirectSession) Quality() media.QualityReport {
	return s.leg.Quality()
}

// Stop cancels the media tasks, closes the socket, and returns the
// port pair to the pool. Safe to call repeatedly.
func (s *DirectSession) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.leg.close()
		_ = s.writer.Close()
		s.wg.Wait()
		s.pool.Release(s.leg.Port())

		q := s.Quality()
		if q.PacketsReceived > 0 {
			metrics.CallMOS.Observe(q.MOS)
		}
		slog.Info("[Direct] Session stopped",
			"call_id", s.cfg.CallID,
			"packets", q.PacketsReceived,
			"mos", fmt.Sprintf("%.2f", q.MOS),
		)
	})
}

func clonePacket(pkt *rtp.Packet) *rtp.Packet {
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	return &rtp.Packet{Header: pkt.Header, Payload: payload}
}

var _ MediaSession = (*DirectSession)(nil)
