// Package sip hosts the signaling server: the sipgo user agent, the
// per-call state machines, and the INVITE/ACK/BYE/CANCEL/REFER handlers
// that drive media sessions.
package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sonara/pbx/internal/config"
	"github.com/sonara/pbx/internal/events"
	"github.com/sonara/pbx/internal/media"
	"github.com/sonara/pbx/internal/metrics"
	"github.com/sonara/pbx/internal/relay"
	"github.com/sonara/pbx/internal/sip/location"
	"github.com/sonara/pbx/internal/sip/registration"
	"github.com/sonara/pbx/internal/store"
)

const (
	// ActiveCallTTL bounds how long a call record may live.
	ActiveCallTTL = 4 * time.Hour
	// TerminatedCallTTL keeps terminated calls around for retransmission
	// handling (RFC 3261 Timer B scale).
	TerminatedCallTTL = 32 * time.Second
	// callCleanupInterval is how often the call store sweeps.
	callCleanupInterval = 10 * time.Second

	// ackTimeout tears down answered calls whose ACK never arrives.
	ackTimeout = 32 * time.Second
)

// Server is the PBX signaling server. It owns the sipgo stack, the call
// registry, the registrar, and the RTP port pool shared by all calls.
type Server struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	dialogUA *sipgo.DialogUA

	cfg      *config.Config
	registry *media.Registry
	pool     *relay.PortPool

	locStore  *location.Store
	registrar *registration.Handler

	calls *store.TTLStore[string, *Call]

	publisher events.Publisher
	builder   *events.Builder
}

// NewServer wires up the signaling stack from configuration.
func NewServer(cfg *config.Config, publisher events.Publisher) (*Server, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "pbx",
			Host:   cfg.AdvertiseAddr,
			Port:   cfg.SIPPort,
		},
	}
	dialogUA := &sipgo.DialogUA{
		Client:     uac,
		ContactHDR: contact,
	}

	locStore := location.NewStore(location.StoreConfig{
		CleanupInterval: 30 * time.Second,
		DefaultExpires:  int(cfg.DefaultExpires.Seconds()),
		MaxExpires:      2 * int(cfg.DefaultExpires.Seconds()),
		MinExpires:      int(cfg.MinExpires.Seconds()),
	})

	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}

	s := &Server{
		ua:        ua,
		srv:       uas,
		client:    uac,
		dialogUA:  dialogUA,
		cfg:       cfg,
		registry:  media.DefaultRegistry(cfg.CodecPreference),
		pool:      relay.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		locStore:  locStore,
		registrar: registration.NewHandler(locStore, cfg.AdvertiseAddr),
		calls:     store.NewTTLStore[string, *Call](callCleanupInterval),
		publisher: publisher,
		builder:   events.NewBuilder(cfg.AdvertiseAddr),
	}

	s.calls.SetOnEvict(func(callID string, c *Call) {
		slog.Debug("[Call] Evicted from registry", "call_id", callID, "state", c.State())
	})

	uas.OnRequest(sip.REGISTER, s.handleRegister)
	uas.OnRequest(sip.INVITE, s.handleInvite)
	uas.OnRequest(sip.ACK, s.handleAck)
	uas.OnRequest(sip.BYE, s.handleBye)
	uas.OnRequest(sip.CANCEL, s.handleCancel)
	uas.OnRequest(sip.REFER, s.handleRefer)

	slog.Info("SIP handlers registered", "methods", "REGISTER, INVITE, ACK, BYE, CANCEL, REFER")
	return s, nil
}

// ListenAndServe binds the SIP UDP listener and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.SIPPort)
	slog.Info("Starting SIP server", "listen", listenAddr, "advertise", s.cfg.AdvertiseAddr)
	return s.srv.ListenAndServe(ctx, "udp", listenAddr)
}

// Close tears down all live calls and the SIP stack.
func (s *Server) Close() error {
	for callID, c := range s.calls.All() {
		if !c.IsTerminated() {
			slog.Info("[Call] Terminating on shutdown", "call_id", callID)
			s.terminate(c, events.EndReasonNormal, true)
		}
	}
	s.calls.Close()
	s.locStore.Close()
	return s.ua.Close()
}

// findCall resolves a Call-ID to a call, checking both the caller leg's
// Call-ID and the Call-IDs of any outbound legs we originated.
func (s *Server) findCall(callID string) (*Call, bool) {
	if c, ok := s.calls.Get(callID); ok {
		return c, true
	}
	var found *Call
	for _, c := range s.calls.All() {
		if leg := c.getBLeg(); leg != nil && leg.CallID == callID {
			found = c
			break
		}
		if leg := c.getTransferLeg(); leg != nil && leg.CallID == callID {
			found = c
			break
		}
	}
	return found, found != nil
}

// sendRinging emits the 180 and moves the call to Ringing. Idempotent.
func (s *Server) sendRinging(c *Call) {
	if c.ringSent.Load() {
		return
	}
	if err := c.markRinging(); err != nil {
		slog.Warn("[Call] Cannot ring", "call_id", c.SIPCallID, "error", err)
		return
	}
	ringing := sip.NewResponseFromRequest(c.inviteReq, sip.StatusRinging, "Ringing", nil)
	if err := c.inviteTx.Respond(ringing); err != nil {
		slog.Error("[Call] Failed to send 180 Ringing", "call_id", c.SIPCallID, "error", err)
		return
	}
	s.publisher.PublishAsync(s.builder.CallRinging(c.ID, c.SIPCallID, 180))
	slog.Info("[Call] Ringing", "call_id", c.SIPCallID)
}

// answer sends the 200 OK with the SDP answer. The 180 always goes out
// first; answering a call that never rang is a bug this method corrects
// rather than propagates.
func (s *Server) answer(c *Call, sdpBody []byte) error {
	if c.State() == StateTrying {
		s.sendRinging(c)
	}

	session, err := s.dialogUA.ReadInvite(c.inviteReq, c.inviteTx)
	if err != nil {
		return fmt.Errorf("create dialog session: %w", err)
	}
	c.setDialog(session)

	if err := session.RespondSDP(sdpBody); err != nil {
		_ = session.Close()
		return fmt.Errorf("send 200 OK: %w", err)
	}
	c.setInviteResponse(session.InviteResponse)

	if err := c.markAnswered(); err != nil {
		return err
	}

	m := c.Media()
	info := events.MediaInfo{SelectedCodec: c.Codec().Name}
	if m != nil {
		info.LocalPort = m.CallerPort()
	}
	s.publisher.PublishAsync(s.builder.CallAnswered(c.ID, c.SIPCallID, info, c.setupDuration()))
	slog.Info("[Call] Answered", "call_id", c.SIPCallID, "codec", c.Codec().Name)

	go s.watchAck(c)
	return nil
}

// watchAck tears the call down if the ACK for our 200 never arrives.
func (s *Server) watchAck(c *Call) {
	select {
	case <-c.Context().Done():
	case <-time.After(ackTimeout):
		if !c.ackReceived.Load() && !c.IsTerminated() {
			slog.Warn("[Call] ACK timeout, tearing down", "call_id", c.SIPCallID)
			s.terminate(c, events.EndReasonTimeout, true)
		}
	}
}

// terminate is the single teardown path: every exit route for a call goes
// through here so media stop and port release are unconditional. byeRemote
// sends BYE on legs that are still up.
func (s *Server) terminate(c *Call, reason events.EndReason, byeRemote bool) {
	wasConnected := c.State() == StateConnected || c.State() == StateHeld
	if !c.markTerminated(reason) {
		return
	}

	// Stop media first, then signal: ports must be back in the pool
	// before the call reports terminated.
	var quality *media.QualityReport
	if session := c.detachMedia(); session != nil {
		q := session.Quality()
		quality = &q
		session.Stop()
	}

	if byeRemote {
		if wasConnected {
			if dlg := c.getDialog(); dlg != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := dlg.Bye(ctx); err != nil {
					slog.Warn("[Call] BYE to caller failed", "call_id", c.SIPCallID, "error", err)
				}
				cancel()
			}
		}
		if leg := c.getBLeg(); leg != nil && leg.Answered() {
			if err := s.sendLegBYE(leg); err != nil {
				slog.Warn("[Call] BYE to callee failed", "call_id", leg.CallID, "error", err)
			}
		}
		if leg := c.getTransferLeg(); leg != nil && leg.Answered() {
			if err := s.sendLegBYE(leg); err != nil {
				slog.Warn("[Call] BYE to transfer target failed", "call_id", leg.CallID, "error", err)
			}
		}
	}

	if dlg := c.getDialog(); dlg != nil {
		_ = dlg.Close()
	}
	c.cancel()

	ended := s.builder.CallEnded(c.ID, c.SIPCallID, reason)
	ended.SIPResponseCode = c.endCodeValue()
	ended.SetupDurationMs = c.setupDuration().Milliseconds()
	ended.TalkDurationMs = c.talkDuration().Milliseconds()
	ended.TotalDurationMs = c.totalDuration().Milliseconds()
	ended.Quality = quality
	s.publisher.PublishAsync(ended)

	metrics.CallsActive.Dec()
	metrics.CallsTotal.WithLabelValues(string(reason)).Inc()
	if quality != nil && quality.PacketsReceived > 0 {
		metrics.CallMOS.Observe(quality.MOS)
	}
	if talk := c.talkDuration(); talk > 0 {
		metrics.CallDuration.Observe(talk.Seconds())
	}

	// Keep the record briefly for retransmissions, then let the sweep
	// drop it.
	s.calls.Set(c.SIPCallID, c, TerminatedCallTTL)
	slog.Info("[Call] Terminated", "call_id", c.SIPCallID, "reason", reason)
}

// rejectStatus maps setup errors onto SIP rejections: no common codec is
// 488, pool exhaustion is 503, anything else from a bad offer is 400.
func rejectStatus(err error) (sip.StatusCode, string) {
	switch {
	case errors.Is(err, media.ErrNoCommonCodec):
		return sip.StatusNotAcceptableHere, "Not Acceptable Here"
	case errors.Is(err, relay.ErrPortsExhausted):
		return sip.StatusServiceUnavailable, "Service Unavailable"
	default:
		return sip.StatusBadRequest, "Bad Request"
	}
}

func (s *Server) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	metrics.SIPRequests.WithLabelValues("REGISTER").Inc()
	if err := s.registrar.HandleRegister(req, tx); err != nil {
		slog.Error("Error handling REGISTER", "error", err)
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		if err := tx.Respond(res); err != nil {
			slog.Error("Error sending error response", "error", err)
		}
	}
}
