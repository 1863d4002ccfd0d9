package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sonara/pbx/internal/events"
	"github.com/sonara/pbx/internal/media"
	"github.com/sonara/pbx/internal/metrics"
	"github.com/sonara/pbx/internal/relay"
	"github.com/sonara/pbx/internal/sdp"
	"github.com/sonara/pbx/internal/sip/location"
)

// maxRecordDuration caps voicemail recordings that never see a '#'.
const maxRecordDuration = 2 * time.Minute

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	metrics.SIPRequests.WithLabelValues("INVITE").Inc()

	// A To tag means this INVITE is inside an established dialog.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			s.handleReInvite(req, tx)
			return
		}
	}

	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	if existing, ok := s.calls.Get(callID); ok {
		// INVITE retransmission; the transaction layer replays our
		// last response, nothing to do here.
		slog.Debug("[INVITE] Retransmission", "call_id", callID, "state", existing.State())
		return
	}

	c := NewCall(req, tx)
	if err := c.begin(); err != nil {
		slog.Error("[INVITE] Cannot start call", "call_id", callID, "error", err)
		return
	}

	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		slog.Error("[INVITE] Failed to send 100 Trying", "call_id", callID, "error", err)
		return
	}

	s.calls.Set(callID, c, ActiveCallTTL)
	metrics.CallsActive.Inc()

	from := c.callerEndpoint()
	to := c.calleeEndpoint()
	ua := ""
	if h := req.GetHeader("User-Agent"); h != nil {
		ua = h.Value()
	}
	s.publisher.PublishAsync(s.builder.CallReceived(
		c.ID, c.SIPCallID, from, to, req.Recipient.String(), req.Source(), ua,
	))
	slog.Info("[INVITE] Call received",
		"call_id", callID,
		"from", from.User,
		"to", to.User,
		"source", req.Source(),
	)

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		slog.Warn("[INVITE] Unparseable SDP offer", "call_id", callID, "error", err)
		s.rejectInvite(c, sip.StatusBadRequest, "Bad Request", events.EndReasonError)
		return
	}

	codec, err := s.registry.Negotiate(offer.Codecs)
	if err != nil {
		slog.Warn("[INVITE] Codec negotiation failed", "call_id", callID, "error", err)
		code, reason := rejectStatus(err)
		s.rejectInvite(c, code, reason, events.EndReasonRejected)
		return
	}
	eventPT, _ := media.FindTelephoneEvent(offer.Codecs)

	slog.Info("[INVITE] Negotiated",
		"call_id", callID,
		"codec", codec.Name,
		"remote_media", fmt.Sprintf("%s:%d", offer.Addr, offer.Port),
		"event_pt", eventPT,
	)

	user := c.targetUser()
	switch {
	case strings.HasPrefix(user, "*"):
		go s.directCall(c, offer, codec, eventPT)
	default:
		binding := s.locStore.LookupBestByUser(user)
		if binding == nil {
			slog.Info("[INVITE] No registered binding", "call_id", callID, "user", user)
			s.rejectInvite(c, sip.StatusNotFound, "Not Found", events.EndReasonRejected)
			return
		}
		go s.bridgeCall(c, offer, codec, eventPT, binding)
	}
}

// rejectInvite refuses a not-yet-answered call and books it out.
func (s *Server) rejectInvite(c *Call, code sip.StatusCode, reason string, endReason events.EndReason) {
	res := sip.NewResponseFromRequest(c.inviteReq, code, reason, nil)
	if err := c.inviteTx.Respond(res); err != nil {
		slog.Error("[INVITE] Failed to send rejection", "call_id", c.SIPCallID, "status", code, "error", err)
	}
	c.setEndCode(int(code))
	s.terminate(c, endReason, false)
}

// bridgeCall runs the B2BUA flow: allocate a relay, dial the registered
// binding, and bridge the two legs once the callee answers.
func (s *Server) bridgeCall(c *Call, offer *sdp.Session, codec media.Codec, eventPT uint8, binding *location.Binding) {
	session, err := relay.NewRelayedSession(relay.SessionConfig{
		CallID:       c.SIPCallID,
		Codec:        codec,
		EventPT:      eventPT,
		MediaTimeout: s.cfg.MediaTimeout,
		OnTimeout: func() {
			slog.Warn("[Bridge] Media timeout", "call_id", c.SIPCallID)
			s.terminate(c, events.EndReasonTimeout, true)
		},
	}, s.pool)
	if err != nil {
		slog.Error("[Bridge] Media allocation failed", "call_id", c.SIPCallID, "error", err)
		code, reason := rejectStatus(err)
		s.rejectInvite(c, code, reason, events.EndReasonError)
		return
	}
	if err := session.SetCallerRemote(offer.Addr, offer.Port); err != nil {
		session.Stop()
		s.rejectInvite(c, sip.StatusBadRequest, "Bad Request", events.EndReasonError)
		return
	}
	c.setMedia(session, codec, offer)

	calleeOffer, err := sdp.Build(s.cfg.AdvertiseAddr, session.CalleePort(), codec, eventPT, sdp.SendRecv)
	if err != nil {
		s.rejectInvite(c, sip.StatusInternalServerError, "Server Error", events.EndReasonError)
		return
	}

	caller := c.callerEndpoint()
	result := s.Originate(c.Context(), OriginateRequest{
		TargetURI:  binding.EffectiveContact(),
		CallerID:   caller.User,
		CallerName: caller.DisplayName,
		SDPOffer:   calleeOffer,
		Timeout:    defaultDialTimeout,
		OnProgress: func(code int) {
			s.sendRinging(c)
		},
	})

	if !result.Success {
		if c.IsTerminated() {
			// Caller cancelled while we were dialing; teardown
			// already ran.
			return
		}
		slog.Info("[Bridge] Callee leg failed",
			"call_id", c.SIPCallID,
			"status", result.Code,
			"reason", result.Reason,
		)
		code, endReason := mapLegFailure(result.Code)
		s.rejectInvite(c, code, result.Reason, endReason)
		return
	}

	leg := result.Leg
	if c.IsTerminated() {
		_ = s.sendLegBYE(leg)
		return
	}
	c.setBLeg(leg)

	if err := session.SetCalleeRemote(leg.RemoteSDP.Addr, leg.RemoteSDP.Port); err != nil {
		_ = s.sendLegBYE(leg)
		s.rejectInvite(c, sip.StatusInternalServerError, "Server Error", events.EndReasonError)
		return
	}
	if err := session.Start(); err != nil {
		_ = s.sendLegBYE(leg)
		s.rejectInvite(c, sip.StatusInternalServerError, "Server Error", events.EndReasonError)
		return
	}

	answerSDP, err := sdp.Build(s.cfg.AdvertiseAddr, session.CallerPort(), codec, eventPT, sdp.SendRecv)
	if err != nil {
		_ = s.sendLegBYE(leg)
		s.rejectInvite(c, sip.StatusInternalServerError, "Server Error", events.EndReasonError)
		return
	}
	if err := s.answer(c, answerSDP); err != nil {
		slog.Error("[Bridge] Failed to answer caller", "call_id", c.SIPCallID, "error", err)
		s.terminate(c, events.EndReasonError, true)
		return
	}

	callerInfo := events.MediaInfo{
		LocalPort:     session.CallerPort(),
		RemoteAddr:    offer.Addr,
		RemotePort:    offer.Port,
		SelectedCodec: codec.Name,
	}
	calleeInfo := events.MediaInfo{
		LocalPort:     session.CalleePort(),
		RemoteAddr:    leg.RemoteSDP.Addr,
		RemotePort:    leg.RemoteSDP.Port,
		SelectedCodec: codec.Name,
	}
	s.publisher.PublishAsync(s.builder.CallBridged(c.ID, c.SIPCallID, callerInfo, calleeInfo, codec.Name))
	slog.Info("[Bridge] Bridged",
		"call_id", c.SIPCallID,
		"bleg_call_id", leg.CallID,
		"codec", codec.Name,
	)

	go s.relayDigits(c, session)
}

// relayDigits drains the relay's DTMF tap for metrics and event logs.
func (s *Server) relayDigits(c *Call, session *relay.RelayedSession) {
	for {
		select {
		case <-c.Context().Done():
			return
		case d, ok := <-session.Digits():
			if !ok {
				return
			}
			metrics.DTMFDigits.WithLabelValues(d.Source.String()).Inc()
			slog.Debug("[Bridge] DTMF digit",
				"call_id", c.SIPCallID,
				"digit", string(d.Char),
				"source", d.Source.String(),
			)
		}
	}
}

// mapLegFailure translates an outbound leg failure into the response for
// the caller and the recorded disposition.
func mapLegFailure(code int) (sip.StatusCode, events.EndReason) {
	switch {
	case code == int(sip.StatusBusyHere):
		return sip.StatusBusyHere, events.EndReasonBusy
	case code == int(sip.StatusRequestTimeout) || code == 480:
		return sip.StatusCode(480), events.EndReasonNoAnswer
	case code == int(sip.StatusRequestTerminated):
		return sip.StatusRequestTerminated, events.EndReasonCancelled
	case code >= 400 && code < 700:
		return sip.StatusCode(code), events.EndReasonRejected
	default:
		return sip.StatusInternalServerError, events.EndReasonError
	}
}

// directCall terminates media locally: play the prompt for the dialed
// service code, then record the caller until '#' or timeout. Media must
// start before the 200 so the first packets land on a bound port.
func (s *Server) directCall(c *Call, offer *sdp.Session, codec media.Codec, eventPT uint8) {
	session, err := relay.NewDirectSession(relay.SessionConfig{
		CallID:       c.SIPCallID,
		Codec:        codec,
		EventPT:      eventPT,
		MediaTimeout: s.cfg.MediaTimeout,
		OnTimeout: func() {
			slog.Warn("[IVR] Media timeout", "call_id", c.SIPCallID)
			s.terminate(c, events.EndReasonTimeout, true)
		},
	}, s.pool, s.cfg.AudioBasePath, s.cfg.JitterDepth)
	if err != nil {
		slog.Error("[IVR] Media allocation failed", "call_id", c.SIPCallID, "error", err)
		code, reason := rejectStatus(err)
		s.rejectInvite(c, code, reason, events.EndReasonError)
		return
	}
	if err := session.SetCallerRemote(offer.Addr, offer.Port); err != nil {
		session.Stop()
		s.rejectInvite(c, sip.StatusBadRequest, "Bad Request", events.EndReasonError)
		return
	}
	c.setMedia(session, codec, offer)

	if err := session.Start(); err != nil {
		s.rejectInvite(c, sip.StatusInternalServerError, "Server Error", events.EndReasonError)
		return
	}

	s.sendRinging(c)

	answerSDP, err := sdp.Build(s.cfg.AdvertiseAddr, session.CallerPort(), codec, eventPT, sdp.SendRecv)
	if err != nil {
		s.rejectInvite(c, sip.StatusInternalServerError, "Server Error", events.EndReasonError)
		return
	}
	if err := s.answer(c, answerSDP); err != nil {
		slog.Error("[IVR] Failed to answer", "call_id", c.SIPCallID, "error", err)
		s.terminate(c, events.EndReasonError, true)
		return
	}

	go s.runVoicemail(c, session)
}

// runVoicemail is the built-in dialplan for service codes: prompt, then
// record until the caller presses '#', hangs up, or the cap trips.
func (s *Server) runVoicemail(c *Call, session *relay.DirectSession) {
	ctx := c.Context()
	prompt := strings.TrimPrefix(c.targetUser(), "*")

	if err := session.PlayFile(ctx, prompt); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("[IVR] Prompt playback failed", "call_id", c.SIPCallID, "prompt", prompt, "error", err)
	}

	if err := session.StartRecording(); err != nil {
		slog.Error("[IVR] Cannot start recording", "call_id", c.SIPCallID, "error", err)
		s.hangup(c)
		return
	}

	recordCtx, cancel := context.WithTimeout(ctx, maxRecordDuration)
	defer cancel()
	for {
		digit, err := session.NextDigit(recordCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				slog.Info("[IVR] Recording cap reached", "call_id", c.SIPCallID)
			}
			break
		}
		metrics.DTMFDigits.WithLabelValues("ivr").Inc()
		slog.Debug("[IVR] Digit", "call_id", c.SIPCallID, "digit", string(digit))
		if digit == '#' {
			break
		}
	}

	dest := filepath.Join(s.cfg.RecordPath, c.ID+".wav")
	if err := session.SaveRecording(dest); err != nil {
		slog.Error("[IVR] Failed to save recording", "call_id", c.SIPCallID, "error", err)
	} else {
		slog.Info("[IVR] Recording saved", "call_id", c.SIPCallID, "path", dest)
	}

	if ctx.Err() == nil {
		s.hangup(c)
	}
}

// hangup ends a call from our side (dialplan completed).
func (s *Server) hangup(c *Call) {
	s.terminate(c, events.EndReasonNormal, true)
}

// handleReInvite processes an in-dialog INVITE: hold, resume, or a media
// address update. The session is muted rather than torn down so hold does
// not churn RTP ports.
func (s *Server) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	c, ok := s.findCall(callID)
	if !ok || c.IsTerminated() {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	if st := c.State(); st != StateConnected && st != StateHeld {
		slog.Warn("[re-INVITE] Wrong state", "call_id", callID, "state", st)
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		slog.Warn("[re-INVITE] Unparseable SDP", "call_id", callID, "error", err)
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		_ = tx.Respond(res)
		return
	}

	wantHold := offer.Direction == sdp.SendOnly || offer.Direction == sdp.Inactive
	answerDir := sdp.SendRecv
	if wantHold {
		answerDir = sdp.RecvOnly
	}

	session := c.Media()
	if session == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		_ = tx.Respond(res)
		return
	}

	switch {
	case wantHold && !c.Held():
		if err := c.setHeld(true); err != nil {
			slog.Warn("[re-INVITE] Hold rejected", "call_id", callID, "error", err)
			res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
			_ = tx.Respond(res)
			return
		}
		s.publisher.PublishAsync(s.builder.CallHold(c.ID, c.SIPCallID, true))
		slog.Info("[re-INVITE] Call held", "call_id", callID, "direction", string(offer.Direction))
	case !wantHold && c.Held():
		if err := c.setHeld(false); err != nil {
			slog.Warn("[re-INVITE] Resume rejected", "call_id", callID, "error", err)
			res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
			_ = tx.Respond(res)
			return
		}
		s.publisher.PublishAsync(s.builder.CallHold(c.ID, c.SIPCallID, false))
		slog.Info("[re-INVITE] Call resumed", "call_id", callID)
	}

	// Applied on every re-INVITE so a holder may move between
	// sendonly and inactive without a resume in between.
	session.SetHeld(holdMode(offer.Direction))

	// Re-seed the caller's media address; phones move between offers.
	if offer.Port > 0 && offer.Addr != "" && offer.Addr != "0.0.0.0" {
		if err := session.SetCallerRemote(offer.Addr, offer.Port); err != nil {
			slog.Warn("[re-INVITE] Media reseed failed", "call_id", callID, "error", err)
		}
	}

	body, err := sdp.Build(s.cfg.AdvertiseAddr, session.CallerPort(), c.Codec(), offer.EventPT, answerDir)
	if err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		_ = tx.Respond(res)
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	if err := tx.Respond(res); err != nil {
		slog.Error("[re-INVITE] Failed to send 200", "call_id", callID, "error", err)
	}
}

// holdMode maps the offered direction attribute onto the session mute.
// sendonly means the holder keeps sending (music on hold) and only the
// far end goes quiet; inactive silences both ways.
func holdMode(dir sdp.Direction) relay.HoldMode {
	switch dir {
	case sdp.Inactive:
		return relay.HoldFull
	case sdp.SendOnly:
		return relay.HoldOneWay
	default:
		return relay.HoldOff
	}
}
