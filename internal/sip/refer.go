package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sonara/pbx/internal/events"
	"github.com/sonara/pbx/internal/metrics"
	"github.com/sonara/pbx/internal/relay"
	"github.com/sonara/pbx/internal/sdp"
)

// StatusAccepted confirms a REFER we will attempt (RFC 3515 Section 2.4.2).
const StatusAccepted = sip.StatusCode(202)

// handleRefer starts a blind transfer (RFC 3515). Only a connected call
// may be transferred; the referred-to party takes over the referrer's
// media position in the existing relay, so the surviving leg never
// renegotiates.
func (s *Server) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	metrics.SIPRequests.WithLabelValues("REFER").Inc()

	callID := requestCallID(req)
	c, ok := s.findCall(callID)
	if !ok || c.IsTerminated() {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	if c.State() != StateConnected {
		slog.Warn("[REFER] Rejecting transfer outside connected state",
			"call_id", callID,
			"state", c.State(),
		)
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Transfer requires connected call", nil)
		_ = tx.Respond(res)
		return
	}

	referToHdr := req.GetHeader("Refer-To")
	if referToHdr == nil || strings.TrimSpace(referToHdr.Value()) == "" {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Refer-To", nil)
		_ = tx.Respond(res)
		return
	}
	referTo, err := parseReferTo(referToHdr.Value())
	if err != nil {
		slog.Warn("[REFER] Bad Refer-To", "call_id", callID, "value", referToHdr.Value(), "error", err)
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Refer-To", nil)
		_ = tx.Respond(res)
		return
	}

	if err := c.transfer.Event(context.Background(), eventRefer); err != nil {
		slog.Warn("[REFER] Transfer already in progress", "call_id", callID, "transfer_state", c.TransferState())
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Transfer already in progress", nil)
		_ = tx.Respond(res)
		return
	}

	var referCSeq uint32
	if cseq := req.CSeq(); cseq != nil {
		referCSeq = cseq.SeqNo
	}

	res := sip.NewResponseFromRequest(req, StatusAccepted, "Accepted", nil)
	if err := tx.Respond(res); err != nil {
		slog.Error("[REFER] Failed to send 202", "call_id", callID, "error", err)
		_ = c.transfer.Event(context.Background(), eventTransferFailed)
		return
	}

	slog.Info("[REFER] Transfer accepted", "call_id", callID, "refer_to", referTo.String())
	go s.performTransfer(c, referTo, referCSeq)
}

// parseReferTo extracts the URI from a Refer-To value, which may be a
// bare URI or a name-addr form with display name and angle brackets.
func parseReferTo(value string) (sip.Uri, error) {
	v := strings.TrimSpace(value)
	if start := strings.IndexByte(v, '<'); start >= 0 {
		end := strings.IndexByte(v, '>')
		if end <= start {
			return sip.Uri{}, fmt.Errorf("unbalanced angle brackets in %q", value)
		}
		v = v[start+1 : end]
	}
	// Embedded headers (Replaces etc.) are not supported; a blind
	// transfer only needs the base URI.
	if i := strings.IndexByte(v, '?'); i >= 0 {
		v = v[:i]
	}
	var uri sip.Uri
	if err := sip.ParseUri(v, &uri); err != nil {
		return sip.Uri{}, err
	}
	return uri, nil
}

// performTransfer dials the referred-to target, swaps it into the relay's
// caller position, and retires the referrer. On any failure the original
// call stays connected and the referrer learns the outcome via NOTIFY.
func (s *Server) performTransfer(c *Call, referTo sip.Uri, referCSeq uint32) {
	fail := func(code int, reason string) {
		slog.Warn("[REFER] Transfer failed", "call_id", c.SIPCallID, "status", code, "reason", reason)
		s.sendTransferNotify(c, referCSeq, code, reason, true)
		_ = c.transfer.Event(context.Background(), eventTransferFailed)
	}

	session, ok := c.Media().(*relay.RelayedSession)
	if !ok || session == nil {
		fail(488, "Not Acceptable Here")
		return
	}

	binding := s.locStore.LookupBestByUser(referTo.User)
	if binding == nil {
		fail(404, "Not Found")
		return
	}

	remote := c.remoteSDP()
	eventPT := uint8(0)
	if remote != nil {
		eventPT = remote.EventPT
	}
	offer, err := s.buildTransferOffer(session, c, eventPT)
	if err != nil {
		fail(500, "Server Internal Error")
		return
	}

	// Ringing progress is reported to the referrer via sipfrag.
	peer := c.calleeEndpoint()
	result := s.Originate(c.Context(), OriginateRequest{
		TargetURI:  binding.EffectiveContact(),
		CallerID:   peer.User,
		CallerName: peer.DisplayName,
		SDPOffer:   offer,
		Timeout:    defaultDialTimeout,
		OnProgress: func(code int) {
			s.sendTransferNotify(c, referCSeq, code, "Ringing", false)
		},
	})
	if !result.Success {
		if c.IsTerminated() {
			return
		}
		fail(result.Code, result.Reason)
		return
	}

	leg := result.Leg
	if c.IsTerminated() {
		_ = s.sendLegBYE(leg)
		return
	}

	// The target replaces the referrer: re-point the relay's caller leg
	// at the target's media address.
	if err := session.SetCallerRemote(leg.RemoteSDP.Addr, leg.RemoteSDP.Port); err != nil {
		_ = s.sendLegBYE(leg)
		fail(500, "Server Internal Error")
		return
	}

	s.sendTransferNotify(c, referCSeq, 200, "OK", true)
	_ = c.transfer.Event(context.Background(), eventTransferDone)

	// Hand the media session and the surviving callee leg to a successor
	// call before the original tears down, so teardown cannot stop them.
	mediaSession := c.detachMedia()
	peerLeg := c.getBLeg()
	c.setBLeg(nil)

	succ := newTransferSuccessor(leg, peerLeg, mediaSession, c.Codec(), remote)
	s.calls.Set(succ.SIPCallID, succ, ActiveCallTTL)
	metrics.CallsActive.Inc()

	slog.Info("[REFER] Transfer completed",
		"call_id", c.SIPCallID,
		"successor_call_id", succ.SIPCallID,
		"target", referTo.String(),
	)

	c.setEndCode(200)
	s.terminate(c, events.EndReasonTransfer, true)
}

// buildTransferOffer makes the SDP offer for the transfer target, carrying
// the relay's existing caller-side port so no media path changes for the
// surviving party.
func (s *Server) buildTransferOffer(session *relay.RelayedSession, c *Call, eventPT uint8) ([]byte, error) {
	return sdp.Build(s.cfg.AdvertiseAddr, session.CallerPort(), c.Codec(), eventPT, sdp.SendRecv)
}

// sendTransferNotify reports transfer progress to the referrer as a
// message/sipfrag NOTIFY (RFC 3515 Section 2.4.5). final moves the
// implicit subscription to terminated.
func (s *Server) sendTransferNotify(c *Call, referCSeq uint32, code int, reason string, final bool) {
	req, err := c.buildInDialogRequest(sip.NOTIFY)
	if err != nil {
		slog.Warn("[REFER] Cannot build NOTIFY", "call_id", c.SIPCallID, "error", err)
		return
	}

	req.AppendHeader(sip.NewHeader("Event", fmt.Sprintf("refer;id=%d", referCSeq)))
	if final {
		req.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	} else {
		req.AppendHeader(sip.NewHeader("Subscription-State", "active;expires=60"))
	}
	contentType := sip.ContentTypeHeader("message/sipfrag;version=2.0")
	req.AppendHeader(&contentType)
	req.SetBody([]byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", code, reason)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		slog.Warn("[REFER] NOTIFY send failed", "call_id", c.SIPCallID, "error", err)
		return
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil && resp.StatusCode >= 300 {
			slog.Debug("[REFER] NOTIFY rejected", "call_id", c.SIPCallID, "status", resp.StatusCode)
		}
	case <-ctx.Done():
	}
}
