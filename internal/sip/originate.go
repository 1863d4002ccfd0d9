package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sonara/pbx/internal/sdp"
)

// defaultDialTimeout bounds how long an outbound INVITE may ring.
const defaultDialTimeout = 60 * time.Second

// OutboundLeg is a call leg this server originated as a UAC: the callee
// side of a bridged call, or the target side of a transfer.
type OutboundLeg struct {
	CallID   string
	localTag string

	invite *sip.Request
	resp   *sip.Response // the 2xx that answered the leg

	// RemoteSDP is the parsed answer from the 2xx.
	RemoteSDP *sdp.Session

	cseq     atomic.Uint32
	answered atomic.Bool
}

// Answered reports whether the leg reached a 2xx.
func (l *OutboundLeg) Answered() bool { return l.answered.Load() }

// OriginateRequest describes an outbound leg to establish.
type OriginateRequest struct {
	// TargetURI is the SIP URI to dial.
	TargetURI string
	// CallerID and CallerName form the From identity.
	CallerID   string
	CallerName string
	// SDPOffer is the body of the outgoing INVITE.
	SDPOffer []byte
	// Timeout bounds ringing; zero uses the default.
	Timeout time.Duration
	// OnProgress is invoked for each provisional response (180/183) so
	// the caller side can propagate ring-back.
	OnProgress func(code int)
}

// OriginateResult is the outcome of an origination attempt.
type OriginateResult struct {
	Success bool
	Code    int
	Reason  string
	Leg     *OutboundLeg
	Err     error
}

// Originate dials an outbound leg and blocks until it is answered,
// rejected, or the context/timeout ends. Cancelling ctx CANCELs the
// pending INVITE.
func (s *Server) Originate(ctx context.Context, req OriginateRequest) *OriginateResult {
	leg := &OutboundLeg{
		CallID:   uuid.New().String(),
		localTag: uuid.New().String()[:8],
	}
	leg.cseq.Store(1)

	invite, err := s.buildOutboundInvite(leg, req)
	if err != nil {
		return &OriginateResult{Code: 400, Reason: "Bad Target", Err: err}
	}
	leg.invite = invite

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := s.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		return &OriginateResult{Code: 503, Reason: "Transaction failed", Err: err}
	}

	slog.Info("[Originate] INVITE sent", "leg_call_id", leg.CallID, "target", req.TargetURI)

	for {
		select {
		case <-dialCtx.Done():
			_ = s.sendLegCANCEL(leg, invite)
			if ctx.Err() != nil {
				// Caller side went away.
				return &OriginateResult{Code: 487, Reason: "Request Terminated", Err: ctx.Err()}
			}
			return &OriginateResult{Code: 408, Reason: "Request Timeout", Err: context.DeadlineExceeded}

		case resp := <-tx.Responses():
			if resp == nil {
				return &OriginateResult{Code: 408, Reason: "No Response", Err: fmt.Errorf("transaction ended without response")}
			}
			code := int(resp.StatusCode)
			switch {
			case code == 100:
				// provisional, keep waiting
			case code < 200:
				slog.Info("[Originate] Progress", "leg_call_id", leg.CallID, "status", code)
				if req.OnProgress != nil {
					req.OnProgress(code)
				}
			case code < 300:
				return s.acceptOutbound(leg, invite, resp)
			default:
				slog.Warn("[Originate] Rejected", "leg_call_id", leg.CallID, "status", code, "reason", resp.Reason)
				return &OriginateResult{Code: code, Reason: resp.Reason}
			}

		case <-tx.Done():
			return &OriginateResult{Code: 500, Reason: "Transaction terminated", Err: fmt.Errorf("transaction terminated")}
		}
	}
}

// acceptOutbound processes the 2xx: parse the answer SDP and ACK.
func (s *Server) acceptOutbound(leg *OutboundLeg, invite *sip.Request, resp *sip.Response) *OriginateResult {
	if len(resp.Body()) == 0 {
		_ = s.sendLegACK(leg, invite, resp)
		return &OriginateResult{Code: 488, Reason: "Answer missing SDP", Err: fmt.Errorf("2xx without SDP body")}
	}
	remote, err := sdp.Parse(resp.Body())
	if err != nil {
		_ = s.sendLegACK(leg, invite, resp)
		return &OriginateResult{Code: 488, Reason: "Bad answer SDP", Err: err}
	}

	leg.resp = resp
	leg.RemoteSDP = remote
	leg.answered.Store(true)

	if err := s.sendLegACK(leg, invite, resp); err != nil {
		slog.Warn("[Originate] ACK failed", "leg_call_id", leg.CallID, "error", err)
	}

	slog.Info("[Originate] Answered",
		"leg_call_id", leg.CallID,
		"media", fmt.Sprintf("%s:%d", remote.Addr, remote.Port),
	)
	return &OriginateResult{Success: true, Code: int(resp.StatusCode), Leg: leg}
}

func (s *Server) buildOutboundInvite(leg *OutboundLeg, req OriginateRequest) (*sip.Request, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(req.TargetURI, &requestURI); err != nil {
		return nil, fmt.Errorf("invalid target URI %q: %w", req.TargetURI, err)
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", leg.localTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: req.CallerName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   req.CallerID,
			Host:   s.cfg.AdvertiseAddr,
			Port:   s.cfg.SIPPort,
		},
		Params: fromParams,
	})

	var toURI sip.Uri
	_ = sip.ParseUri(req.TargetURI, &toURI)
	invite.AppendHeader(&sip.ToHeader{
		Address: toURI,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(leg.CallID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.INVITE,
	})

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "pbx",
			Host:   s.cfg.AdvertiseAddr,
			Port:   s.cfg.SIPPort,
		},
	})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(req.SDPOffer)

	return invite, nil
}

// sendLegACK acknowledges a 2xx on an outbound leg. Per RFC 3261 Section
// 13.2.2.4 the Request-URI is the remote target from the 2xx Contact.
func (s *Server) sendLegACK(leg *OutboundLeg, invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.ACK,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	// Route the ACK back to wherever the 2xx came from.
	destAddr := resp.Source()
	if destAddr == "" {
		if via := resp.Via(); via != nil {
			if received, ok := via.Params.Get("received"); ok {
				rport := via.Port
				if rportStr, ok := via.Params.Get("rport"); ok {
					_, _ = fmt.Sscanf(rportStr, "%d", &rport)
				}
				destAddr = fmt.Sprintf("%s:%d", received, rport)
			} else {
				destAddr = fmt.Sprintf("%s:%d", via.Host, via.Port)
			}
		}
	}
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	// WriteRequest reuses the listener socket; bound it so a stuck
	// transport cannot hang the answer path.
	ackDone := make(chan error, 1)
	go func() {
		ackDone <- s.client.WriteRequest(ack)
	}()
	select {
	case err := <-ackDone:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ACK timeout: write did not complete within 5 seconds")
	}
	return nil
}

// sendLegCANCEL cancels a pending outbound INVITE per RFC 3261 Section 9.1.
func (s *Server) sendLegCANCEL(leg *OutboundLeg, invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Originate] CANCEL response", "leg_call_id", leg.CallID, "status", resp.StatusCode)
		}
	case <-ctx.Done():
	}
	slog.Info("[Originate] CANCEL sent", "leg_call_id", leg.CallID)
	return nil
}

// sendLegBYE hangs up an answered outbound leg. In-dialog identifiers per
// RFC 3261 Section 12.2.1.1: From keeps our tag, To carries theirs, CSeq
// increments.
func (s *Server) sendLegBYE(leg *OutboundLeg) error {
	if leg.invite == nil || leg.resp == nil {
		return fmt.Errorf("leg %s not answered", leg.CallID)
	}

	requestURI := leg.invite.Recipient
	if contact := leg.resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, requestURI)
	sip.CopyHeaders("From", leg.invite, bye)

	if to := leg.resp.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	sip.CopyHeaders("Call-ID", leg.invite, bye)
	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      leg.cseq.Add(1),
		MethodName: sip.BYE,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "pbx",
			Host:   s.cfg.AdvertiseAddr,
			Port:   s.cfg.SIPPort,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Originate] BYE response", "leg_call_id", leg.CallID, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[Originate] BYE timeout", "leg_call_id", leg.CallID)
	}
	return nil
}
