package sip

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/sonara/pbx/internal/events"
	"github.com/sonara/pbx/internal/metrics"
)

func requestCallID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	metrics.SIPRequests.WithLabelValues("ACK").Inc()

	callID := requestCallID(req)
	c, ok := s.findCall(callID)
	if !ok {
		slog.Debug("[ACK] No matching call", "call_id", callID)
		return
	}

	if dlg := c.getDialog(); dlg != nil {
		if err := dlg.ReadAck(req, tx); err != nil {
			slog.Warn("[ACK] Dialog rejected ACK", "call_id", callID, "error", err)
		}
	}
	if c.ackReceived.CompareAndSwap(false, true) {
		slog.Debug("[ACK] Dialog confirmed", "call_id", callID)
	}
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	metrics.SIPRequests.WithLabelValues("BYE").Inc()

	callID := requestCallID(req)
	c, ok := s.findCall(callID)
	if !ok {
		slog.Warn("[BYE] Unknown call", "call_id", callID)
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	switch c.State() {
	case StateConnected, StateHeld:
	case StateTerminated:
		// Retransmitted BYE after teardown; just re-confirm.
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		_ = tx.Respond(res)
		return
	default:
		// A BYE before the call connected is a client bug; CANCEL is
		// the correct method there. Acknowledge and ignore.
		slog.Warn("[BYE] Ignoring BYE in pre-connected state",
			"call_id", callID,
			"state", c.State(),
		)
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		_ = tx.Respond(res)
		return
	}

	fromCaller := callID == c.SIPCallID
	handled := false
	if fromCaller {
		if dlg := c.getDialog(); dlg != nil {
			if err := dlg.ReadBye(req, tx); err != nil {
				slog.Warn("[BYE] Dialog rejected BYE", "call_id", callID, "error", err)
			} else {
				handled = true
			}
			// ReadBye already answered and closed the dialog; keep
			// terminate from sending a BYE back the same way.
			c.setDialog(nil)
		}
	}
	if !handled {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		_ = tx.Respond(res)
	}

	// The leg that hung up must not get a BYE back from teardown.
	if leg := c.getBLeg(); leg != nil && leg.CallID == callID {
		leg.answered.Store(false)
	}
	if leg := c.getTransferLeg(); leg != nil && leg.CallID == callID {
		leg.answered.Store(false)
	}

	slog.Info("[BYE] Remote hangup", "call_id", callID, "from_caller", fromCaller)
	c.setEndCode(200)
	s.terminate(c, events.EndReasonNormal, true)
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	metrics.SIPRequests.WithLabelValues("CANCEL").Inc()

	callID := requestCallID(req)
	c, ok := s.findCall(callID)
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	switch c.State() {
	case StateTrying, StateRinging:
	default:
		// Too late; the INVITE transaction already completed.
		slog.Debug("[CANCEL] Arrived too late", "call_id", callID, "state", c.State())
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	// 200 to the CANCEL itself, 487 on the INVITE transaction.
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		slog.Error("[CANCEL] Failed to confirm", "call_id", callID, "error", err)
	}
	terminated := sip.NewResponseFromRequest(c.inviteReq, sip.StatusRequestTerminated, "Request Terminated", nil)
	if err := c.inviteTx.Respond(terminated); err != nil {
		slog.Warn("[CANCEL] Failed to send 487", "call_id", callID, "error", err)
	}

	slog.Info("[CANCEL] Call cancelled", "call_id", callID, "state", c.State())
	c.setEndCode(int(sip.StatusRequestTerminated))
	s.terminate(c, events.EndReasonCancelled, true)
}
