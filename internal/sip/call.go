package sip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sonara/pbx/internal/events"
	"github.com/sonara/pbx/internal/media"
	"github.com/sonara/pbx/internal/relay"
	"github.com/sonara/pbx/internal/sdp"
)

// Call is the per-call coordination object: it ties the SIP dialog, the
// negotiated codec, and the media session together, and is the only place
// that knows about "the call" as a whole. One Call owns at most one media
// session; the session's lifetime is bounded by the call's.
type Call struct {
	// ID is our stable internal identifier (survives retransmissions).
	ID string
	// SIPCallID is the Call-ID header value.
	SIPCallID string

	mu sync.RWMutex

	machine  *fsm.FSM
	transfer *fsm.FSM

	// UAS side (caller leg)
	inviteReq  *sip.Request
	inviteTx   sip.ServerTransaction
	dialog     *sipgo.DialogServerSession
	inviteResp *sip.Response

	// CSeq for requests we initiate inside the caller dialog (BYE, NOTIFY).
	localCSeq atomic.Uint32

	ackReceived atomic.Bool

	// Media
	session relay.MediaSession
	codec   media.Codec
	remote  *sdp.Session // caller's parsed offer

	// Outbound callee leg for bridged calls, nil for direct (IVR) calls.
	bleg *OutboundLeg
	// Replacement leg after a completed transfer.
	transferLeg *OutboundLeg

	ringSent atomic.Bool
	held     bool

	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time

	endReason events.EndReason
	endCode   int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCall creates a call for an incoming INVITE, in Idle state.
func NewCall(req *sip.Request, tx sip.ServerTransaction) *Call {
	ctx, cancel := context.WithCancel(context.Background())

	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}

	c := &Call{
		ID:        uuid.New().String(),
		SIPCallID: callID,
		transfer:  newTransferFSM(),
		inviteReq: req,
		inviteTx:  tx,
		createdAt: time.Now(),
		endReason: events.EndReasonNormal,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.machine = newCallFSM(nil)
	if cseq := req.CSeq(); cseq != nil {
		c.localCSeq.Store(cseq.SeqNo)
	}
	return c
}

// newTransferSuccessor builds the call record that carries a bridged
// media session forward after a completed blind transfer. It has no UAS
// leg: both remaining parties are legs this server originated. target is
// the transfer destination (now holding the caller media position), peer
// is the surviving original callee leg.
func newTransferSuccessor(target, peer *OutboundLeg, session relay.MediaSession, codec media.Codec, remote *sdp.Session) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &Call{
		ID:          uuid.New().String(),
		SIPCallID:   target.CallID,
		transfer:    newTransferFSM(),
		createdAt:   now,
		answeredAt:  now,
		endReason:   events.EndReasonNormal,
		session:     session,
		codec:       codec,
		remote:      remote,
		transferLeg: target,
		bleg:        peer,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.machine = newCallFSM(nil)
	_ = c.machine.Event(ctx, eventInvite)
	_ = c.machine.Event(ctx, eventRing)
	_ = c.machine.Event(ctx, eventAnswer)
	c.ringSent.Store(true)
	c.ackReceived.Store(true)
	return c
}

// State returns the current lifecycle state.
func (c *Call) State() string {
	return c.machine.Current()
}

// TransferState returns the current transfer sub-state.
func (c *Call) TransferState() string {
	return c.transfer.Current()
}

// Context is cancelled when the call tears down; media tasks and the
// dialplan goroutine watch it.
func (c *Call) Context() context.Context {
	return c.ctx
}

func (c *Call) fire(event string) error {
	if err := c.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("call %s: %s in state %s: %w", c.SIPCallID, event, c.State(), err)
	}
	return nil
}

// begin moves Idle -> Trying on INVITE acceptance.
func (c *Call) begin() error { return c.fire(eventInvite) }

// markRinging moves Trying -> Ringing. Must precede markAnswered.
func (c *Call) markRinging() error {
	if err := c.fire(eventRing); err != nil {
		return err
	}
	c.ringSent.Store(true)
	return nil
}

// markAnswered moves Ringing -> Connected and stamps the answer time.
func (c *Call) markAnswered() error {
	if err := c.fire(eventAnswer); err != nil {
		return err
	}
	c.mu.Lock()
	c.answeredAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Call) setHeld(held bool) error {
	event := eventHold
	if !held {
		event = eventResume
	}
	if err := c.fire(event); err != nil {
		return err
	}
	c.mu.Lock()
	c.held = held
	c.mu.Unlock()
	return nil
}

// Held reports whether the caller has the call on hold.
func (c *Call) Held() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.held
}

// markTerminated moves the call to Terminated from any live state.
func (c *Call) markTerminated(reason events.EndReason) bool {
	if c.State() == StateTerminated {
		return false
	}
	if err := c.fire(eventHangup); err != nil {
		return false
	}
	c.mu.Lock()
	c.endReason = reason
	c.endedAt = time.Now()
	c.mu.Unlock()
	return true
}

// IsTerminated reports whether the call reached its terminal state.
func (c *Call) IsTerminated() bool {
	return c.State() == StateTerminated
}

func (c *Call) setMedia(session relay.MediaSession, codec media.Codec, remote *sdp.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
	c.codec = codec
	c.remote = remote
}

// Media returns the call's media session, nil before setup.
func (c *Call) Media() relay.MediaSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// detachMedia removes and returns the media session without stopping it.
// Used when a completed transfer hands the session to a successor call.
func (c *Call) detachMedia() relay.MediaSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	c.session = nil
	return s
}

// remoteSDP returns the caller's parsed offer, nil before negotiation.
func (c *Call) remoteSDP() *sdp.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// Codec returns the negotiated codec.
func (c *Call) Codec() media.Codec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codec
}

func (c *Call) setDialog(d *sipgo.DialogServerSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialog = d
}

func (c *Call) getDialog() *sipgo.DialogServerSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dialog
}

func (c *Call) setBLeg(leg *OutboundLeg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bleg = leg
}

func (c *Call) getBLeg() *OutboundLeg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bleg
}

func (c *Call) setTransferLeg(leg *OutboundLeg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferLeg = leg
}

func (c *Call) getTransferLeg() *OutboundLeg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transferLeg
}

func (c *Call) setEndCode(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCode = code
}

func (c *Call) endCodeValue() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endCode
}

// setupDuration is INVITE to answer; zero for unanswered calls.
func (c *Call) setupDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.answeredAt.IsZero() {
		return 0
	}
	return c.answeredAt.Sub(c.createdAt)
}

// talkDuration is answer to teardown; zero for unanswered calls.
func (c *Call) talkDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.answeredAt.IsZero() || c.endedAt.IsZero() {
		return 0
	}
	return c.endedAt.Sub(c.answeredAt)
}

func (c *Call) totalDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.endedAt.IsZero() {
		return time.Since(c.createdAt)
	}
	return c.endedAt.Sub(c.createdAt)
}

// callerEndpoint extracts the From identity for events.
func (c *Call) callerEndpoint() events.Endpoint {
	if c.inviteReq == nil {
		return events.Endpoint{}
	}
	from := c.inviteReq.From()
	if from == nil {
		return events.Endpoint{}
	}
	return events.Endpoint{
		URI:         from.Address.String(),
		DisplayName: from.DisplayName,
		User:        from.Address.User,
		Host:        from.Address.Host,
		Port:        from.Address.Port,
	}
}

// calleeEndpoint extracts the To identity for events.
func (c *Call) calleeEndpoint() events.Endpoint {
	if c.inviteReq == nil {
		return events.Endpoint{}
	}
	to := c.inviteReq.To()
	if to == nil {
		return events.Endpoint{}
	}
	return events.Endpoint{
		URI:  to.Address.String(),
		User: to.Address.User,
		Host: to.Address.Host,
		Port: to.Address.Port,
	}
}

func (c *Call) setInviteResponse(resp *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inviteResp = resp
}

// buildInDialogRequest constructs a request inside the caller dialog
// (UAS role): Request-URI from the INVITE Contact, From/To swapped per
// RFC 3261 Section 12.2, Call-ID preserved, CSeq incremented.
func (c *Call) buildInDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.inviteReq == nil {
		return nil, fmt.Errorf("call %s: no INVITE to build %s from", c.SIPCallID, method)
	}

	var recipient sip.Uri
	if contact := c.inviteReq.Contact(); contact != nil {
		recipient = contact.Address
		recipient.UriParams = sip.NewParams()
	} else if from := c.inviteReq.From(); from != nil {
		recipient = from.Address
	}

	req := sip.NewRequest(method, recipient)

	// From = our identity (the To of our 200, carrying our tag)
	if c.inviteResp != nil {
		if to := c.inviteResp.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	}
	// To = their identity with their tag
	if from := c.inviteReq.From(); from != nil {
		req.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		})
	}
	if callIDHdr := c.inviteReq.CallID(); callIDHdr != nil {
		req.AppendHeader(callIDHdr)
	}
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      c.localCSeq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req, nil
}

// targetUser is the dialed extension, from the To header user part.
func (c *Call) targetUser() string {
	if c.inviteReq == nil {
		return ""
	}
	to := c.inviteReq.To()
	if to == nil {
		return ""
	}
	if to.Address.User != "" {
		return to.Address.User
	}
	return to.Address.Host
}
