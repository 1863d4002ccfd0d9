package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonara/pbx/internal/events"
	"github.com/sonara/pbx/internal/media"
)

func testInvite(t *testing.T) *sip.Request {
	t.Helper()

	var target sip.Uri
	require.NoError(t, sip.ParseUri("sip:100@10.0.0.1:5060", &target))
	req := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", "alice-tag")
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.2", Port: 5060},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "100", Host: "10.0.0.1", Port: 5060},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("test-call-id-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.2", Port: 5062},
	})
	return req
}

func TestNewCallIdentity(t *testing.T) {
	c := NewCall(testInvite(t), nil)

	assert.Equal(t, "test-call-id-1", c.SIPCallID)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, TransferNone, c.TransferState())
	assert.Equal(t, "alice", c.callerEndpoint().User)
	assert.Equal(t, "100", c.targetUser())
}

func TestMarkTerminatedIsIdempotent(t *testing.T) {
	c := NewCall(testInvite(t), nil)
	require.NoError(t, c.begin())

	assert.True(t, c.markTerminated(events.EndReasonCancelled))
	assert.False(t, c.markTerminated(events.EndReasonNormal), "second teardown must be a no-op")
	assert.Equal(t, StateTerminated, c.State())
}

func TestDurationsBeforeAnswer(t *testing.T) {
	c := NewCall(testInvite(t), nil)
	require.NoError(t, c.begin())
	c.markTerminated(events.EndReasonRejected)

	assert.Zero(t, c.setupDuration())
	assert.Zero(t, c.talkDuration())
	assert.NotZero(t, c.totalDuration())
}

func TestBuildInDialogRequestSwapsIdentities(t *testing.T) {
	c := NewCall(testInvite(t), nil)

	// Simulate the 200 we sent: To gains our tag.
	resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusOK, "OK", nil)
	if to := resp.To(); to != nil {
		to.Params.Add("tag", "pbx-tag")
	}
	c.setInviteResponse(resp)

	req, err := c.buildInDialogRequest(sip.BYE)
	require.NoError(t, err)

	// Request-URI comes from the INVITE Contact.
	assert.Equal(t, "alice", req.Recipient.User)
	assert.Equal(t, 5062, req.Recipient.Port)

	// From is our identity with our tag, To is theirs with their tag.
	from := req.From()
	require.NotNil(t, from)
	fromTag, _ := from.Params.Get("tag")
	assert.Equal(t, "pbx-tag", fromTag)

	to := req.To()
	require.NotNil(t, to)
	toTag, _ := to.Params.Get("tag")
	assert.Equal(t, "alice-tag", toTag)

	// CSeq advances past the INVITE's.
	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, uint32(8), cseq.SeqNo)
	assert.Equal(t, sip.BYE, cseq.MethodName)

	// Subsequent in-dialog requests keep counting.
	req2, err := c.buildInDialogRequest(sip.NOTIFY)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), req2.CSeq().SeqNo)
}

func TestTransferSuccessorStartsConnected(t *testing.T) {
	target := &OutboundLeg{CallID: "target-leg"}
	target.answered.Store(true)
	peer := &OutboundLeg{CallID: "peer-leg"}
	peer.answered.Store(true)

	succ := newTransferSuccessor(target, peer, nil, media.CodecPCMU, nil)

	assert.Equal(t, "target-leg", succ.SIPCallID)
	assert.Equal(t, StateConnected, succ.State())
	assert.True(t, succ.ackReceived.Load())
	assert.Same(t, target, succ.getTransferLeg())
	assert.Same(t, peer, succ.getBLeg())

	assert.True(t, succ.markTerminated(events.EndReasonNormal))
	assert.Equal(t, StateTerminated, succ.State())
}

func TestParseReferTo(t *testing.T) {
	cases := []struct {
		in   string
		user string
		ok   bool
	}{
		{"<sip:300@10.0.0.1>", "300", true},
		{"Bob <sip:300@10.0.0.1:5060>", "300", true},
		{"sip:300@10.0.0.1", "300", true},
		{"<sip:300@10.0.0.1?Replaces=abc>", "300", true},
		{"<sip:300@10.0.0.1", "", false},
	}
	for _, tc := range cases {
		uri, err := parseReferTo(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.user, uri.User, tc.in)
	}
}
