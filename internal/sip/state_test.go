package sip

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallLifecycleHappyPath(t *testing.T) {
	m := newCallFSM(nil)
	ctx := context.Background()

	assert.Equal(t, StateIdle, m.Current())
	require.NoError(t, m.Event(ctx, eventInvite))
	assert.Equal(t, StateTrying, m.Current())
	require.NoError(t, m.Event(ctx, eventRing))
	assert.Equal(t, StateRinging, m.Current())
	require.NoError(t, m.Event(ctx, eventAnswer))
	assert.Equal(t, StateConnected, m.Current())
	require.NoError(t, m.Event(ctx, eventHangup))
	assert.Equal(t, StateTerminated, m.Current())
}

func TestAnswerRequiresRinging(t *testing.T) {
	m := newCallFSM(nil)
	ctx := context.Background()

	require.NoError(t, m.Event(ctx, eventInvite))
	// The 200 may not short-circuit the 180.
	err := m.Event(ctx, eventAnswer)
	require.Error(t, err)
	assert.Equal(t, StateTrying, m.Current())

	require.NoError(t, m.Event(ctx, eventRing))
	require.NoError(t, m.Event(ctx, eventAnswer))
	assert.Equal(t, StateConnected, m.Current())
}

func TestHoldResumeCycle(t *testing.T) {
	m := newCallFSM(nil)
	ctx := context.Background()

	require.NoError(t, m.Event(ctx, eventInvite))
	require.NoError(t, m.Event(ctx, eventRing))
	require.NoError(t, m.Event(ctx, eventAnswer))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Event(ctx, eventHold))
		assert.Equal(t, StateHeld, m.Current())
		require.NoError(t, m.Event(ctx, eventResume))
		assert.Equal(t, StateConnected, m.Current())
	}

	// Hangup while held is legal.
	require.NoError(t, m.Event(ctx, eventHold))
	require.NoError(t, m.Event(ctx, eventHangup))
	assert.Equal(t, StateTerminated, m.Current())
}

func TestHoldRequiresConnected(t *testing.T) {
	m := newCallFSM(nil)
	ctx := context.Background()

	require.NoError(t, m.Event(ctx, eventInvite))
	assert.Error(t, m.Event(ctx, eventHold))
	require.NoError(t, m.Event(ctx, eventRing))
	assert.Error(t, m.Event(ctx, eventHold))
}

func TestHangupFromEveryLiveState(t *testing.T) {
	paths := map[string][]string{
		"idle":      {},
		"trying":    {eventInvite},
		"ringing":   {eventInvite, eventRing},
		"connected": {eventInvite, eventRing, eventAnswer},
		"held":      {eventInvite, eventRing, eventAnswer, eventHold},
	}
	ctx := context.Background()
	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			m := newCallFSM(nil)
			for _, ev := range path {
				require.NoError(t, m.Event(ctx, ev))
			}
			require.NoError(t, m.Event(ctx, eventHangup))
			assert.Equal(t, StateTerminated, m.Current())
			// Terminated is terminal.
			assert.Error(t, m.Event(ctx, eventHangup))
			assert.Error(t, m.Event(ctx, eventInvite))
		})
	}
}

func TestTerminatedIsTerminal(t *testing.T) {
	m := newCallFSM(nil)
	ctx := context.Background()
	require.NoError(t, m.Event(ctx, eventInvite))
	require.NoError(t, m.Event(ctx, eventHangup))

	for _, ev := range []string{eventInvite, eventRing, eventAnswer, eventHold, eventResume} {
		assert.Error(t, m.Event(ctx, ev), "event %s must not leave terminated", ev)
		assert.Equal(t, StateTerminated, m.Current())
	}
}

func TestCallFSMChangeCallback(t *testing.T) {
	var transitions [][2]string
	m := newCallFSM(func(src, dst string) {
		transitions = append(transitions, [2]string{src, dst})
	})
	ctx := context.Background()
	require.NoError(t, m.Event(ctx, eventInvite))
	require.NoError(t, m.Event(ctx, eventRing))

	require.Len(t, transitions, 2)
	assert.Equal(t, [2]string{StateIdle, StateTrying}, transitions[0])
	assert.Equal(t, [2]string{StateTrying, StateRinging}, transitions[1])
}

func TestTransferLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("completes", func(t *testing.T) {
		f := newTransferFSM()
		assert.Equal(t, TransferNone, f.Current())
		require.NoError(t, f.Event(ctx, eventRefer))
		assert.Equal(t, TransferInitiated, f.Current())
		// A second REFER while one is pending is rejected.
		assert.Error(t, f.Event(ctx, eventRefer))
		require.NoError(t, f.Event(ctx, eventTransferDone))
		assert.Equal(t, TransferCompleted, f.Current())
	})

	t.Run("fails and can retry", func(t *testing.T) {
		f := newTransferFSM()
		require.NoError(t, f.Event(ctx, eventRefer))
		require.NoError(t, f.Event(ctx, eventTransferFailed))
		assert.Equal(t, TransferFailed, f.Current())
		require.NoError(t, f.Event(ctx, eventRefer))
		assert.Equal(t, TransferInitiated, f.Current())
	})
}
