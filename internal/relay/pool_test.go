package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAllocateRelease(t *testing.T) {
	pool := NewPortPool(20000, 20010)
	initial := pool.Available()
	require.Equal(t, 5, initial)

	for i := 0; i < 20; i++ {
		rtpPort, rtcpPort, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, rtpPort+1, rtcpPort)
		assert.Zero(t, rtpPort%2, "RTP port must be even")

		pool.Release(rtpPort)
		assert.Equal(t, initial, pool.Available(), "cycle %d must restore the pool", i)
	}
}

func TestPoolNeverDoubleAllocates(t *testing.T) {
	pool := NewPortPool(20000, 20010)

	seen := map[int]bool{}
	for {
		rtpPort, _, err := pool.Allocate()
		if err != nil {
			break
		}
		assert.False(t, seen[rtpPort], "port %d handed out twice", rtpPort)
		seen[rtpPort] = true
	}
	assert.Len(t, seen, 5)
}

func TestPoolExhaustion(t *testing.T) {
	pool := NewPortPool(20000, 20004)

	_, _, err := pool.Allocate()
	require.NoError(t, err)
	_, _, err = pool.Allocate()
	require.NoError(t, err)

	_, _, err = pool.Allocate()
	assert.ErrorIs(t, err, ErrPortsExhausted)
	assert.Zero(t, pool.Available())
	assert.Equal(t, 2, pool.Allocated())
}

func TestPoolReleaseUnknownPortIsNoop(t *testing.T) {
	pool := NewPortPool(20000, 20010)
	initial := pool.Available()

	pool.Release(31337)
	assert.Equal(t, initial, pool.Available())
}

func TestPoolOddMinimumRoundsUp(t *testing.T) {
	pool := NewPortPool(20001, 20011)
	rtpPort, _, err := pool.Allocate()
	require.NoError(t, err)
	assert.Zero(t, rtpPort%2)
	assert.GreaterOrEqual(t, rtpPort, 20002)
}
