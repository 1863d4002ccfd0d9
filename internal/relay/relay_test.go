package relay

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonara/pbx/internal/media"
)

func testConfig(callID string) SessionConfig {
	return SessionConfig{
		CallID:  callID,
		Codec:   media.CodecPCMU,
		EventPT: 101,
	}
}

func dialUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func audioPacket(seq uint16) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x1111,
		},
		Payload: make([]byte, 160),
	}
	data, _ := pkt.Marshal()
	return data
}

func TestRelaySymmetricLearning(t *testing.T) {
	pool := NewPortPool(21000, 21100)
	sess, err := NewRelayedSession(testConfig("learn-1"), pool)
	require.NoError(t, err)
	defer sess.Stop()

	// SDP claimed an address the caller does not actually send from.
	require.NoError(t, sess.SetCallerRemote("192.0.2.99", 5004))
	require.NoError(t, sess.Start())

	caller := dialUDP(t)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.CallerPort()}
	_, err = caller.WriteToUDP(audioPacket(1), dest)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sess.caller.Confirmed()
	}, 2*time.Second, 10*time.Millisecond)

	learned := sess.caller.RTPRemote()
	require.NotNil(t, learned)
	assert.Equal(t, caller.LocalAddr().(*net.UDPAddr).Port, learned.Port,
		"stored address must be the packet's real source, not the SDP claim")
	assert.True(t, learned.IP.IsLoopback())
}

func TestRelayForwardsWithOneLegKnown(t *testing.T) {
	pool := NewPortPool(21100, 21200)
	sess, err := NewRelayedSession(testConfig("fwd-1"), pool)
	require.NoError(t, err)
	defer sess.Stop()

	callee := dialUDP(t)
	calleeAddr := callee.LocalAddr().(*net.UDPAddr)

	// Only the callee side is known (from its answer SDP); the caller
	// has not been learned yet. Packets must flow immediately.
	require.NoError(t, sess.SetCalleeRemote("127.0.0.1", calleeAddr.Port))
	require.NoError(t, sess.Start())

	caller := dialUDP(t)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.CallerPort()}
	for seq := uint16(1); seq <= 3; seq++ {
		_, err = caller.WriteToUDP(audioPacket(seq), dest)
		require.NoError(t, err)
	}

	buf := make([]byte, 1500)
	require.NoError(t, callee.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := callee.ReadFromUDP(buf)
	require.NoError(t, err, "relay must not wait for both legs before forwarding")

	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(0), pkt.PayloadType)
}

func TestRelayBidirectional(t *testing.T) {
	pool := NewPortPool(21200, 21300)
	sess, err := NewRelayedSession(testConfig("bidi-1"), pool)
	require.NoError(t, err)
	defer sess.Stop()

	callee := dialUDP(t)
	calleeAddr := callee.LocalAddr().(*net.UDPAddr)
	require.NoError(t, sess.SetCalleeRemote("127.0.0.1", calleeAddr.Port))
	require.NoError(t, sess.Start())

	// Caller talks first; its source address is learned from this.
	caller := dialUDP(t)
	callerDest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.CallerPort()}
	_, err = caller.WriteToUDP(audioPacket(1), callerDest)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sess.caller.Confirmed() },
		2*time.Second, 10*time.Millisecond)

	// Callee answers toward its local relay port; the relay must send
	// it back to the learned caller address.
	calleeDest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.CalleePort()}
	_, err = callee.WriteToUDP(audioPacket(100), calleeDest)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, caller.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := caller.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint16(100), pkt.SequenceNumber)
}

func TestRelayHoldDirections(t *testing.T) {
	pool := NewPortPool(21700, 21800)
	sess, err := NewRelayedSession(testConfig("hold-1"), pool)
	require.NoError(t, err)
	defer sess.Stop()

	caller := dialUDP(t)
	callee := dialUDP(t)
	require.NoError(t, sess.SetCallerRemote("127.0.0.1", caller.LocalAddr().(*net.UDPAddr).Port))
	require.NoError(t, sess.SetCalleeRemote("127.0.0.1", callee.LocalAddr().(*net.UDPAddr).Port))
	require.NoError(t, sess.Start())

	callerDest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.CallerPort()}
	calleeDest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.CalleePort()}

	readPacket := func(conn *net.UDPConn, wait time.Duration) (*rtp.Packet, error) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
		buf := make([]byte, 1500)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		return pkt, nil
	}

	// sendonly hold: the holder keeps sending (music on hold) while the
	// held party's audio is dropped.
	sess.SetHeld(HoldOneWay)

	_, err = caller.WriteToUDP(audioPacket(1), callerDest)
	require.NoError(t, err)
	pkt, err := readPacket(callee, 2*time.Second)
	require.NoError(t, err, "holder audio must keep flowing toward the callee")
	assert.Equal(t, uint16(1), pkt.SequenceNumber)

	_, err = callee.WriteToUDP(audioPacket(100), calleeDest)
	require.NoError(t, err)
	_, err = readPacket(caller, 400*time.Millisecond)
	require.Error(t, err, "nothing may play toward the holder during sendonly hold")

	// inactive: both directions go silent.
	sess.SetHeld(HoldFull)
	_, err = caller.WriteToUDP(audioPacket(2), callerDest)
	require.NoError(t, err)
	_, err = readPacket(callee, 400*time.Millisecond)
	require.Error(t, err, "inactive hold must silence the holder's stream too")

	// Resume restores full duplex.
	sess.SetHeld(HoldOff)
	_, err = callee.WriteToUDP(audioPacket(101), calleeDest)
	require.NoError(t, err)
	pkt, err = readPacket(caller, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(101), pkt.SequenceNumber)
}

func TestRelayTapsCallerDigits(t *testing.T) {
	pool := NewPortPool(21300, 21400)
	sess, err := NewRelayedSession(testConfig("dtmf-1"), pool)
	require.NoError(t, err)
	defer sess.Stop()
	require.NoError(t, sess.Start())

	caller := dialUDP(t)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.CallerPort()}

	evt := media.DTMFEvent{Event: 4, EndOfEvent: true, Volume: 10, Duration: 800}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    101,
			SequenceNumber: 7,
			Timestamp:      4000,
			SSRC:           0x2222,
		},
		Payload: evt.Encode(),
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = caller.WriteToUDP(data, dest)
	require.NoError(t, err)

	select {
	case digit := <-sess.Digits():
		assert.Equal(t, '4', digit.Char)
		assert.Equal(t, media.SourceRFC2833, digit.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("digit never surfaced")
	}
}

func TestRelayStopReleasesPorts(t *testing.T) {
	pool := NewPortPool(21400, 21500)
	initial := pool.Available()

	sess, err := NewRelayedSession(testConfig("rel-1"), pool)
	require.NoError(t, err)
	assert.Equal(t, initial-2, pool.Available(), "relay uses one pair per leg")

	require.NoError(t, sess.Start())
	sess.Stop()
	sess.Stop() // idempotent

	assert.Equal(t, initial, pool.Available())
}

func TestRelaySetupFailureReleasesPorts(t *testing.T) {
	pool := NewPortPool(21500, 21504)
	initial := pool.Available()
	require.Equal(t, 2, initial)

	// Occupy one of the pool's ports so leg binding fails eventually
	// or allocation runs dry mid-setup.
	first, _, err := pool.Allocate()
	require.NoError(t, err)

	_, err = NewRelayedSession(testConfig("fail-1"), pool)
	require.Error(t, err)
	assert.Equal(t, initial-1, pool.Available(), "failed setup must release what it took")

	pool.Release(first)
	assert.Equal(t, initial, pool.Available())
}

func TestRelayMediaTimeout(t *testing.T) {
	pool := NewPortPool(21600, 21700)
	cfg := testConfig("timeout-1")
	cfg.MediaTimeout = 1500 * time.Millisecond

	fired := make(chan struct{})
	cfg.OnTimeout = func() { close(fired) }

	sess, err := NewRelayedSession(cfg, pool)
	require.NoError(t, err)
	defer sess.Stop()
	require.NoError(t, sess.Start())

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never fired on a silent session")
	}
}
