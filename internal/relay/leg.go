package relay

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sonara/pbx/internal/media"
)

// Leg is one side of a media path: a bound local port pair plus the
// learned remote address. The remote starts out as whatever the SDP
// claimed and is overwritten by the first packet actually observed
// from that side (symmetric RTP), since NAT rewrites the SDP address.
type Leg struct {
	label string

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	rtpPort  int

	rtpRemote  atomic.Pointer[net.UDPAddr]
	rtcpRemote atomic.Pointer[net.UDPAddr]
	confirmed  atomic.Bool // remote learned from real traffic
	ssrc       atomic.Uint32

	muted    atomic.Bool // hold: inbound audio from this leg is dropped
	lastRecv atomic.Int64

	monitor *media.QualityMonitor
}

// newLeg binds the leg's RTP and RTCP sockets on the given pair.
func newLeg(label string, rtpPort int, clockRate uint32) (*Leg, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("bind rtp port %d: %w", rtpPort, err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort + 1})
	if err != nil {
		_ = rtpConn.Close()
		return nil, fmt.Errorf("bind rtcp port %d: %w", rtpPort+1, err)
	}

	return &Leg{
		label:    label,
		rtpConn:  rtpConn,
		rtcpConn: rtcpConn,
		rtpPort:  rtpPort,
		monitor:  media.NewQualityMonitor(clockRate),
	}, nil
}

// SetRemote seeds or replaces the remote address, used at setup from
// the SDP and on re-INVITE. An explicit update re-opens learning so
// the next observed packet can confirm the new binding.
func (l *Leg) SetRemote(addr string, port int) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid remote IP %q", addr)
	}
	l.rtpRemote.Store(&net.UDPAddr{IP: ip, Port: port})
	l.rtcpRemote.Store(&net.UDPAddr{IP: ip, Port: port + 1})
	l.confirmed.Store(false)
	return nil
}

// learnRTP records a packet's source as this leg's confirmed remote.
// Checked on every inbound packet: the NAT binding may only appear
// mid-call. Once confirmed the address is held stable until an
// explicit SetRemote.
func (l *Leg) learnRTP(src *net.UDPAddr) {
	l.lastRecv.Store(time.Now().UnixNano())
	if l.confirmed.Load() {
		return
	}
	l.confirmed.Store(true)
	l.rtpRemote.Store(src)
	// RTCP follows RTP at the next odd port.
	l.rtcpRemote.Store(&net.UDPAddr{IP: src.IP, Port: src.Port + 1})
}

// learnRTCP updates only the RTCP return path.
func (l *Leg) learnRTCP(src *net.UDPAddr) {
	if l.confirmed.Load() {
		return
	}
	l.rtcpRemote.Store(src)
}

// RTPRemote returns the current remote RTP address, nil if unknown.
func (l *Leg) RTPRemote() *net.UDPAddr { return l.rtpRemote.Load() }

// RTCPRemote returns the current remote RTCP address, nil if unknown.
func (l *Leg) RTCPRemote() *net.UDPAddr { return l.rtcpRemote.Load() }

// Confirmed reports whether the remote was learned from traffic.
func (l *Leg) Confirmed() bool { return l.confirmed.Load() }

// Port returns the leg's local RTP port.
func (l *Leg) Port() int { return l.rtpPort }

// LastReceive returns when the leg last saw inbound media.
func (l *Leg) LastReceive() time.Time {
	ns := l.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Quality returns the leg's inbound quality estimate.
func (l *Leg) Quality() media.QualityReport {
	return l.monitor.Snapshot()
}

func (l *Leg) close() {
	if l.rtpConn != nil {
		_ = l.rtpConn.Close()
	}
	if l.rtcpConn != nil {
		_ = l.rtcpConn.Close()
	}
}
