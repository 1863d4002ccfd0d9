package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sonara/pbx/internal/metrics"
)

// ErrPortsExhausted is returned when the pool has no free pairs.
// The SIP layer maps it to a 503 rejection of the new call.
var ErrPortsExhausted = errors.New("rtp port pool exhausted")

// PortPool manages the UDP ports used for media sessions.
// Ports are handed out in pairs (even for RTP, odd for RTCP). The
// pool is the only state shared across calls; allocate and release
// are its only mutating operations.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool // rtp port -> free
	allocated map[int]bool // rtp port -> in use
}

// NewPortPool creates a pool covering [minPort, maxPort).
// minPort is rounded up to even.
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}

	available := make(map[int]bool)
	for port := minPort; port < maxPort; port += 2 {
		available[port] = true
	}

	p := &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
	metrics.PortsAvailable.Set(float64(len(available)))
	return p
}

// Allocate returns a free (RTP, RTCP) port pair.
func (p *PortPool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		metrics.PortsAvailable.Set(float64(len(p.available)))
		return port, port + 1, nil
	}

	metrics.PortExhaustion.Inc()
	return 0, 0, fmt.Errorf("%w (range %d-%d)", ErrPortsExhausted, p.minPort, p.maxPort)
}

// Release returns a port pair to the pool. Releasing a port that was
// never allocated is a no-op, so release is safe on every exit path.
func (p *PortPool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[rtpPort]; ok {
		delete(p.allocated, rtpPort)
		p.available[rtpPort] = true
		metrics.PortsAvailable.Set(float64(len(p.available)))
	}
}

// Available returns the number of free port pairs.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Allocated returns the number of port pairs in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
