package media

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RFC 3550 wants the SSRC and the initial sequence number and
// timestamp chosen randomly: the SSRC to avoid collisions between
// sources, the header fields to make known-plaintext attacks harder.
func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomSeq() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func randomTimestamp() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// RTPReader reads RTP packets from an underlying source.
type RTPReader interface {
	// ReadRTP reads the next RTP packet.
	ReadRTP() (*rtp.Packet, error)
}

// RTPWriter writes RTP packets to an underlying destination.
type RTPWriter interface {
	// WriteRTP writes an RTP packet.
	WriteRTP(p *rtp.Packet) error
}

// RTPStreamWriter writes RTP packets with clock-based timing.
// It paces packets according to the codec's sample duration,
// ensuring proper real-time playback without drift.
type RTPStreamWriter struct {
	conn       net.PacketConn
	remoteAddr net.Addr

	// RTP header state
	ssrc      uint32
	pt        uint8
	seq       uint16
	timestamp uint32

	// Codec timing
	codec  Codec
	ticker *time.Ticker

	mu     sync.Mutex
	closed bool
}

// NewRTPStreamWriter creates a new clock-paced RTP stream writer.
func NewRTPStreamWriter(conn net.PacketConn, remote net.Addr, codec Codec) *RTPStreamWriter {
	return &RTPStreamWriter{
		conn:       conn,
		remoteAddr: remote,
		ssrc:       randomSSRC(),
		pt:         codec.PayloadType,
		seq:        randomSeq(),
		timestamp:  randomTimestamp(),
		codec:      codec,
		ticker:     time.NewTicker(codec.SampleDur),
	}
}

// SetRemote retargets the writer, used when symmetric learning moves
// the far end.
func (w *RTPStreamWriter) SetRemote(remote net.Addr) {
	w.mu.Lock()
	w.remoteAddr = remote
	w.mu.Unlock()
}

// Write writes a payload as an RTP packet with clock pacing.
// It blocks until the next clock tick. Implements io.Writer.
func (w *RTPStreamWriter) Write(payload []byte) (int, error) {
	if err := w.WritePayload(payload, false); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// WritePayload writes a payload with explicit marker bit control,
// paced by the codec clock. The marker flags the start of a talkspurt.
func (w *RTPStreamWriter) WritePayload(payload []byte, marker bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}

	// Wait for clock tick to pace the stream
	<-w.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    w.pt,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	if _, err := w.conn.WriteTo(data, w.remoteAddr); err != nil {
		return err
	}

	w.seq++
	w.timestamp += w.codec.TimestampIncrement()

	return nil
}

// WriteRTP writes an RTP packet directly, bypassing clock pacing.
// Use this for DTMF or other packets that need precise timing control.
// The SSRC is overridden to keep the stream consistent.
func (w *RTPStreamWriter) WriteRTP(pkt *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}

	pkt.SSRC = w.ssrc

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	_, err = w.conn.WriteTo(data, w.remoteAddr)
	return err
}

// NextHeader returns the sequence number and timestamp the next paced
// packet will carry. DTMF events need these to splice into the stream.
func (w *RTPStreamWriter) NextHeader() (seq uint16, timestamp uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq, w.timestamp
}

// Advance skips n sequence numbers and frames worth of timestamp,
// used after splicing unpaced packets into the stream.
func (w *RTPStreamWriter) Advance(n int) {
	w.mu.Lock()
	w.seq += uint16(n)
	w.timestamp += uint32(n) * w.codec.TimestampIncrement()
	w.mu.Unlock()
}

// SSRC returns the current SSRC value.
func (w *RTPStreamWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// Close stops the ticker and marks the writer as closed.
func (w *RTPStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.ticker.Stop()
	}
	return nil
}
