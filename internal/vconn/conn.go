package vconn

import (
	"sync"
	"time"

	"github.com/arwn/go-muxd/internal/constants"
	"github.com/arwn/go-muxd/internal/wire"
)

// State is a virtual connection's TCP-like lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateRefused
	StateDying
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRefused:
		return "REFUSED"
	case StateDying:
		return "DYING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Connection is a single user-space TCP-like virtual connection
// multiplexed inside a device's mux session.
type Connection struct {
	mu sync.Mutex

	DeviceID   uint32
	SourcePort uint16
	DestPort   uint16
	Tag        uint32 // original CONNECT request tag, for the deferred reply

	state State

	TxSeq   uint32
	TxAck   uint32
	TxAcked uint32
	RxSeq   uint32
	RxAck   uint32
	RxWin   uint32
	TxWin   uint32
	MSS     int

	Inbound  *Ring
	Outbound *Ring

	AckPending  bool
	LastAckTime time.Time
}

// MaxSegmentSize returns the transmit MSS derived from a device's USB
// MTU minus mux and TCP-like subheader overhead.
func MaxSegmentSize(usbMTU, muxHeaderSize int) int {
	mss := usbMTU - muxHeaderSize - wire.TCPHeaderSize
	if mss < 0 {
		return 0
	}
	return mss
}

// Open creates a new connection in CONNECTING state and returns the SYN
// header to send.
func Open(deviceID uint32, sourcePort, destPort uint16, mss int, tag uint32) (*Connection, wire.TCPHeader) {
	c := &Connection{
		DeviceID:   deviceID,
		SourcePort: sourcePort,
		DestPort:   destPort,
		Tag:        tag,
		state:      StateConnecting,
		TxWin:      constants.InboundBufferCapacity,
		MSS:        mss,
		Inbound:    NewRing(constants.InboundBufferCapacity),
		Outbound:   NewRing(constants.OutboundBufferCapacity),
	}
	syn := wire.TCPHeader{
		SourcePort: sourcePort,
		DestPort:   destPort,
		Seq:        0,
		Ack:        0,
		Offset:     5,
		Flags:      wire.FlagSYN,
		Window:     uint16(c.TxWin >> 8),
	}
	return c, syn
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with c.mu held.
func (c *Connection) setState(s State) {
	c.state = s
}

// HandleInbound processes an inbound TCP-like frame against the current
// state. It returns a reply header to
// transmit (nil if none), whether the handshake just completed
// (CONNECTING -> CONNECTED), and a non-empty teardownReason if the
// connection must be torn down.
func (c *Connection) HandleInbound(th wire.TCPHeader, payload []byte) (reply *wire.TCPHeader, connected bool, teardownReason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting:
		if th.Flags == wire.FlagSYN|wire.FlagACK {
			c.RxSeq = th.Seq
			c.RxAck = th.Ack
			c.RxWin = uint32(th.Window) << 8
			c.TxSeq++
			c.TxAck++
			c.setState(StateConnected)

			h := wire.TCPHeader{
				SourcePort: c.SourcePort,
				DestPort:   c.DestPort,
				Seq:        c.TxSeq,
				Ack:        c.TxAck,
				Offset:     5,
				Flags:      wire.FlagACK,
				Window:     uint16(c.TxWin >> 8),
			}
			c.TxAcked = c.TxAck
			c.AckPending = false
			return &h, true, ""
		}
		if th.Flags&wire.FlagRST != 0 {
			c.setState(StateRefused)
		}
		return nil, false, "refused"

	case StateConnected:
		if th.Flags != wire.FlagACK {
			if th.Flags&wire.FlagRST != 0 {
				c.setState(StateDying)
			}
			return nil, false, "reset"
		}
		c.RxSeq = th.Seq
		c.RxAck = th.Ack
		c.RxWin = uint32(th.Window) << 8
		if len(payload) > c.Inbound.Available() {
			return nil, false, "overflow"
		}
		if len(payload) > 0 {
			_ = c.Inbound.Write(payload)
		}
		c.TxWin -= uint32(len(payload))
		c.TxAck += uint32(len(payload))
		c.AckPending = c.TxAck != c.TxAcked
		if c.AckPending && c.LastAckTime.IsZero() {
			c.LastAckTime = time.Now()
		}
		return nil, false, ""

	default:
		return nil, false, "already dead"
	}
}

// Sendable returns min(rx_win - (tx_seq - rx_ack), outbound_capacity, MSS)
// using RFC793 unsigned-delta modular arithmetic.
func (c *Connection) Sendable() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendableLocked()
}

func (c *Connection) sendableLocked() int {
	inFlight := c.TxSeq - c.RxAck // wraps correctly in uint32 arithmetic
	window := int(c.RxWin) - int(inFlight)
	if window < 0 {
		window = 0
	}
	avail := c.Outbound.Available()
	if avail < window {
		window = avail
	}
	if c.MSS < window {
		window = c.MSS
	}
	if window < 0 {
		window = 0
	}
	return window
}

// WantReadable reports whether the client socket should be polled for
// readability (there is room to accept more outbound bytes).
func (c *Connection) WantReadable() bool {
	return c.Sendable() > 0
}

// WantWritable reports whether the client socket should be polled for
// writability (there is buffered inbound data to flush).
func (c *Connection) WantWritable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Inbound.Len() > 0
}

// OnClientReadable consumes up to Sendable() bytes of data read from the
// client and returns the TCP-like header to wrap them in, with tx_seq
// advanced. The caller is responsible for reading exactly len(data)
// bytes from the client socket before calling this.
func (c *Connection) OnClientReadable(data []byte) wire.TCPHeader {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := wire.TCPHeader{
		SourcePort: c.SourcePort,
		DestPort:   c.DestPort,
		Seq:        c.TxSeq,
		Ack:        c.TxAck,
		Offset:     5,
		Flags:      wire.FlagACK,
		Window:     uint16(c.TxWin >> 8),
	}
	c.TxSeq += uint32(len(data))
	c.TxAcked = c.TxAck
	c.AckPending = false
	return h
}

// PeekOutboundForFlush returns up to max bytes of the inbound buffer
// (device data waiting to be written to the client), without
// discarding.
func (c *Connection) PeekOutboundForFlush(max int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Inbound.Peek(max)
}

// maxPacketCutoff is the threshold below which a reopened window is
// worth an immediate ACK rather than coalescing, since the peer might
// have stalled on it. It is the device's USB MTU.
func (c *Connection) afterClientDrain(n int, maxPacketCutoff int) (emitNow bool) {
	wasLow := c.TxWin < uint32(maxPacketCutoff)
	c.TxWin += uint32(n)
	if wasLow {
		return true
	}
	return false
}

// AfterClientDrain records that n bytes were discarded from the inbound
// buffer after a successful non-blocking write to the client, growing
// the advertised window back. It returns whether an ACK should be
// emitted immediately rather than left for coalescing.
func (c *Connection) AfterClientDrain(n int, maxPacketCutoff int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Inbound.Discard(n)
	return c.afterClientDrain(n, maxPacketCutoff)
}

// BuildAckFrame builds a bare ACK header reflecting the current
// tx_seq/tx_ack/tx_win and marks the pending ACK as sent (tx_acked :=
// tx_ack), the same bookkeeping a data frame piggybacks.
func (c *Connection) BuildAckFrame() wire.TCPHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := wire.TCPHeader{
		SourcePort: c.SourcePort,
		DestPort:   c.DestPort,
		Seq:        c.TxSeq,
		Ack:        c.TxAck,
		Offset:     5,
		Flags:      wire.FlagACK,
		Window:     uint16(c.TxWin >> 8),
	}
	c.TxAcked = c.TxAck
	c.AckPending = false
	c.LastAckTime = time.Now()
	return h
}

// AckDeadlineExpired reports whether a pending ACK has been waiting
// longer than ackTimeout.
func (c *Connection) AckDeadlineExpired(ackTimeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.AckPending {
		return false
	}
	return now.Sub(c.LastAckTime) >= ackTimeout
}

// TimeUntilAckDeadline returns the remaining time before a pending ACK
// must be flushed, or a negative duration if none is pending.
func (c *Connection) TimeUntilAckDeadline(ackTimeout time.Duration, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.AckPending {
		return -1
	}
	remaining := ackTimeout - now.Sub(c.LastAckTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Teardown marks the connection DEAD and reports whether an RST should
// be sent to the device — not when the device is already DEAD or the
// connection is already DYING/REFUSED.
func (c *Connection) Teardown(deviceDead bool) (sendRST bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	already := c.state == StateDying || c.state == StateRefused || c.state == StateDead
	sendRST = !deviceDead && !already
	c.setState(StateDead)
	return sendRST
}

// RSTHeader builds an RST header for this connection, used by Teardown
// callers. The device session builds its anonymous RST for an unmatched
// TCP frame itself.
func (c *Connection) RSTHeader() wire.TCPHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.TCPHeader{
		SourcePort: c.SourcePort,
		DestPort:   c.DestPort,
		Seq:        c.TxSeq,
		Ack:        c.TxAck,
		Offset:     5,
		Flags:      wire.FlagRST,
	}
}

// FindSourcePort scans used (a set of already-allocated source ports)
// starting at next and wrapping, returning the first free port and
// true, or (0, false) if all constants.MaxVirtualConnections ports are
// in use.
func FindSourcePort(used map[uint16]bool, next uint16) (uint16, bool) {
	if len(used) >= constants.MaxVirtualConnections {
		return 0, false
	}
	candidate := next
	if candidate == 0 {
		candidate = constants.FirstSourcePort
	}
	for i := 0; i < constants.MaxVirtualConnections; i++ {
		if !used[candidate] {
			return candidate, true
		}
		candidate++
		if candidate == 0 {
			candidate = constants.FirstSourcePort
		}
	}
	return 0, false
}
