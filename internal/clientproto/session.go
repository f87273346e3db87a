// Package clientproto implements the client-facing command protocol:
// framing, command parsing/dispatch for both wire protocol variants, and
// the per-client state machine that drives LISTEN/CONNECT and hands off
// to the virtual-connection engine once CONNECTED.
package clientproto

import (
	"encoding/binary"
	"fmt"

	"github.com/arwn/go-muxd/internal/constants"
	"github.com/arwn/go-muxd/internal/device"
	"github.com/arwn/go-muxd/internal/interfaces"
	"github.com/arwn/go-muxd/internal/vconn"
	"github.com/arwn/go-muxd/internal/wire"
)

// State is a client session's protocol-level state.
type State int

const (
	StateCommand State = iota
	StateListen
	StateConnecting1
	StateConnecting2
	StateConnected
	StateDead
)

func (s State) String() string {
	switch s {
	case StateCommand:
		return "COMMAND"
	case StateListen:
		return "LISTEN"
	case StateConnecting1:
		return "CONNECTING1"
	case StateConnecting2:
		return "CONNECTING2"
	case StateConnected:
		return "CONNECTED"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// pendingConnect records the bookkeeping a CONNECT keeps while it waits
// for the device-side handshake to resolve.
type pendingConnect struct {
	tag        uint32
	deviceID   uint32
	sourcePort uint16
}

// Session is one accepted client socket's protocol state. It owns the
// inbound command-framing buffer, the outbound reply buffer, and (once
// CONNECTED) delegates byte movement to its paired *vconn.Connection.
type Session struct {
	ID int // opaque identifier, e.g. the socket fd; caller's concern

	state         State
	versionSet    bool
	version       uint32 // wire.ClientVersionBinary or wire.ClientVersionPlist
	includeHidden bool

	in  *inBuffer
	out *outBuffer

	pending pendingConnect

	// Conn is the paired virtual connection once CONNECTED.
	Conn *vconn.Connection

	// pendingSYN is the encoded SYN frame produced by the most recent
	// BeginConnect, claimed by the glue layer via PendingSYN.
	pendingSYN []byte

	Devices *device.Manager
	Config  interfaces.ConfigStore
	Logger  interfaces.Logger

	// ResolvePort maps a DeviceLocation (ADDDEVICE/REMOVEDEVICE) to the
	// USB transport's port name; supplied by the embedding glue layer,
	// which already knows how to enumerate USB ports.
	ResolvePort func(location uint32) (string, error)
}

// NewSession creates a fresh client session in COMMAND state.
func NewSession(id int, devices *device.Manager, config interfaces.ConfigStore, logger interfaces.Logger, includeHidden bool) *Session {
	return &Session{
		ID:            id,
		state:         StateCommand,
		in:            newInBuffer(constants.ClientInboundBufferCapacity),
		out:           newOutBuffer(constants.ClientOutboundInitialCapacity, constants.ClientOutboundGrowQuantum),
		Devices:       devices,
		Config:        config,
		Logger:        logger,
		includeHidden: includeHidden,
	}
}

// State returns the session's current protocol state.
func (s *Session) State() State { return s.state }

// WireVersion returns the negotiated wire version, remembered from the
// first frame received; clients remain single-version for their
// lifetime.
func (s *Session) WireVersion() uint32 { return s.version }

// PendingOutbound returns bytes queued for the client socket.
func (s *Session) PendingOutbound() []byte { return s.out.Peek() }

// Backpressured reports whether the outbound buffer has grown past the
// high-water mark, signaling that the reactor should stop reading
// further commands from this client until the buffer drains.
func (s *Session) Backpressured() bool {
	return s.out.Len() > constants.ClientOutboundHighWaterMark
}

// DiscardOutbound removes n flushed bytes from the outbound buffer. The
// CONNECTING2 -> CONNECTED transition occurs once this drains the reply
// that announced a successful connect.
func (s *Session) DiscardOutbound(n int) {
	s.out.Discard(n)
	if s.state == StateConnecting2 && s.out.Len() == 0 {
		s.out.Reset()
		s.state = StateConnected
	}
}

// FeedInbound appends freshly read client bytes and parses as many
// complete command frames as are available, while in COMMAND/LISTEN
// state. It returns an error only for a fatal framing violation (the
// caller should then close the client).
func (s *Session) FeedInbound(data []byte) error {
	if s.state == StateConnecting1 {
		// Inbound parsing stops during CONNECTING1: the
		// client isn't sending another command until this one resolves.
		return nil
	}
	if err := s.in.Write(data); err != nil {
		return err
	}
	for {
		buf := s.in.Peek(s.in.Len())
		if len(buf) < wire.EnvelopeHeaderSize {
			return nil // wait for more bytes
		}
		length := binary.BigEndian.Uint32(buf[0:4])
		if int(length) < wire.EnvelopeHeaderSize || int(length) > s.in.Cap() {
			// A declared length outside the inbound buffer's capacity
			// tears the client down immediately.
			return fmt.Errorf("clientproto: declared frame length %d out of bounds", length)
		}
		if len(buf) < int(length) {
			return nil // frame not fully buffered yet
		}

		env, consumed, err := wire.DecodeEnvelope(buf, s.in.Cap())
		if err != nil {
			return err
		}
		s.in.Discard(consumed)
		if err := s.handleEnvelope(env); err != nil {
			return err
		}
		if s.state != StateCommand && s.state != StateListen {
			break
		}
		if s.in.Len() == 0 {
			break
		}
	}
	return nil
}

// handleEnvelope dispatches one fully-framed client command.
func (s *Session) handleEnvelope(env wire.Envelope) error {
	if !s.versionSet {
		s.version = env.Version
		s.versionSet = true
	}
	if env.Version != wire.ClientVersionBinary && env.Version != wire.ClientVersionPlist {
		s.queueResult(env.Tag, ResultBadVersion)
		return nil
	}

	if s.state != StateCommand && s.state != StateListen {
		s.queueResult(env.Tag, ResultBadCommand)
		return nil
	}

	return s.dispatch(env)
}

// BeginConnect starts a virtual-connection open against the named
// device and enters CONNECTING1. The caller (reactor glue) is responsible for invoking
// ResolveConnect/AbortConnect once the device-side handshake settles.
func (s *Session) BeginConnect(tag uint32, deviceID uint32, port uint16) {
	rec, ok := s.Devices.Get(deviceID)
	if !ok {
		s.queueResult(tag, ResultBadDevice)
		return
	}
	sess, ok := s.Devices.GetSession(deviceID)
	if !ok {
		s.queueResult(tag, ResultBadDevice)
		return
	}

	rec.Lock()
	sourcePort, ok := rec.AllocateSourcePort()
	if !ok {
		rec.Unlock()
		s.queueResult(tag, ResultConnRefused)
		return
	}
	mss := vconn.MaxSegmentSize(constants.USBMTU, wire.HeaderSize(rec.Version))
	conn, syn := vconn.Open(deviceID, sourcePort, port, mss, tag)
	rec.Connections[sourcePort] = conn
	frame := sess.SendTCP(syn, nil)
	rec.Unlock()

	s.pending = pendingConnect{tag: tag, deviceID: deviceID, sourcePort: sourcePort}
	s.state = StateConnecting1
	s.pendingSYN = frame
}

// PendingSYN returns and clears the most recently produced outbound SYN
// frame, if any.
func (s *Session) PendingSYN() []byte {
	f := s.pendingSYN
	s.pendingSYN = nil
	return f
}

// PendingKey returns the (device id, source port) a CONNECTING1 session is
// waiting on, so the reactor can route the device session's OnConnected/
// OnClosed callbacks back to this client session.
func (s *Session) PendingKey() (deviceID uint32, sourcePort uint16) {
	return s.pending.deviceID, s.pending.sourcePort
}

// ResolveConnect completes a pending CONNECT once the matching virtual
// connection reaches CONNECTED, queuing RESULT_OK and entering
// CONNECTING2.
func (s *Session) ResolveConnect(conn *vconn.Connection) {
	if s.state != StateConnecting1 || conn.SourcePort != s.pending.sourcePort {
		return
	}
	s.Conn = conn
	s.in.Reset()
	s.queueResult(s.pending.tag, ResultOK)
	s.state = StateConnecting2
}

// AbortConnect fails a pending CONNECT (refused, device died, etc).
func (s *Session) AbortConnect(reason string) {
	if s.state != StateConnecting1 {
		return
	}
	if s.Logger != nil {
		s.Logger.Info("connect aborted", "device", s.pending.deviceID, "reason", reason)
	}
	s.queueResult(s.pending.tag, ResultConnRefused)
	s.state = StateDead
}

// Close marks the session DEAD. If it owned a CONNECTING{1,2}/CONNECTED
// virtual connection, the caller must still separately tear that down
// via the owning device session.
func (s *Session) Close() {
	s.state = StateDead
}
