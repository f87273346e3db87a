package device

import (
	"fmt"

	"github.com/arwn/go-muxd/internal/constants"
	"github.com/arwn/go-muxd/internal/interfaces"
	"github.com/arwn/go-muxd/internal/vconn"
	"github.com/arwn/go-muxd/internal/wire"
)

// Session drives one device's mux protocol: the VERSION/SETUP handshake,
// reassembly of USB bulk reads into whole frames, and
// dispatch of VERSION/CONTROL/TCP frames into the device's connection
// table.
type Session struct {
	Rec       *Record
	MaxFrame  int // the device's USB MTU; outbound frames may not exceed it
	USBMRU    int // the transport's single-read size, used by reassembly
	Logger    interfaces.Logger
	Preflight interfaces.Preflight

	// OnConnected is invoked when a virtual connection completes its
	// three-way handshake, so the owning client can be sent RESULT_OK
	// for the original CONNECT tag.
	OnConnected func(conn *vconn.Connection)

	// OnClosed is invoked when a virtual connection tears down, so the
	// owning client session can be notified.
	OnClosed func(conn *vconn.Connection, reason string)

	// OnVisible is invoked from the preflight collaborator's own worker
	// goroutine once the device becomes visible, so the reactor can
	// broadcast an ATTACH to LISTEN clients without polling Rec.Visible.
	OnVisible func(deviceID uint32)

	// OnPairingEvent is invoked from the preflight collaborator's own
	// worker goroutine for the pairing-stage notifications that aren't a
	// terminal Ready/Failed (TrustPending, PasswordProtected,
	// UserDeniedPairing), so the reactor can broadcast them to plist
	// LISTEN clients. kind matches the plist MessageType emitted on the
	// wire.
	OnPairingEvent func(deviceID uint32, kind string)
}

// NewSession creates a session around a freshly arrived device record.
func NewSession(rec *Record, maxFrame, usbMRU int, logger interfaces.Logger, preflight interfaces.Preflight) *Session {
	return &Session{Rec: rec, MaxFrame: maxFrame, USBMRU: usbMRU, Logger: logger, Preflight: preflight}
}

// headerVersion returns the mux header layout currently in effect: v1
// (8-byte header) until the device has negotiated version>=2 and
// completed ACTIVE, after which v2 (16-byte, sequenced) applies.
func (s *Session) headerVersion() int {
	if s.Rec.State == StateActive && s.Rec.Version >= 2 {
		return 2
	}
	return 1
}

// BuildVersionFrame builds the host's initial VERSION frame (major=1,
// minor=0), sent once on attach.
func (s *Session) BuildVersionFrame() []byte {
	payload := wire.EncodeVersionPayload(wire.VersionPayload{
		Major: constants.HostVersionMajor,
		Minor: constants.HostVersionMinor,
	})
	buf, _ := wire.EncodeFrame(1, wire.ProtoVersion, 0, 0, payload, s.MaxFrame)
	return buf
}

// OnUSBRead feeds a single USB bulk read into the reassembly policy
// and returns any outbound frames produced while dispatching (ACKs,
// RSTs, SETUP). Caller must not hold Rec's lock.
func (s *Session) OnUSBRead(data []byte) ([][]byte, error) {
	s.Rec.Lock()
	defer s.Rec.Unlock()

	hdrSize := wire.HeaderSize(s.headerVersion())

	if len(s.Rec.reassembly) > 0 {
		combined := make([]byte, len(s.Rec.reassembly)+len(data))
		n := copy(combined, s.Rec.reassembly)
		copy(combined[n:], data)
		if len(combined) > constants.DeviceMRU {
			return nil, fmt.Errorf("device: reassembly buffer overflow (dev=%d)", s.Rec.ID)
		}

		complete := false
		if len(combined) >= hdrSize {
			length := advertisedLength(combined)
			if len(combined) == int(length) {
				complete = true
			}
		}
		if len(data) < s.USBMRU {
			complete = true
		}

		if complete {
			outs, err := s.dispatchAll(combined)
			s.Rec.reassembly = s.Rec.reassembly[:0]
			return outs, err
		}
		s.Rec.reassembly = append(s.Rec.reassembly[:0], combined...)
		return nil, nil
	}

	if len(data) == s.USBMRU && len(data) >= hdrSize {
		length := advertisedLength(data)
		if int(length) > s.USBMRU {
			s.Rec.reassembly = append(s.Rec.reassembly[:0], data...)
			return nil, nil
		}
	}

	return s.dispatchAll(data)
}

// advertisedLength reads the length field (bytes 4:8) out of a mux
// header without needing to know the header's full size.
func advertisedLength(buf []byte) uint32 {
	return uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
}

// dispatchAll decodes and dispatches every whole frame present in buf,
// which may hold more than one back-to-back frame.
func (s *Session) dispatchAll(buf []byte) ([][]byte, error) {
	var outs [][]byte
	offset := 0
	for offset < len(buf) {
		version := s.headerVersion()
		frame, consumed, err := wire.DecodeFrame(version, buf[offset:], s.MaxFrame)
		if err != nil {
			// Protocol error from the device side: log and drop.
			if s.Logger != nil {
				s.Logger.Warn("dropping malformed mux frame", "device", s.Rec.ID, "err", err.Error())
			}
			return outs, nil
		}
		if version >= 2 {
			s.Rec.RxSeq = frame.TxSeq
		}
		out, err := s.dispatchFrame(frame)
		if err != nil {
			if s.Rec.State == StateDead {
				// The device was killed (e.g. unsupported VERSION major);
				// the caller tears it down.
				return append(outs, out...), err
			}
			if s.Logger != nil {
				s.Logger.Warn("dropping mux frame", "device", s.Rec.ID, "err", err.Error())
			}
		}
		outs = append(outs, out...)
		offset += consumed
	}
	return outs, nil
}

// dispatchFrame handles one decoded frame against the current device
// state. Caller holds Rec's lock.
func (s *Session) dispatchFrame(frame wire.Frame) ([][]byte, error) {
	switch frame.Protocol {
	case wire.ProtoVersion:
		return s.dispatchVersion(frame)
	case wire.ProtoControl:
		s.dispatchControl(frame)
		return nil, nil
	case wire.ProtoTCP:
		return s.dispatchTCP(frame)
	default:
		return nil, nil
	}
}

func (s *Session) dispatchVersion(frame wire.Frame) ([][]byte, error) {
	if s.Rec.State != StateInit {
		if s.Logger != nil {
			s.Logger.Info("ignoring VERSION reply after init", "device", s.Rec.ID)
		}
		return nil, nil
	}

	v, err := wire.DecodeVersionPayload(frame.Payload)
	if err != nil {
		return nil, err
	}
	if v.Major != 1 && v.Major != 2 {
		s.Rec.State = StateDead
		return nil, fmt.Errorf("device: unsupported mux major version %d", v.Major)
	}

	s.Rec.Version = int(v.Major)
	s.Rec.State = StateActive
	s.Rec.Connections = make(map[uint16]*vconn.Connection)

	var outs [][]byte
	if s.Rec.Version >= 2 {
		s.Rec.TxSeq = 0
		s.Rec.RxSeq = 0xFFFF
		setup, _ := wire.EncodeFrame(2, wire.ProtoSetup, s.Rec.TxSeq, s.Rec.RxSeq, []byte{wire.SetupPayload}, s.MaxFrame)
		s.Rec.TxSeq++
		outs = append(outs, setup)
	}

	if s.Preflight != nil {
		s.Rec.PreflightActive = true
		s.Preflight.Begin(s.Rec.ID, s.Rec.Serial, &preflightBridge{rec: s.Rec, logger: s.Logger, onVisible: s.OnVisible, onPairingEvent: s.OnPairingEvent})
	}

	return outs, nil
}

func (s *Session) dispatchControl(frame wire.Frame) {
	if len(frame.Payload) == 0 {
		return
	}
	typ := frame.Payload[0]
	msg := string(frame.Payload[1:])
	switch typ {
	case wire.ControlTypeInfo:
		if s.Logger != nil {
			s.Logger.Info("device log", "device", s.Rec.ID, "msg", msg)
		}
	case wire.ControlTypeError:
		if s.Logger != nil {
			s.Logger.Error("device log", "device", s.Rec.ID, "msg", msg)
		}
	}
}

func (s *Session) dispatchTCP(frame wire.Frame) ([][]byte, error) {
	if s.Rec.State != StateActive {
		return nil, nil
	}
	if len(frame.Payload) < wire.TCPHeaderSize {
		return nil, fmt.Errorf("device: short TCP payload")
	}
	th, err := wire.DecodeTCPHeader(frame.Payload)
	if err != nil {
		return nil, err
	}
	payload := frame.Payload[wire.TCPHeaderSize:]

	conn, ok := s.Rec.Connections[th.DestPort]
	if !ok {
		if th.Flags&wire.FlagRST == 0 {
			rst := wire.TCPHeader{
				SourcePort: th.DestPort,
				DestPort:   th.SourcePort,
				Ack:        th.Seq,
				Flags:      wire.FlagRST,
			}
			return [][]byte{s.encodeTCPFrame(rst, nil)}, nil
		}
		return nil, nil
	}

	reply, connected, teardown := conn.HandleInbound(th, payload)
	var outs [][]byte
	if reply != nil {
		outs = append(outs, s.encodeTCPFrame(*reply, nil))
	}
	if connected && s.OnConnected != nil {
		s.OnConnected(conn)
	}
	if teardown != "" {
		sendRST := conn.Teardown(s.Rec.State == StateDead)
		if sendRST {
			outs = append(outs, s.encodeTCPFrame(conn.RSTHeader(), nil))
		}
		delete(s.Rec.Connections, conn.SourcePort)
		if s.OnClosed != nil {
			s.OnClosed(conn, teardown)
		}
	}
	return outs, nil
}

// SendTCP encodes and returns a TCP-like frame ready for the USB
// transport, advancing the device's mux sequence counters. Callers
// (the reactor, client I/O glue) must hold Rec's lock.
func (s *Session) SendTCP(th wire.TCPHeader, payload []byte) []byte {
	return s.encodeTCPFrame(th, payload)
}

func (s *Session) encodeTCPFrame(th wire.TCPHeader, payload []byte) []byte {
	body := wire.EncodeTCPHeader(th)
	if len(payload) > 0 {
		body = append(body, payload...)
	}
	version := s.headerVersion()
	buf, err := wire.EncodeFrame(version, wire.ProtoTCP, s.Rec.TxSeq, s.Rec.RxSeq, body, s.MaxFrame)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("failed to encode outbound TCP frame", "device", s.Rec.ID, "err", err.Error())
		}
		return nil
	}
	s.Rec.TxSeq++
	return buf
}

// preflightBridge adapts interfaces.PreflightCallback onto a Record,
// toggling visibility once pairing completes.
type preflightBridge struct {
	rec            *Record
	logger         interfaces.Logger
	onVisible      func(deviceID uint32)
	onPairingEvent func(deviceID uint32, kind string)
}

func (p *preflightBridge) Ready() {
	p.rec.Lock()
	p.rec.PreflightActive = false
	p.rec.Visible = true
	p.rec.Unlock()
	if p.logger != nil {
		p.logger.Info("device ready", "device", p.rec.ID, "product", p.rec.ProductString)
	}
	if p.onVisible != nil {
		p.onVisible(p.rec.ID)
	}
}

func (p *preflightBridge) Failed(err error) {
	p.rec.Lock()
	p.rec.PreflightActive = false
	p.rec.Unlock()
	if p.logger != nil {
		p.logger.Warn("device preflight failed", "device", p.rec.ID, "err", err.Error())
	}
}

func (p *preflightBridge) TrustPending() {
	if p.logger != nil {
		p.logger.Info("device trust pending", "device", p.rec.ID)
	}
	if p.onPairingEvent != nil {
		p.onPairingEvent(p.rec.ID, "TrustPending")
	}
}

func (p *preflightBridge) PasswordProtected() {
	if p.logger != nil {
		p.logger.Info("device password protected", "device", p.rec.ID)
	}
	if p.onPairingEvent != nil {
		p.onPairingEvent(p.rec.ID, "PasswordProtected")
	}
}

func (p *preflightBridge) UserDeniedPairing() {
	p.rec.Lock()
	p.rec.PreflightActive = false
	p.rec.Unlock()
	if p.logger != nil {
		p.logger.Warn("user denied pairing", "device", p.rec.ID)
	}
	if p.onPairingEvent != nil {
		p.onPairingEvent(p.rec.ID, "UserDeniedPairing")
	}
}
