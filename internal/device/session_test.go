package device

import (
	"testing"

	"github.com/arwn/go-muxd/internal/constants"
	"github.com/arwn/go-muxd/internal/vconn"
	"github.com/arwn/go-muxd/internal/wire"
)

func newTestRecord() *Record {
	return NewRecord(1, 0x14100000, 0x1234, 0, nil, nil)
}

func TestBuildVersionFrame(t *testing.T) {
	sess := NewSession(newTestRecord(), constants.USBMTU, constants.USBMRU, nil, nil)
	buf := sess.BuildVersionFrame()

	frame, consumed, err := wire.DecodeFrame(1, buf, constants.USBMTU)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if consumed != len(buf) {
		t.Errorf("expected to consume whole frame, got %d of %d", consumed, len(buf))
	}
	if frame.Protocol != wire.ProtoVersion {
		t.Fatalf("expected VERSION frame, got %v", frame.Protocol)
	}
	v, err := wire.DecodeVersionPayload(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeVersionPayload: %v", err)
	}
	if v.Major != 1 || v.Minor != 0 {
		t.Errorf("unexpected version payload: %+v", v)
	}
}

func TestVersionReplyTransitionsToActive(t *testing.T) {
	rec := newTestRecord()
	sess := NewSession(rec, constants.USBMTU, constants.USBMRU, nil, nil)

	reply := wire.EncodeVersionPayload(wire.VersionPayload{Major: 1, Minor: 0})
	frame, _ := wire.EncodeFrame(1, wire.ProtoVersion, 0, 0, reply, constants.USBMTU)

	outs, err := sess.OnUSBRead(frame)
	if err != nil {
		t.Fatalf("OnUSBRead: %v", err)
	}
	if len(outs) != 0 {
		t.Errorf("expected no SETUP frame for version 1, got %d outbound frames", len(outs))
	}
	if rec.State != StateActive {
		t.Fatalf("expected ACTIVE, got %v", rec.State)
	}
}

func TestVersion2ReplySendsSetupAndResetsSequence(t *testing.T) {
	rec := newTestRecord()
	sess := NewSession(rec, constants.USBMTU, constants.USBMRU, nil, nil)

	reply := wire.EncodeVersionPayload(wire.VersionPayload{Major: 2, Minor: 0})
	frame, _ := wire.EncodeFrame(1, wire.ProtoVersion, 0, 0, reply, constants.USBMTU)

	outs, err := sess.OnUSBRead(frame)
	if err != nil {
		t.Fatalf("OnUSBRead: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("expected one SETUP frame, got %d", len(outs))
	}
	if rec.State != StateActive || rec.Version != 2 {
		t.Fatalf("expected ACTIVE v2, got state=%v version=%d", rec.State, rec.Version)
	}

	setupFrame, _, err := wire.DecodeFrame(2, outs[0], constants.USBMTU)
	if err != nil {
		t.Fatalf("decode SETUP frame: %v", err)
	}
	if setupFrame.Protocol != wire.ProtoSetup {
		t.Errorf("expected SETUP, got %v", setupFrame.Protocol)
	}
	if len(setupFrame.Payload) != 1 || setupFrame.Payload[0] != wire.SetupPayload {
		t.Errorf("unexpected SETUP payload: %v", setupFrame.Payload)
	}
}

func TestBadMajorVersionKillsDevice(t *testing.T) {
	rec := newTestRecord()
	sess := NewSession(rec, constants.USBMTU, constants.USBMRU, nil, nil)

	reply := wire.EncodeVersionPayload(wire.VersionPayload{Major: 99, Minor: 0})
	frame, _ := wire.EncodeFrame(1, wire.ProtoVersion, 0, 0, reply, constants.USBMTU)

	if _, err := sess.OnUSBRead(frame); err == nil {
		t.Fatal("expected error for unsupported major version")
	}
	if rec.State != StateDead {
		t.Fatalf("expected DEAD, got %v", rec.State)
	}
}

func TestTCPFrameBeforeActiveIsDropped(t *testing.T) {
	rec := newTestRecord()
	sess := NewSession(rec, constants.USBMTU, constants.USBMRU, nil, nil)

	th := wire.TCPHeader{SourcePort: 1, DestPort: 1, Flags: wire.FlagACK}
	body := wire.EncodeTCPHeader(th)
	frame, _ := wire.EncodeFrame(1, wire.ProtoTCP, 0, 0, body, constants.USBMTU)

	outs, err := sess.OnUSBRead(frame)
	if err != nil {
		t.Fatalf("OnUSBRead: %v", err)
	}
	if len(outs) != 0 {
		t.Errorf("expected TCP frame to be silently dropped before ACTIVE, got %d outs", len(outs))
	}
}

func TestUnmatchedTCPConnectionGetsAnonymousRST(t *testing.T) {
	rec := newTestRecord()
	sess := NewSession(rec, constants.USBMTU, constants.USBMRU, nil, nil)
	rec.State = StateActive

	th := wire.TCPHeader{SourcePort: 7, DestPort: 99, Seq: 5, Flags: wire.FlagACK}
	body := wire.EncodeTCPHeader(th)
	frame, _ := wire.EncodeFrame(1, wire.ProtoTCP, 0, 0, body, constants.USBMTU)

	outs, err := sess.OnUSBRead(frame)
	if err != nil {
		t.Fatalf("OnUSBRead: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("expected one anonymous RST, got %d", len(outs))
	}

	rstFrame, _, err := wire.DecodeFrame(1, outs[0], constants.USBMTU)
	if err != nil {
		t.Fatalf("decode RST frame: %v", err)
	}
	rstHeader, err := wire.DecodeTCPHeader(rstFrame.Payload)
	if err != nil {
		t.Fatalf("decode RST header: %v", err)
	}
	if rstHeader.Flags != wire.FlagRST {
		t.Errorf("expected RST flag, got %#x", rstHeader.Flags)
	}
	if rstHeader.SourcePort != 99 || rstHeader.DestPort != 7 {
		t.Errorf("expected swapped ports 99->7, got %d->%d", rstHeader.SourcePort, rstHeader.DestPort)
	}
	if rstHeader.Ack != 5 {
		t.Errorf("expected ack echo of 5, got %d", rstHeader.Ack)
	}
}

func TestMatchedTCPConnectionCompletesHandshake(t *testing.T) {
	rec := newTestRecord()
	sess := NewSession(rec, constants.USBMTU, constants.USBMRU, nil, nil)
	rec.State = StateActive
	rec.Version = 1

	conn, _ := vconn.Open(rec.ID, 1, 0x0305, 1024, 7)
	rec.Connections[1] = conn

	var gotConnected *vconn.Connection
	sess.OnConnected = func(c *vconn.Connection) { gotConnected = c }

	synAck := wire.TCPHeader{SourcePort: 0x0305, DestPort: 1, Seq: 0, Ack: 1, Flags: wire.FlagSYN | wire.FlagACK, Window: 2}
	body := wire.EncodeTCPHeader(synAck)
	frame, _ := wire.EncodeFrame(1, wire.ProtoTCP, 0, 0, body, constants.USBMTU)

	outs, err := sess.OnUSBRead(frame)
	if err != nil {
		t.Fatalf("OnUSBRead: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("expected one ACK reply, got %d", len(outs))
	}
	if gotConnected != conn {
		t.Error("expected OnConnected callback to fire with the matched connection")
	}
	if conn.State() != vconn.StateConnected {
		t.Errorf("expected CONNECTED, got %v", conn.State())
	}
}

func TestMatchedTCPConnectionRSTRemovesFromTable(t *testing.T) {
	rec := newTestRecord()
	sess := NewSession(rec, constants.USBMTU, constants.USBMRU, nil, nil)
	rec.State = StateActive

	conn, _ := vconn.Open(rec.ID, 1, 0x0305, 1024, 7)
	rec.Connections[1] = conn

	var closedReason string
	sess.OnClosed = func(c *vconn.Connection, reason string) { closedReason = reason }

	rst := wire.TCPHeader{SourcePort: 0x0305, DestPort: 1, Flags: wire.FlagRST}
	body := wire.EncodeTCPHeader(rst)
	frame, _ := wire.EncodeFrame(1, wire.ProtoTCP, 0, 0, body, constants.USBMTU)

	if _, err := sess.OnUSBRead(frame); err != nil {
		t.Fatalf("OnUSBRead: %v", err)
	}
	if closedReason == "" {
		t.Error("expected OnClosed to fire")
	}
	if _, ok := rec.Connections[1]; ok {
		t.Error("expected connection to be removed from the table")
	}
}
