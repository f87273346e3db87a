package wire

import (
	"testing"
)

func TestEncodeDecodeFrameV1RoundTrip(t *testing.T) {
	payload := EncodeVersionPayload(VersionPayload{Major: 1, Minor: 0})
	buf, err := EncodeFrame(1, ProtoVersion, 0, 0, payload, 49152)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(buf) != HeaderSizeV1+len(payload) {
		t.Fatalf("expected %d bytes, got %d", HeaderSizeV1+len(payload), len(buf))
	}

	frame, consumed, err := DecodeFrame(1, buf, 49152)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if consumed != len(buf) {
		t.Errorf("expected to consume %d bytes, got %d", len(buf), consumed)
	}
	if frame.Protocol != ProtoVersion {
		t.Errorf("expected ProtoVersion, got %v", frame.Protocol)
	}

	v, err := DecodeVersionPayload(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeVersionPayload: %v", err)
	}
	if v.Major != 1 || v.Minor != 0 {
		t.Errorf("unexpected version payload: %+v", v)
	}
}

func TestEncodeDecodeFrameV2RoundTrip(t *testing.T) {
	payload := []byte{SetupPayload}
	buf, err := EncodeFrame(2, ProtoSetup, 5, 9, payload, 49152)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(buf) != HeaderSizeV2+1 {
		t.Fatalf("expected %d bytes, got %d", HeaderSizeV2+1, len(buf))
	}

	frame, consumed, err := DecodeFrame(2, buf, 49152)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if consumed != len(buf) {
		t.Errorf("expected to consume %d bytes, got %d", len(buf), consumed)
	}
	if frame.TxSeq != 5 || frame.RxSeq != 9 {
		t.Errorf("expected txSeq=5 rxSeq=9, got txSeq=%d rxSeq=%d", frame.TxSeq, frame.RxSeq)
	}
	if len(frame.Payload) != 1 || frame.Payload[0] != SetupPayload {
		t.Errorf("unexpected SETUP payload: %v", frame.Payload)
	}
}

func TestDecodeFrameRejectsShortLength(t *testing.T) {
	buf := make([]byte, HeaderSizeV1)
	// Advertise a length smaller than the header itself.
	buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 4
	if _, _, err := DecodeFrame(1, buf, 49152); err == nil {
		t.Fatal("expected error for undersized advertised length")
	}
}

func TestDecodeFrameRejectsOversizedLength(t *testing.T) {
	payload := make([]byte, 100)
	buf, err := EncodeFrame(1, ProtoTCP, 0, 0, payload, 49152)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if _, _, err := DecodeFrame(1, buf, 50); err == nil {
		t.Fatal("expected error for frame exceeding maxFrame")
	}
}

func TestEncodeFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, 200)
	if _, err := EncodeFrame(1, ProtoTCP, 0, 0, payload, 100); err == nil {
		t.Fatal("expected error for payload exceeding maxFrame")
	}
}

func TestDecodeFrameMultipleInBuffer(t *testing.T) {
	p1 := EncodeVersionPayload(VersionPayload{Major: 1, Minor: 0})
	f1, _ := EncodeFrame(1, ProtoVersion, 0, 0, p1, 49152)
	f2, _ := EncodeFrame(1, ProtoControl, 0, 0, []byte{ControlTypeInfo, 'h', 'i'}, 49152)

	buf := append(append([]byte{}, f1...), f2...)

	frame1, n1, err := DecodeFrame(1, buf, 49152)
	if err != nil {
		t.Fatalf("decode frame1: %v", err)
	}
	if frame1.Protocol != ProtoVersion {
		t.Errorf("expected frame1 to be VERSION, got %v", frame1.Protocol)
	}

	frame2, n2, err := DecodeFrame(1, buf[n1:], 49152)
	if err != nil {
		t.Fatalf("decode frame2: %v", err)
	}
	if frame2.Protocol != ProtoControl {
		t.Errorf("expected frame2 to be CONTROL, got %v", frame2.Protocol)
	}
	if n1+n2 != len(buf) {
		t.Errorf("expected consumed bytes to cover whole buffer, got %d+%d != %d", n1, n2, len(buf))
	}
}

func TestTCPHeaderRoundTrip(t *testing.T) {
	h := TCPHeader{
		SourcePort: 1,
		DestPort:   0x0305,
		Seq:        0,
		Ack:        0,
		Offset:     5,
		Flags:      FlagSYN,
		Window:     2,
	}
	buf := EncodeTCPHeader(h)
	if len(buf) != TCPHeaderSize {
		t.Fatalf("expected %d bytes, got %d", TCPHeaderSize, len(buf))
	}

	decoded, err := DecodeTCPHeader(buf)
	if err != nil {
		t.Fatalf("DecodeTCPHeader: %v", err)
	}
	if decoded != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, h)
	}
	if !decoded.HasFlags(FlagSYN) {
		t.Error("expected HasFlags(FlagSYN) to be true")
	}
	if decoded.HasFlags(FlagSYN | FlagACK) {
		t.Error("expected HasFlags(FlagSYN|FlagACK) to be false")
	}
}

func TestSetupFrameHeaderOnlyEmptyAccepted(t *testing.T) {
	// A mux frame whose length exactly equals its header size and whose
	// payload is empty is accepted, for SETUP-type frames.
	buf, err := EncodeFrame(1, ProtoSetup, 0, 0, nil, 49152)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	frame, consumed, err := DecodeFrame(1, buf, 49152)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if consumed != HeaderSizeV1 {
		t.Errorf("expected to consume %d bytes, got %d", HeaderSizeV1, consumed)
	}
	if len(frame.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(frame.Payload))
	}
}
