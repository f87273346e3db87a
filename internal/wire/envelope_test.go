package wire

import "testing"

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{
		Version: ClientVersionPlist,
		Message: MessagePlistPayload,
		Tag:     42,
		Body:    []byte("fake plist bytes"),
	}
	buf := EncodeEnvelope(e)

	decoded, consumed, err := DecodeEnvelope(buf, 65536)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if consumed != len(buf) {
		t.Errorf("expected to consume %d bytes, got %d", len(buf), consumed)
	}
	if decoded.Version != e.Version || decoded.Message != e.Message || decoded.Tag != e.Tag {
		t.Errorf("unexpected envelope header: %+v", decoded)
	}
	if string(decoded.Body) != string(e.Body) {
		t.Errorf("expected body %q, got %q", e.Body, decoded.Body)
	}
}

func TestDecodeEnvelopeRejectsOversizedLength(t *testing.T) {
	e := Envelope{Version: 0, Message: MessageListen, Tag: 1, Body: make([]byte, 100)}
	buf := EncodeEnvelope(e)
	if _, _, err := DecodeEnvelope(buf, 50); err == nil {
		t.Fatal("expected error for envelope exceeding max body")
	}
}

func TestDecodeEnvelopeRejectsIncomplete(t *testing.T) {
	e := Envelope{Version: 0, Message: MessageListen, Tag: 1, Body: []byte("hello")}
	buf := EncodeEnvelope(e)
	if _, _, err := DecodeEnvelope(buf[:len(buf)-2], 65536); err == nil {
		t.Fatal("expected error for truncated envelope")
	}
}

func TestConnectPayloadRoundTrip(t *testing.T) {
	p := ConnectPayload{DeviceID: 7, Port: 0x0305}
	buf := EncodeConnectPayload(p)
	decoded, err := DecodeConnectPayload(buf)
	if err != nil {
		t.Fatalf("DecodeConnectPayload: %v", err)
	}
	if decoded != p {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, p)
	}
}

func TestEncodeAttachPayloadLayout(t *testing.T) {
	var serial [256]byte
	copy(serial[:], "0123456789abcdef")
	p := AttachPayload{
		DeviceID:  0x01020304,
		Serial:    serial,
		Location:  0x14100000,
		ProductID: 0x12a8,
	}
	buf := EncodeAttachPayload(p)

	if len(buf) != 4+256+4+2+2 {
		t.Fatalf("expected %d bytes, got %d", 4+256+4+2+2, len(buf))
	}
	if got := [4]byte{buf[0], buf[1], buf[2], buf[3]}; got != [4]byte{0x01, 0x02, 0x03, 0x04} {
		t.Errorf("expected big-endian device id, got % x", got)
	}
	if string(buf[4:20]) != "0123456789abcdef" {
		t.Errorf("unexpected serial bytes: %q", buf[4:20])
	}
	if got := [4]byte{buf[260], buf[261], buf[262], buf[263]}; got != [4]byte{0x14, 0x10, 0x00, 0x00} {
		t.Errorf("expected big-endian location, got % x", got)
	}
	if got := [2]byte{buf[264], buf[265]}; got != [2]byte{0x12, 0xa8} {
		t.Errorf("expected big-endian product id, got % x", got)
	}
}

func TestEncodeDetachPayloadLayout(t *testing.T) {
	buf := EncodeDetachPayload(DetachPayload{DeviceID: 0x01020304})
	if len(buf) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(buf))
	}
	if got := [4]byte{buf[0], buf[1], buf[2], buf[3]}; got != [4]byte{0x01, 0x02, 0x03, 0x04} {
		t.Errorf("expected big-endian device id, got % x", got)
	}
}

func TestResultRoundTrip(t *testing.T) {
	buf := EncodeResult(3)
	code, err := DecodeResult(buf)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if code != 3 {
		t.Errorf("expected code 3, got %d", code)
	}
}
