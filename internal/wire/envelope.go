package wire

import (
	"encoding/binary"
	"fmt"
)

// EnvelopeHeaderSize is the fixed size of a client command envelope
// header: length, version, message, tag — all u32 big-endian.
const EnvelopeHeaderSize = 16

// Client wire protocol versions.
const (
	ClientVersionBinary = 0
	ClientVersionPlist  = 1
)

// Legacy (version-0) message codes.
const (
	MessageResult       = 1
	MessageListen       = 3
	MessageConnect      = 4
	MessageAttach       = 5
	MessageDetach       = 6
	MessagePlistPayload = 8
)

// Envelope is a decoded client command frame: the fixed header plus the
// body bytes that follow it (legacy struct body or plist document).
type Envelope struct {
	Version uint32
	Message uint32
	Tag     uint32
	Body    []byte
}

// EncodeEnvelope marshals an Envelope to wire bytes, filling in Length.
func EncodeEnvelope(e Envelope) []byte {
	total := EnvelopeHeaderSize + len(e.Body)
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], e.Version)
	binary.BigEndian.PutUint32(buf[8:12], e.Message)
	binary.BigEndian.PutUint32(buf[12:16], e.Tag)
	copy(buf[EnvelopeHeaderSize:], e.Body)
	return buf
}

// DecodeEnvelope decodes a single envelope from the front of data,
// returning the envelope and the number of bytes consumed. maxBody
// bounds how large a declared length may be (the client's inbound
// buffer capacity); a declared length exceeding it is an error the
// caller should treat as a reason to tear the client down immediately.
func DecodeEnvelope(data []byte, maxBody int) (Envelope, int, error) {
	if len(data) < EnvelopeHeaderSize {
		return Envelope{}, 0, fmt.Errorf("wire: short envelope header, need %d bytes, have %d", EnvelopeHeaderSize, len(data))
	}

	length := binary.BigEndian.Uint32(data[0:4])
	if int(length) < EnvelopeHeaderSize {
		return Envelope{}, 0, fmt.Errorf("wire: envelope length %d smaller than header size %d", length, EnvelopeHeaderSize)
	}
	if int(length) > maxBody+EnvelopeHeaderSize {
		return Envelope{}, 0, fmt.Errorf("wire: envelope length %d exceeds max %d", length, maxBody+EnvelopeHeaderSize)
	}
	if len(data) < int(length) {
		return Envelope{}, 0, fmt.Errorf("wire: incomplete envelope, need %d bytes, have %d", length, len(data))
	}

	e := Envelope{
		Version: binary.BigEndian.Uint32(data[4:8]),
		Message: binary.BigEndian.Uint32(data[8:12]),
		Tag:     binary.BigEndian.Uint32(data[12:16]),
	}
	body := data[EnvelopeHeaderSize:length]
	e.Body = make([]byte, len(body))
	copy(e.Body, body)

	return e, int(length), nil
}

// ConnectPayload is the version-0 binary CONNECT body: device_id in
// host byte order followed by a network-byte-order port and two
// reserved bytes.
type ConnectPayload struct {
	DeviceID uint32
	Port     uint16
}

// EncodeConnectPayload marshals a version-0 CONNECT body. DeviceID is
// little-endian, unlike every other wire field; Port is big-endian
// (network byte order), matching what a version-0 client sends on the
// wire already swapped.
func EncodeConnectPayload(p ConnectPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], p.DeviceID)
	binary.BigEndian.PutUint16(buf[4:6], p.Port)
	return buf
}

// DecodeConnectPayload unmarshals a version-0 CONNECT body.
func DecodeConnectPayload(data []byte) (ConnectPayload, error) {
	if len(data) < 8 {
		return ConnectPayload{}, fmt.Errorf("wire: short CONNECT body, need 8 bytes, have %d", len(data))
	}
	return ConnectPayload{
		DeviceID: binary.LittleEndian.Uint32(data[0:4]),
		Port:     binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// AttachPayload is the version-0 binary ATTACH notification body.
type AttachPayload struct {
	DeviceID  uint32
	Serial    [256]byte
	Location  uint32
	ProductID uint16
}

// EncodeAttachPayload marshals a version-0 ATTACH notification body.
// All integer fields are big-endian like the rest of the wire format;
// only the CONNECT body's device_id is exempt.
func EncodeAttachPayload(p AttachPayload) []byte {
	buf := make([]byte, 4+256+4+2+2) // trailing 2 bytes padding to align like the original struct
	binary.BigEndian.PutUint32(buf[0:4], p.DeviceID)
	copy(buf[4:260], p.Serial[:])
	binary.BigEndian.PutUint32(buf[260:264], p.Location)
	binary.BigEndian.PutUint16(buf[264:266], p.ProductID)
	return buf
}

// DetachPayload is the version-0 binary DETACH notification body.
type DetachPayload struct {
	DeviceID uint32
}

// EncodeDetachPayload marshals a version-0 DETACH notification body.
func EncodeDetachPayload(p DetachPayload) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf[0:4], p.DeviceID)
	return buf
}

// EncodeResult encodes a version-0 RESULT body (a single u32).
func EncodeResult(code uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf[0:4], code)
	return buf
}

// DecodeResult decodes a version-0 RESULT body.
func DecodeResult(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("wire: short RESULT body, need 4 bytes, have %d", len(data))
	}
	return binary.BigEndian.Uint32(data[0:4]), nil
}
