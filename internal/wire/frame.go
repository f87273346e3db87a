// Package wire implements the mux frame codec: the
// length-prefixed envelope that carries VERSION, CONTROL, SETUP and TCP
// payloads over a device's USB bulk pipe. It is the single place that
// knows the wire byte layout, with manual big-endian marshal/unmarshal
// rather than struct punning, since mux frames are variable-shaped
// across protocol versions.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Protocol identifies the payload carried by a mux frame.
type Protocol uint32

const (
	ProtoVersion Protocol = 0
	ProtoControl Protocol = 1
	ProtoSetup   Protocol = 2
	ProtoTCP     Protocol = 6 // IPPROTO_TCP
)

// Magic is stamped into every version>=2 mux header.
const Magic uint32 = 0xFEEDFACE

// Header sizes in bytes for each mux protocol version.
const (
	HeaderSizeV1 = 8
	HeaderSizeV2 = 16
)

// HeaderSize returns the mux header size for a given protocol version.
func HeaderSize(version int) int {
	if version >= 2 {
		return HeaderSizeV2
	}
	return HeaderSizeV1
}

// Frame is a decoded mux frame: header fields plus payload bytes. TxSeq
// and RxSeq are only meaningful for version>=2 sessions.
type Frame struct {
	Protocol Protocol
	TxSeq    uint16
	RxSeq    uint16
	Payload  []byte
}

// EncodeFrame builds the wire bytes for a single mux frame: header
// (sized by version) followed by payload. It rejects payloads that
// would push the total frame size past maxFrame (the device's USB MTU).
func EncodeFrame(version int, protocol Protocol, txSeq, rxSeq uint16, payload []byte, maxFrame int) ([]byte, error) {
	hdrSize := HeaderSize(version)
	total := hdrSize + len(payload)
	if total > maxFrame {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max frame size %d", total, maxFrame)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(protocol))
	binary.BigEndian.PutUint32(buf[4:8], uint32(total))
	if version >= 2 {
		binary.BigEndian.PutUint32(buf[8:12], Magic)
		binary.BigEndian.PutUint16(buf[12:14], txSeq)
		binary.BigEndian.PutUint16(buf[14:16], rxSeq)
	}
	copy(buf[hdrSize:], payload)
	return buf, nil
}

// DecodeFrame decodes a single mux frame from the front of data. It
// returns the decoded frame and the number of bytes consumed (the
// frame's own advertised length), so a caller holding a buffer with
// multiple back-to-back frames can advance and decode again.
//
// DecodeFrame rejects a frame whose advertised length is smaller than
// the header size or larger than maxFrame.
func DecodeFrame(version int, data []byte, maxFrame int) (Frame, int, error) {
	hdrSize := HeaderSize(version)
	if len(data) < hdrSize {
		return Frame{}, 0, fmt.Errorf("wire: short read, need %d header bytes, have %d", hdrSize, len(data))
	}

	protocol := Protocol(binary.BigEndian.Uint32(data[0:4]))
	length := binary.BigEndian.Uint32(data[4:8])

	if int(length) < hdrSize {
		return Frame{}, 0, fmt.Errorf("wire: frame length %d smaller than header size %d", length, hdrSize)
	}
	if int(length) > maxFrame {
		return Frame{}, 0, fmt.Errorf("wire: frame length %d exceeds max frame size %d", length, maxFrame)
	}
	if len(data) < int(length) {
		return Frame{}, 0, fmt.Errorf("wire: short read, need %d total bytes, have %d", length, len(data))
	}

	f := Frame{Protocol: protocol}
	if version >= 2 {
		magic := binary.BigEndian.Uint32(data[8:12])
		if magic != Magic {
			return Frame{}, 0, fmt.Errorf("wire: bad magic %#x", magic)
		}
		f.TxSeq = binary.BigEndian.Uint16(data[12:14])
		f.RxSeq = binary.BigEndian.Uint16(data[14:16])
	}

	payload := data[hdrSize:length]
	f.Payload = make([]byte, len(payload))
	copy(f.Payload, payload)

	return f, int(length), nil
}

// VersionPayload is the VERSION (protocol 0) payload: major/minor/padding,
// all u32 big-endian.
type VersionPayload struct {
	Major uint32
	Minor uint32
}

// EncodeVersionPayload marshals a VersionPayload.
func EncodeVersionPayload(p VersionPayload) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.Major)
	binary.BigEndian.PutUint32(buf[4:8], p.Minor)
	return buf
}

// DecodeVersionPayload unmarshals a VersionPayload.
func DecodeVersionPayload(data []byte) (VersionPayload, error) {
	if len(data) < 12 {
		return VersionPayload{}, fmt.Errorf("wire: short VERSION payload, need 12 bytes, have %d", len(data))
	}
	return VersionPayload{
		Major: binary.BigEndian.Uint32(data[0:4]),
		Minor: binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// Control log type codes.
const (
	ControlTypeInfo  = 7
	ControlTypeError = 3
)

// SetupPayload is the single SETUP (protocol 2) byte sent when a device
// session upgrades to protocol version 2.
const SetupPayload = 0x07

// TCP-like subheader flag bits, laid out the same as a real TCP header.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// TCPHeaderSize is the fixed size of the TCP-like subheader (no options).
const TCPHeaderSize = 20

// TCPHeader is the TCP-like subheader carried by protocol-6 (TCP) mux
// frames. Window is the raw wire value, expressed in 256-byte units;
// callers must shift it left by 8 to recover a byte count.
type TCPHeader struct {
	SourcePort uint16
	DestPort   uint16
	Seq        uint32
	Ack        uint32
	Offset     uint8 // header length in 32-bit words
	Flags      uint8
	Window     uint16
	Checksum   uint16 // unused
	Urgent     uint16 // unused
}

// EncodeTCPHeader marshals a TCPHeader.
func EncodeTCPHeader(h TCPHeader) []byte {
	buf := make([]byte, TCPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], h.DestPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = h.Offset
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	return buf
}

// DecodeTCPHeader unmarshals a TCPHeader.
func DecodeTCPHeader(data []byte) (TCPHeader, error) {
	if len(data) < TCPHeaderSize {
		return TCPHeader{}, fmt.Errorf("wire: short TCP subheader, need %d bytes, have %d", TCPHeaderSize, len(data))
	}
	return TCPHeader{
		SourcePort: binary.BigEndian.Uint16(data[0:2]),
		DestPort:   binary.BigEndian.Uint16(data[2:4]),
		Seq:        binary.BigEndian.Uint32(data[4:8]),
		Ack:        binary.BigEndian.Uint32(data[8:12]),
		Offset:     data[12],
		Flags:      data[13],
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		Urgent:     binary.BigEndian.Uint16(data[18:20]),
	}, nil
}

// HasFlags reports whether h's Flags field has exactly the given bits set.
func (h TCPHeader) HasFlags(mask uint8) bool {
	return h.Flags == mask
}
