package clientproto

import (
	"github.com/arwn/go-muxd/internal/wire"
	"github.com/arwn/go-muxd/internal/wire/plist"
)

// Result codes recognized by the client protocol.
const (
	ResultOK          uint32 = 0
	ResultBadCommand  uint32 = 1
	ResultBadDevice   uint32 = 2
	ResultConnRefused uint32 = 3
	ResultBadVersion  uint32 = 6
	ResultENOENT      uint32 = 7
)

// resultPlist is the plist-protocol result document.
type resultPlist struct {
	MessageType string `plist:"MessageType"`
	Number      uint32 `plist:"Number"`
}

// queueResult appends a RESULT reply for tag in the session's negotiated
// wire version.
func (s *Session) queueResult(tag uint32, code uint32) {
	s.out.Write(s.encodeResult(tag, code))
}

func (s *Session) encodeResult(tag uint32, code uint32) []byte {
	if s.version == wire.ClientVersionPlist {
		body, _ := plist.Encode(resultPlist{MessageType: "Result", Number: code}, plist.FormatBinary)
		return wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessagePlistPayload, Tag: tag, Body: body})
	}
	body := wire.EncodeResult(code)
	return wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessageResult, Tag: tag, Body: body})
}
