package clientproto

import (
	"github.com/arwn/go-muxd/internal/device"
	"github.com/arwn/go-muxd/internal/wire"
	"github.com/arwn/go-muxd/internal/wire/plist"
)

// NotifyAttach queues an ATTACH/Attached event for a newly visible
// device, tag=0.
func (s *Session) NotifyAttach(rec *device.Record) {
	if s.state != StateListen {
		return
	}
	s.out.Write(s.encodeAttach(rec))
}

// NotifyDetach queues a DETACH/Detached event, tag=0.
func (s *Session) NotifyDetach(deviceID uint32) {
	if s.state != StateListen {
		return
	}
	s.out.Write(s.encodeDetach(deviceID))
}

func (s *Session) encodeAttach(rec *device.Record) []byte {
	if s.version == wire.ClientVersionPlist {
		doc := struct {
			MessageType string         `plist:"MessageType"`
			DeviceID    uint32         `plist:"DeviceID"`
			Properties  map[string]any `plist:"Properties"`
		}{MessageType: "Attached", DeviceID: rec.ID, Properties: deviceProperties(rec)}
		body, _ := plist.Encode(doc, plist.FormatBinary)
		return wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessagePlistPayload, Tag: 0, Body: body})
	}

	var serial [256]byte
	copy(serial[:], rec.Serial)
	body := wire.EncodeAttachPayload(wire.AttachPayload{
		DeviceID:  rec.ID,
		Serial:    serial,
		Location:  rec.Location,
		ProductID: rec.ProductID,
	})
	return wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessageAttach, Tag: 0, Body: body})
}

func (s *Session) encodeDetach(deviceID uint32) []byte {
	if s.version == wire.ClientVersionPlist {
		doc := struct {
			MessageType string `plist:"MessageType"`
			DeviceID    uint32 `plist:"DeviceID"`
		}{MessageType: "Detached", DeviceID: deviceID}
		body, _ := plist.Encode(doc, plist.FormatBinary)
		return wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessagePlistPayload, Tag: 0, Body: body})
	}
	body := wire.EncodeDetachPayload(wire.DetachPayload{DeviceID: deviceID})
	return wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessageDetach, Tag: 0, Body: body})
}

// pairingEvent is the shared shape of the plist-only pairing-stage
// notifications: TrustPending, PasswordProtected,
// UserDeniedPairing, RemovedDuringAdd, ErrorDeviceAlreadyExists.
func (s *Session) pairingEvent(messageType string, deviceID uint32) {
	if s.state != StateListen || s.version != wire.ClientVersionPlist {
		return
	}
	doc := struct {
		MessageType string `plist:"MessageType"`
		DeviceID    uint32 `plist:"DeviceID"`
	}{MessageType: messageType, DeviceID: deviceID}
	body, _ := plist.Encode(doc, plist.FormatBinary)
	s.out.Write(wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessagePlistPayload, Tag: 0, Body: body}))
}

func (s *Session) NotifyTrustPending(deviceID uint32) { s.pairingEvent("TrustPending", deviceID) }
func (s *Session) NotifyPasswordProtected(deviceID uint32) {
	s.pairingEvent("PasswordProtected", deviceID)
}
func (s *Session) NotifyUserDeniedPairing(deviceID uint32) {
	s.pairingEvent("UserDeniedPairing", deviceID)
}
func (s *Session) NotifyRemovedDuringAdd(deviceID uint32) {
	s.pairingEvent("RemovedDuringAdd", deviceID)
}
func (s *Session) NotifyAlreadyExists(deviceID uint32) {
	s.pairingEvent("ErrorDeviceAlreadyExists", deviceID)
}
