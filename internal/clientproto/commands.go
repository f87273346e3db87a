package clientproto

import (
	"os"
	"strings"

	"github.com/arwn/go-muxd/internal/device"
	"github.com/arwn/go-muxd/internal/wire"
	"github.com/arwn/go-muxd/internal/wire/plist"
)

// dispatch routes one fully-framed command to its handler.
func (s *Session) dispatch(env wire.Envelope) error {
	if env.Version == wire.ClientVersionPlist {
		return s.dispatchPlist(env)
	}
	return s.dispatchBinary(env)
}

func (s *Session) dispatchBinary(env wire.Envelope) error {
	switch env.Message {
	case wire.MessageListen:
		s.handleListen(env.Tag)
	case wire.MessageConnect:
		cp, err := wire.DecodeConnectPayload(env.Body)
		if err != nil {
			s.queueResult(env.Tag, ResultBadCommand)
			return nil
		}
		s.BeginConnect(env.Tag, cp.DeviceID, cp.Port)
	default:
		s.queueResult(env.Tag, ResultBadCommand)
	}
	return nil
}

// dict is the generic tagged-value view of a decoded plist command:
// accessors return the zero value and false on a missing key or type
// mismatch, both treated as recoverable bad-command conditions by
// callers.
type dict map[string]any

func (d dict) asString(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

func (d dict) asUint32(key string) (uint32, bool) {
	switch v := d[key].(type) {
	case uint64:
		return uint32(v), true
	case int64:
		return uint32(v), true
	case uint32:
		return v, true
	case float64:
		return uint32(v), true
	default:
		return 0, false
	}
}

func (d dict) asBool(key string) (bool, bool) {
	v, ok := d[key].(bool)
	return v, ok
}

func (d dict) asData(key string) ([]byte, bool) {
	v, ok := d[key].([]byte)
	return v, ok
}

func (s *Session) dispatchPlist(env wire.Envelope) error {
	var d dict
	if err := plist.Decode(env.Body, &d); err != nil {
		s.queueResult(env.Tag, ResultBadCommand)
		return nil
	}
	msgType, ok := d.asString("MessageType")
	if !ok {
		s.queueResult(env.Tag, ResultBadCommand)
		return nil
	}

	switch msgType {
	case "Listen":
		s.handleListen(env.Tag)
	case "Connect":
		deviceID, ok1 := d.asUint32("DeviceID")
		port, ok2 := d.asUint32("PortNumber")
		if !ok1 || !ok2 {
			s.queueResult(env.Tag, ResultBadCommand)
			return nil
		}
		// PortNumber arrives already in network byte order and
		// must be byte-swapped before use.
		s.BeginConnect(env.Tag, deviceID, swap16(uint16(port)))
	case "ListDevices":
		s.handleListDevices(env.Tag)
	case "ReadBUID":
		s.handleReadBUID(env.Tag)
	case "ReadPairRecord":
		id, _ := d.asString("PairRecordID")
		s.handleReadPairRecord(env.Tag, id)
	case "SavePairRecord":
		id, _ := d.asString("PairRecordID")
		data, _ := d.asData("PairRecordData")
		bundleID, _ := d.asString("BundleID")
		s.handleSavePairRecord(env.Tag, id, data, bundleID)
	case "DeletePairRecord":
		id, _ := d.asString("PairRecordID")
		s.handleDeletePairRecord(env.Tag, id)
	case "AddDevice":
		loc, ok := d.asUint32("DeviceLocation")
		if !ok {
			s.queueResult(env.Tag, ResultBadCommand)
			return nil
		}
		s.handleAddDevice(env.Tag, loc)
	case "RemoveDevice":
		loc, ok := d.asUint32("DeviceLocation")
		if !ok {
			s.queueResult(env.Tag, ResultBadCommand)
			return nil
		}
		s.handleRemoveDevice(env.Tag, loc)
	case "DeviceMonitor":
		loc, ok1 := d.asUint32("DeviceLocation")
		auto, ok2 := d.asBool("AutoMonitor")
		if !ok1 || !ok2 {
			s.queueResult(env.Tag, ResultBadCommand)
			return nil
		}
		s.Devices.Enqueue(device.PendingCommand{Kind: device.CmdSetMonitor, Location: loc, Auto: auto, ClientID: s.ID, Tag: env.Tag})
	default:
		s.queueResult(env.Tag, ResultBadCommand)
	}
	return nil
}

func swap16(v uint16) uint16 { return v<<8 | v>>8 }

func (s *Session) handleListen(tag uint32) {
	s.state = StateListen
	s.queueResult(tag, ResultOK)
	for _, rec := range s.Devices.List(false) {
		s.out.Write(s.encodeAttach(rec))
	}
}

func (s *Session) handleListDevices(tag uint32) {
	includeHidden := s.includeHidden || os.Getenv("MCE_INCLUDE_HIDDEN_DEVICES") == "true"
	recs := s.Devices.List(includeHidden)

	type deviceEntry struct {
		DeviceID    uint32         `plist:"DeviceID"`
		MessageType string         `plist:"MessageType"`
		Properties  map[string]any `plist:"Properties"`
	}
	entries := make([]deviceEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, deviceEntry{
			DeviceID:    rec.ID,
			MessageType: "Attached",
			Properties:  deviceProperties(rec),
		})
	}
	doc := struct {
		DeviceList []deviceEntry `plist:"DeviceList"`
	}{DeviceList: entries}

	body, _ := plist.Encode(doc, plist.FormatBinary)
	s.out.Write(wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessagePlistPayload, Tag: tag, Body: body}))
}

func (s *Session) handleReadBUID(tag uint32) {
	if s.Config == nil {
		s.queueResult(tag, ResultBadCommand)
		return
	}
	buid, err := s.Config.GetSystemBUID()
	if err != nil {
		s.queueResult(tag, ResultBadCommand)
		return
	}
	doc := struct {
		BUID string `plist:"BUID"`
	}{BUID: buid}
	body, _ := plist.Encode(doc, plist.FormatBinary)
	s.out.Write(wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessagePlistPayload, Tag: tag, Body: body}))
}

func (s *Session) handleReadPairRecord(tag uint32, id string) {
	id = strings.ReplaceAll(id, "-", "")
	if s.Config == nil {
		s.queueResult(tag, ResultENOENT)
		return
	}
	data, err := s.Config.GetDeviceRecord(id)
	if err != nil || len(data) == 0 {
		s.queueResult(tag, ResultENOENT)
		return
	}
	var record dict
	if err := plist.Decode(data, &record); err != nil {
		s.queueResult(tag, ResultENOENT)
		return
	}
	for _, required := range []string{"DeviceCertificate", "HostID", "SystemBUID"} {
		if _, ok := record[required]; !ok {
			s.queueResult(tag, ResultENOENT)
			return
		}
	}
	doc := struct {
		PairRecordData []byte `plist:"PairRecordData"`
	}{PairRecordData: data}
	body, _ := plist.Encode(doc, plist.FormatBinary)
	s.out.Write(wire.EncodeEnvelope(wire.Envelope{Version: s.version, Message: wire.MessagePlistPayload, Tag: tag, Body: body}))
}

func (s *Session) handleSavePairRecord(tag uint32, id string, data []byte, bundleID string) {
	id = strings.ReplaceAll(id, "-", "")
	if bundleID == "org.libimobiledevice.usbmuxd" && s.Config != nil {
		_ = s.Config.SetDeviceRecord(id, data)
	}
	s.queueResult(tag, ResultOK)
}

func (s *Session) handleDeletePairRecord(tag uint32, id string) {
	id = strings.ReplaceAll(id, "-", "")
	if s.Config != nil {
		_ = s.Config.RemoveDeviceRecord(id)
	}
	s.queueResult(tag, ResultOK)
}

// handleAddDevice resolves the USB location to a port name synchronously
// (a cheap lookup against the out-of-scope USB transport) but defers the
// actual mount to the reactor's control-plane command queue rather than
// opening the transport from inside the client parse path.
func (s *Session) handleAddDevice(tag uint32, location uint32) {
	if rec, known := s.Devices.GetByLocation(location); known && !rec.IsDeparted() {
		// Already live in the registry: RequestAdd resolves this as
		// already-exists on its own, so there's no need to pay for a
		// transport Enumerate just to find a port name it won't use. A
		// departed (auto-monitored) record still needs a real port name
		// to reopen the transport, so that case falls through below.
		s.Devices.Enqueue(device.PendingCommand{Kind: device.CmdAddDevice, Location: location, ClientID: s.ID, Tag: tag})
		return
	}
	if s.ResolvePort == nil {
		s.queueResult(tag, ResultBadCommand)
		return
	}
	portName, err := s.ResolvePort(location)
	if err != nil {
		s.queueResult(tag, ResultBadDevice)
		return
	}
	s.Devices.Enqueue(device.PendingCommand{Kind: device.CmdAddDevice, Location: location, PortName: portName, ClientID: s.ID, Tag: tag})
}

func (s *Session) handleRemoveDevice(tag uint32, location uint32) {
	s.Devices.Enqueue(device.PendingCommand{Kind: device.CmdRemoveDevice, Location: location, ClientID: s.ID, Tag: tag})
}

// CompleteDeferredCommand queues the reply for a control-plane command
// that was executed asynchronously by the reactor via Devices.Enqueue.
// resultCode of 0 (ResultOK) reports success.
func (s *Session) CompleteDeferredCommand(tag uint32, resultCode uint32) {
	s.queueResult(tag, resultCode)
}

// deviceProperties builds the plist Properties dict attached to
// Attached notifications and LISTDEVICES entries.
func deviceProperties(rec *device.Record) map[string]any {
	props := map[string]any{
		"LocationID":      rec.Location,
		"ConnectionType":  "USB",
		"ConnectionSpeed": uint64(480000000),
		"SerialNumber":    rec.Serial,
		"ProductID":       rec.ProductID,
	}
	if rec.ProductString != "" {
		props["ProductString"] = rec.ProductString
	}
	return props
}
