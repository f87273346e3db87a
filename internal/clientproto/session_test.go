package clientproto

import (
	"testing"

	"github.com/arwn/go-muxd/internal/device"
	"github.com/arwn/go-muxd/internal/wire"
)

type fakeConfigStore struct {
	buid    string
	records map[string][]byte
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{buid: "DEADBEEF-0000-0000-0000-000000000000", records: map[string][]byte{}}
}

func (f *fakeConfigStore) GetSystemBUID() (string, error) { return f.buid, nil }
func (f *fakeConfigStore) HasDeviceRecord(udid string) bool {
	_, ok := f.records[udid]
	return ok
}
func (f *fakeConfigStore) GetDeviceRecord(udid string) ([]byte, error) { return f.records[udid], nil }
func (f *fakeConfigStore) SetDeviceRecord(udid string, data []byte) error {
	f.records[udid] = data
	return nil
}
func (f *fakeConfigStore) RemoveDeviceRecord(udid string) error {
	delete(f.records, udid)
	return nil
}
func (f *fakeConfigStore) GetDeviceRecordHostID(udid string) (string, error) { return "", nil }

func newTestManager() *device.Manager {
	return device.NewManager(nil, nil, nil, nil, 49152, 16384)
}

func envelopeBytes(version, message, tag uint32, body []byte) []byte {
	return wire.EncodeEnvelope(wire.Envelope{Version: version, Message: message, Tag: tag, Body: body})
}

func TestListenTransitionsAndRepliesOK(t *testing.T) {
	s := NewSession(1, newTestManager(), newFakeConfigStore(), nil, false)

	frame := envelopeBytes(wire.ClientVersionBinary, wire.MessageListen, 1, nil)
	if err := s.FeedInbound(frame); err != nil {
		t.Fatalf("FeedInbound: %v", err)
	}
	if s.State() != StateListen {
		t.Fatalf("expected LISTEN, got %v", s.State())
	}

	out := s.PendingOutbound()
	env, _, err := wire.DecodeEnvelope(out, 1<<20)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	code, err := wire.DecodeResult(env.Body)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if code != ResultOK {
		t.Errorf("expected OK, got %d", code)
	}
}

func TestBadVersionIsNonFatal(t *testing.T) {
	s := NewSession(1, newTestManager(), newFakeConfigStore(), nil, false)
	frame := envelopeBytes(5, wire.MessageListen, 1, nil)
	if err := s.FeedInbound(frame); err != nil {
		t.Fatalf("FeedInbound: %v", err)
	}
	if s.State() != StateCommand {
		t.Fatalf("expected to remain in COMMAND, got %v", s.State())
	}
	env, _, _ := wire.DecodeEnvelope(s.PendingOutbound(), 1<<20)
	code, _ := wire.DecodeResult(env.Body)
	if code != ResultBadVersion {
		t.Errorf("expected BADVERSION, got %d", code)
	}
}

func TestOutOfStateCommandIsBadCommand(t *testing.T) {
	s := NewSession(1, newTestManager(), newFakeConfigStore(), nil, false)
	s.state = StateConnected

	frame := envelopeBytes(wire.ClientVersionBinary, wire.MessageListen, 1, nil)
	if err := s.FeedInbound(frame); err != nil {
		t.Fatalf("FeedInbound: %v", err)
	}
	env, _, _ := wire.DecodeEnvelope(s.PendingOutbound(), 1<<20)
	code, _ := wire.DecodeResult(env.Body)
	if code != ResultBadCommand {
		t.Errorf("expected BADCOMMAND, got %d", code)
	}
}

func TestOversizedDeclaredLengthIsFatal(t *testing.T) {
	s := NewSession(1, newTestManager(), newFakeConfigStore(), nil, false)
	buf := make([]byte, wire.EnvelopeHeaderSize)
	buf[0] = 0x7F // huge declared length in the first byte of a big-endian u32
	if err := s.FeedInbound(buf); err == nil {
		t.Fatal("expected a fatal error for an out-of-bounds declared length")
	}
}

func TestConnectBadDeviceRepliesBadDevice(t *testing.T) {
	s := NewSession(1, newTestManager(), newFakeConfigStore(), nil, false)
	body := wire.EncodeConnectPayload(wire.ConnectPayload{DeviceID: 99, Port: 0x0305})
	frame := envelopeBytes(wire.ClientVersionBinary, wire.MessageConnect, 7, body)

	if err := s.FeedInbound(frame); err != nil {
		t.Fatalf("FeedInbound: %v", err)
	}
	env, _, _ := wire.DecodeEnvelope(s.PendingOutbound(), 1<<20)
	code, _ := wire.DecodeResult(env.Body)
	if code != ResultBadDevice {
		t.Errorf("expected BADDEV, got %d", code)
	}
}

func TestReadBUIDReturnsConfiguredValue(t *testing.T) {
	cfg := newFakeConfigStore()
	s := NewSession(1, newTestManager(), cfg, nil, false)
	s.version = wire.ClientVersionPlist
	s.versionSet = true

	s.handleReadBUID(3)
	if s.out.Len() == 0 {
		t.Fatal("expected a queued reply")
	}
}

func TestDiscardOutboundEntersConnectedOnDrain(t *testing.T) {
	s := NewSession(1, newTestManager(), newFakeConfigStore(), nil, false)
	s.state = StateConnecting2
	s.out.Write([]byte("hello"))

	s.DiscardOutbound(5)
	if s.State() != StateConnected {
		t.Fatalf("expected CONNECTED after full drain, got %v", s.State())
	}
}
