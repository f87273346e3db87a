package muxd

import (
	"context"
	"io"
	"sync"

	"github.com/arwn/go-muxd/internal/interfaces"
)

// MockTransport provides an in-memory implementation of
// interfaces.Transport for tests and examples. Bytes written with
// BulkWrite are collected for the test to inspect with DrainOutbound,
// and BulkRead returns bytes the test queued with QueueInbound, which
// lets tests drive a full mux handshake without a real USB device
// attached.
type MockTransport struct {
	mu     sync.Mutex
	ports  map[string]*mockPort
	notify func(interfaces.NotifyEvent)

	openCalls      int
	closeCalls     int
	bulkReadCalls  int
	bulkWriteCalls int
}

type mockPort struct {
	name      string
	location  uint32
	vendorID  uint16
	productID uint16
	serial    string
	strings   map[int]string
	// toDevice carries bytes written by the host (BulkWrite) so a test can
	// drain them as the "device side" of the loopback.
	toDevice chan []byte
	// fromDevice carries bytes queued by a test via QueueInbound, delivered
	// to the host on the next BulkRead.
	fromDevice chan []byte
	closed     bool
}

// NewMockTransport creates an empty mock transport. Use AddPort to make a
// port available for Open/Enumerate.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		ports: make(map[string]*mockPort),
	}
}

// AddPort registers a loopback port under the given name at the given
// USB location, ready to be opened. It does not fire an arrival
// notification; call SimulateArrival for that.
func (m *MockTransport) AddPort(name string, location uint32, vendorID, productID uint16, serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports[name] = &mockPort{
		name:       name,
		location:   location,
		vendorID:   vendorID,
		productID:  productID,
		serial:     serial,
		strings:    make(map[int]string),
		toDevice:   make(chan []byte, 64),
		fromDevice: make(chan []byte, 64),
	}
}

// SetStringDescriptor sets the text GetStringDescriptor returns for a
// given index on a port already added with AddPort.
func (m *MockTransport) SetStringDescriptor(portName string, index int, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.ports[portName]; ok {
		p.strings[index] = value
	}
}

// SimulateArrival invokes the registered notify callback with a
// NotifyArrival event for portName, as a real Transport would on USB hotplug.
func (m *MockTransport) SimulateArrival(portName string) {
	m.mu.Lock()
	cb := m.notify
	m.mu.Unlock()
	if cb != nil {
		cb(interfaces.NotifyEvent{Kind: interfaces.NotifyArrival, PortName: portName})
	}
}

// SimulateRemoval invokes the registered notify callback with a
// NotifyRemoval event for portName.
func (m *MockTransport) SimulateRemoval(portName string) {
	m.mu.Lock()
	cb := m.notify
	m.mu.Unlock()
	if cb != nil {
		cb(interfaces.NotifyEvent{Kind: interfaces.NotifyRemoval, PortName: portName})
	}
}

// QueueInbound enqueues bytes that the next BulkRead(s) on portName's
// handle will return, simulating data arriving from the device side.
func (m *MockTransport) QueueInbound(portName string, data []byte) {
	m.mu.Lock()
	p, ok := m.ports[portName]
	m.mu.Unlock()
	if !ok {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.fromDevice <- buf
}

// DrainOutbound blocks until at least one BulkWrite has occurred on
// portName's handle and returns the bytes written, simulating the device
// side consuming host output.
func (m *MockTransport) DrainOutbound(portName string) []byte {
	m.mu.Lock()
	p, ok := m.ports[portName]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return <-p.toDevice
}

// Open implements interfaces.Transport.
func (m *MockTransport) Open(portName string) (interfaces.OpenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++

	p, ok := m.ports[portName]
	if !ok {
		return interfaces.OpenResult{}, NewError("OPEN", ErrCodeTransportFailure, "unknown port: "+portName)
	}
	if p.closed {
		return interfaces.OpenResult{}, NewError("OPEN", ErrCodeTransportFailure, "port closed: "+portName)
	}
	return interfaces.OpenResult{
		Handle:           p,
		VendorID:         p.vendorID,
		ProductID:        p.productID,
		TurboCapable:     false,
		MaxPacketSizeOut: 16384,
		SerialNumber:     p.serial,
	}, nil
}

// Close implements interfaces.Transport.
func (m *MockTransport) Close(h interfaces.TransportHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	p, ok := h.(*mockPort)
	if !ok {
		return NewError("CLOSE", ErrCodeTransportFailure, "invalid handle")
	}
	p.closed = true
	return nil
}

// BulkRead implements interfaces.Transport.
func (m *MockTransport) BulkRead(ctx context.Context, h interfaces.TransportHandle, buf []byte) (int, error) {
	m.mu.Lock()
	m.bulkReadCalls++
	m.mu.Unlock()

	p, ok := h.(*mockPort)
	if !ok {
		return 0, NewError("BULK_READ", ErrCodeTransportFailure, "invalid handle")
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case data, open := <-p.fromDevice:
		if !open {
			return 0, io.EOF
		}
		n := copy(buf, data)
		return n, nil
	}
}

// BulkWrite implements interfaces.Transport.
func (m *MockTransport) BulkWrite(ctx context.Context, h interfaces.TransportHandle, buf []byte) (int, error) {
	m.mu.Lock()
	m.bulkWriteCalls++
	m.mu.Unlock()

	p, ok := h.(*mockPort)
	if !ok {
		return 0, NewError("BULK_WRITE", ErrCodeTransportFailure, "invalid handle")
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case p.toDevice <- out:
		return len(buf), nil
	}
}

// Enumerate implements interfaces.Transport.
func (m *MockTransport) Enumerate() ([]interfaces.PortInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []interfaces.PortInfo
	for _, p := range m.ports {
		if p.closed {
			continue
		}
		infos = append(infos, interfaces.PortInfo{Name: p.name, Location: p.location, ProductID: p.productID})
	}
	return infos, nil
}

// GetStringDescriptor implements interfaces.Transport.
func (m *MockTransport) GetStringDescriptor(h interfaces.TransportHandle, index int) (string, error) {
	p, ok := h.(*mockPort)
	if !ok {
		return "", NewError("GET_STRING", ErrCodeTransportFailure, "invalid handle")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return p.strings[index], nil
}

// SetNotifyFunc implements interfaces.Transport.
func (m *MockTransport) SetNotifyFunc(cb func(interfaces.NotifyEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = cb
}

// CallCounts returns the number of times each Transport method has been
// called, for test assertions.
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"open":       m.openCalls,
		"close":      m.closeCalls,
		"bulk_read":  m.bulkReadCalls,
		"bulk_write": m.bulkWriteCalls,
	}
}

// MockConfigStore is an in-memory interfaces.ConfigStore for tests.
type MockConfigStore struct {
	mu      sync.RWMutex
	buid    string
	records map[string][]byte
}

// NewMockConfigStore creates an in-memory config store seeded with buid.
func NewMockConfigStore(buid string) *MockConfigStore {
	return &MockConfigStore{
		buid:    buid,
		records: make(map[string][]byte),
	}
}

func (c *MockConfigStore) GetSystemBUID() (string, error) {
	return c.buid, nil
}

func (c *MockConfigStore) HasDeviceRecord(udid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.records[udid]
	return ok
}

func (c *MockConfigStore) GetDeviceRecord(udid string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.records[udid]
	if !ok {
		return nil, NewError("READ_PAIR_RECORD", ErrCodeDeviceNotFound, "no pair record for "+udid)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (c *MockConfigStore) SetDeviceRecord(udid string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.records[udid] = buf
	return nil
}

func (c *MockConfigStore) RemoveDeviceRecord(udid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, udid)
	return nil
}

func (c *MockConfigStore) GetDeviceRecordHostID(udid string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.records[udid]; !ok {
		return "", NewError("READ_PAIR_RECORD", ErrCodeDeviceNotFound, "no pair record for "+udid)
	}
	return c.buid, nil
}

// Compile-time interface checks
var (
	_ interfaces.Transport   = (*MockTransport)(nil)
	_ interfaces.ConfigStore = (*MockConfigStore)(nil)
)
