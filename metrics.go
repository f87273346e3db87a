package muxd

import (
	"sync/atomic"
	"time"

	"github.com/arwn/go-muxd/internal/interfaces"
)

// LatencyBuckets defines latency histogram buckets in nanoseconds, used to
// track ACK round-trip time. Buckets cover from 100us to 1s.
var LatencyBuckets = []uint64{
	100_000,       // 100us
	1_000_000,     // 1ms
	10_000_000,    // 10ms
	30_000_000,    // 30ms (AckTimeout)
	100_000_000,   // 100ms
	1_000_000_000, // 1s
}

const numLatencyBuckets = 6

// Metrics tracks operational statistics for a running mux daemon.
type Metrics struct {
	// Frame counters, keyed loosely by mux protocol (VERSION/CONTROL/SETUP/TCP).
	FramesRX atomic.Uint64
	FramesTX atomic.Uint64

	// Byte counters for the client-facing side of the mux.
	BytesToClient   atomic.Uint64
	BytesFromClient atomic.Uint64

	// Virtual-connection lifecycle.
	ConnectionsOpened atomic.Uint64
	ConnectionsClosed atomic.Uint64
	ConnectionErrors  atomic.Uint64

	// Device lifecycle.
	DevicesAttached atomic.Uint64
	DevicesDetached atomic.Uint64

	// ACK round-trip latency tracking.
	TotalAckLatencyNs atomic.Uint64
	AckCount          atomic.Uint64
	LatencyBuckets    [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFrameRX records an inbound mux frame.
func (m *Metrics) RecordFrameRX(protocol uint32, bytes int) {
	m.FramesRX.Add(1)
	m.BytesFromClient.Add(uint64(bytes))
}

// RecordFrameTX records an outbound mux frame.
func (m *Metrics) RecordFrameTX(protocol uint32, bytes int) {
	m.FramesTX.Add(1)
	m.BytesToClient.Add(uint64(bytes))
}

// RecordConnectionOpened records a virtual connection entering CONNECTED.
func (m *Metrics) RecordConnectionOpened(deviceID uint32) {
	m.ConnectionsOpened.Add(1)
}

// RecordConnectionClosed records a virtual connection reaching DEAD.
func (m *Metrics) RecordConnectionClosed(deviceID uint32, reason string) {
	m.ConnectionsClosed.Add(1)
	if reason != "" && reason != "closed" {
		m.ConnectionErrors.Add(1)
	}
}

// RecordBytesToClient records bytes relayed from a device to a local client.
func (m *Metrics) RecordBytesToClient(n int) {
	m.BytesToClient.Add(uint64(n))
}

// RecordBytesFromClient records bytes relayed from a local client to a device.
func (m *Metrics) RecordBytesFromClient(n int) {
	m.BytesFromClient.Add(uint64(n))
}

// RecordDeviceAttached records a device becoming visible to clients.
func (m *Metrics) RecordDeviceAttached(deviceID uint32) {
	m.DevicesAttached.Add(1)
}

// RecordDeviceDetached records a device being removed.
func (m *Metrics) RecordDeviceDetached(deviceID uint32) {
	m.DevicesDetached.Add(1)
}

// RecordAckLatency records the round-trip time of a coalesced ACK.
func (m *Metrics) RecordAckLatency(latencyNs uint64) {
	m.TotalAckLatencyNs.Add(latencyNs)
	m.AckCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the multiplexer as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	FramesRX uint64
	FramesTX uint64

	BytesToClient   uint64
	BytesFromClient uint64

	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ConnectionErrors  uint64
	ActiveConnections int64

	DevicesAttached uint64
	DevicesDetached uint64
	ActiveDevices   int64

	AvgAckLatencyNs uint64
	UptimeNs        uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FramesRX:          m.FramesRX.Load(),
		FramesTX:          m.FramesTX.Load(),
		BytesToClient:     m.BytesToClient.Load(),
		BytesFromClient:   m.BytesFromClient.Load(),
		ConnectionsOpened: m.ConnectionsOpened.Load(),
		ConnectionsClosed: m.ConnectionsClosed.Load(),
		ConnectionErrors:  m.ConnectionErrors.Load(),
		DevicesAttached:   m.DevicesAttached.Load(),
		DevicesDetached:   m.DevicesDetached.Load(),
	}

	snap.ActiveConnections = int64(snap.ConnectionsOpened) - int64(snap.ConnectionsClosed)
	snap.ActiveDevices = int64(snap.DevicesAttached) - int64(snap.DevicesDetached)

	ackCount := m.AckCount.Load()
	if ackCount > 0 {
		snap.AvgAckLatencyNs = m.TotalAckLatencyNs.Load() / ackCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.FramesRX.Store(0)
	m.FramesTX.Store(0)
	m.BytesToClient.Store(0)
	m.BytesFromClient.Store(0)
	m.ConnectionsOpened.Store(0)
	m.ConnectionsClosed.Store(0)
	m.ConnectionErrors.Store(0)
	m.DevicesAttached.Store(0)
	m.DevicesDetached.Store(0)
	m.TotalAckLatencyNs.Store(0)
	m.AckCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements interfaces.Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFrameRX(protocol uint32, bytes int) {
	o.metrics.RecordFrameRX(protocol, bytes)
}

func (o *MetricsObserver) ObserveFrameTX(protocol uint32, bytes int) {
	o.metrics.RecordFrameTX(protocol, bytes)
}

func (o *MetricsObserver) ObserveConnectionOpened(deviceID uint32) {
	o.metrics.RecordConnectionOpened(deviceID)
}

func (o *MetricsObserver) ObserveConnectionClosed(deviceID uint32, reason string) {
	o.metrics.RecordConnectionClosed(deviceID, reason)
}

func (o *MetricsObserver) ObserveBytesToClient(n int) {
	o.metrics.RecordBytesToClient(n)
}

func (o *MetricsObserver) ObserveBytesFromClient(n int) {
	o.metrics.RecordBytesFromClient(n)
}

func (o *MetricsObserver) ObserveDeviceAttached(deviceID uint32) {
	o.metrics.RecordDeviceAttached(deviceID)
}

func (o *MetricsObserver) ObserveDeviceDetached(deviceID uint32) {
	o.metrics.RecordDeviceDetached(deviceID)
}

// NoOpObserver is a no-op Observer, useful when metrics are not wanted.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFrameRX(uint32, int)             {}
func (NoOpObserver) ObserveFrameTX(uint32, int)             {}
func (NoOpObserver) ObserveConnectionOpened(uint32)         {}
func (NoOpObserver) ObserveConnectionClosed(uint32, string) {}
func (NoOpObserver) ObserveBytesToClient(int)               {}
func (NoOpObserver) ObserveBytesFromClient(int)             {}
func (NoOpObserver) ObserveDeviceAttached(uint32)           {}
func (NoOpObserver) ObserveDeviceDetached(uint32)           {}

// Compile-time interface checks
var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = NoOpObserver{}
