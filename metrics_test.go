package muxd

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.FramesRX != 0 || snap.FramesTX != 0 {
		t.Errorf("Expected 0 initial frames, got rx=%d tx=%d", snap.FramesRX, snap.FramesTX)
	}

	m.RecordFrameRX(2, 1024) // SETUP frame, 1KB
	m.RecordFrameTX(2, 512)
	m.RecordFrameRX(1, 64) // CONTROL frame

	snap = m.Snapshot()

	if snap.FramesRX != 2 {
		t.Errorf("Expected 2 rx frames, got %d", snap.FramesRX)
	}
	if snap.FramesTX != 1 {
		t.Errorf("Expected 1 tx frame, got %d", snap.FramesTX)
	}
	if snap.BytesFromClient != 1088 {
		t.Errorf("Expected 1088 bytes from client, got %d", snap.BytesFromClient)
	}
	if snap.BytesToClient != 512 {
		t.Errorf("Expected 512 bytes to client, got %d", snap.BytesToClient)
	}
}

func TestMetricsConnectionLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordConnectionOpened(1)
	m.RecordConnectionOpened(1)
	m.RecordConnectionClosed(1, "closed")

	snap := m.Snapshot()

	if snap.ConnectionsOpened != 2 {
		t.Errorf("Expected 2 connections opened, got %d", snap.ConnectionsOpened)
	}
	if snap.ConnectionsClosed != 1 {
		t.Errorf("Expected 1 connection closed, got %d", snap.ConnectionsClosed)
	}
	if snap.ActiveConnections != 1 {
		t.Errorf("Expected 1 active connection, got %d", snap.ActiveConnections)
	}
	if snap.ConnectionErrors != 0 {
		t.Errorf("Expected 0 connection errors for a clean close, got %d", snap.ConnectionErrors)
	}

	m.RecordConnectionClosed(1, "refused")
	snap = m.Snapshot()
	if snap.ConnectionErrors != 1 {
		t.Errorf("Expected 1 connection error after a refused close, got %d", snap.ConnectionErrors)
	}
}

func TestMetricsDeviceLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordDeviceAttached(1)
	m.RecordDeviceAttached(2)
	m.RecordDeviceDetached(1)

	snap := m.Snapshot()

	if snap.DevicesAttached != 2 {
		t.Errorf("Expected 2 devices attached, got %d", snap.DevicesAttached)
	}
	if snap.DevicesDetached != 1 {
		t.Errorf("Expected 1 device detached, got %d", snap.DevicesDetached)
	}
	if snap.ActiveDevices != 1 {
		t.Errorf("Expected 1 active device, got %d", snap.ActiveDevices)
	}
}

func TestMetricsAckLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordAckLatency(1_000_000) // 1ms
	m.RecordAckLatency(2_000_000) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgAckLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg ack latency %d ns, got %d ns", expectedAvgNs, snap.AvgAckLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordFrameRX(2, 1024)
	m.RecordConnectionOpened(1)
	m.RecordDeviceAttached(1)

	snap := m.Snapshot()
	if snap.FramesRX == 0 {
		t.Error("Expected some frames before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.FramesRX != 0 {
		t.Errorf("Expected 0 frames after reset, got %d", snap.FramesRX)
	}
	if snap.ConnectionsOpened != 0 {
		t.Errorf("Expected 0 connections after reset, got %d", snap.ConnectionsOpened)
	}
	if snap.DevicesAttached != 0 {
		t.Errorf("Expected 0 devices after reset, got %d", snap.DevicesAttached)
	}
}

func TestObserver(t *testing.T) {
	observer := NoOpObserver{}
	observer.ObserveFrameRX(2, 1024)
	observer.ObserveFrameTX(2, 1024)
	observer.ObserveConnectionOpened(1)
	observer.ObserveConnectionClosed(1, "closed")
	observer.ObserveBytesToClient(10)
	observer.ObserveBytesFromClient(10)
	observer.ObserveDeviceAttached(1)
	observer.ObserveDeviceDetached(1)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveFrameRX(2, 1024)
	metricsObserver.ObserveFrameTX(2, 2048)
	metricsObserver.ObserveConnectionOpened(1)
	metricsObserver.ObserveDeviceAttached(1)

	snap := m.Snapshot()
	if snap.FramesRX != 1 {
		t.Errorf("Expected 1 rx frame from observer, got %d", snap.FramesRX)
	}
	if snap.FramesTX != 1 {
		t.Errorf("Expected 1 tx frame from observer, got %d", snap.FramesTX)
	}
	if snap.ConnectionsOpened != 1 {
		t.Errorf("Expected 1 connection opened from observer, got %d", snap.ConnectionsOpened)
	}
	if snap.DevicesAttached != 1 {
		t.Errorf("Expected 1 device attached from observer, got %d", snap.DevicesAttached)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordAckLatency(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordAckLatency(5_000_000) // 5ms
	}
	m.RecordAckLatency(50_000_000) // 50ms

	snap := m.Snapshot()

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
