// Package interfaces provides internal interface definitions for go-muxd.
// These are separate from the public interfaces to avoid circular imports
// between the main package and internal packages.
package interfaces

import "context"

// TransportHandle is an opaque reference to an open USB port, owned by
// whatever Transport implementation issued it.
type TransportHandle interface{}

// NotifyKind enumerates the events a Transport reports through its
// notification callback.
type NotifyKind int

const (
	NotifyArrival NotifyKind = iota
	NotifyRemoval
)

// NotifyEvent is delivered to the callback registered with
// Transport.SetNotifyFunc whenever a port appears or disappears.
type NotifyEvent struct {
	Kind     NotifyKind
	PortName string
}

// OpenResult carries everything a caller needs after a successful Open.
type OpenResult struct {
	Handle           TransportHandle
	VendorID         uint16
	ProductID        uint16
	TurboCapable     bool
	MaxPacketSizeOut int

	// SerialNumber is the device's USB serial string (the UDID for
	// iOS-family devices), resolved by the transport at Open so the
	// device record and the preflight collaborator never have to query
	// descriptors themselves.
	SerialNumber string

	// ProductIndex is the USB string descriptor index (iProduct) to pass
	// to GetStringDescriptor for this device's product name, or 0 if the
	// device has none. The caller uses it once, at registration, to
	// populate device.Record.ProductString.
	ProductIndex int
}

// Transport is the USB bulk-transport contract. It is a deliberately
// external collaborator: go-muxd never opens a USB device
// itself, it only drives this interface. See transport/gousb for a
// concrete adapter and the root package's muxd.MockTransport (testing.go)
// for an in-memory implementation used by tests and examples.
type Transport interface {
	// Open claims the mux interface on the named port and returns a handle
	// plus the negotiated descriptors.
	Open(portName string) (OpenResult, error)

	// Close releases a handle obtained from Open.
	Close(h TransportHandle) error

	// BulkRead blocks until at least one USB bulk transfer completes on
	// the IN endpoint, or ctx is canceled. It returns the number of bytes
	// placed into buf; a short read (less than len(buf)) is a normal
	// transfer boundary, not an error.
	BulkRead(ctx context.Context, h TransportHandle, buf []byte) (int, error)

	// BulkWrite submits buf as a single, atomically-shipped bulk
	// transfer on the OUT endpoint. Short writes are an error.
	BulkWrite(ctx context.Context, h TransportHandle, buf []byte) (int, error)

	// Enumerate lists the currently attached mux-capable ports.
	Enumerate() ([]PortInfo, error)

	// GetStringDescriptor resolves a USB string descriptor index (e.g.
	// iProduct) to its text.
	GetStringDescriptor(h TransportHandle, index int) (string, error)

	// SetNotifyFunc registers the callback invoked on device arrival and
	// removal. Only one callback is active at a time; a later call
	// replaces the prior registration.
	SetNotifyFunc(func(NotifyEvent))
}

// PortInfo describes one USB location a Transport knows about.
type PortInfo struct {
	Name      string
	Location  uint32
	ProductID uint16
}

// ConfigStore is the on-disk pairing-record and BUID collaborator. It
// never interprets record bytes beyond the plist envelope;
// policy (e.g. which keys a pair record must carry) lives in
// internal/clientproto.
type ConfigStore interface {
	GetSystemBUID() (string, error)
	HasDeviceRecord(udid string) bool
	GetDeviceRecord(udid string) ([]byte, error)
	SetDeviceRecord(udid string, data []byte) error
	RemoveDeviceRecord(udid string) error
	GetDeviceRecordHostID(udid string) (string, error)
}

// PreflightCallback is how the preflight collaborator reports the outcome
// of a device's trust handshake back to the device session that started
// it.
type PreflightCallback interface {
	// Ready is invoked once pairing/trust has completed successfully; the
	// device becomes visible to LISTEN clients after this call.
	Ready()
	// Failed is invoked if preflight cannot complete; the device session
	// logs and leaves the device non-visible.
	Failed(err error)
	// TrustPending, PasswordProtected and UserDeniedPairing surface
	// intermediate pairing-stage events that plist clients relay to
	// users.
	TrustPending()
	PasswordProtected()
	UserDeniedPairing()
}

// Preflight is the device-trust/pairing-preflight collaborator. It
// runs on its own worker and reports back through PreflightCallback.
type Preflight interface {
	Begin(deviceID uint32, udid string, cb PreflightCallback)
	Cancel(deviceID uint32)
}

// Logger is the narrow logging contract internal packages depend on, so
// that internal/logging remains swappable in tests.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer is the metrics-collection contract. Implementations must be
// thread-safe: methods are called from the reactor goroutine and from
// per-device USB worker goroutines.
type Observer interface {
	ObserveFrameRX(protocol uint32, bytes int)
	ObserveFrameTX(protocol uint32, bytes int)
	ObserveConnectionOpened(deviceID uint32)
	ObserveConnectionClosed(deviceID uint32, reason string)
	ObserveBytesToClient(n int)
	ObserveBytesFromClient(n int)
	ObserveDeviceAttached(deviceID uint32)
	ObserveDeviceDetached(deviceID uint32)
}
