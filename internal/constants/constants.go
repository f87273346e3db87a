// Package constants holds the fixed sizes and timeouts that govern the mux
// wire protocol and the virtual-connection engine.
package constants

import "time"

// Wire-protocol limits.
const (
	// USBMRU is the maximum size of a single USB bulk transfer the transport
	// is expected to return in one read.
	USBMRU = 16384

	// USBMTU is the largest mux frame the host will ever send or accept.
	USBMTU = 49152

	// DeviceMRU is the size of a device's reassembly buffer.
	DeviceMRU = 65536

	// MuxMagic is the 32-bit magic stamped into version>=2 mux headers.
	MuxMagic = 0xFEEDFACE

	// HeaderSizeV1 is the mux frame header size for protocol version 1.
	HeaderSizeV1 = 8

	// HeaderSizeV2 is the mux frame header size for protocol version 2.
	HeaderSizeV2 = 16
)

// Virtual-connection defaults.
const (
	// InboundBufferCapacity is the capacity of a connection's
	// device->client byte buffer.
	InboundBufferCapacity = 262144

	// OutboundBufferCapacity is the capacity of a connection's
	// client->device byte buffer.
	OutboundBufferCapacity = 65536

	// MaxVirtualConnections bounds find_sport: ports 1..65535 are usable,
	// port 0 is reserved to signal allocation failure.
	MaxVirtualConnections = 65535
)

// Client-session defaults.
const (
	// ClientInboundBufferCapacity bounds a single framed command.
	ClientInboundBufferCapacity = 65536

	// ClientOutboundInitialCapacity is the starting size of a client's
	// outbound buffer; it grows in ClientOutboundGrowQuantum steps.
	ClientOutboundInitialCapacity = 65536

	// ClientOutboundGrowQuantum is the growth increment for the client
	// outbound buffer once the initial capacity is exhausted.
	ClientOutboundGrowQuantum = 4096

	// ClientSocketBufferSize is the SO_RCVBUF/SO_SNDBUF value applied to
	// every accepted client socket.
	ClientSocketBufferSize = 65536

	// ClientOutboundHighWaterMark is the outbound-buffer fill level above
	// which a client session is considered backpressured: the reactor
	// should stop reading further commands from it until the buffer
	// drains.
	ClientOutboundHighWaterMark = ClientOutboundInitialCapacity
)

// Timing constants for the ACK-coalescing policy and reactor poll
// loop.
const (
	// AckTimeout is the maximum time a pending ACK may be coalesced before
	// the reactor forces it out.
	AckTimeout = 30 * time.Millisecond

	// DefaultPollInterval upper-bounds the reactor's poll timeout when no
	// connection has a pending ACK.
	DefaultPollInterval = 100 * time.Second

	// ShutdownDrainWait is how long the reactor waits for a final USB
	// flush after a shutdown signal before giving up.
	ShutdownDrainWait = 100 * time.Millisecond

	// DeviceWorkerStopTimeout bounds how long a device's background USB
	// worker is given to exit before being treated as stuck.
	DeviceWorkerStopTimeout = 3000 * time.Millisecond
)

// Protocol version and device-id defaults.
const (
	// HostVersionMajor/HostVersionMinor are sent in the host's initial
	// VERSION frame.
	HostVersionMajor = 1
	HostVersionMinor = 0

	// FirstSourcePort is where a device's source-port allocator starts.
	FirstSourcePort = 1
)
