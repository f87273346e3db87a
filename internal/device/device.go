// Package device owns the per-device mux session: state machine,
// VERSION/SETUP handshake, reassembly, and the connection
// table dispatch into internal/vconn. It also owns the control-plane
// Manager that serializes device add/remove commands and interfaces
// with the external preflight collaborator.
package device

import (
	"sync"

	"github.com/arwn/go-muxd/internal/constants"
	"github.com/arwn/go-muxd/internal/interfaces"
	"github.com/arwn/go-muxd/internal/vconn"
)

// State is a device's mux-session lifecycle state.
type State int

const (
	StateInit State = iota
	StateActive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Record is a device's mux-session state: identity, handshake progress,
// sequence counters, reassembly buffer, and connection table.
type Record struct {
	mu sync.Mutex

	ID        uint32
	Location  uint32
	Serial    string // UDID
	ProductID uint16

	// ProductString caches the USB product descriptor so repeated
	// LISTDEVICES/ATTACH broadcasts don't re-query the transport on
	// every listener.
	ProductString string

	State   State
	Visible bool
	Version int // negotiated mux protocol major version (1 or 2)

	TxSeq uint16
	RxSeq uint16 // last-received-peer sequence

	reassembly []byte

	NextSourcePort uint16
	Connections    map[uint16]*vconn.Connection

	Handle          interfaces.TransportHandle
	PreflightActive bool // true from Preflight.Begin (after the VERSION reply) through preflight completion

	// Departed is true when this location's USB transport has gone away
	// but DEVICEMONITOR's AutoMonitor flag asked the control plane to
	// keep it attached rather than tear it down; the record
	// stays registered and resumes the same identity on the next
	// RequestAdd for this location instead of erroring already-exists.
	Departed bool

	// MaxPacketSizeOut is the OUT endpoint's max-packet size, reported by
	// the transport at Open. The reactor uses it to decide when an
	// outbound frame needs a trailing zero-length packet.
	MaxPacketSizeOut int

	Observer interfaces.Observer
}

// NewRecord creates a device record in INIT state, freshly arrived.
func NewRecord(id uint32, location uint32, productID uint16, maxPacketSizeOut int, handle interfaces.TransportHandle, observer interfaces.Observer) *Record {
	return &Record{
		ID:               id,
		Location:         location,
		ProductID:        productID,
		MaxPacketSizeOut: maxPacketSizeOut,
		State:            StateInit,
		NextSourcePort:   constants.FirstSourcePort,
		Connections:      make(map[uint16]*vconn.Connection),
		reassembly:       make([]byte, 0, constants.DeviceMRU),
		Handle:           handle,
		Observer:         observer,
	}
}

// Lock/Unlock expose the record's mutex to the owning Session so
// session logic and connection-table mutation stay under a single
// critical section.
func (r *Record) Lock()   { r.mu.Lock() }
func (r *Record) Unlock() { r.mu.Unlock() }

// AllocateSourcePort finds the next free source port for a new
// connection on this device. Caller must
// hold r's lock.
func (r *Record) AllocateSourcePort() (uint16, bool) {
	used := make(map[uint16]bool, len(r.Connections))
	for p := range r.Connections {
		used[p] = true
	}
	port, ok := vconn.FindSourcePort(used, r.NextSourcePort)
	if ok {
		r.NextSourcePort = port + 1
		if r.NextSourcePort == 0 {
			r.NextSourcePort = constants.FirstSourcePort
		}
	}
	return port, ok
}

// SetVisible marks the device visible to LISTEN clients; add/remove
// events are only emitted to clients once a device is visible. It is
// invoked by the preflight callback glue.
func (r *Record) SetVisible(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Visible = v
}

// IsVisible reports the device's current visibility.
func (r *Record) IsVisible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Visible
}

// IsDeparted reports whether this record is an auto-monitored location
// waiting for its device to come back, rather
// than a live, currently-open device.
func (r *Record) IsDeparted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Departed
}
