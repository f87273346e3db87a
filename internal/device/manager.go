package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arwn/go-muxd/internal/interfaces"
)

// Manager owns the device list — a single mutex-protected registry —
// and serializes add/remove/monitor control-plane commands so only the
// reactor ever executes them.
type Manager struct {
	mu       sync.Mutex
	byID     map[uint32]*Record
	byLoc    map[uint32]*Record
	sessions map[uint32]*Session // device id -> its live mux Session
	nextID   uint32
	pending  map[uint32]bool // locations with an AddDevice request in flight

	autoMonitor map[uint32]bool // locations kept attached across departures

	transport interfaces.Transport
	preflight interfaces.Preflight
	logger    interfaces.Logger
	observer  interfaces.Observer

	maxFrame int
	usbMRU   int

	// OnDeviceSessionReady is invoked once a new Session is constructed
	// for a freshly arrived device, before the VERSION frame is sent, so
	// the reactor can register the device's read loop.
	OnDeviceSessionReady func(sess *Session)

	// OnDeviceRemoved is invoked after a device record is torn down and
	// removed from the registry.
	OnDeviceRemoved func(rec *Record)

	// OnRemovedDuringAdd is invoked, in place of OnDeviceRemoved's normal
	// detach notification, when a device is torn down while its preflight
	// was still in flight and it had never become visible — the plist
	// LISTEN broadcast for an add that never finished, rather than a
	// detach for a device clients never saw.
	OnRemovedDuringAdd func(deviceID uint32)

	// OnAlreadyExists is invoked when an AddDevice collision is not
	// suppressed by ShouldSuppressAlreadyExists, so the reactor can
	// broadcast ErrorDeviceAlreadyExists to plist LISTEN clients.
	OnAlreadyExists func(deviceID uint32)

	cmdMu    sync.Mutex
	cmdQueue []PendingCommand

	// OnEnqueue is invoked after a command is appended, so the reactor can
	// wake its poll loop instead of sleeping out the full default interval
	// before noticing the queue.
	OnEnqueue func()

	// OnCommandResult is invoked once a deferred command finishes, so the
	// client session that issued it (identified by ClientID) can queue
	// its reply. Set by the reactor glue, which is the only thing allowed
	// to call ProcessCommands.
	OnCommandResult func(clientID int, tag uint32, resultCode uint32)
}

// CommandKind enumerates the control-plane commands a client session
// can request but that must be executed from the reactor, not from
// inside the client-parsing path.
type CommandKind int

const (
	CmdAddDevice CommandKind = iota
	CmdRemoveDevice
	CmdSetMonitor
)

// PendingCommand is one queued control-plane request.
type PendingCommand struct {
	Kind     CommandKind
	Location uint32
	PortName string // resolved by the caller before enqueuing (ADDDEVICE)
	Auto     bool   // CmdSetMonitor only
	ClientID int
	Tag      uint32

	// Physical marks a CmdRemoveDevice raised by an actual USB departure
	// (transport notification or read failure) rather than an explicit
	// client REMOVEDEVICE request, so ProcessCommands honors
	// DEVICEMONITOR's AutoMonitor flag instead of always removing.
	Physical bool
}

// Enqueue appends a control-plane command for the reactor to process on
// its next iteration.
func (m *Manager) Enqueue(cmd PendingCommand) {
	m.cmdMu.Lock()
	m.cmdQueue = append(m.cmdQueue, cmd)
	m.cmdMu.Unlock()
	if m.OnEnqueue != nil {
		m.OnEnqueue()
	}
}

// ProcessCommands drains and executes every queued control-plane command,
// reporting each result through OnCommandResult. It must only be called
// from the reactor's single goroutine.
func (m *Manager) ProcessCommands() {
	m.cmdMu.Lock()
	queue := m.cmdQueue
	m.cmdQueue = nil
	m.cmdMu.Unlock()

	for _, cmd := range queue {
		var result uint32
		switch cmd.Kind {
		case CmdAddDevice:
			_, err := m.RequestAdd(cmd.PortName, cmd.Location)
			if err != nil {
				if m.ShouldSuppressAlreadyExists(err) {
					break
				}
				result = resultBadDevice
				if ae, ok := err.(*alreadyExistsError); ok && m.OnAlreadyExists != nil {
					m.OnAlreadyExists(ae.rec.ID)
				}
			}
		case CmdRemoveDevice:
			if cmd.Physical {
				m.HandleDeparture(cmd.Location)
			} else if err := m.RequestRemove(cmd.Location); err != nil {
				result = resultBadDevice
			}
		case CmdSetMonitor:
			m.SetAutoMonitor(cmd.Location, cmd.Auto)
		}
		if m.OnCommandResult != nil {
			m.OnCommandResult(cmd.ClientID, cmd.Tag, result)
		}
	}
}

// resultBadDevice mirrors clientproto.ResultBadDevice without creating an
// import cycle (clientproto already imports device).
const resultBadDevice uint32 = 2

// NewManager creates an empty device manager.
func NewManager(transport interfaces.Transport, preflight interfaces.Preflight, logger interfaces.Logger, observer interfaces.Observer, maxFrame, usbMRU int) *Manager {
	return &Manager{
		byID:        make(map[uint32]*Record),
		byLoc:       make(map[uint32]*Record),
		sessions:    make(map[uint32]*Session),
		pending:     make(map[uint32]bool),
		autoMonitor: make(map[uint32]bool),
		transport:   transport,
		preflight:   preflight,
		logger:      logger,
		observer:    observer,
		maxFrame:    maxFrame,
		usbMRU:      usbMRU,
	}
}

// RequestAdd opens portName at the given USB location and begins its mux
// session. A repeated request for a location whose Open is still in
// flight is coalesced into a no-op success (nil, nil), matching
// device.cpp's AddDevice request coalescing; a request for a location
// that is already registered (and not departed) returns an
// already-exists error, see ShouldSuppressAlreadyExists.
func (m *Manager) RequestAdd(portName string, location uint32) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.byLoc[location]; ok {
		existing.Lock()
		departed := existing.Departed
		existing.Unlock()
		m.mu.Unlock()
		if !departed {
			return nil, &alreadyExistsError{rec: existing}
		}
		// The location was kept registered across a USB departure per
		// DEVICEMONITOR's AutoMonitor flag; a fresh arrival
		// here is the same device coming back, so resume its identity
		// rather than minting a new one or erroring already-exists.
		return m.reattach(existing, portName)
	}
	if m.pending[location] {
		m.mu.Unlock()
		return nil, nil // coalesced: a request for this location is already in flight
	}
	m.pending[location] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, location)
		m.mu.Unlock()
	}()

	result, err := m.transport.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", portName, err)
	}

	m.mu.Lock()
	id := atomic.AddUint32(&m.nextID, 1)
	rec := NewRecord(id, location, result.ProductID, result.MaxPacketSizeOut, result.Handle, m.observer)
	rec.Serial = result.SerialNumber
	m.byID[id] = rec
	m.byLoc[location] = rec
	m.mu.Unlock()

	m.populateProductString(rec, result)

	sess := NewSession(rec, m.maxFrame, m.usbMRU, m.logger, m.preflight)
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	if m.OnDeviceSessionReady != nil {
		m.OnDeviceSessionReady(sess)
	}
	if m.observer != nil {
		m.observer.ObserveDeviceAttached(id)
	}
	return sess, nil
}

// reattach reopens portName for a record that departed while
// auto-monitored, reusing its existing id/visibility instead of
// allocating a new device.
func (m *Manager) reattach(rec *Record, portName string) (*Session, error) {
	result, err := m.transport.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("device: reopen %s: %w", portName, err)
	}

	rec.Lock()
	rec.Handle = result.Handle
	rec.MaxPacketSizeOut = result.MaxPacketSizeOut
	rec.ProductID = result.ProductID
	if result.SerialNumber != "" {
		rec.Serial = result.SerialNumber
	}
	rec.Departed = false
	rec.State = StateInit
	rec.Unlock()

	m.populateProductString(rec, result)

	sess := NewSession(rec, m.maxFrame, m.usbMRU, m.logger, m.preflight)
	m.mu.Lock()
	m.sessions[rec.ID] = sess
	m.mu.Unlock()
	if m.OnDeviceSessionReady != nil {
		m.OnDeviceSessionReady(sess)
	}
	if m.logger != nil {
		m.logger.Info("device reattached", "device", rec.ID, "location", rec.Location)
	}
	return sess, nil
}

// populateProductString resolves and caches a device's USB product
// string so later LISTDEVICES/Attached broadcasts don't re-query the
// transport.
func (m *Manager) populateProductString(rec *Record, result interfaces.OpenResult) {
	if result.ProductIndex == 0 {
		return
	}
	product, err := m.transport.GetStringDescriptor(result.Handle, result.ProductIndex)
	if err != nil || product == "" {
		return
	}
	rec.Lock()
	rec.ProductString = product
	rec.Unlock()
}

// alreadyExistsError signals the Open Question resolution: a
// device-already-exists notification is suppressed whenever a record
// for that location is already visible or has a preflight worker in
// flight, matching device.cpp's is_preflight_worker_running guard. The
// preflight window runs from the VERSION handshake completing (when
// Preflight.Begin is called) to preflight completion; a record that has
// arrived but not finished its VERSION handshake is not suppressed.
type alreadyExistsError struct {
	rec *Record
}

func (e *alreadyExistsError) Error() string {
	return fmt.Sprintf("device: already exists at location %#x", e.rec.Location)
}

// ShouldSuppressAlreadyExists reports whether an AddDevice collision
// should be suppressed rather than surfaced to the requesting client as
// ErrorDeviceAlreadyExists.
func (m *Manager) ShouldSuppressAlreadyExists(err error) bool {
	ae, ok := err.(*alreadyExistsError)
	if !ok {
		return false
	}
	ae.rec.Lock()
	defer ae.rec.Unlock()
	return ae.rec.Visible || ae.rec.PreflightActive
}

// RequestRemove unconditionally tears down the device at location, if
// any — the explicit REMOVEDEVICE path, which always
// removes regardless of DEVICEMONITOR's AutoMonitor flag since the
// client is asking for it by name. Physical USB departures go through
// HandleDeparture instead, which honors AutoMonitor.
func (m *Manager) RequestRemove(location uint32) error {
	m.mu.Lock()
	rec, ok := m.byLoc[location]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.remove(rec)
	return nil
}

// HandleDeparture processes a physical USB departure at location. If
// the location is not auto-monitored, it is removed exactly like an
// explicit REMOVEDEVICE. If it is auto-monitored (DEVICEMONITOR's
// AutoMonitor=true), the record is kept registered and marked Departed
// instead, so
// a later RequestAdd for the same location resumes it rather than
// minting a new device or erroring already-exists. Reports whether the
// device was actually removed, so callers know whether to notify
// LISTEN clients of a detach.
func (m *Manager) HandleDeparture(location uint32) (removed bool) {
	m.mu.Lock()
	rec, ok := m.byLoc[location]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if !m.IsAutoMonitored(location) {
		m.remove(rec)
		return true
	}

	m.mu.Lock()
	delete(m.sessions, rec.ID)
	m.mu.Unlock()

	rec.Lock()
	preflightActive := rec.PreflightActive
	rec.Departed = true
	rec.PreflightActive = false
	rec.Unlock()

	if preflightActive && m.preflight != nil {
		m.preflight.Cancel(rec.ID)
	}
	if m.transport != nil {
		_ = m.transport.Close(rec.Handle)
	}
	if m.logger != nil {
		m.logger.Info("device departed, kept attached by auto-monitor", "device", rec.ID, "location", location)
	}
	return false
}

// remove fully tears down rec: deregisters it, closes its transport
// handle, and fires the removal callbacks.
func (m *Manager) remove(rec *Record) {
	m.mu.Lock()
	delete(m.byLoc, rec.Location)
	delete(m.byID, rec.ID)
	delete(m.sessions, rec.ID)
	m.mu.Unlock()

	rec.Lock()
	preflightActive := rec.PreflightActive
	removedDuringAdd := preflightActive && !rec.Visible
	rec.State = StateDead
	rec.Unlock()

	if preflightActive && m.preflight != nil {
		m.preflight.Cancel(rec.ID)
	}
	if m.transport != nil {
		_ = m.transport.Close(rec.Handle)
	}
	if m.observer != nil {
		m.observer.ObserveDeviceDetached(rec.ID)
	}
	if removedDuringAdd && m.OnRemovedDuringAdd != nil {
		m.OnRemovedDuringAdd(rec.ID)
	}
	if m.OnDeviceRemoved != nil {
		m.OnDeviceRemoved(rec)
	}
}

// SetAutoMonitor configures whether location stays attached across USB
// departures (DEVICEMONITOR).
func (m *Manager) SetAutoMonitor(location uint32, auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if auto {
		m.autoMonitor[location] = true
	} else {
		delete(m.autoMonitor, location)
	}
}

// IsAutoMonitored reports whether location is configured to stay
// attached across USB departures.
func (m *Manager) IsAutoMonitored(location uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoMonitor[location]
}

// List returns the currently registered devices. includeHidden
// controls whether non-visible devices are included
// (MCE_INCLUDE_HIDDEN_DEVICES).
func (m *Manager) List(includeHidden bool) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.byID {
		if includeHidden || rec.IsVisible() {
			out = append(out, rec)
		}
	}
	return out
}

// Get returns the device record with the given id, if any.
func (m *Manager) Get(id uint32) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	return rec, ok
}

// GetByLocation returns the device record at the given USB location, if any.
func (m *Manager) GetByLocation(location uint32) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byLoc[location]
	return rec, ok
}

// GetSession returns the live mux Session for a device id, if any. Used
// by the client-protocol layer to drive a CONNECT's SYN onto the wire.
func (m *Manager) GetSession(id uint32) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}
