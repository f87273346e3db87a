// Package reactor implements the single-threaded cooperative event
// dispatcher. It owns no protocol state itself — that lives in
// device.Manager and each clientproto.Session — and instead fans
// reads/writes across the loopback listener, per-device USB read loops,
// and the ACK-coalescing timer onto one goroutine.
//
// Every USB bulk read and every client-socket read runs on its own
// goroutine and posts its result back over a channel; all mutation of
// shared state happens on the single goroutine running Run, which keeps
// the cooperative single-threaded semantics without a raw poller.
package reactor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arwn/go-muxd/internal/clientproto"
	"github.com/arwn/go-muxd/internal/constants"
	"github.com/arwn/go-muxd/internal/device"
	"github.com/arwn/go-muxd/internal/interfaces"
	"github.com/arwn/go-muxd/internal/vconn"
)

// connKey identifies a virtual connection by the pair a CONNECT waits on.
type connKey struct {
	deviceID   uint32
	sourcePort uint16
}

// usbEvent is one completed (or failed) device bulk read, posted by a
// deviceReadLoop goroutine.
type usbEvent struct {
	deviceID uint32
	data     []byte
	err      error
}

// clientEvent is one completed (or failed) client-socket read, posted by
// a clientReadLoop goroutine.
type clientEvent struct {
	id   int
	data []byte
	err  error
}

// pairingEvent is one plist-only pairing-stage notification,
// posted by a device's preflight worker goroutine for the reactor to
// broadcast to LISTEN clients on its own goroutine.
type pairingEvent struct {
	deviceID uint32
	kind     string
}

// deviceWorker tracks the background read loop and cancelation for one
// attached device's USB handle.
type deviceWorker struct {
	sess         *device.Session
	handle       interfaces.TransportHandle
	maxPacketOut int
	cancel       context.CancelFunc
}

// clientConn is one accepted client socket paired with its protocol
// session.
type clientConn struct {
	id   int
	conn net.Conn
	sess *clientproto.Session

	readReq     chan int
	readPending bool
}

// Reactor is the central event dispatcher.
type Reactor struct {
	Devices   *device.Manager
	Config    interfaces.ConfigStore
	Transport interfaces.Transport
	Logger    interfaces.Logger
	Observer  interfaces.Observer

	// IncludeHiddenDefault seeds new client sessions' includeHidden flag
	// before MCE_INCLUDE_HIDDEN_DEVICES is consulted per LISTDEVICES call.
	IncludeHiddenDefault bool

	// ResolvePort maps an ADDDEVICE/REMOVEDEVICE DeviceLocation to the
	// transport's port name; wired to every accepted client session.
	ResolvePort func(location uint32) (string, error)

	listener net.Listener
	ctx      context.Context

	mu         sync.Mutex
	clients    map[int]*clientConn
	nextClient int

	waitersMu sync.Mutex
	waiters   map[connKey]*clientproto.Session

	devicesMu  sync.Mutex
	devWorkers map[uint32]*deviceWorker

	acceptCh     chan net.Conn
	usbEvents    chan usbEvent
	clientEvents chan clientEvent
	visibleCh    chan uint32
	pairingCh    chan pairingEvent

	// wakeCh nudges Run out of its poll wait when a control-plane command
	// is enqueued from outside the reactor goroutine (a transport notify
	// callback, for instance), so the queue is drained promptly instead of
	// waiting out the full poll interval.
	wakeCh chan struct{}
}

// New wires a Reactor around the given listener and collaborators. It
// registers itself against Devices and Transport's callback hooks, so
// callers must not separately set Devices.OnDeviceSessionReady,
// Devices.OnCommandResult, or Transport.SetNotifyFunc.
func New(listener net.Listener, devices *device.Manager, config interfaces.ConfigStore, transport interfaces.Transport, logger interfaces.Logger, observer interfaces.Observer) *Reactor {
	r := &Reactor{
		Devices:      devices,
		Config:       config,
		Transport:    transport,
		Logger:       logger,
		Observer:     observer,
		listener:     listener,
		clients:      make(map[int]*clientConn),
		nextClient:   1, // 0 is reserved for transport-notify-originated commands with no waiting client
		waiters:      make(map[connKey]*clientproto.Session),
		devWorkers:   make(map[uint32]*deviceWorker),
		acceptCh:     make(chan net.Conn, 16),
		usbEvents:    make(chan usbEvent, 64),
		clientEvents: make(chan clientEvent, 256),
		visibleCh:    make(chan uint32, 16),
		pairingCh:    make(chan pairingEvent, 16),
		wakeCh:       make(chan struct{}, 1),
	}
	devices.OnDeviceSessionReady = r.registerDevice
	devices.OnEnqueue = r.wake
	devices.OnCommandResult = r.completeCommand
	devices.OnRemovedDuringAdd = func(deviceID uint32) { r.broadcastPairingEvent("RemovedDuringAdd", deviceID) }
	devices.OnAlreadyExists = func(deviceID uint32) { r.broadcastPairingEvent("ErrorDeviceAlreadyExists", deviceID) }
	if transport != nil {
		transport.SetNotifyFunc(r.handleUSBNotify)
	}
	return r
}

// Run drives the reactor until ctx is canceled: accept, compute the poll timeout from pending ACK
// deadlines, drain USB/client I/O as it completes, drain the deferred
// control-plane command queue, and sweep expired ACKs.
func (r *Reactor) Run(ctx context.Context) error {
	r.ctx = ctx
	go r.acceptLoop(ctx)

	for {
		timeout := r.computeTimeout()
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case conn := <-r.acceptCh:
			r.acceptClient(conn)
		case ev := <-r.usbEvents:
			r.handleUSBEvent(ev)
		case ev := <-r.clientEvents:
			r.handleClientEvent(ev)
		case devID := <-r.visibleCh:
			r.broadcastAttach(devID)
		case pe := <-r.pairingCh:
			r.broadcastPairingEvent(pe.kind, pe.deviceID)
		case <-r.wakeCh:
		case <-time.After(timeout):
			r.sweepACKs()
		}
		r.Devices.ProcessCommands()
		r.pumpReadiness()
	}
}

// wake nudges Run's select without blocking; a wake already pending is
// enough.
func (r *Reactor) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Reactor) acceptLoop(ctx context.Context) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if r.Logger != nil {
				r.Logger.Warn("accept error", "err", err.Error())
			}
			continue
		}
		select {
		case r.acceptCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (r *Reactor) acceptClient(conn net.Conn) {
	tuneSocket(conn)

	r.mu.Lock()
	id := r.nextClient
	r.nextClient++
	cc := &clientConn{
		id:      id,
		conn:    conn,
		sess:    clientproto.NewSession(id, r.Devices, r.Config, r.Logger, r.IncludeHiddenDefault),
		readReq: make(chan int, 1),
	}
	cc.sess.ResolvePort = r.ResolvePort
	r.clients[id] = cc
	r.mu.Unlock()

	go r.clientReadLoop(cc)
}

func (r *Reactor) clientReadLoop(cc *clientConn) {
	buf := make([]byte, 65536)
	for n := range cc.readReq {
		if n <= 0 {
			n = 1
		}
		if n > len(buf) {
			n = len(buf)
		}
		nn, err := cc.conn.Read(buf[:n])
		var data []byte
		if nn > 0 {
			data = append([]byte(nil), buf[:nn]...)
		}
		r.clientEvents <- clientEvent{id: cc.id, data: data, err: err}
		if err != nil {
			return
		}
	}
}

// requestRead asks the client's read goroutine for up to the number of
// bytes the session is currently prepared to accept, if a read is not
// already outstanding.
func (r *Reactor) requestRead(cc *clientConn) {
	if cc.readPending {
		return
	}
	n := 0
	switch cc.sess.State() {
	case clientproto.StateCommand, clientproto.StateListen:
		if cc.sess.Backpressured() {
			return
		}
		n = 4096
	case clientproto.StateConnected:
		if cc.sess.Conn == nil {
			return
		}
		n = cc.sess.Conn.Sendable()
		if n > 65536 {
			n = 65536
		}
	default:
		return // CONNECTING1/CONNECTING2/DEAD: nothing to read yet
	}
	if n <= 0 {
		return
	}
	cc.readPending = true
	select {
	case cc.readReq <- n:
	default:
		cc.readPending = false
	}
}

// flushClient writes any pending outbound command replies, and for a
// CONNECTED session, flushes whatever of the inbound (device->client)
// buffer it can.
func (r *Reactor) flushClient(cc *clientConn) {
	if out := cc.sess.PendingOutbound(); len(out) > 0 {
		n, err := cc.conn.Write(out)
		if n > 0 {
			cc.sess.DiscardOutbound(n)
		}
		if err != nil {
			r.teardownClient(cc, "client write error")
			return
		}
	}

	if cc.sess.State() != clientproto.StateConnected || cc.sess.Conn == nil {
		return
	}
	conn := cc.sess.Conn
	if !conn.WantWritable() {
		return
	}
	data := conn.PeekOutboundForFlush(65536)
	if len(data) == 0 {
		return
	}
	_ = cc.conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	n, err := cc.conn.Write(data)
	_ = cc.conn.SetWriteDeadline(time.Time{})
	if n > 0 {
		if conn.AfterClientDrain(n, constants.USBMTU) {
			r.emitAckNow(conn)
		}
		if r.Observer != nil {
			r.Observer.ObserveBytesToClient(n)
		}
	}
	if err != nil {
		r.teardownConn(conn, "client write error")
	}
}

func (r *Reactor) emitAckNow(conn *vconn.Connection) {
	sess, ok := r.Devices.GetSession(conn.DeviceID)
	if !ok {
		return
	}
	rec, ok := r.Devices.Get(conn.DeviceID)
	if !ok {
		return
	}
	rec.Lock()
	frame := sess.SendTCP(conn.BuildAckFrame(), nil)
	rec.Unlock()
	_ = r.writeUSB(conn.DeviceID, frame)
}

func (r *Reactor) pumpReadiness() {
	r.mu.Lock()
	ccs := make([]*clientConn, 0, len(r.clients))
	for _, cc := range r.clients {
		ccs = append(ccs, cc)
	}
	r.mu.Unlock()

	for _, cc := range ccs {
		r.flushClient(cc)
		r.requestRead(cc)
	}
}

func (r *Reactor) handleClientEvent(ev clientEvent) {
	r.mu.Lock()
	cc, ok := r.clients[ev.id]
	r.mu.Unlock()
	if !ok {
		return
	}
	cc.readPending = false

	if ev.err != nil {
		r.teardownClient(cc, "client read error")
		return
	}
	if len(ev.data) == 0 {
		return
	}

	if cc.sess.State() == clientproto.StateConnected && cc.sess.Conn != nil {
		conn := cc.sess.Conn
		th := conn.OnClientReadable(ev.data)
		sess, ok := r.Devices.GetSession(conn.DeviceID)
		rec, recOK := r.Devices.Get(conn.DeviceID)
		if ok && recOK {
			rec.Lock()
			frame := sess.SendTCP(th, ev.data)
			rec.Unlock()
			_ = r.writeUSB(conn.DeviceID, frame)
		}
		if r.Observer != nil {
			r.Observer.ObserveBytesFromClient(len(ev.data))
		}
		return
	}

	if err := cc.sess.FeedInbound(ev.data); err != nil {
		r.teardownClient(cc, "framing error")
		return
	}
	if cc.sess.State() == clientproto.StateConnecting1 {
		devID, sport := cc.sess.PendingKey()
		r.waitersMu.Lock()
		r.waiters[connKey{devID, sport}] = cc.sess
		r.waitersMu.Unlock()
		if syn := cc.sess.PendingSYN(); syn != nil {
			_ = r.writeUSB(devID, syn)
		}
	}
}

// writeUSB ships frame to deviceID's transport handle, following with a
// trailing zero-length packet when frame's length is a nonzero multiple
// of the OUT endpoint's max-packet size.
func (r *Reactor) writeUSB(deviceID uint32, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	r.devicesMu.Lock()
	dw, ok := r.devWorkers[deviceID]
	r.devicesMu.Unlock()
	if !ok {
		return fmt.Errorf("reactor: write to unknown device %d", deviceID)
	}

	n, err := r.Transport.BulkWrite(r.ctx, dw.handle, frame)
	if err != nil {
		return err
	}
	if r.Observer != nil {
		r.Observer.ObserveFrameTX(0, n)
	}
	if dw.maxPacketOut > 0 && len(frame)%dw.maxPacketOut == 0 {
		_, _ = r.Transport.BulkWrite(r.ctx, dw.handle, nil)
	}
	return nil
}

// registerDevice is Devices.OnDeviceSessionReady: it starts the device's
// background USB read loop and sends the initial VERSION frame.
func (r *Reactor) registerDevice(sess *device.Session) {
	sess.OnConnected = r.handleConnected
	sess.OnClosed = r.handleClosed
	sess.OnVisible = r.handleVisible
	sess.OnPairingEvent = r.handlePairingEvent

	ctx, cancel := context.WithCancel(r.ctx)
	dw := &deviceWorker{sess: sess, handle: sess.Rec.Handle, maxPacketOut: sess.Rec.MaxPacketSizeOut, cancel: cancel}

	r.devicesMu.Lock()
	r.devWorkers[sess.Rec.ID] = dw
	r.devicesMu.Unlock()

	go r.deviceReadLoop(ctx, sess)

	_ = r.writeUSB(sess.Rec.ID, sess.BuildVersionFrame())
}

func (r *Reactor) deviceReadLoop(ctx context.Context, sess *device.Session) {
	buf := make([]byte, constants.USBMRU)
	for {
		n, err := r.Transport.BulkRead(ctx, sess.Rec.Handle, buf)
		if err != nil {
			select {
			case r.usbEvents <- usbEvent{deviceID: sess.Rec.ID, err: err}:
			case <-ctx.Done():
			}
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case r.usbEvents <- usbEvent{deviceID: sess.Rec.ID, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reactor) handleUSBEvent(ev usbEvent) {
	r.devicesMu.Lock()
	dw, ok := r.devWorkers[ev.deviceID]
	r.devicesMu.Unlock()
	if !ok {
		return
	}

	if ev.err != nil {
		r.teardownDevice(ev.deviceID, ev.err)
		return
	}

	outs, err := dw.sess.OnUSBRead(ev.data)
	if err != nil {
		r.teardownDevice(ev.deviceID, err)
		return
	}
	if r.Observer != nil {
		r.Observer.ObserveFrameRX(0, len(ev.data))
	}
	for _, out := range outs {
		_ = r.writeUSB(ev.deviceID, out)
	}
}

func (r *Reactor) handleVisible(deviceID uint32) {
	select {
	case r.visibleCh <- deviceID:
	case <-r.ctx.Done():
	}
}

func (r *Reactor) broadcastAttach(deviceID uint32) {
	rec, ok := r.Devices.Get(deviceID)
	if !ok || !rec.IsVisible() {
		return
	}
	r.mu.Lock()
	for _, cc := range r.clients {
		if cc.sess.State() == clientproto.StateListen {
			cc.sess.NotifyAttach(rec)
		}
	}
	r.mu.Unlock()
}

// handlePairingEvent is device.Session.OnPairingEvent: it runs on the
// preflight collaborator's own worker goroutine, so it only hands the
// event off onto the reactor's single goroutine via pairingCh rather than
// touching r.clients directly (preflight always runs off the reactor
// goroutine).
func (r *Reactor) handlePairingEvent(deviceID uint32, kind string) {
	select {
	case r.pairingCh <- pairingEvent{deviceID: deviceID, kind: kind}:
	case <-r.ctx.Done():
	}
}

// broadcastPairingEvent fans one plist-only pairing-stage notification
// (TrustPending, PasswordProtected, UserDeniedPairing, RemovedDuringAdd,
// ErrorDeviceAlreadyExists) out to every LISTEN client.
// Must only run on the reactor's single goroutine.
func (r *Reactor) broadcastPairingEvent(kind string, deviceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cc := range r.clients {
		if cc.sess.State() != clientproto.StateListen {
			continue
		}
		switch kind {
		case "TrustPending":
			cc.sess.NotifyTrustPending(deviceID)
		case "PasswordProtected":
			cc.sess.NotifyPasswordProtected(deviceID)
		case "UserDeniedPairing":
			cc.sess.NotifyUserDeniedPairing(deviceID)
		case "RemovedDuringAdd":
			cc.sess.NotifyRemovedDuringAdd(deviceID)
		case "ErrorDeviceAlreadyExists":
			cc.sess.NotifyAlreadyExists(deviceID)
		}
	}
}

// handleConnected is device.Session.OnConnected: it resolves whichever
// client session is waiting on this (device, source port) pair.
func (r *Reactor) handleConnected(conn *vconn.Connection) {
	key := connKey{conn.DeviceID, conn.SourcePort}
	r.waitersMu.Lock()
	sess, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.waitersMu.Unlock()
	if !ok {
		return
	}
	sess.ResolveConnect(conn)
	if r.Observer != nil {
		r.Observer.ObserveConnectionOpened(conn.DeviceID)
	}
}

// handleClosed is device.Session.OnClosed: it either aborts a still-
// pending CONNECT or tears down the CONNECTED client socket that owned
// the connection.
func (r *Reactor) handleClosed(conn *vconn.Connection, reason string) {
	key := connKey{conn.DeviceID, conn.SourcePort}
	r.waitersMu.Lock()
	sess, waiting := r.waiters[key]
	if waiting {
		delete(r.waiters, key)
	}
	r.waitersMu.Unlock()
	if waiting {
		sess.AbortConnect(reason)
		return
	}

	r.mu.Lock()
	var dead *clientConn
	for id, cc := range r.clients {
		if cc.sess.Conn == conn {
			dead = cc
			delete(r.clients, id)
			break
		}
	}
	r.mu.Unlock()
	if dead == nil {
		return
	}
	dead.sess.Close()
	_ = dead.conn.Close()
	close(dead.readReq)
	if r.Observer != nil {
		r.Observer.ObserveConnectionClosed(conn.DeviceID, reason)
	}
}

// teardownConn tears down one CONNECTED client's virtual connection
// (e.g. after a failed client-socket write) and notifies the device side.
func (r *Reactor) teardownConn(conn *vconn.Connection, reason string) {
	rec, ok := r.Devices.Get(conn.DeviceID)
	if ok {
		rec.Lock()
		delete(rec.Connections, conn.SourcePort)
		rec.Unlock()
	}
	if sendRST := conn.Teardown(false); sendRST {
		if sess, ok := r.Devices.GetSession(conn.DeviceID); ok && rec != nil {
			rec.Lock()
			frame := sess.SendTCP(conn.RSTHeader(), nil)
			rec.Unlock()
			_ = r.writeUSB(conn.DeviceID, frame)
		}
	}
}

func (r *Reactor) teardownClient(cc *clientConn, reason string) {
	if cc.sess.State() == clientproto.StateConnected && cc.sess.Conn != nil {
		r.teardownConn(cc.sess.Conn, reason)
	} else if cc.sess.State() == clientproto.StateConnecting1 {
		devID, sport := cc.sess.PendingKey()
		r.waitersMu.Lock()
		delete(r.waiters, connKey{devID, sport})
		r.waitersMu.Unlock()
		if rec, ok := r.Devices.Get(devID); ok {
			rec.Lock()
			c, exists := rec.Connections[sport]
			if exists {
				delete(rec.Connections, sport)
			}
			rec.Unlock()
			if exists {
				if sendRST := c.Teardown(false); sendRST {
					if sess, ok := r.Devices.GetSession(devID); ok {
						rec.Lock()
						frame := sess.SendTCP(c.RSTHeader(), nil)
						rec.Unlock()
						_ = r.writeUSB(devID, frame)
					}
				}
			}
		}
	}

	cc.sess.Close()
	_ = cc.conn.Close()
	r.mu.Lock()
	delete(r.clients, cc.id)
	r.mu.Unlock()
	close(cc.readReq)
	if r.Observer != nil {
		r.Observer.ObserveConnectionClosed(0, reason)
	}
}

// teardownDevice tears down every connection belonging to a device whose
// USB transport failed. It removes the device from the registry and
// notifies LISTEN clients only if DEVICEMONITOR's AutoMonitor flag
// doesn't keep the location attached across this departure; an
// auto-monitored location stays registered (HandleDeparture) and
// silently awaits the device's return instead.
func (r *Reactor) teardownDevice(deviceID uint32, cause error) {
	rec, ok := r.Devices.Get(deviceID)
	if !ok {
		return
	}

	rec.Lock()
	conns := make([]*vconn.Connection, 0, len(rec.Connections))
	for _, c := range rec.Connections {
		conns = append(conns, c)
	}
	rec.Connections = make(map[uint16]*vconn.Connection)
	wasVisible := rec.Visible
	rec.Unlock()

	for _, c := range conns {
		c.Teardown(true)
		r.handleClosed(c, "device removed")
	}

	removed := r.Devices.HandleDeparture(rec.Location)

	r.devicesMu.Lock()
	if dw, ok := r.devWorkers[deviceID]; ok {
		dw.cancel()
		delete(r.devWorkers, deviceID)
	}
	r.devicesMu.Unlock()

	if removed && wasVisible {
		r.mu.Lock()
		for _, cc := range r.clients {
			if cc.sess.State() == clientproto.StateListen {
				cc.sess.NotifyDetach(deviceID)
			}
		}
		r.mu.Unlock()
	}
	if r.Logger != nil && cause != nil {
		r.Logger.Warn("device transport failure", "device", deviceID, "err", cause.Error())
	}
}

// handleUSBNotify is Transport.SetNotifyFunc's callback: it resolves the
// arriving/departing port to a USB location via Enumerate and defers the
// actual add/remove to the control-plane command queue, the same path a
// client's ADDDEVICE/REMOVEDEVICE takes. ClientID 0 means no
// client session is waiting on the reply.
func (r *Reactor) handleUSBNotify(ev interfaces.NotifyEvent) {
	ports, err := r.Transport.Enumerate()
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("enumerate failed", "err", err.Error())
		}
		return
	}
	var location uint32
	found := false
	for _, p := range ports {
		if p.Name == ev.PortName {
			location = p.Location
			found = true
			break
		}
	}
	if !found {
		return
	}

	switch ev.Kind {
	case interfaces.NotifyArrival:
		r.Devices.Enqueue(device.PendingCommand{Kind: device.CmdAddDevice, Location: location, PortName: ev.PortName})
	case interfaces.NotifyRemoval:
		r.Devices.Enqueue(device.PendingCommand{Kind: device.CmdRemoveDevice, Location: location, Physical: true})
	}
}

// completeCommand is Devices.OnCommandResult: it routes a deferred
// ADDDEVICE/REMOVEDEVICE/DEVICEMONITOR result back to the client session
// that requested it, if any is still connected.
func (r *Reactor) completeCommand(clientID int, tag uint32, resultCode uint32) {
	if clientID == 0 {
		return
	}
	r.mu.Lock()
	cc, ok := r.clients[clientID]
	r.mu.Unlock()
	if !ok {
		return
	}
	cc.sess.CompleteDeferredCommand(tag, resultCode)
}

// computeTimeout returns how long Run's select may wait before the next
// ACK-sweep pass, bounded by the soonest pending ACK deadline across
// every connection of every attached device.
func (r *Reactor) computeTimeout() time.Duration {
	min := constants.DefaultPollInterval
	now := time.Now()

	r.devicesMu.Lock()
	dws := make([]*deviceWorker, 0, len(r.devWorkers))
	for _, dw := range r.devWorkers {
		dws = append(dws, dw)
	}
	r.devicesMu.Unlock()

	for _, dw := range dws {
		dw.sess.Rec.Lock()
		conns := make([]*vconn.Connection, 0, len(dw.sess.Rec.Connections))
		for _, c := range dw.sess.Rec.Connections {
			conns = append(conns, c)
		}
		dw.sess.Rec.Unlock()

		for _, c := range conns {
			remaining := c.TimeUntilAckDeadline(constants.AckTimeout, now)
			if remaining >= 0 && remaining < min {
				min = remaining
			}
		}
	}
	return min
}

// sweepACKs forces out any ACK that has been coalescing longer than
// constants.AckTimeout.
func (r *Reactor) sweepACKs() {
	now := time.Now()

	r.devicesMu.Lock()
	dws := make([]*deviceWorker, 0, len(r.devWorkers))
	for _, dw := range r.devWorkers {
		dws = append(dws, dw)
	}
	r.devicesMu.Unlock()

	for _, dw := range dws {
		dw.sess.Rec.Lock()
		conns := make([]*vconn.Connection, 0, len(dw.sess.Rec.Connections))
		for _, c := range dw.sess.Rec.Connections {
			conns = append(conns, c)
		}
		dw.sess.Rec.Unlock()

		for _, c := range conns {
			if !c.AckDeadlineExpired(constants.AckTimeout, now) {
				continue
			}
			dw.sess.Rec.Lock()
			frame := dw.sess.SendTCP(c.BuildAckFrame(), nil)
			dw.sess.Rec.Unlock()
			_ = r.writeUSB(dw.sess.Rec.ID, frame)
		}
	}
}

func (r *Reactor) shutdown() {
	r.mu.Lock()
	for _, cc := range r.clients {
		_ = cc.conn.Close()
	}
	r.mu.Unlock()

	r.devicesMu.Lock()
	for _, dw := range r.devWorkers {
		dw.cancel()
	}
	r.devicesMu.Unlock()

	_ = r.listener.Close()
	time.Sleep(constants.ShutdownDrainWait)
}
