// Package preflight provides a default implementation of the device-
// trust/pairing-preflight collaborator: the lockdown handshake and
// pair-record verification a real iOS device requires before it is
// usable. The handshake itself lives outside this module; this package
// supplies the minimal worker-backed stand-in the core needs to
// exercise interfaces.Preflight end to end — one worker per device that
// eventually calls back Ready() (or Failed()), run off the reactor
// goroutine.
package preflight

import (
	"sync"
	"time"

	"github.com/arwn/go-muxd/internal/interfaces"
)

// AutoAccept is an interfaces.Preflight that signals Ready() for every
// device after a fixed settle delay, as if pairing/trust had already
// been established — the path taken when a device's pair record already
// validates against the SystemBUID without any user interaction. Embedding binaries that need
// the real lockdown handshake provide their own interfaces.Preflight;
// AutoAccept is what cmd/muxd wires by default and what tests use
// through Manager's preflight dependency injection.
type AutoAccept struct {
	// Delay is how long Begin waits before calling Ready(). Zero means
	// "next tick" (Ready is still called from Begin's goroutine, via
	// time.After(0)).
	Delay time.Duration

	mu      sync.Mutex
	cancels map[uint32]chan struct{}
}

// NewAutoAccept creates an AutoAccept preflight with the given settle
// delay.
func NewAutoAccept(delay time.Duration) *AutoAccept {
	return &AutoAccept{Delay: delay, cancels: make(map[uint32]chan struct{})}
}

// Begin starts the (trivial) preflight worker for deviceID, matching
// interfaces.Preflight.Begin.
func (a *AutoAccept) Begin(deviceID uint32, udid string, cb interfaces.PreflightCallback) {
	stop := make(chan struct{})
	a.mu.Lock()
	if a.cancels == nil {
		a.cancels = make(map[uint32]chan struct{})
	}
	a.cancels[deviceID] = stop
	a.mu.Unlock()

	go func() {
		select {
		case <-time.After(a.Delay):
			cb.Ready()
		case <-stop:
		}
	}()
}

// Cancel aborts a still-pending preflight worker for deviceID, matching
// interfaces.Preflight.Cancel (e.g. the device departed mid-handshake).
func (a *AutoAccept) Cancel(deviceID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stop, ok := a.cancels[deviceID]; ok {
		close(stop)
		delete(a.cancels, deviceID)
	}
}

var _ interfaces.Preflight = (*AutoAccept)(nil)
