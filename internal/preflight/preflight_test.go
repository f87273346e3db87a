package preflight

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeCallback struct {
	ready  int32
	failed int32
}

func (f *fakeCallback) Ready()             { atomic.AddInt32(&f.ready, 1) }
func (f *fakeCallback) Failed(error)       { atomic.AddInt32(&f.failed, 1) }
func (f *fakeCallback) TrustPending()      {}
func (f *fakeCallback) PasswordProtected() {}
func (f *fakeCallback) UserDeniedPairing() {}

func TestAutoAcceptSignalsReadyAfterDelay(t *testing.T) {
	a := NewAutoAccept(5 * time.Millisecond)
	cb := &fakeCallback{}

	a.Begin(1, "udid-1", cb)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&cb.ready) == 1
	}, 200*time.Millisecond, time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&cb.failed))
}

func TestAutoAcceptCancelSuppressesReady(t *testing.T) {
	a := NewAutoAccept(50 * time.Millisecond)
	cb := &fakeCallback{}

	a.Begin(2, "udid-2", cb)
	a.Cancel(2)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&cb.ready), "a cancelled preflight must never call Ready")
}

func TestAutoAcceptCancelUnknownDeviceIsNoop(t *testing.T) {
	a := NewAutoAccept(time.Millisecond)
	assert.NotPanics(t, func() { a.Cancel(999) })
}
