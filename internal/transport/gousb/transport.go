// Package gousb adapts github.com/google/gousb to the
// interfaces.Transport contract: open the mux interface on a USB port,
// expose its bulk IN/OUT endpoints, and poll for arrival/removal. This
// is the "real" half of the deliberately external USB transport
// collaborator; tests and most of the tree exercise the engine against
// the in-memory MockTransport instead.
//
// gousb has no native hotplug-callback API, so arrival/removal is
// surfaced by polling Enumerate on an interval and diffing against the
// previously seen port set.
package gousb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/arwn/go-muxd/internal/interfaces"
)

// muxClass/muxSubclass/muxProtocol identify the mux interface on an
// attached device's last configuration.
const (
	muxClass    = 0xFF
	muxSubclass = 0xFE
	muxProtocol = 0x02
)

// PollInterval is how often the background poller re-enumerates the bus
// to detect arrival/removal when no native hotplug notification exists.
var PollInterval = 500 * time.Millisecond

// handle is the concrete interfaces.TransportHandle a Transport hands
// back from Open: the opened device plus its claimed mux interface and
// bulk endpoints.
type handle struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	outMPS int

	// product caches the device's product string, resolved once at Open.
	// gousb does not export the raw iProduct descriptor index, so the
	// adapter serves the cached value back under productStringIndex.
	product string
}

// productStringIndex is the synthetic descriptor index under which
// GetStringDescriptor returns the product string cached at Open.
const productStringIndex = 1

// Transport is a gousb-backed interfaces.Transport.
type Transport struct {
	ctx *gousb.Context

	mu     sync.Mutex
	notify func(interfaces.NotifyEvent)
	seen   map[string]bool

	stopPoll chan struct{}
}

// New opens a libusb context and starts the arrival/removal poller.
func New() *Transport {
	t := &Transport{
		ctx:      gousb.NewContext(),
		seen:     make(map[string]bool),
		stopPoll: make(chan struct{}),
	}
	go t.pollLoop()
	return t
}

// Shutdown releases the libusb context and stops polling. Not part of
// interfaces.Transport (whose Close only releases per-device handles);
// callers shut the whole transport down explicitly during process
// teardown.
func (t *Transport) Shutdown() error {
	close(t.stopPoll)
	return t.ctx.Close()
}

func (t *Transport) pollLoop() {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopPoll:
			return
		case <-ticker.C:
			t.pollOnce()
		}
	}
}

func (t *Transport) pollOnce() {
	ports, err := t.Enumerate()
	if err != nil {
		return
	}
	current := make(map[string]bool, len(ports))
	for _, p := range ports {
		current[p.Name] = true
	}

	t.mu.Lock()
	cb := t.notify
	var arrived, removed []string
	for name := range current {
		if !t.seen[name] {
			arrived = append(arrived, name)
		}
	}
	for name := range t.seen {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	t.seen = current
	t.mu.Unlock()

	if cb == nil {
		return
	}
	sort.Strings(arrived)
	sort.Strings(removed)
	for _, name := range arrived {
		cb(interfaces.NotifyEvent{Kind: interfaces.NotifyArrival, PortName: name})
	}
	for _, name := range removed {
		cb(interfaces.NotifyEvent{Kind: interfaces.NotifyRemoval, PortName: name})
	}
}

// SetNotifyFunc implements interfaces.Transport.
func (t *Transport) SetNotifyFunc(cb func(interfaces.NotifyEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = cb
}

// Enumerate lists attached devices without claiming any interface,
// returning one PortInfo per device that exposes a mux interface class
// triplet. Port names are "<bus>:<address>" so Open can locate
// the same physical device later.
func (t *Transport) Enumerate() ([]interfaces.PortInfo, error) {
	var infos []interfaces.PortInfo
	_, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if _, intf := findMuxInterface(desc); intf == nil {
			return false
		}
		infos = append(infos, interfaces.PortInfo{
			Name:      portName(desc.Bus, desc.Address),
			Location:  location(desc.Bus, desc.Address, desc.Port),
			ProductID: uint16(desc.Product),
		})
		return false // peek descriptors only; never actually opened here
	})
	if err != nil {
		return nil, fmt.Errorf("gousb: enumerate: %w", err)
	}
	return infos, nil
}

// Open claims the mux interface on the device named portName ("bus:address")
// and returns its bulk endpoints.
func (t *Transport) Open(portName string) (interfaces.OpenResult, error) {
	wantBus, wantAddr, err := parsePortName(portName)
	if err != nil {
		return interfaces.OpenResult{}, err
	}

	var (
		dev    *gousb.Device
		mux    *gousb.InterfaceDesc
		cfgNum int
	)
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Bus != wantBus || desc.Address != wantAddr {
			return false
		}
		cfgNum, mux = findMuxInterface(desc)
		return mux != nil
	})
	if err != nil {
		return interfaces.OpenResult{}, fmt.Errorf("gousb: open %s: %w", portName, err)
	}
	if len(devs) == 0 || mux == nil {
		return interfaces.OpenResult{}, fmt.Errorf("gousb: no mux interface on %s", portName)
	}
	dev = devs[0]

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return interfaces.OpenResult{}, fmt.Errorf("gousb: select config on %s: %w", portName, err)
	}
	alt := mux.AltSettings[0]
	intf, err := cfg.Interface(alt.Number, alt.Alternate)
	if err != nil {
		cfg.Close()
		dev.Close()
		return interfaces.OpenResult{}, fmt.Errorf("gousb: claim interface on %s: %w", portName, err)
	}

	var inEP *gousb.InEndpoint
	var outEP *gousb.OutEndpoint
	var outMPS int
	for _, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inEP, err = intf.InEndpoint(ep.Number)
		} else {
			outEP, err = intf.OutEndpoint(ep.Number)
			outMPS = ep.MaxPacketSize
		}
		if err != nil {
			intf.Close()
			cfg.Close()
			dev.Close()
			return interfaces.OpenResult{}, fmt.Errorf("gousb: bind endpoint on %s: %w", portName, err)
		}
	}
	if inEP == nil || outEP == nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return interfaces.OpenResult{}, fmt.Errorf("gousb: mux interface on %s missing bulk pair", portName)
	}

	product, _ := dev.Product()
	serial, _ := dev.SerialNumber()

	h := &handle{dev: dev, cfg: cfg, intf: intf, in: inEP, out: outEP, outMPS: outMPS, product: product}
	res := interfaces.OpenResult{
		Handle:           h,
		VendorID:         uint16(dev.Desc.Vendor),
		ProductID:        uint16(dev.Desc.Product),
		TurboCapable:     false,
		MaxPacketSizeOut: outMPS,
		SerialNumber:     serial,
	}
	if product != "" {
		res.ProductIndex = productStringIndex
	}
	return res, nil
}

// Close implements interfaces.Transport.
func (t *Transport) Close(th interfaces.TransportHandle) error {
	h, ok := th.(*handle)
	if !ok {
		return fmt.Errorf("gousb: invalid handle")
	}
	h.intf.Close()
	h.cfg.Close()
	return h.dev.Close()
}

// BulkRead implements interfaces.Transport: a single bulk IN transfer,
// honoring ctx cancellation since gousb's endpoint Read has no native
// context parameter.
func (t *Transport) BulkRead(ctx context.Context, th interfaces.TransportHandle, buf []byte) (int, error) {
	h, ok := th.(*handle)
	if !ok {
		return 0, fmt.Errorf("gousb: invalid handle")
	}
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := h.in.Read(buf)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		return r.n, r.err
	}
}

// BulkWrite implements interfaces.Transport: a single bulk OUT transfer.
// The caller (internal/reactor) is responsible for the trailing
// zero-length-packet rule; BulkWrite just ships exactly what it's given,
// including a zero-length buf.
func (t *Transport) BulkWrite(ctx context.Context, th interfaces.TransportHandle, buf []byte) (int, error) {
	h, ok := th.(*handle)
	if !ok {
		return 0, fmt.Errorf("gousb: invalid handle")
	}
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := h.out.Write(buf)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		return r.n, r.err
	}
}

// GetStringDescriptor implements interfaces.Transport. The product
// string is resolved once at Open and served from the handle's cache;
// other indexes pass through to the device.
func (t *Transport) GetStringDescriptor(th interfaces.TransportHandle, index int) (string, error) {
	h, ok := th.(*handle)
	if !ok {
		return "", fmt.Errorf("gousb: invalid handle")
	}
	if index == productStringIndex {
		return h.product, nil
	}
	s, err := h.dev.GetStringDescriptor(index)
	if err != nil {
		return "", fmt.Errorf("gousb: string descriptor %d: %w", index, err)
	}
	return s, nil
}

// findMuxInterface returns the configuration number of desc's last
// configuration and the first interface descriptor in it matching the
// mux class triplet with exactly two bulk endpoints, or
// (0, nil) when the device has no mux interface.
func findMuxInterface(desc *gousb.DeviceDesc) (int, *gousb.InterfaceDesc) {
	if len(desc.Configs) == 0 {
		return 0, nil
	}
	var lastCfgNum int
	for num := range desc.Configs {
		if num > lastCfgNum {
			lastCfgNum = num
		}
	}
	cfg := desc.Configs[lastCfgNum]
	for i := range cfg.Interfaces {
		intf := cfg.Interfaces[i]
		for j := range intf.AltSettings {
			alt := intf.AltSettings[j]
			if alt.Class != muxClass || alt.SubClass != muxSubclass || alt.Protocol != muxProtocol {
				continue
			}
			bulkCount := 0
			for _, ep := range alt.Endpoints {
				if ep.TransferType == gousb.TransferTypeBulk {
					bulkCount++
				}
			}
			if bulkCount == 2 {
				return lastCfgNum, &intf
			}
		}
	}
	return 0, nil
}

func portName(bus, addr int) string {
	return fmt.Sprintf("%d:%d", bus, addr)
}

func parsePortName(name string) (bus, addr int, err error) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("gousb: malformed port name %q", name)
	}
	bus, err1 := strconv.Atoi(parts[0])
	addr, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("gousb: malformed port name %q", name)
	}
	return bus, addr, nil
}

// location packs bus/address/port into the single uint32 "USB location"
// identifier ADDDEVICE/REMOVEDEVICE and Properties.LocationID carry.
func location(bus, addr, port int) uint32 {
	return uint32(bus)<<24 | uint32(addr)<<16 | uint32(port)
}

var _ interfaces.Transport = (*Transport)(nil)
