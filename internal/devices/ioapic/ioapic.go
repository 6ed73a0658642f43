// Package ioapic emulates the platform's IO-APIC: a bank of redirection
// entries programmed through the classic select/data register window.
package ioapic

import "sync"

const (
	regID              = 0x00
	regVersion         = 0x01
	regArbitration     = 0x02
	regRedirectionBase = 0x10

	version = 0x11

	entryMaskBit      uint64 = 1 << 16
	entryRemoteIRRBit uint64 = 1 << 14
	entryLevelBit     uint64 = 1 << 15
	entryVectorMask   uint64 = 0xff
	entryDestShift           = 56
)

// Routing is notified when an unmasked line fires.
type Routing interface {
	Assert(vector uint8, dest uint8, level bool)
}

// RoutingFunc adapts a function to Routing.
type RoutingFunc func(vector uint8, dest uint8, level bool)

// Assert implements Routing.
func (f RoutingFunc) Assert(vector uint8, dest uint8, level bool) {
	if f != nil {
		f(vector, dest, level)
	}
}

type noopRouting struct{}

func (noopRouting) Assert(uint8, uint8, bool) {}

type line struct {
	entry uint64
	level bool
}

// Device is the emulated IO-APIC.
type Device struct {
	mu sync.Mutex

	lines    []line
	index    uint8
	id       uint8
	routing  Routing
	disabled bool
}

// New builds an IO-APIC with numLines redirection slots.
func New(numLines int) *Device {
	if numLines <= 0 {
		numLines = 24
	}
	lines := make([]line, numLines)
	for i := range lines {
		lines[i].entry = entryMaskBit // masked out of reset
	}
	return &Device{
		lines:   lines,
		routing: noopRouting{},
	}
}

// SetRouting overrides where asserted lines are delivered.
func (d *Device) SetRouting(r Routing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r == nil {
		d.routing = noopRouting{}
	} else {
		d.routing = r
	}
}

// ReadRegister reads through the select/data window.
func (d *Device) ReadRegister(index uint8) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case index == regID:
		return uint32(d.id&0x0f) << 24
	case index == regVersion:
		return uint32(version) | uint32(len(d.lines)-1)<<16
	case index == regArbitration:
		return 0
	case index >= regRedirectionBase:
		n := int(index-regRedirectionBase) / 2
		if n >= len(d.lines) {
			return 0
		}
		raw := d.lines[n].entry
		if (index-regRedirectionBase)&1 == 1 {
			return uint32(raw >> 32)
		}
		return uint32(raw)
	default:
		return 0
	}
}

// WriteRegister writes through the select/data window.
func (d *Device) WriteRegister(index uint8, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case index == regID:
		d.id = uint8(value>>24) & 0x0f
	case index >= regRedirectionBase:
		n := int(index-regRedirectionBase) / 2
		if n >= len(d.lines) {
			return
		}
		raw := d.lines[n].entry
		if (index-regRedirectionBase)&1 == 1 {
			raw = raw&0xffffffff | uint64(value)<<32
		} else {
			raw = raw&^uint64(0xffffffff) | uint64(value)
		}
		d.lines[n].entry = raw
	}
}

// SetIRQ drives one input pin. A rising edge on an unmasked line delivers the
// programmed vector to the routing sink.
func (d *Device) SetIRQ(n int, high bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.lines) {
		return
	}
	l := &d.lines[n]
	edge := high && !l.level
	l.level = high
	if !high {
		l.entry &^= entryRemoteIRRBit
		return
	}
	if !edge || l.entry&entryMaskBit != 0 || d.disabled {
		return
	}
	isLevel := l.entry&entryLevelBit != 0
	if isLevel {
		l.entry |= entryRemoteIRRBit
	}
	d.routing.Assert(
		uint8(l.entry&entryVectorMask),
		uint8(l.entry>>entryDestShift),
		isLevel,
	)
}

// Disable masks every redirection entry and detaches routing. Idempotent:
// the crash path may reach it more than once and lines stay dead either way.
func (d *Device) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.lines {
		d.lines[i].entry |= entryMaskBit
		d.lines[i].entry &^= entryRemoteIRRBit
	}
	d.routing = noopRouting{}
	d.disabled = true
}

// Disabled reports whether the device has been shut off.
func (d *Device) Disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled
}

var _ Routing = RoutingFunc(nil)
