// Package apic models the per-CPU local APIC of the platform, exposing both
// addressing modes a guest-visible LAPIC can be in: legacy xAPIC (memory
// mapped registers) and x2APIC (MSR based registers).
//
// Crash-time code cannot go through mode-aware convenience accessors, because
// stopping a CPU reverts its LAPIC to the power-on state and any cached mode
// flag may be stale. The raw ReadMSR/WriteMSR and MemRead/MemWrite ports are
// provided for exactly that path.
package apic

import (
	"sync"
	"sync/atomic"
)

// Mode is the addressing mode a local APIC is operating in.
type Mode int

const (
	// ModeDisabled means the APIC is software or hardware disabled.
	ModeDisabled Mode = iota
	// ModeXAPIC is the legacy memory-mapped addressing mode.
	ModeXAPIC
	// ModeX2APIC is the MSR-based addressing mode.
	ModeX2APIC
)

func (m Mode) String() string {
	switch m {
	case ModeXAPIC:
		return "xapic"
	case ModeX2APIC:
		return "x2apic"
	default:
		return "disabled"
	}
}

// Register offsets shared by both addressing modes. In xAPIC mode these are
// byte offsets from the MMIO window base; in x2APIC mode the MSR index is
// MSRBase + offset>>4.
const (
	RegID   uint32 = 0x020
	RegICR  uint32 = 0x300
	RegICR2 uint32 = 0x310

	// MSRBase is the first x2APIC MSR (IA32_X2APIC_APICID lives at
	// MSRBase + RegID>>4).
	MSRBase uint32 = 0x800
)

// Interrupt command register bits.
const (
	DeliveryNMI  uint64 = 0x4 << 8
	DestPhysical uint64 = 0 << 11
	ICRBusy      uint32 = 1 << 12

	// XAPICIDShift positions the destination APIC ID within ICR2 (and the
	// ID register) in xAPIC mode.
	XAPICIDShift = 24
	// X2APICDestShift positions the destination within the 64-bit x2APIC ICR.
	X2APICDestShift = 32
)

// XAPICID extracts the APIC ID from an xAPIC ID register value.
func XAPICID(idReg uint32) uint32 {
	return idReg >> XAPICIDShift
}

// IPISink receives inter-processor interrupts emitted through an ICR write.
type IPISink interface {
	// DeliverIPI is called with the destination APIC ID and the delivery
	// mode bits from the command word. NMI delivery carries no vector.
	DeliverIPI(dest uint32, delivery uint64)
}

// IPISinkFunc adapts a function to IPISink.
type IPISinkFunc func(dest uint32, delivery uint64)

// DeliverIPI implements IPISink.
func (f IPISinkFunc) DeliverIPI(dest uint32, delivery uint64) {
	if f != nil {
		f(dest, delivery)
	}
}

type noopIPISink struct{}

func (noopIPISink) DeliverIPI(uint32, uint64) {}

// LocalAPIC is one CPU's local APIC.
type LocalAPIC struct {
	mu   sync.Mutex
	id   uint32
	mode Mode
	icr  uint64
	icr2 uint32
	sink IPISink
}

// New constructs a local APIC with the given ID, starting in xAPIC mode.
func New(id uint32) *LocalAPIC {
	return &LocalAPIC{
		id:   id,
		mode: ModeXAPIC,
		sink: noopIPISink{},
	}
}

// SetSink routes ICR-initiated IPIs to the supplied sink.
func (l *LocalAPIC) SetSink(sink IPISink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sink == nil {
		l.sink = noopIPISink{}
	} else {
		l.sink = sink
	}
}

// Mode returns the current addressing mode.
func (l *LocalAPIC) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// EnableX2APIC switches the APIC into x2APIC mode.
func (l *LocalAPIC) EnableX2APIC() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = ModeX2APIC
}

// PowerOnReset reverts the APIC to its boot state: xAPIC mode, command
// registers cleared. Stopping a CPU triggers this, which is why crash-time
// code must re-derive the mode instead of trusting cached flags.
func (l *LocalAPIC) PowerOnReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = ModeXAPIC
	l.icr = 0
	l.icr2 = 0
}

// ReadMSR reads an x2APIC register through the MSR interface. Reads are
// honored regardless of the current mode; the ID and ICR stay architecturally
// valid even while the APIC is software disabled.
func (l *LocalAPIC) ReadMSR(reg uint32) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch reg {
	case RegID:
		return uint64(l.id)
	case RegICR:
		return l.icr
	default:
		return 0
	}
}

// WriteMSR writes an x2APIC register through the MSR interface. A write to
// the ICR sends the command immediately; x2APIC has no busy bit.
func (l *LocalAPIC) WriteMSR(reg uint32, value uint64) {
	l.mu.Lock()
	if reg != RegICR {
		l.mu.Unlock()
		return
	}
	l.icr = value
	sink := l.sink
	dest := uint32(value >> X2APICDestShift)
	l.mu.Unlock()

	sink.DeliverIPI(dest, value&(0x7<<8))
}

// MemRead reads a register through the legacy memory-mapped window.
func (l *LocalAPIC) MemRead(reg uint32) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch reg {
	case RegID:
		return l.id << XAPICIDShift
	case RegICR:
		return uint32(l.icr)
	case RegICR2:
		return l.icr2
	default:
		return 0
	}
}

// MemWrite writes a register through the legacy memory-mapped window.
// Writing the low command word sends the IPI using the destination most
// recently stored in ICR2.
func (l *LocalAPIC) MemWrite(reg uint32, value uint32) {
	l.mu.Lock()
	switch reg {
	case RegICR2:
		l.icr2 = value
		l.mu.Unlock()
		return
	case RegICR:
		l.icr = uint64(value)
		sink := l.sink
		dest := l.icr2 >> XAPICIDShift
		l.mu.Unlock()

		sink.DeliverIPI(dest, uint64(value)&(0x7<<8))
		return
	default:
		l.mu.Unlock()
	}
}

// ModeState is the process-wide record of which addressing mode the platform
// believes its APICs are in. The crash path re-derives and persists this
// after stopping the coordinating CPU, because the stop may have silently
// reverted the hardware mode.
type ModeState struct {
	x2apic atomic.Bool
}

// SetX2APICEnabled persists whether the platform is in x2APIC mode.
func (m *ModeState) SetX2APICEnabled(enabled bool) {
	m.x2apic.Store(enabled)
}

// X2APICEnabled reports the persisted addressing mode.
func (m *ModeState) X2APICEnabled() bool {
	return m.x2apic.Load()
}

var _ IPISink = IPISinkFunc(nil)
