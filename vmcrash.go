// Package vmcrash assembles a crash-shutdown capable machine: simulated
// CPUs with local APICs and descriptor tables, an NMI fabric, the emulated
// chipset the crash path quiesces, and the dump builder that collects what
// the shootdown saves.
package vmcrash

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vmcrash/internal/apic"
	"github.com/tinyrange/vmcrash/internal/config"
	"github.com/tinyrange/vmcrash/internal/console"
	"github.com/tinyrange/vmcrash/internal/crash"
	"github.com/tinyrange/vmcrash/internal/devices/hpet"
	"github.com/tinyrange/vmcrash/internal/devices/ioapic"
	"github.com/tinyrange/vmcrash/internal/devices/pci"
	"github.com/tinyrange/vmcrash/internal/dump"
	"github.com/tinyrange/vmcrash/internal/idt"
	"github.com/tinyrange/vmcrash/internal/iommu"
)

// Options configures a Platform.
type Options struct {
	// NumCPUs is the number of simulated CPUs, at least 1.
	NumCPUs int

	// X2APIC starts every local APIC in x2APIC mode instead of xAPIC.
	X2APIC bool

	// ConsoleOutput receives platform console output. Defaults to io.Discard.
	ConsoleOutput io.Writer

	// Config is the crash policy. Zero value means config.Default().
	Config config.Config

	// Logger receives shootdown diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// PhysStart is the platform's physical load address, recorded in the
	// crash info record.
	PhysStart uint64
}

// VCPU is one simulated processor.
type VCPU struct {
	id    int
	table *idt.Table
	lapic *apic.LocalAPIC
	dump  *dump.Builder

	online     atomic.Bool
	parked     atomic.Bool
	irqsOff    atomic.Bool
	irqNesting atomic.Int32

	haltCh chan struct{}
}

func newVCPU(id int, b *dump.Builder, x2apic bool) *VCPU {
	lapic := apic.New(uint32(id))
	if x2apic {
		lapic.EnableX2APIC()
	}
	cpu := &VCPU{
		id:     id,
		table:  idt.NewTable(),
		lapic:  lapic,
		dump:   b,
		haltCh: make(chan struct{}),
	}
	cpu.online.Store(true)
	return cpu
}

// ID implements crash.CPU.
func (c *VCPU) ID() int { return c.id }

// Online implements crash.CPU.
func (c *VCPU) Online() bool { return c.online.Load() }

// DisableInterrupts implements crash.CPU.
func (c *VCPU) DisableInterrupts() { c.irqsOff.Store(true) }

// ResetIRQNesting implements crash.CPU.
func (c *VCPU) ResetIRQNesting() { c.irqNesting.Store(0) }

// IDT implements crash.CPU.
func (c *VCPU) IDT() *idt.Table { return c.table }

// LocalAPIC implements crash.CPU.
func (c *VCPU) LocalAPIC() *apic.LocalAPIC { return c.lapic }

// SaveCrashState implements crash.CPU. The snapshot's instruction pointer is
// the call site, which is as close to "where this CPU was" as a simulated
// processor gets.
func (c *VCPU) SaveCrashState() {
	pc, _, _, _ := runtime.Caller(1)
	c.dump.SaveCPU(c.id, dump.Registers{
		Rip: uint64(pc),
		Rsp: uint64(0x7fff_0000 + c.id*0x1000),
	})
}

// StopExecution implements crash.CPU.
func (c *VCPU) StopExecution() {
	c.online.Store(false)
	c.lapic.PowerOnReset()
}

// Park implements crash.CPU. It never returns; the goroutine running the
// vCPU stays here until the process exits.
func (c *VCPU) Park() {
	c.parked.Store(true)
	<-c.haltCh
}

// Parked reports whether the vCPU has reached its terminal halt loop.
func (c *VCPU) Parked() bool { return c.parked.Load() }

// nmiFabric delivers NMIs to simulated CPUs.
type nmiFabric struct {
	mu      sync.Mutex
	handler crash.NMIHandler
	cpus    []*VCPU
}

// SetNMIHandler implements crash.NMIFabric.
func (f *nmiFabric) SetNMIHandler(h crash.NMIHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// BroadcastAllButSelf implements crash.NMIFabric. One pass over the target
// set; each delivery runs on the target's own goroutine, concurrently and
// independently.
func (f *nmiFabric) BroadcastAllButSelf(self int) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return
	}
	for _, cpu := range f.cpus {
		if cpu.ID() == self || !cpu.Online() {
			continue
		}
		go handler(cpu)
	}
}

// Platform is an assembled machine ready to crash.
type Platform struct {
	cpus    []*VCPU
	cons    *console.Console
	ioapic  *ioapic.Device
	hpetDev *hpet.Device
	pciList *pci.List
	iommu   *iommu.Unit
	dump    *dump.Builder
	mode    *apic.ModeState

	cfg config.Config
	log *slog.Logger

	machine *crash.Machine

	crashed atomic.Bool
}

// New assembles a platform.
func New(opts Options) (*Platform, error) {
	if opts.NumCPUs < 1 {
		return nil, fmt.Errorf("vmcrash: need at least one CPU, got %d", opts.NumCPUs)
	}

	// Fill in whatever the caller left out, field by field; a partially
	// populated policy must not reach the coordinator.
	cfg := opts.Config
	cfg.Shootdown = cfg.Shootdown.Normalize()
	if cfg.Dump.VMCorePath == "" {
		cfg.Dump.VMCorePath = config.Default().Dump.VMCorePath
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	out := opts.ConsoleOutput
	if out == nil {
		out = io.Discard
	}

	b := dump.NewBuilder()
	cpus := make([]*VCPU, opts.NumCPUs)
	machineCPUs := make([]crash.CPU, opts.NumCPUs)
	for i := range cpus {
		cpus[i] = newVCPU(i, b, opts.X2APIC)
		machineCPUs[i] = cpus[i]
	}

	ioapicDev := ioapic.New(24)
	hpetDev := hpet.New(hpetSink{ioapicDev})
	list := pci.NewList()

	p := &Platform{
		cpus:    cpus,
		cons:    console.New(out),
		ioapic:  ioapicDev,
		hpetDev: hpetDev,
		pciList: list,
		iommu:   iommu.New(),
		dump:    b,
		mode:    &apic.ModeState{},
		cfg:     cfg,
		log:     log,
	}
	p.mode.SetX2APICEnabled(opts.X2APIC)

	p.machine = &crash.Machine{
		CPUs:      machineCPUs,
		NMI:       &nmiFabric{cpus: cpus},
		Console:   p.cons,
		IOMMU:     p.iommu,
		IOAPIC:    ioapicDev,
		HPET:      hpetDev,
		PCI:       list,
		APICMode:  p.mode,
		Dump:      b,
		PhysStart: opts.PhysStart,
		FrameList: func() uint64 { return frameListDescriptor(opts.PhysStart) },
	}
	return p, nil
}

// hpetSink adapts the IO-APIC to the HPET's interrupt sink.
type hpetSink struct {
	dev *ioapic.Device
}

func (s hpetSink) SetIRQ(n int, high bool) { s.dev.SetIRQ(n, high) }

// frameListDescriptor synthesizes the privileged domain's frame-list locator
// relative to the load address.
func frameListDescriptor(physStart uint64) uint64 {
	return physStart + 0x1000
}

// CPU returns the simulated CPU with the given identity.
func (p *Platform) CPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(p.cpus) {
		return nil, fmt.Errorf("vmcrash: no CPU %d", id)
	}
	return p.cpus[id], nil
}

// Console returns the platform console.
func (p *Platform) Console() *console.Console { return p.cons }

// PCI returns the platform's device list for population before a crash.
func (p *Platform) PCI() *pci.List { return p.pciList }

// Dump returns the crash state collected so far.
func (p *Platform) Dump() *dump.Builder { return p.dump }

// X2APICEnabled reports the platform's persisted APIC addressing mode.
func (p *Platform) X2APICEnabled() bool { return p.mode.X2APICEnabled() }

// TriggerCrash runs the full crash shutdown from the named CPU and returns
// once the machine is quiescent. Additional coordinator options (observers,
// test hooks) may be supplied.
func (p *Platform) TriggerCrash(fromCPU int, opts ...crash.Option) error {
	if !p.crashed.CompareAndSwap(false, true) {
		return fmt.Errorf("vmcrash: platform already crashed")
	}
	self, err := p.CPU(fromCPU)
	if err != nil {
		return err
	}

	p.cons.Banner("FATAL: crash shutdown initiated")

	opts = append([]crash.Option{
		crash.WithLogger(p.log),
		crash.WithPolicy(p.cfg.Shootdown),
	}, opts...)
	c, err := crash.New(p.machine, opts...)
	if err != nil {
		return err
	}

	c.ShutdownForCrash(self)

	if residual := c.Waiting(); !residual.Empty() {
		p.log.Warn("proceeding with partial shootdown", "cpus", residual.String())
	}
	return nil
}

// WriteVMCore writes the collected crash state to the configured path.
func (p *Platform) WriteVMCore() error {
	if !p.crashed.Load() {
		return fmt.Errorf("vmcrash: no crash has occurred")
	}
	return p.dump.WriteFile(p.cfg.Dump.VMCorePath)
}

// WaitParked blocks until every CPU that completed its save has parked, or
// the timeout passes. Responders park asynchronously after clearing their
// waiting bit.
func (p *Platform) WaitParked(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allParked := true
		for _, cpu := range p.cpus {
			if p.dump.Saved(cpu.id) && !cpu.Parked() {
				allParked = false
				break
			}
		}
		if allParked {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

var _ crash.CPU = (*VCPU)(nil)
var _ crash.NMIFabric = (*nmiFabric)(nil)
