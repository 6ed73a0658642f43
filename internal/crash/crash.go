// Package crash implements the multi-processor crash shootdown: the
// coordinator that drives a terminating machine to a quiescent halt, and the
// per-CPU NMI responder that saves each processor's state exactly once and
// parks it.
//
// Every path here runs at most once per process lifetime and is never undone.
package crash

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vmcrash/internal/apic"
	"github.com/tinyrange/vmcrash/internal/config"
	"github.com/tinyrange/vmcrash/internal/cpuset"
	"github.com/tinyrange/vmcrash/internal/idt"
)

// responderState is owned exclusively by its CPU. The only cross-CPU traffic
// a responder generates is the atomic clear of its own waiting-set bit.
type responderState struct {
	saveDone bool
}

// Coordinator owns the shootdown's shared state: the identity of the
// crashing CPU and the set of CPUs still outstanding.
type Coordinator struct {
	machine *Machine
	log     *slog.Logger
	policy  config.ShootdownConfig

	delay  func(time.Duration)
	onPoll func(waiting int, elapsed time.Duration)

	crashingCPU atomic.Int32
	waiting     *cpuset.Set
	responders  []responderState
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger routes diagnostics to log.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithPolicy overrides the wait budget and poll granularity.
func WithPolicy(policy config.ShootdownConfig) Option {
	return func(c *Coordinator) { c.policy = policy }
}

// WithDelay substitutes the coarse delay primitive used by the wait loop.
func WithDelay(delay func(time.Duration)) Option {
	return func(c *Coordinator) { c.delay = delay }
}

// WithPollObserver is called after each wait-loop iteration with the number
// of CPUs still outstanding and the time spent so far.
func WithPollObserver(fn func(waiting int, elapsed time.Duration)) Option {
	return func(c *Coordinator) { c.onPoll = fn }
}

// New builds a coordinator for machine.
func New(machine *Machine, opts ...Option) (*Coordinator, error) {
	if machine == nil {
		return nil, fmt.Errorf("crash: nil machine")
	}
	if len(machine.CPUs) == 0 {
		return nil, fmt.Errorf("crash: machine has no CPUs")
	}
	if machine.NMI == nil {
		return nil, fmt.Errorf("crash: machine has no NMI fabric")
	}

	maxID := 0
	for _, cpu := range machine.CPUs {
		if cpu.ID() > maxID {
			maxID = cpu.ID()
		}
	}

	c := &Coordinator{
		machine:    machine,
		log:        slog.Default(),
		policy:     config.Default().Shootdown,
		delay:      time.Sleep,
		waiting:    cpuset.New(),
		responders: make([]responderState, maxID+1),
	}
	c.crashingCPU.Store(-1)
	for _, opt := range opts {
		opt(c)
	}

	c.policy = c.policy.Normalize()
	return c, nil
}

// Policy returns the shootdown policy in effect, after normalization.
func (c *Coordinator) Policy() config.ShootdownConfig {
	return c.policy
}

// Waiting exposes the set of CPUs that have not yet completed their save.
func (c *Coordinator) Waiting() *cpuset.Set {
	return c.waiting
}

// CrashingCPU returns the identity of the CPU driving the shutdown, or -1
// before ShutdownForCrash has run.
func (c *Coordinator) CrashingCPU() int {
	return int(c.crashingCPU.Load())
}

// ShutdownForCrash drives the entire crash shutdown from self, the CPU that
// observed the fatal condition. It must be invoked at most once per crash.
// It runs every step even when CPUs fail to stop; crash dumping proceeds on
// a best-effort basis. The caller never returns to normal execution.
func (c *Coordinator) ShutdownForCrash(self CPU) {
	c.shootdown(self)

	// The info record is filled in only now, so dump tooling reading it
	// observes post-shootdown state.
	if c.machine.Dump != nil {
		frameList := uint64(0)
		if c.machine.FrameList != nil {
			frameList = c.machine.FrameList()
		}
		c.machine.Dump.SetCrashInfo(c.machine.PhysStart, frameList)
	}
}

func (c *Coordinator) shootdown(self CPU) {
	self.DisableInterrupts()
	c.crashingCPU.Store(int32(self.ID()))
	self.ResetIRQNesting()

	for _, cpu := range c.machine.CPUs {
		if cpu.ID() != self.ID() && cpu.Online() {
			c.waiting.Set(cpu.ID())
		}
	}

	// Make our own NMI entry a no-op and cut the MC stack switch, so this
	// CPU can neither re-enter the shootdown path through its IDT nor have
	// its exception frame clobbered by a late machine check.
	table := self.IDT()
	table.SetGate(idt.VectorNMI, idt.GateInterrupt, 0, idt.TrapNop)
	table.SetIST(idt.VectorMC, idt.ISTNone)

	c.machine.NMI.SetNMIHandler(c.nmiCrash)
	c.machine.NMI.BroadcastAllButSelf(self.ID())

	// Wait at most the budget for the other CPUs to stop. Best effort: the
	// timeout is the only escape from an unresponsive set. The budget is a
	// time bound, not an iteration count; coarser polling must not stretch
	// the total wait.
	interval := c.policy.PollInterval()
	budget := c.policy.Timeout()
	elapsed := time.Duration(0)
	for !c.waiting.Empty() && elapsed < budget {
		c.delay(interval)
		elapsed += interval
		if c.onPoll != nil {
			c.onPoll(c.waiting.Count(), elapsed)
		}
	}

	// A responder may have been NMI'd while holding the console lock. It
	// will never be in a position to release it.
	if c.machine.Console != nil {
		c.machine.Console.ForceUnlock()
	}

	if c.waiting.Empty() {
		c.log.Info("shot down all CPUs")
	} else {
		c.log.Warn("failed to shoot down CPUs", "cpus", c.waiting.String())
	}

	// Shut down remapping regardless of how the shootdown went; some dump
	// environments misbehave if interrupt/DMA remapping is left enabled.
	if c.machine.IOMMU != nil {
		c.machine.IOMMU.CrashShutdown()
	}

	if self.Online() {
		self.StopExecution()

		// The stop may have silently reverted the APIC mode; re-derive it
		// so downstream code does not trust a stale flag.
		if c.machine.APICMode != nil {
			c.machine.APICMode.SetX2APICEnabled(self.LocalAPIC().Mode() == apic.ModeX2APIC)
		}

		if c.machine.PCI != nil && c.machine.PCI.TryLock() {
			// An unlocked device list is assumed consistent; a held lock
			// means an in-progress mutation we cannot wait out.
			c.machine.PCI.DisableMSIAll()
			c.machine.PCI.Unlock()
		}

		if c.machine.IOAPIC != nil {
			c.machine.IOAPIC.Disable()
		}
		if c.machine.HPET != nil {
			c.machine.HPET.Disable()
		}
		if c.machine.IOMMU != nil {
			c.machine.IOMMU.Quiesce()
		}
	}
}

// nmiCrash is the NMI handler for non-crashing CPUs while the machine is
// crashing. It performs the save-and-stop side effect at most once per CPU
// no matter how many times it is re-entered, then parks the CPU for good.
func (c *Coordinator) nmiCrash(cpu CPU) {
	id := cpu.ID()
	if int32(id) == c.crashingCPU.Load() {
		panic(fmt.Sprintf("crash: NMI shootdown targeted the crashing CPU %d", id))
	}

	state := &c.responders[id]
	if !state.saveDone {
		// Cut the MC stack switch before saving: a machine check landing
		// mid-save would otherwise clobber the exception frame in use.
		// This handler never returns, so its own frame is expendable.
		cpu.IDT().SetIST(idt.VectorMC, idt.ISTNone)

		cpu.SaveCrashState()
		cpu.StopExecution()

		state.saveDone = true
		c.waiting.Clear(id)
	}

	// Re-queue a self NMI at the LAPIC. The hardware NMI latch is holding
	// further NMIs off; if something unlatches it (a non-fatal machine
	// check, say), the pending IPI forces execution back into this handler
	// instead of letting the CPU wander into code that is no longer safe.
	//
	// StopExecution may have reverted the LAPIC to its boot state, so any
	// cached mode flag is stale; branch on the hardware mode and use the
	// raw register interfaces.
	lapic := cpu.LocalAPIC()
	switch lapic.Mode() {
	case apic.ModeX2APIC:
		apicID := lapic.ReadMSR(apic.RegID)
		lapic.WriteMSR(apic.RegICR,
			apic.DeliveryNMI|apic.DestPhysical|apicID<<apic.X2APICDestShift)

	case apic.ModeXAPIC:
		apicID := apic.XAPICID(lapic.MemRead(apic.RegID))
		for lapic.MemRead(apic.RegICR)&apic.ICRBusy != 0 {
		}
		lapic.MemWrite(apic.RegICR2, apicID<<apic.XAPICIDShift)
		lapic.MemWrite(apic.RegICR, uint32(apic.DeliveryNMI|apic.DestPhysical))

	default:
		// Unknown mode: leave the latch alone.
	}

	cpu.Park()
}
