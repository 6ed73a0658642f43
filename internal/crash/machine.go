package crash

import (
	"github.com/tinyrange/vmcrash/internal/apic"
	"github.com/tinyrange/vmcrash/internal/dump"
	"github.com/tinyrange/vmcrash/internal/idt"
)

// CPU is one processor's execution context as the crash path sees it.
type CPU interface {
	ID() int

	// Online reports whether the CPU is still part of the running set.
	// StopExecution takes it offline.
	Online() bool

	// DisableInterrupts masks ordinary interrupt delivery on this CPU.
	DisableInterrupts()

	// ResetIRQNesting zeroes the local interrupt-nesting counter so stale
	// accounting cannot influence later diagnostics.
	ResetIRQNesting()

	// IDT returns this CPU's descriptor table.
	IDT() *idt.Table

	// LocalAPIC returns this CPU's local APIC.
	LocalAPIC() *apic.LocalAPIC

	// SaveCrashState records this CPU's register snapshot for the dump.
	SaveCrashState()

	// StopExecution permanently stops the CPU's normal execution context.
	// It takes the CPU offline and reverts its local APIC to the power-on
	// state, so callers must not trust cached APIC mode flags afterwards.
	StopExecution()

	// Park is the terminal halt loop. On a real vCPU it never returns.
	Park()
}

// NMIHandler is the system-wide NMI callback.
type NMIHandler func(cpu CPU)

// NMIFabric delivers NMIs between CPUs.
type NMIFabric interface {
	// SetNMIHandler installs the system-wide NMI callback.
	SetNMIHandler(h NMIHandler)

	// BroadcastAllButSelf sends one NMI to every online CPU except self, as
	// a single atomic broadcast rather than a per-target loop.
	BroadcastAllButSelf(self int)
}

// ConsoleLock is the platform console's forced-release surface.
type ConsoleLock interface {
	ForceUnlock()
}

// Disabler is a device with an idempotent crash-time shutoff.
type Disabler interface {
	Disable()
}

// RemappingUnit is the IOMMU's two distinct crash entry points.
type RemappingUnit interface {
	CrashShutdown()
	Quiesce()
}

// DeviceList is the PCI function list. TryLock must never block; a holder
// shot down mid-mutation will never release.
type DeviceList interface {
	TryLock() bool
	Unlock()
	DisableMSIAll()
}

// Machine bundles everything the shutdown sequence drives. Device fields may
// be nil when the corresponding hardware is absent; the sequence branches
// around them.
type Machine struct {
	CPUs []CPU
	NMI  NMIFabric

	Console ConsoleLock
	IOMMU   RemappingUnit
	IOAPIC  Disabler
	HPET    Disabler
	PCI     DeviceList

	APICMode *apic.ModeState
	Dump     *dump.Builder

	// PhysStart is the hypervisor's physical load address, recorded into
	// the crash info record.
	PhysStart uint64

	// FrameList locates the privileged domain's frame-mapping list. Looked
	// up lazily because the descriptor is only meaningful post-shootdown.
	FrameList func() uint64
}
