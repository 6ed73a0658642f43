// Package dump collects the per-CPU state snapshots taken during a crash
// shootdown and the crash metadata record handed to the dump image builder.
package dump

import (
	"fmt"
	"sync"
	"time"
)

// Registers is one CPU's architectural snapshot at the moment it was shot
// down. Only the general-purpose file; segment and FP state do not matter to
// the dump tooling this feeds.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

// CPUSnapshot is one saved CPU.
type CPUSnapshot struct {
	CPU        int
	Regs       Registers
	CapturedAt time.Time
}

// CrashInfo is the metadata record consumed by the dump image builder. It is
// populated exactly once, after the shootdown has finished, so readers only
// ever observe post-shootdown state.
type CrashInfo struct {
	// PhysStart is the hypervisor's physical load address.
	PhysStart uint64
	// FrameListDescriptor locates the privileged domain's pfn-to-mfn frame
	// mapping list.
	FrameListDescriptor uint64

	populated bool
}

// Populated reports whether the record has been filled in.
func (i CrashInfo) Populated() bool { return i.populated }

// Builder accumulates crash state as CPUs are shot down.
type Builder struct {
	mu   sync.Mutex
	cpus map[int]CPUSnapshot
	info CrashInfo
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{cpus: make(map[int]CPUSnapshot)}
}

// SaveCPU records one CPU's snapshot. The first save wins; the shootdown
// protocol guarantees at most one per CPU, so a second save for the same
// identity indicates a responder re-entry bug and is dropped.
func (b *Builder) SaveCPU(cpu int, regs Registers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cpus[cpu]; ok {
		return
	}
	b.cpus[cpu] = CPUSnapshot{CPU: cpu, Regs: regs, CapturedAt: time.Now()}
}

// Saved reports whether a snapshot exists for cpu.
func (b *Builder) Saved(cpu int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cpus[cpu]
	return ok
}

// SavedCPUs returns the identities with snapshots, in no particular order.
func (b *Builder) SavedCPUs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cpus := make([]int, 0, len(b.cpus))
	for cpu := range b.cpus {
		cpus = append(cpus, cpu)
	}
	return cpus
}

// Snapshot returns the stored snapshot for cpu.
func (b *Builder) Snapshot(cpu int) (CPUSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.cpus[cpu]
	if !ok {
		return CPUSnapshot{}, fmt.Errorf("dump: no snapshot for CPU %d", cpu)
	}
	return snap, nil
}

// SetCrashInfo fills in the metadata record. Only the first call takes
// effect.
func (b *Builder) SetCrashInfo(physStart, frameListDescriptor uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.info.populated {
		return
	}
	b.info = CrashInfo{
		PhysStart:           physStart,
		FrameListDescriptor: frameListDescriptor,
		populated:           true,
	}
}

// CrashInfo returns the metadata record.
func (b *Builder) CrashInfo() CrashInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}
