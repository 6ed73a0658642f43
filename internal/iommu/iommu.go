// Package iommu models the platform's remapping hardware as far as crash
// shutdown is concerned: whether DMA translation and interrupt remapping are
// live, and the two distinct ways the crash path turns them off.
package iommu

import "sync"

// Unit is one remapping unit.
type Unit struct {
	mu sync.Mutex

	dmaTranslation bool
	intrRemapping  bool

	crashShutdowns int
	quiesces       int
}

// New returns a unit with both remapping functions active.
func New() *Unit {
	return &Unit{
		dmaTranslation: true,
		intrRemapping:  true,
	}
}

// CrashShutdown is the best-effort remapping shutdown run unconditionally
// after the shootdown wait, whether or not every CPU stopped. Some dump
// environments misbehave when interrupt or DMA remapping is left enabled,
// so this must not depend on shootdown success. Idempotent.
func (u *Unit) CrashShutdown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dmaTranslation = false
	u.intrRemapping = false
	u.crashShutdowns++
}

// Quiesce is the hardware-level quiesce: drain outstanding invalidations and
// leave the unit fully idle. Distinct from CrashShutdown and also idempotent.
func (u *Unit) Quiesce() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dmaTranslation = false
	u.intrRemapping = false
	u.quiesces++
}

// Active reports whether any remapping function is still live.
func (u *Unit) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dmaTranslation || u.intrRemapping
}

// CrashShutdowns returns how many times CrashShutdown ran.
func (u *Unit) CrashShutdowns() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.crashShutdowns
}

// Quiesces returns how many times Quiesce ran.
func (u *Unit) Quiesces() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.quiesces
}
