// Package pci models the platform's PCI function list: config-space command
// registers and MSI/MSI-X capability state for every function behind the
// host bridge.
//
// The list lock supports TryLock because the crash path must never wait on
// it: a holder shot down mid-mutation will never release, and an unlocked
// list is assumed to have been consistent at interrupt time.
package pci

import (
	"fmt"
	"sync"
)

// Address identifies a function as bus/device/function.
type Address struct {
	Bus uint8
	Dev uint8
	Fn  uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Dev, a.Fn)
}

// Function is one PCI function's interrupt-relevant config state.
type Function struct {
	Addr Address

	msiCapable  bool
	msixCapable bool
	msiEnabled  bool
	msixEnabled bool
}

// EnableMSI sets the MSI enable bit, if the function carries the capability.
func (f *Function) EnableMSI() {
	if f.msiCapable {
		f.msiEnabled = true
	}
}

// EnableMSIX sets the MSI-X enable bit, if present.
func (f *Function) EnableMSIX() {
	if f.msixCapable {
		f.msixEnabled = true
	}
}

// MSIEnabled reports whether either message-signaled mechanism is live.
func (f *Function) MSIEnabled() bool {
	return f.msiEnabled || f.msixEnabled
}

// List is the platform's device list.
type List struct {
	mu    sync.Mutex
	funcs map[Address]*Function
}

// NewList returns an empty device list.
func NewList() *List {
	return &List{funcs: make(map[Address]*Function)}
}

// Add registers a function. msi/msix declare which capabilities it carries.
func (l *List) Add(addr Address, msi, msix bool) *Function {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := &Function{Addr: addr, msiCapable: msi, msixCapable: msix}
	l.funcs[addr] = f
	return f
}

// TryLock attempts to take the list lock without blocking.
func (l *List) TryLock() bool {
	return l.mu.TryLock()
}

// Lock takes the list lock.
func (l *List) Lock() {
	l.mu.Lock()
}

// Unlock releases the list lock.
func (l *List) Unlock() {
	l.mu.Unlock()
}

// DisableMSIAll clears the MSI and MSI-X enable bits on every function.
// Callers must hold the list lock.
func (l *List) DisableMSIAll() {
	for _, f := range l.funcs {
		f.msiEnabled = false
		f.msixEnabled = false
	}
}

// AnyMSIEnabled reports whether any function still has message-signaled
// interrupts live. Callers must hold the list lock.
func (l *List) AnyMSIEnabled() bool {
	for _, f := range l.funcs {
		if f.MSIEnabled() {
			return true
		}
	}
	return false
}
