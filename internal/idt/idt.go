// Package idt models a per-CPU interrupt descriptor table: 256 gates, each
// carrying a handler, a gate type, and an interrupt-stack-table selector.
package idt

import "sync"

// Vector identifies an exception or interrupt entry in the table.
type Vector uint8

const (
	// VectorNMI is the non-maskable interrupt vector.
	VectorNMI Vector = 2
	// VectorMC is the machine-check exception vector.
	VectorMC Vector = 18
)

// GateType distinguishes interrupt gates (interrupts disabled on entry) from
// trap gates.
type GateType uint8

const (
	GateInterrupt GateType = iota
	GateTrap
)

// IST selects one of the interrupt stacks, or no stack switch at all.
type IST uint8

// ISTNone disables the stack switch for a vector. Cutting the machine-check
// IST before a crash save prevents a concurrent machine check from clobbering
// the exception frame the save is running on.
const ISTNone IST = 0

// Handler is the entry installed behind a gate.
type Handler func()

// TrapNop is a no-op trap entry. Installing it on the NMI vector keeps the
// coordinating CPU from re-entering the shootdown path through its own IDT.
func TrapNop() {}

// Gate is one descriptor entry.
type Gate struct {
	Type    GateType
	DPL     uint8
	IST     IST
	Handler Handler
}

// Table is one CPU's descriptor table.
type Table struct {
	mu    sync.Mutex
	gates [256]Gate
}

// NewTable returns a table with every gate empty.
func NewTable() *Table {
	return &Table{}
}

// SetGate replaces the descriptor for vec, clearing any IST selection.
func (t *Table) SetGate(vec Vector, typ GateType, dpl uint8, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gates[vec] = Gate{Type: typ, DPL: dpl, Handler: handler}
}

// SetIST changes only the stack-table selector of an existing descriptor.
func (t *Table) SetIST(vec Vector, ist IST) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gates[vec].IST = ist
}

// Gate returns a copy of the descriptor for vec.
func (t *Table) Gate(vec Vector) Gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gates[vec]
}
