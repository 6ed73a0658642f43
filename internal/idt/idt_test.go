package idt

import "testing"

func TestSetGateClearsIST(t *testing.T) {
	tbl := NewTable()
	tbl.SetIST(VectorNMI, 1)

	tbl.SetGate(VectorNMI, GateInterrupt, 0, TrapNop)

	gate := tbl.Gate(VectorNMI)
	if gate.IST != ISTNone {
		t.Fatalf("IST = %d after SetGate, want none", gate.IST)
	}
	if gate.Handler == nil {
		t.Fatalf("handler not installed")
	}
}

func TestSetISTPreservesHandler(t *testing.T) {
	tbl := NewTable()
	called := false
	tbl.SetGate(VectorMC, GateInterrupt, 0, func() { called = true })
	tbl.SetIST(VectorMC, ISTNone)

	gate := tbl.Gate(VectorMC)
	if gate.Handler == nil {
		t.Fatalf("handler lost by SetIST")
	}
	gate.Handler()
	if !called {
		t.Fatalf("wrong handler behind gate")
	}
}
