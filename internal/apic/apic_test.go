package apic

import "testing"

type recordedIPI struct {
	dest     uint32
	delivery uint64
}

func TestX2APICSelfNMI(t *testing.T) {
	lapic := New(7)
	lapic.EnableX2APIC()

	var got []recordedIPI
	lapic.SetSink(IPISinkFunc(func(dest uint32, delivery uint64) {
		got = append(got, recordedIPI{dest: dest, delivery: delivery})
	}))

	id := lapic.ReadMSR(RegID)
	if id != 7 {
		t.Fatalf("x2APIC ID = %d, want 7", id)
	}

	lapic.WriteMSR(RegICR, DeliveryNMI|DestPhysical|id<<X2APICDestShift)

	if len(got) != 1 {
		t.Fatalf("expected one IPI, got %d", len(got))
	}
	if got[0].dest != 7 {
		t.Fatalf("IPI destination = %d, want 7", got[0].dest)
	}
	if got[0].delivery != DeliveryNMI {
		t.Fatalf("IPI delivery = %#x, want NMI", got[0].delivery)
	}
}

func TestXAPICSelfNMI(t *testing.T) {
	lapic := New(3)

	var got []recordedIPI
	lapic.SetSink(IPISinkFunc(func(dest uint32, delivery uint64) {
		got = append(got, recordedIPI{dest: dest, delivery: delivery})
	}))

	id := XAPICID(lapic.MemRead(RegID))
	if id != 3 {
		t.Fatalf("xAPIC ID = %d, want 3", id)
	}

	if lapic.MemRead(RegICR)&ICRBusy != 0 {
		t.Fatalf("ICR busy before any command")
	}

	lapic.MemWrite(RegICR2, id<<XAPICIDShift)
	lapic.MemWrite(RegICR, uint32(DeliveryNMI|DestPhysical))

	if len(got) != 1 {
		t.Fatalf("expected one IPI, got %d", len(got))
	}
	if got[0].dest != 3 {
		t.Fatalf("IPI destination = %d, want 3", got[0].dest)
	}
	if got[0].delivery != DeliveryNMI {
		t.Fatalf("IPI delivery = %#x, want NMI", got[0].delivery)
	}
}

func TestPowerOnResetRevertsMode(t *testing.T) {
	lapic := New(1)
	lapic.EnableX2APIC()
	if got, want := lapic.Mode(), ModeX2APIC; got != want {
		t.Fatalf("mode = %v, want %v", got, want)
	}

	lapic.PowerOnReset()

	if got, want := lapic.Mode(), ModeXAPIC; got != want {
		t.Fatalf("mode after reset = %v, want %v", got, want)
	}
	if lapic.MemRead(RegICR2) != 0 {
		t.Fatalf("ICR2 not cleared by reset")
	}
	// The APIC ID survives the reset.
	if got := XAPICID(lapic.MemRead(RegID)); got != 1 {
		t.Fatalf("xAPIC ID after reset = %d, want 1", got)
	}
}

func TestModeStatePersists(t *testing.T) {
	var state ModeState
	if state.X2APICEnabled() {
		t.Fatalf("mode state defaulted to x2APIC")
	}
	state.SetX2APICEnabled(true)
	if !state.X2APICEnabled() {
		t.Fatalf("mode state did not persist")
	}
}
