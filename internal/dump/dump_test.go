package dump

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
)

func TestSaveCPUFirstWins(t *testing.T) {
	b := NewBuilder()
	b.SaveCPU(2, Registers{Rip: 0x1000})
	b.SaveCPU(2, Registers{Rip: 0x2000})

	snap, err := b.Snapshot(2)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Regs.Rip != 0x1000 {
		t.Fatalf("second save overwrote the first: rip=%#x", snap.Regs.Rip)
	}
	if b.Saved(3) {
		t.Fatalf("unsaved CPU reported as saved")
	}
}

func TestCrashInfoPopulatedOnce(t *testing.T) {
	b := NewBuilder()
	if b.CrashInfo().Populated() {
		t.Fatalf("fresh builder has populated info")
	}

	b.SetCrashInfo(0x200000, 0xdeadbeef)
	b.SetCrashInfo(0x300000, 0x1)

	info := b.CrashInfo()
	if !info.Populated() {
		t.Fatalf("info not populated")
	}
	if info.PhysStart != 0x200000 || info.FrameListDescriptor != 0xdeadbeef {
		t.Fatalf("second SetCrashInfo took effect: %+v", info)
	}
}

func TestNoteRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.SaveCPU(0, Registers{Rip: 0xffffffff81000000, Rsp: 0x7000})
	b.SaveCPU(3, Registers{Rip: 0xffffffff81000040})
	b.SetCrashInfo(0x200000, 0xabc)

	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	cpus, info, err := ReadNotes(&buf)
	if err != nil {
		t.Fatalf("read notes: %v", err)
	}
	if len(cpus) != 2 || cpus[0] != 0 || cpus[1] != 3 {
		t.Fatalf("cpus = %v, want [0 3]", cpus)
	}
	if !info.Populated() || info.PhysStart != 0x200000 || info.FrameListDescriptor != 0xabc {
		t.Fatalf("info = %+v", info)
	}
}

// A header claiming a multi-gigabyte descriptor must be rejected up front,
// not handed to make.
func TestReadNotesRejectsOversizedNote(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(8))
	binary.Write(&buf, binary.LittleEndian, uint32(1<<31))
	binary.Write(&buf, binary.LittleEndian, noteTypeCPU)

	if _, _, err := ReadNotes(&buf); err == nil {
		t.Fatalf("oversized note accepted")
	}
}

func TestWriteFile(t *testing.T) {
	b := NewBuilder()
	b.SaveCPU(1, Registers{Rip: 0x42})
	b.SetCrashInfo(0x100000, 0x7)

	path := filepath.Join(t.TempDir(), "vmcore")
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("write file: %v", err)
	}

	// File must be parseable again.
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	cpus, _, err := ReadNotes(&buf)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(cpus) != 1 || cpus[0] != 1 {
		t.Fatalf("cpus = %v, want [1]", cpus)
	}
}
