package dump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/sys/unix"
)

// vmcore note layout: a flat sequence of ELF-style notes, one per saved CPU
// plus one trailing info note. Each note is namesz/descsz/type words, the
// 4-byte-padded name, then the 4-byte-padded descriptor.
const (
	noteName = "VMCRASH"

	noteTypeCPU  uint32 = 1
	noteTypeInfo uint32 = 2

	// maxNoteSize bounds the name and descriptor of any single note. The
	// largest note this package writes is well under a kilobyte; anything
	// bigger is a corrupt or hostile stream, and the size words come from
	// the stream itself, so they must not drive allocation unchecked.
	maxNoteSize = 1 << 16
)

// WriteTo serializes the builder's contents as a note stream.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	cpus := make([]CPUSnapshot, 0, len(b.cpus))
	for _, snap := range b.cpus {
		cpus = append(cpus, snap)
	}
	info := b.info
	b.mu.Unlock()

	sort.Slice(cpus, func(i, j int) bool { return cpus[i].CPU < cpus[j].CPU })

	var total int64
	for _, snap := range cpus {
		desc := encodeCPUNote(snap)
		n, err := writeNote(w, noteTypeCPU, desc)
		total += n
		if err != nil {
			return total, err
		}
	}

	if info.populated {
		var desc bytes.Buffer
		binary.Write(&desc, binary.LittleEndian, info.PhysStart)
		binary.Write(&desc, binary.LittleEndian, info.FrameListDescriptor)
		n, err := writeNote(w, noteTypeInfo, desc.Bytes())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteFile writes the note stream to path and syncs it to stable storage.
// The crash path cannot rely on a clean process exit to flush buffers.
func (b *Builder) WriteFile(path string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("dump: open %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		unix.Close(fd)
		return err
	}

	data := buf.Bytes()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			unix.Close(fd)
			return fmt.Errorf("dump: write %s: %w", path, err)
		}
		data = data[n:]
	}

	if err := unix.Fsync(fd); err != nil {
		unix.Close(fd)
		return fmt.Errorf("dump: fsync %s: %w", path, err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("dump: close %s: %w", path, err)
	}
	return nil
}

func encodeCPUNote(snap CPUSnapshot) []byte {
	var desc bytes.Buffer
	binary.Write(&desc, binary.LittleEndian, uint32(snap.CPU))
	binary.Write(&desc, binary.LittleEndian, uint32(0)) // pad to 8
	binary.Write(&desc, binary.LittleEndian, snap.Regs)
	binary.Write(&desc, binary.LittleEndian, snap.CapturedAt.UnixNano())
	return desc.Bytes()
}

func writeNote(w io.Writer, typ uint32, desc []byte) (int64, error) {
	var buf bytes.Buffer
	name := append([]byte(noteName), 0)

	binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, typ)
	buf.Write(pad4(name))
	buf.Write(pad4(desc))

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func pad4(b []byte) []byte {
	if rem := len(b) % 4; rem != 0 {
		b = append(b, make([]byte, 4-rem)...)
	}
	return b
}

// ReadNotes parses a note stream back into CPU identities and the info
// record, used by tooling that inspects a vmcore without loading it.
func ReadNotes(r io.Reader) (cpus []int, info CrashInfo, err error) {
	for {
		var hdr struct {
			NameSz uint32
			DescSz uint32
			Type   uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err == io.EOF {
			return cpus, info, nil
		} else if err != nil {
			return nil, CrashInfo{}, fmt.Errorf("dump: read note header: %w", err)
		}

		if hdr.NameSz > maxNoteSize || hdr.DescSz > maxNoteSize {
			return nil, CrashInfo{}, fmt.Errorf("dump: note size %d/%d exceeds limit %d",
				hdr.NameSz, hdr.DescSz, maxNoteSize)
		}

		name := make([]byte, padded4(hdr.NameSz))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, CrashInfo{}, fmt.Errorf("dump: read note name: %w", err)
		}
		desc := make([]byte, padded4(hdr.DescSz))
		if _, err := io.ReadFull(r, desc); err != nil {
			return nil, CrashInfo{}, fmt.Errorf("dump: read note desc: %w", err)
		}

		switch hdr.Type {
		case noteTypeCPU:
			if hdr.DescSz < 4 {
				return nil, CrashInfo{}, fmt.Errorf("dump: short CPU note")
			}
			cpus = append(cpus, int(binary.LittleEndian.Uint32(desc)))
		case noteTypeInfo:
			if hdr.DescSz < 16 {
				return nil, CrashInfo{}, fmt.Errorf("dump: short info note")
			}
			info = CrashInfo{
				PhysStart:           binary.LittleEndian.Uint64(desc),
				FrameListDescriptor: binary.LittleEndian.Uint64(desc[8:]),
				populated:           true,
			}
		}
	}
}

func padded4(n uint32) int {
	return int((n + 3) &^ 3)
}
