// Package console is the platform's diagnostic console: a serialized text
// sink shared by every CPU.
//
// The lock protecting it is deliberately not a sync.Mutex. A CPU can be
// stopped mid-hold during a crash shootdown and will never run again, so the
// crash path needs ForceUnlock: an unconditional release that is legal from a
// non-owner and when the lock is not held at all.
package console

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const (
	sgrBoldRed = "\x1b[1;31m"
	sgrReset   = "\x1b[0m"
)

// Lock is a force-unlockable spin lock.
type Lock struct {
	held atomic.Bool
}

// TryLock attempts to take the lock without blocking.
func (l *Lock) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Lock spins until the lock is taken.
func (l *Lock) Lock() {
	for !l.TryLock() {
		runtime.Gosched()
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.held.Store(false)
}

// ForceUnlock releases the lock regardless of who holds it, or whether it is
// held at all. Safe to call exactly because the crash path guarantees no
// former holder will ever run again.
func (l *Lock) ForceUnlock() {
	l.held.Store(false)
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	return l.held.Load()
}

// Console serializes diagnostic output from all CPUs onto one writer.
type Console struct {
	lock  Lock
	w     io.Writer
	color bool

	forcedUnlocks atomic.Uint64
}

// New builds a console writing to w. ANSI styling is kept only when w is the
// process's terminal.
func New(w io.Writer) *Console {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &Console{w: w, color: color}
}

// Printf writes a formatted line under the console lock.
func (c *Console) Printf(format string, args ...any) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.emit(fmt.Sprintf(format, args...))
}

// Banner writes a highlighted crash banner under the console lock.
func (c *Console) Banner(text string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.emit(sgrBoldRed + text + sgrReset + "\n")
}

func (c *Console) emit(s string) {
	if !c.color {
		s = ansi.Strip(s)
	}
	io.WriteString(c.w, s)
}

// TryLock exposes the underlying lock for callers that need to hold the
// console across several lines.
func (c *Console) TryLock() bool { return c.lock.TryLock() }

// Unlock releases the console lock.
func (c *Console) Unlock() { c.lock.Unlock() }

// ForceUnlock unconditionally releases the console lock. Called once per
// crash by the coordinator, because a CPU shot down mid-hold can never
// release it itself.
func (c *Console) ForceUnlock() {
	c.lock.ForceUnlock()
	c.forcedUnlocks.Add(1)
}

// ForcedUnlocks returns how many times the lock was forcibly released.
func (c *Console) ForcedUnlocks() uint64 {
	return c.forcedUnlocks.Load()
}
