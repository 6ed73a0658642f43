// Package hpet emulates the platform's high precision event timer, reduced
// to what the platform programs: the main counter, the overall enable bit,
// and a small bank of comparator timers.
package hpet

import (
	"sync"
	"time"
)

// InterruptSink defines where the HPET sends its signals (usually the IOAPIC).
type InterruptSink interface {
	SetIRQ(n int, high bool)
}

const (
	clockPeriodFemtoseconds = 10_000_000 // 10ns
	numTimers               = 3

	timerConfIntEnable uint64 = 1 << 2
	timerConfPeriodic  uint64 = 1 << 3

	pollInterval = 100 * time.Microsecond
)

type timer struct {
	config     uint64
	comparator uint64
	period     uint64
	route      int
}

// Device is the emulated HPET.
type Device struct {
	sink InterruptSink

	mu         sync.Mutex
	counter    uint64
	lastUpdate time.Time
	enabled    bool
	disabled   bool
	timers     [numTimers]timer

	ticker *time.Ticker
	done   chan struct{}
}

// New constructs an HPET delivering interrupts to sink.
func New(sink InterruptSink) *Device {
	d := &Device{
		sink:       sink,
		lastUpdate: time.Now(),
		ticker:     time.NewTicker(pollInterval),
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

// Enable starts the main counter.
func (d *Device) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disabled {
		return
	}
	if !d.enabled {
		d.lastUpdate = time.Now()
	}
	d.enabled = true
}

// Counter returns the current main counter value.
func (d *Device) Counter() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advanceLocked(time.Now())
	return d.counter
}

// ProgramTimer arms one comparator. Periodic timers re-arm themselves by
// their initial comparator value.
func (d *Device) ProgramTimer(idx int, comparator uint64, periodic bool, route int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= numTimers || d.disabled {
		return
	}
	t := &d.timers[idx]
	t.config = timerConfIntEnable
	if periodic {
		t.config |= timerConfPeriodic
	}
	t.comparator = comparator
	t.period = comparator
	t.route = route
}

// Disable stops the counter, disarms every timer, and halts the tick source.
// Idempotent: the crash path may call it after the device is already dead.
func (d *Device) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disabled {
		return
	}
	d.disabled = true
	d.enabled = false
	for i := range d.timers {
		d.timers[i].config &^= timerConfIntEnable
	}
	d.ticker.Stop()
	close(d.done)
}

// Disabled reports whether the timer has been shut off.
func (d *Device) Disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled
}

func (d *Device) advanceLocked(now time.Time) {
	if now.Before(d.lastUpdate) {
		d.lastUpdate = now
		return
	}
	prev := d.counter
	if d.enabled {
		elapsed := now.Sub(d.lastUpdate)
		d.counter += (uint64(elapsed.Nanoseconds()) * 1_000_000) / clockPeriodFemtoseconds
	}
	d.lastUpdate = now
	if d.enabled {
		d.checkTimersLocked(prev)
	}
}

func (d *Device) checkTimersLocked(prev uint64) {
	current := d.counter
	for i := range d.timers {
		t := &d.timers[i]
		if t.config&timerConfIntEnable == 0 {
			continue
		}
		if t.config&timerConfPeriodic == 0 {
			if prev < t.comparator && current >= t.comparator {
				d.fireLocked(t)
			}
			continue
		}
		fired := false
		for t.period > 0 && current >= t.comparator {
			fired = true
			t.comparator += t.period
		}
		if fired {
			d.fireLocked(t)
		}
	}
}

func (d *Device) fireLocked(t *timer) {
	if d.sink == nil {
		return
	}
	d.sink.SetIRQ(t.route, true)
	d.sink.SetIRQ(t.route, false)
}

func (d *Device) run() {
	for {
		select {
		case now := <-d.ticker.C:
			d.mu.Lock()
			d.advanceLocked(now)
			d.mu.Unlock()
		case <-d.done:
			return
		}
	}
}
