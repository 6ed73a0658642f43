// Package cpuset provides a fixed-capacity set of CPU identities that
// supports lock-free concurrent clearing. Each CPU only ever clears its own
// bit, so a single atomic and-not per word is enough; no lock is needed.
package cpuset

import (
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
)

// MaxCPUs is the largest CPU identity a Set can hold, exclusive.
const MaxCPUs = 256

const bitsPerWord = 64

// Set is an atomic bit set of CPU identities in [0, MaxCPUs).
//
// Reads observe a bit's clear only after the clearing CPU's atomic store is
// globally visible, which is the ordering the shootdown wait loop relies on.
type Set struct {
	words [MaxCPUs / bitsPerWord]atomic.Uint64
}

// New returns an empty set.
func New() *Set {
	return &Set{}
}

// Fill sets every identity in [0, n) except the excluded one.
func (s *Set) Fill(n int, except int) {
	if n > MaxCPUs {
		n = MaxCPUs
	}
	for cpu := 0; cpu < n; cpu++ {
		if cpu == except {
			continue
		}
		s.Set(cpu)
	}
}

// Set adds cpu to the set.
func (s *Set) Set(cpu int) {
	if cpu < 0 || cpu >= MaxCPUs {
		return
	}
	s.words[cpu/bitsPerWord].Or(1 << uint(cpu%bitsPerWord))
}

// Clear removes cpu from the set with a single atomic and-not.
func (s *Set) Clear(cpu int) {
	if cpu < 0 || cpu >= MaxCPUs {
		return
	}
	s.words[cpu/bitsPerWord].And(^uint64(1 << uint(cpu%bitsPerWord)))
}

// Contains reports whether cpu is in the set.
func (s *Set) Contains(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return s.words[cpu/bitsPerWord].Load()&(1<<uint(cpu%bitsPerWord)) != 0
}

// Empty reports whether no identity remains in the set.
func (s *Set) Empty() bool {
	for i := range s.words {
		if s.words[i].Load() != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of identities in the set.
func (s *Set) Count() int {
	n := 0
	for i := range s.words {
		n += bits.OnesCount64(s.words[i].Load())
	}
	return n
}

// Snapshot returns the identities currently in the set, ascending.
func (s *Set) Snapshot() []int {
	var cpus []int
	for i := range s.words {
		w := s.words[i].Load()
		for w != 0 {
			cpu := i*bitsPerWord + bits.TrailingZeros64(w)
			cpus = append(cpus, cpu)
			w &= w - 1
		}
	}
	return cpus
}

// String renders the set as a brace-delimited range list, e.g. "{0,2-5}".
func (s *Set) String() string {
	cpus := s.Snapshot()
	if len(cpus) == 0 {
		return "{}"
	}

	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if i > 0 {
			b.WriteByte(',')
		}
		if j == i {
			fmt.Fprintf(&b, "%d", cpus[i])
		} else {
			fmt.Fprintf(&b, "%d-%d", cpus[i], cpus[j])
		}
		i = j + 1
	}
	b.WriteByte('}')
	return b.String()
}
