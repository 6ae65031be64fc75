// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipv4

import "math/bits"

// Mask is a fixed-size bitset over packet indices in a batch.
type Mask struct {
	words []uint64
	size  int
}

// NewMask returns an empty mask covering indices [0, n).
func NewMask(n int) Mask {
	if n < 0 {
		n = 0
	}
	return Mask{words: make([]uint64, (n+63)/64), size: n}
}

// FullMask returns a mask of size n with every index set.
func FullMask(n int) Mask {
	m := NewMask(n)
	for i := range m.words {
		m.words[i] = ^uint64(0)
	}
	if r := n % 64; r != 0 {
		m.words[len(m.words)-1] = 1<<r - 1
	}
	return m
}

// Len returns the number of indices the mask covers.
func (m Mask) Len() int { return m.size }

// Set sets bit i. Out of range indices are ignored.
func (m Mask) Set(i int) {
	if i < 0 || i >= m.size {
		return
	}
	m.words[i/64] |= 1 << (i % 64)
}

// Get reports whether bit i is set.
func (m Mask) Get(i int) bool {
	if i < 0 || i >= m.size {
		return false
	}
	return m.words[i/64]&(1<<(i%64)) != 0
}

// Clear clears bit i.
func (m Mask) Clear(i int) {
	if i < 0 || i >= m.size {
		return
	}
	m.words[i/64] &^= 1 << (i % 64)
}

// ClearAll clears every bit.
func (m Mask) ClearAll() {
	clear(m.words)
}

// Count returns the number of set bits.
func (m Mask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Indices returns the set indices in ascending order.
func (m Mask) Indices() []int {
	out := make([]int, 0, m.Count())
	for wi, w := range m.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, wi*64+b)
			w &= w - 1
		}
	}
	return out
}
