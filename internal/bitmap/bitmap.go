// Package bitmap provides a fixed-size bit set used for chunk and arena
// metadata (decommitted pages, free-committed arenas, cell mark bits).
//
// The size is fixed at construction. Out-of-range indices panic, matching
// slice indexing semantics.
package bitmap

import (
	"fmt"
	"math/bits"
)

const wordBits = 64

// Bitmap is a fixed-size bit set. The zero value is an empty bitmap of length 0.
type Bitmap struct {
	words []uint64
	n     int
}

// New returns a bitmap of n bits, all clear.
func New(n int) *Bitmap {
	if n < 0 {
		panic(fmt.Errorf("bitmap: negative length %d", n))
	}
	return &Bitmap{
		words: make([]uint64, (n+wordBits-1)/wordBits),
		n:     n,
	}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int { return b.n }

func (b *Bitmap) check(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Errorf("bitmap: index %d out of range [0,%d)", i, b.n))
	}
}

// Set sets bit i.
func (b *Bitmap) Set(i int) {
	b.check(i)
	b.words[i/wordBits] |= 1 << uint(i%wordBits)
}

// Clear clears bit i.
func (b *Bitmap) Clear(i int) {
	b.check(i)
	b.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

// IsSet reports whether bit i is set.
func (b *Bitmap) IsSet(i int) bool {
	b.check(i)
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// SetRange sets bits [from, to).
func (b *Bitmap) SetRange(from, to int) {
	for i := from; i < to; i++ {
		b.Set(i)
	}
}

// ClearRange clears bits [from, to).
func (b *Bitmap) ClearRange(from, to int) {
	for i := from; i < to; i++ {
		b.Clear(i)
	}
}

// SetAll sets every bit.
func (b *Bitmap) SetAll() {
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
	b.trim()
}

// ClearAll clears every bit.
func (b *Bitmap) ClearAll() {
	clear(b.words)
}

// trim clears the unused high bits of the last word so Count stays exact.
func (b *Bitmap) trim() {
	if r := b.n % wordBits; r != 0 {
		b.words[len(b.words)-1] &= (1 << uint(r)) - 1
	}
}

// FirstSet returns the lowest set bit index, or -1 if none is set.
func (b *Bitmap) FirstSet() int {
	return b.NextSet(0)
}

// NextSet returns the lowest set bit index >= from, or -1.
func (b *Bitmap) NextSet(from int) int {
	if from < 0 {
		from = 0
	}
	if from >= b.n {
		return -1
	}
	wi := from / wordBits
	w := b.words[wi] >> uint(from%wordBits)
	if w != 0 {
		return from + bits.TrailingZeros64(w)
	}
	for wi++; wi < len(b.words); wi++ {
		if b.words[wi] != 0 {
			return wi*wordBits + bits.TrailingZeros64(b.words[wi])
		}
	}
	return -1
}

// FirstClear returns the lowest clear bit index, or -1 if all bits are set.
func (b *Bitmap) FirstClear() int {
	return b.NextClear(0)
}

// NextClear returns the lowest clear bit index >= from, or -1.
func (b *Bitmap) NextClear(from int) int {
	if from < 0 {
		from = 0
	}
	for wi := from / wordBits; wi < len(b.words); wi++ {
		w := ^b.words[wi]
		if wi == from/wordBits {
			w &= ^uint64(0) << uint(from%wordBits)
		}
		if w == 0 {
			continue
		}
		i := wi*wordBits + bits.TrailingZeros64(w)
		if i >= b.n {
			return -1
		}
		return i
	}
	return -1
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// CountRange returns the number of set bits in [from, to).
func (b *Bitmap) CountRange(from, to int) int {
	n := 0
	for i := b.NextSet(from); i >= 0 && i < to; i = b.NextSet(i + 1) {
		n++
	}
	return n
}

// String renders the bitmap as a run of '1' and '0', lowest index first.
func (b *Bitmap) String() string {
	buf := make([]byte, b.n)
	for i := range b.n {
		if b.IsSet(i) {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	return string(buf)
}
