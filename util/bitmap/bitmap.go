// Package bitmap manipulates allocation bitmaps in the little-endian bit
// order used by ext2: bit k of byte n addresses entry n*8+k.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a structure holding a bitmap
type Bitmap struct {
	bits []byte
}

// Contiguous a position and count of contiguous bits, either free or set
type Contiguous struct {
	Position int
	Count    int
}

// FromBytes create a bitmap struct from bytes
func FromBytes(b []byte) *Bitmap {
	// just copy them over
	bits := make([]byte, len(b))
	copy(bits, b)
	bm := Bitmap{
		bits: bits,
	}

	return &bm
}

// Wrap create a bitmap over the provided bytes without copying, so that
// mutations through the bitmap are visible in the underlying slice. Used to
// operate in place on a pinned buffer.
func Wrap(b []byte) *Bitmap {
	return &Bitmap{bits: b}
}

// New creates a new bitmap of size bytes; it is not in bits to force the caller to have
// a complete set
func New(nbytes int) *Bitmap {
	if nbytes < 0 {
		nbytes = 0
	}
	bm := Bitmap{
		bits: make([]byte, nbytes),
	}
	return &bm
}

// ToBytes returns raw bytes underlying the bitmap
func (bm *Bitmap) ToBytes() []byte {
	b := make([]byte, len(bm.bits))
	copy(b, bm.bits)

	return b
}

// IsSet check if a specific bit location is set
func (bm *Bitmap) IsSet(location int) (bool, error) {
	if location < 0 {
		return false, fmt.Errorf("location %d is negative", location)
	}
	byteNumber, bitNumber := findBitForIndex(location)
	if byteNumber >= len(bm.bits) {
		return false, fmt.Errorf("location %d is not in %d size bitmap", location, len(bm.bits)*8)
	}
	mask := byte(0x1) << bitNumber
	return bm.bits[byteNumber]&mask == mask, nil
}

// Clear a specific bit location
func (bm *Bitmap) Clear(location int) error {
	if location < 0 {
		return fmt.Errorf("location %d is negative", location)
	}
	byteNumber, bitNumber := findBitForIndex(location)
	if byteNumber >= len(bm.bits) {
		return fmt.Errorf("location %d is not in %d size bitmap", location, len(bm.bits)*8)
	}
	mask := byte(0x1) << bitNumber
	mask = ^mask
	bm.bits[byteNumber] &= mask
	return nil
}

// Set a specific bit location
func (bm *Bitmap) Set(location int) error {
	if location < 0 {
		return fmt.Errorf("location %d is negative", location)
	}
	byteNumber, bitNumber := findBitForIndex(location)
	if byteNumber >= len(bm.bits) {
		return fmt.Errorf("location %d is not in %d size bitmap", location, len(bm.bits)*8)
	}
	mask := byte(0x1) << bitNumber
	bm.bits[byteNumber] |= mask
	return nil
}

// TestAndSet sets the bit and reports whether it already was set. The caller
// is expected to serialize access, e.g. under a per-group lock.
func (bm *Bitmap) TestAndSet(location int) (bool, error) {
	was, err := bm.IsSet(location)
	if err != nil {
		return false, err
	}
	if !was {
		if err := bm.Set(location); err != nil {
			return false, err
		}
	}
	return was, nil
}

// TestAndClear clears the bit and reports whether it was set before.
func (bm *Bitmap) TestAndClear(location int) (bool, error) {
	was, err := bm.IsSet(location)
	if err != nil {
		return false, err
	}
	if was {
		if err := bm.Clear(location); err != nil {
			return false, err
		}
	}
	return was, nil
}

// NextZeroBit returns the first free bit in [start, limit), or -1 if every
// bit in the range is set.
func (bm *Bitmap) NextZeroBit(limit, start int) int {
	if start < 0 {
		start = 0
	}
	if limit > len(bm.bits)*8 {
		limit = len(bm.bits) * 8
	}
	for i := start; i < limit; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		if bm.bits[byteNumber]&(byte(1)<<bitNumber) == 0 {
			return i
		}
	}
	return -1
}

// FirstFree returns the first free bit in the bitmap at or after start.
// Returns -1 if none found.
func (bm *Bitmap) FirstFree(start int) int {
	return bm.NextZeroBit(len(bm.bits)*8, start)
}

// FirstSet returns location of first set bit in the bitmap
func (bm *Bitmap) FirstSet() int {
	for i, b := range bm.bits {
		// if all free, continue to next
		if b == 0x00 {
			continue
		}
		// not all free, so find first bit set to 1
		for j := uint8(0); j < 8; j++ {
			if (b & (byte(1) << j)) != 0 {
				return i*8 + int(j)
			}
		}
	}
	return -1
}

// CountZero returns the number of free bits in [0, limit).
func (bm *Bitmap) CountZero(limit int) int {
	if limit > len(bm.bits)*8 {
		limit = len(bm.bits) * 8
	}
	var count int
	whole := limit / 8
	for _, b := range bm.bits[:whole] {
		count += 8 - bits.OnesCount8(b)
	}
	for i := whole * 8; i < limit; i++ {
		byteNumber, bitNumber := findBitForIndex(i)
		if bm.bits[byteNumber]&(byte(1)<<bitNumber) == 0 {
			count++
		}
	}
	return count
}

// CountSet returns the number of set bits in [0, limit).
func (bm *Bitmap) CountSet(limit int) int {
	if limit > len(bm.bits)*8 {
		limit = len(bm.bits) * 8
	}
	return limit - bm.CountZero(limit)
}

// FreeList returns a slicelist of contiguous free locations by location.
// It is sorted by location. If you want to sort it by size, uses sort.Slice
// for example, if the bitmap is 10010010 00100000 10000010, it will return
//
//		 1: 2, // 2 free bits at position 1
//		 4: 2, // 2 free bits at position 4
//		 7: 3, // 3 free bits at position 7
//		11: 5  // 5 free bits at position 11
//	    17: 5  // 5 free bits at position 17
//		23: 1, // 1 free bit at position 23
//
// if you want it in reverse order, just reverse the slice.
func (bm *Bitmap) FreeList() []Contiguous {
	var list []Contiguous
	var location = -1
	var count = 0
	for i, b := range bm.bits {
		for j := uint8(0); j < 8; j++ {
			mask := byte(0x1) << j
			switch {
			case b&mask != mask:
				if location == -1 {
					location = 8*i + int(j)
				}
				count++
			case location != -1:
				list = append(list, Contiguous{location, count})
				location = -1
				count = 0
			}
		}
	}
	if location != -1 {
		list = append(list, Contiguous{location, count})
	}
	return list
}

func findBitForIndex(index int) (byteNumber int, bitNumber uint8) {
	return index / 8, uint8(index % 8)
}
