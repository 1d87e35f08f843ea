package content

import (
	"fmt"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
)

// Bitfield records one bit per unit. Bits are only ever set, so the number
// of set bits never decreases over the life of a Bitfield.
type Bitfield struct {
	sync.RWMutex
	bits  bitmap.Bitmap
	units int
	count int
}

func NewBitfield(units int) *Bitfield {
	return &Bitfield{
		bits:  bitmap.New(units),
		units: units,
	}
}

// BitfieldFromBytes decodes the wire form: bit 0 is the high bit of the
// first byte. Trailing spare bits must be clear.
func BitfieldFromBytes(units int, data []byte) (*Bitfield, error) {
	if len(data) != (units+7)/8 {
		return nil, fmt.Errorf("bitfield has %d bytes, want %d", len(data), (units+7)/8)
	}
	bf := NewBitfield(units)
	for i := 0; i < len(data)*8; i++ {
		if data[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= units {
			return nil, fmt.Errorf("bitfield sets spare bit %d", i)
		}
		bf.bits.Set(i, true)
		bf.count++
	}
	return bf, nil
}

func (bf *Bitfield) Len() int {
	return bf.units
}

func (bf *Bitfield) Has(index int) bool {
	bf.RLock()
	defer bf.RUnlock()

	if index < 0 || index >= bf.units {
		return false
	}
	return bf.bits.Get(index)
}

// Set marks index and reports whether it was previously clear.
func (bf *Bitfield) Set(index int) bool {
	bf.Lock()
	defer bf.Unlock()

	if index < 0 || index >= bf.units || bf.bits.Get(index) {
		return false
	}
	bf.bits.Set(index, true)
	bf.count++
	return true
}

func (bf *Bitfield) Count() int {
	bf.RLock()
	defer bf.RUnlock()

	return bf.count
}

func (bf *Bitfield) Full() bool {
	bf.RLock()
	defer bf.RUnlock()

	return bf.count == bf.units
}

// Missing lists the indices that are set in other but not in bf.
func (bf *Bitfield) Missing(other *Bitfield) []int {
	bf.RLock()
	defer bf.RUnlock()
	other.RLock()
	defer other.RUnlock()

	missing := []int{}
	for i := 0; i < bf.units && i < other.units; i++ {
		if other.bits.Get(i) && !bf.bits.Get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (bf *Bitfield) Indices() []int {
	bf.RLock()
	defer bf.RUnlock()

	indices := make([]int, 0, bf.count)
	for i := 0; i < bf.units; i++ {
		if bf.bits.Get(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// Bytes returns the wire form of the bitfield.
func (bf *Bitfield) Bytes() []byte {
	bf.RLock()
	defer bf.RUnlock()

	data := make([]byte, (bf.units+7)/8)
	for i := 0; i < bf.units; i++ {
		if bf.bits.Get(i) {
			data[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return data
}

// MarkComplete sets the bit for a verified unit. Setting an already set bit
// is a no-op; the return value reports whether the bit was newly set.
func MarkComplete(bf *Bitfield, index int) bool {
	return bf.Set(index)
}

func PiecesComplete(bf *Bitfield) int {
	return bf.Count()
}

func PercentComplete(bf *Bitfield) float64 {
	if bf.Len() == 0 {
		return 100
	}
	return float64(bf.Count()) * 100 / float64(bf.Len())
}
