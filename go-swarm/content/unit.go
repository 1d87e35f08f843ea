package content

import (
	"bytes"
	"errors"
)

var ErrVerificationFailure = errors.New("unit failed verification")

const (
	BLOCK_SIZE = 16384 // 2^14
)

// Unit is one independently verifiable piece or block of a content item.
type Unit struct {
	Index  int
	Offset int64
	Length int
	Digest []byte
}

// Metadata describes how a content item is partitioned and how each unit
// is hashed. Torrents and block lists both implement it.
type Metadata interface {
	ContentID() ID
	NumUnits() int
	UnitLength(index int) int
	UnitDigest(index int) []byte
	Hash(index int, data []byte) ([]byte, error)
}

// UnitsFor partitions meta into its ordered units.
func UnitsFor(meta Metadata) []Unit {
	n := meta.NumUnits()
	units := make([]Unit, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := meta.UnitLength(i)
		units = append(units, Unit{
			Index:  i,
			Offset: offset,
			Length: length,
			Digest: meta.UnitDigest(i),
		})
		offset += int64(length)
	}
	return units
}

// Layout is the immutable unit table of one content item.
type Layout struct {
	meta   Metadata
	units  []Unit
	length int64
}

func NewLayout(meta Metadata) *Layout {
	units := UnitsFor(meta)
	var length int64
	if len(units) > 0 {
		last := units[len(units)-1]
		length = last.Offset + int64(last.Length)
	}
	return &Layout{meta: meta, units: units, length: length}
}

func (l *Layout) ContentID() ID {
	return l.meta.ContentID()
}

func (l *Layout) Metadata() Metadata {
	return l.meta
}

func (l *Layout) NumUnits() int {
	return len(l.units)
}

func (l *Layout) Length() int64 {
	return l.length
}

func (l *Layout) Units() []Unit {
	return l.units
}

func (l *Layout) Unit(index int) (Unit, bool) {
	if index < 0 || index >= len(l.units) {
		return Unit{}, false
	}
	return l.units[index], true
}

// Verify reports whether data hashes to the expected digest of unit index.
// It never panics; any malformed input simply fails verification.
func (l *Layout) Verify(index int, data []byte) (ok bool) {
	unit, found := l.Unit(index)
	if !found || len(data) != unit.Length {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	sum, err := l.meta.Hash(index, data)
	if err != nil {
		return false
	}
	return bytes.Equal(sum, unit.Digest)
}

// BlockSpan is a wire level slice of a unit.
type BlockSpan struct {
	Index  int
	Begin  int
	Length int
}

// Blocks splits unit index into spans of at most size bytes.
func (l *Layout) Blocks(index int, size int) []BlockSpan {
	unit, ok := l.Unit(index)
	if !ok || size <= 0 {
		return nil
	}
	spans := make([]BlockSpan, 0, (unit.Length+size-1)/size)
	for begin := 0; begin < unit.Length; begin += size {
		length := size
		if begin+length > unit.Length {
			length = unit.Length - begin
		}
		spans = append(spans, BlockSpan{Index: index, Begin: begin, Length: length})
	}
	return spans
}
