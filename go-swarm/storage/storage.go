package storage

import (
	"errors"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

var ErrOutOfRange = errors.New("read outside of unit")

// Storage persists verified units. Implementations are safe for concurrent use.
type Storage interface {
	ReadUnit(u content.Unit) ([]byte, error)
	WriteUnit(u content.Unit, data []byte) error
	ReadBlock(u content.Unit, begin, length int) ([]byte, error)
	Close() error
}

// Open picks the storage for the kind of meta.
func Open(fs afero.Fs, dir string, meta content.Metadata) (Storage, error) {
	switch m := meta.(type) {
	case *content.Torrent:
		return NewRandomAccessStorage(fs, dir, m)
	case *content.BlockList:
		return NewBlockStorage(fs, dir, m)
	default:
		return nil, xerrors.Errorf("no storage for %T", meta)
	}
}

func checkSpan(u content.Unit, begin, length int) error {
	if begin < 0 || length <= 0 || begin+length > u.Length {
		return xerrors.Errorf("unit %d [%d,+%d): %w", u.Index, begin, length, ErrOutOfRange)
	}
	return nil
}

// Recheck reads every unit listed in indices back from s and returns the
// ones that still verify against layout.
func Recheck(s Storage, layout *content.Layout, indices []int) []int {
	verified := []int{}
	for _, index := range indices {
		u, ok := layout.Unit(index)
		if !ok {
			continue
		}
		data, err := s.ReadUnit(u)
		if err != nil {
			continue
		}
		if layout.Verify(index, data) {
			verified = append(verified, index)
		}
	}
	return verified
}
