package storage

import (
	"path/filepath"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// blockStorage keeps every block of a block list in its own file named
// after the block's CID.
type blockStorage struct {
	fs     afero.Fs
	dir    string
	blocks *content.BlockList
}

func NewBlockStorage(fs afero.Fs, dir string, blocks *content.BlockList) (Storage, error) {
	dir = filepath.Join(dir, blocks.Root().String())
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("create %s: %w", dir, err)
	}
	return &blockStorage{fs: fs, dir: dir, blocks: blocks}, nil
}

func (s *blockStorage) path(u content.Unit) (string, error) {
	if u.Index < 0 || u.Index >= s.blocks.NumUnits() {
		return "", xerrors.Errorf("block %d: %w", u.Index, ErrOutOfRange)
	}
	return filepath.Join(s.dir, s.blocks.Block(u.Index).String()), nil
}

func (s *blockStorage) ReadUnit(u content.Unit) ([]byte, error) {
	path, err := s.path(u)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, path)
}

func (s *blockStorage) ReadBlock(u content.Unit, begin, length int) ([]byte, error) {
	if err := checkSpan(u, begin, length); err != nil {
		return nil, err
	}
	path, err := s.path(u)
	if err != nil {
		return nil, err
	}
	file, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data := make([]byte, length)
	if _, err := file.ReadAt(data, int64(begin)); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteUnit writes through a temporary file so a block file is either
// absent or complete.
func (s *blockStorage) WriteUnit(u content.Unit, data []byte) error {
	path, err := s.path(u)
	if err != nil {
		return err
	}
	tmp := path + ".part"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *blockStorage) Close() error {
	return nil
}

