package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

type storageFile struct {
	sync.Mutex
	file   afero.File
	offset int64
	length int64
}

// randomAccessStorage maps the byte range of a torrent onto its files.
type randomAccessStorage struct {
	torrent *content.Torrent
	files   []*storageFile
}

func NewRandomAccessStorage(
	fs afero.Fs, dir string, torrent *content.Torrent) (Storage, error) {

	s := &randomAccessStorage{
		torrent: torrent,
	}
	if err := s.init(fs, dir); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openOrCreateFile(fs afero.Fs, path string, length int64) (afero.File, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() < length {
		if err := file.Truncate(length); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

func (s *randomAccessStorage) init(fs afero.Fs, dir string) error {
	info := s.torrent.MetaInfo.Info
	if len(info.Files) == 0 {
		// Single File Mode
		file, err := openOrCreateFile(fs, filepath.Join(dir, info.Name), info.Length)
		if err != nil {
			return xerrors.Errorf("open %s: %w", info.Name, err)
		}
		s.files = append(s.files, &storageFile{file: file, length: info.Length})
		return nil
	}

	// Multiple File Mode
	var offset int64
	for _, f := range info.Files {
		path := filepath.Join(append([]string{dir, info.Name}, f.Path...)...)
		file, err := openOrCreateFile(fs, path, f.Length)
		if err != nil {
			return xerrors.Errorf("open %s: %w", path, err)
		}
		s.files = append(s.files, &storageFile{file: file, offset: offset, length: f.Length})
		offset += f.Length
	}
	return nil
}

// span calls fn for every file overlapping [offset, offset+len(buf)) with
// the file relative offset and the matching slice of buf.
func (s *randomAccessStorage) span(offset int64, buf []byte, fn func(f *storageFile, at int64, part []byte) error) error {
	for _, f := range s.files {
		if len(buf) == 0 {
			return nil
		}
		end := f.offset + f.length
		if offset >= end || f.length == 0 {
			continue
		}
		at := offset - f.offset
		n := int64(len(buf))
		if at+n > f.length {
			n = f.length - at
		}
		f.Lock()
		err := fn(f, at, buf[:n])
		f.Unlock()
		if err != nil {
			return err
		}
		buf = buf[n:]
		offset += n
	}
	if len(buf) > 0 {
		return ErrOutOfRange
	}
	return nil
}

func (s *randomAccessStorage) readAt(offset int64, length int) ([]byte, error) {
	data := make([]byte, length)
	err := s.span(offset, data, func(f *storageFile, at int64, part []byte) error {
		_, err := f.file.ReadAt(part, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *randomAccessStorage) ReadUnit(u content.Unit) ([]byte, error) {
	return s.readAt(u.Offset, u.Length)
}

func (s *randomAccessStorage) ReadBlock(u content.Unit, begin, length int) ([]byte, error) {
	if err := checkSpan(u, begin, length); err != nil {
		return nil, err
	}
	return s.readAt(u.Offset+int64(begin), length)
}

func (s *randomAccessStorage) WriteUnit(u content.Unit, data []byte) error {
	if len(data) != u.Length {
		return xerrors.Errorf("unit %d: %d bytes for length %d: %w", u.Index, len(data), u.Length, ErrOutOfRange)
	}
	return s.span(u.Offset, data, func(f *storageFile, at int64, part []byte) error {
		_, err := f.file.WriteAt(part, at)
		return err
	})
}

func (s *randomAccessStorage) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
