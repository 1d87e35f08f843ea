package storage

import (
	"crypto/sha1"
	"os"
	"testing"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func multiFileTorrent(data []byte) *content.Torrent {
	pieceLength := 256
	pieces := []byte{}
	for begin := 0; begin < len(data); begin += pieceLength {
		end := begin + pieceLength
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[begin:end])
		pieces = append(pieces, sum[:]...)
	}
	return &content.Torrent{
		Length: int64(len(data)),
		MetaInfo: content.MetaInfo{
			Info: content.Info{
				PieceLength: pieceLength,
				Pieces:      string(pieces),
				Name:        "root",
				Files: []content.File{
					{Length: 300, Path: []string{"sub1", "name1"}},
					{Length: 0, Path: []string{"empty"}},
					{Length: 300, Path: []string{"sub1", "sub2", "name2"}},
				},
			},
		},
		InfoHash:  [20]byte{1},
		NumPieces: len(pieces) / sha1.Size,
	}
}

func TestRandomAccessStorageInit(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewRandomAccessStorage(fs, "data", multiFileTorrent(sampleData(600)))
	require.NoError(t, err)
	defer s.Close()

	for _, path := range []string{"data/root/sub1/name1", "data/root/empty", "data/root/sub1/sub2/name2"} {
		_, err := fs.Stat(path)
		assert.False(t, os.IsNotExist(err), path)
	}
	info, err := fs.Stat("data/root/sub1/name1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), info.Size())
}

func TestRandomAccessStorageSpansFiles(t *testing.T) {
	data := sampleData(600)
	torrent := multiFileTorrent(data)
	layout := content.NewLayout(torrent)

	fs := afero.NewMemMapFs()
	s, err := NewRandomAccessStorage(fs, "data", torrent)
	require.NoError(t, err)
	defer s.Close()

	for _, u := range layout.Units() {
		require.NoError(t, s.WriteUnit(u, data[u.Offset:u.Offset+int64(u.Length)]))
	}

	// piece 1 covers bytes [256, 512) which straddle both files
	u, _ := layout.Unit(1)
	got, err := s.ReadUnit(u)
	require.NoError(t, err)
	assert.Equal(t, data[256:512], got)
	assert.True(t, layout.Verify(1, got))

	block, err := s.ReadBlock(u, 40, 10)
	require.NoError(t, err)
	assert.Equal(t, data[296:306], block)

	first, err := afero.ReadFile(fs, "data/root/sub1/name1")
	require.NoError(t, err)
	assert.Equal(t, data[:300], first)
	second, err := afero.ReadFile(fs, "data/root/sub1/sub2/name2")
	require.NoError(t, err)
	assert.Equal(t, data[300:], second)

	last, _ := layout.Unit(2)
	assert.Equal(t, 88, last.Length)
	_, err = s.ReadBlock(last, 80, 16)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, s.WriteUnit(last, data[:10]), ErrOutOfRange)
}

func TestRandomAccessStorageSingleFile(t *testing.T) {
	data := sampleData(300)
	torrent := multiFileTorrent(data)
	torrent.MetaInfo.Info.Files = nil
	torrent.MetaInfo.Info.Length = 300
	layout := content.NewLayout(torrent)

	fs := afero.NewMemMapFs()
	s, err := NewRandomAccessStorage(fs, "", torrent)
	require.NoError(t, err)

	for _, u := range layout.Units() {
		require.NoError(t, s.WriteUnit(u, data[u.Offset:u.Offset+int64(u.Length)]))
	}
	require.NoError(t, s.Close())

	stored, err := afero.ReadFile(fs, "root")
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestBlockStorage(t *testing.T) {
	data := sampleData(1000)
	bl, err := content.BuildBlockList(data, 256)
	require.NoError(t, err)
	layout := content.NewLayout(bl)

	fs := afero.NewMemMapFs()
	s, err := Open(fs, "blocks", bl)
	require.NoError(t, err)

	u, _ := layout.Unit(3)
	_, err = s.ReadUnit(u)
	assert.Error(t, err)

	require.NoError(t, s.WriteUnit(u, data[768:]))
	got, err := s.ReadUnit(u)
	require.NoError(t, err)
	assert.True(t, layout.Verify(3, got))

	block, err := s.ReadBlock(u, 200, 32)
	require.NoError(t, err)
	assert.Equal(t, data[968:1000], block)

	_, err = fs.Stat("blocks/" + bl.Root().String() + "/" + bl.Block(3).String())
	assert.NoError(t, err)
	_, err = fs.Stat("blocks/" + bl.Root().String() + "/" + bl.Block(3).String() + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestRecheck(t *testing.T) {
	data := sampleData(600)
	torrent := multiFileTorrent(data)
	layout := content.NewLayout(torrent)

	s, err := Open(afero.NewMemMapFs(), "data", torrent)
	require.NoError(t, err)
	defer s.Close()

	u0, _ := layout.Unit(0)
	require.NoError(t, s.WriteUnit(u0, data[:256]))
	u2, _ := layout.Unit(2)
	corrupt := append([]byte{}, data[512:]...)
	corrupt[0] ^= 0xff
	require.NoError(t, s.WriteUnit(u2, corrupt))

	assert.Equal(t, []int{0}, Recheck(s, layout, []int{0, 1, 2, 9}))
}

func TestResumeStore(t *testing.T) {
	rs, err := OpenResumeStore(":memory:")
	require.NoError(t, err)
	defer rs.Close()

	a := content.FromInfoHash([20]byte{1})
	b := content.FromInfoHash([20]byte{2})

	require.NoError(t, rs.MarkVerified(a, 3))
	require.NoError(t, rs.MarkVerified(a, 1))
	require.NoError(t, rs.MarkVerified(a, 3))
	require.NoError(t, rs.MarkVerified(b, 0))

	verified, err := rs.Verified(a)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, verified)

	require.NoError(t, rs.Forget(a))
	verified, err = rs.Verified(a)
	require.NoError(t, err)
	assert.Empty(t, verified)

	verified, err = rs.Verified(b)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, verified)
}
