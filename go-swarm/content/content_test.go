package content

import (
	"bytes"
	"crypto/sha1"
	"sync"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTorrent(t *testing.T, data []byte, pieceLength int) *Torrent {
	t.Helper()

	pieces := &bytes.Buffer{}
	for begin := 0; begin < len(data); begin += pieceLength {
		end := begin + pieceLength
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[begin:end])
		pieces.Write(sum[:])
	}
	metaInfo := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info": map[string]interface{}{
			"name":         "sample.bin",
			"piece length": pieceLength,
			"pieces":       pieces.String(),
			"length":       len(data),
		},
	}
	buf := &bytes.Buffer{}
	require.NoError(t, bencode.Marshal(buf, metaInfo))

	tor, err := ParseTorrent(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return tor
}

func sampleData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestParseTorrent(t *testing.T) {
	data := sampleData(10)
	tor := makeTorrent(t, data, 4)

	assert.Equal(t, 3, tor.NumPieces)
	assert.Equal(t, int64(10), tor.Length)
	assert.Equal(t, "sample.bin", tor.MetaInfo.Info.Name)
	assert.Equal(t, []string{"http://tracker.example/announce"}, tor.Trackers())
	assert.Equal(t, KindTorrent, tor.ContentID().Kind())
}

func TestParseTorrentRejectsGarbage(t *testing.T) {
	_, err := ParseTorrent(bytes.NewReader([]byte("i42e")))
	assert.Error(t, err)
}

func TestUnitsFor(t *testing.T) {
	tor := makeTorrent(t, sampleData(10), 4)

	units := UnitsFor(tor)
	require.Len(t, units, 3)
	assert.Equal(t, Unit{Index: 0, Offset: 0, Length: 4, Digest: tor.UnitDigest(0)}, units[0])
	assert.Equal(t, int64(4), units[1].Offset)
	assert.Equal(t, 2, units[2].Length)
	assert.Equal(t, int64(8), units[2].Offset)
}

func TestVerifyTorrentPiece(t *testing.T) {
	data := sampleData(10)
	layout := NewLayout(makeTorrent(t, data, 4))

	assert.True(t, layout.Verify(0, data[0:4]))
	assert.True(t, layout.Verify(2, data[8:10]))

	corrupt := append([]byte{}, data[4:8]...)
	corrupt[0] ^= 0xff
	assert.False(t, layout.Verify(1, corrupt))
	assert.False(t, layout.Verify(1, data[4:7]))
	assert.False(t, layout.Verify(-1, data[0:4]))
	assert.False(t, layout.Verify(3, data[0:4]))
	assert.False(t, layout.Verify(0, nil))
}

func TestVerifyBlockList(t *testing.T) {
	data := sampleData(100)
	bl, err := BuildBlockList(data, 32)
	require.NoError(t, err)
	layout := NewLayout(bl)

	require.Equal(t, 4, layout.NumUnits())
	assert.Equal(t, int64(100), layout.Length())
	assert.True(t, layout.Verify(0, data[0:32]))
	assert.True(t, layout.Verify(3, data[96:100]))
	assert.False(t, layout.Verify(3, []byte{1, 2, 3, 4}))
	assert.Equal(t, KindBlocks, bl.ContentID().Kind())

	c, err := bl.ContentID().Cid()
	require.NoError(t, err)
	assert.True(t, c.Equals(bl.Root()))
}

func TestLayoutBlocks(t *testing.T) {
	layout := NewLayout(makeTorrent(t, sampleData(40000), 40000))

	spans := layout.Blocks(0, BLOCK_SIZE)
	require.Len(t, spans, 3)
	assert.Equal(t, BlockSpan{Index: 0, Begin: 32768, Length: 40000 - 32768}, spans[2])
	assert.Nil(t, layout.Blocks(1, BLOCK_SIZE))
}

func TestMarkCompleteIsIdempotent(t *testing.T) {
	bf := NewBitfield(4)

	assert.True(t, MarkComplete(bf, 2))
	assert.False(t, MarkComplete(bf, 2))
	assert.False(t, MarkComplete(bf, 4))
	assert.Equal(t, 1, PiecesComplete(bf))
	assert.Equal(t, 25.0, PercentComplete(bf))
}

func TestPercentCompleteIsMonotonic(t *testing.T) {
	bf := NewBitfield(64)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			MarkComplete(bf, i%32*2)
		}(i)
	}

	last := 0.0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		p := PercentComplete(bf)
		assert.GreaterOrEqual(t, p, last)
		last = p
		select {
		case <-done:
			assert.Equal(t, 50.0, PercentComplete(bf))
			return
		default:
		}
	}
}

func TestBitfieldWireForm(t *testing.T) {
	bf := NewBitfield(10)
	bf.Set(0)
	bf.Set(9)

	assert.Equal(t, []byte{0x80, 0x40}, bf.Bytes())

	decoded, err := BitfieldFromBytes(10, bf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 9}, decoded.Indices())

	_, err = BitfieldFromBytes(10, []byte{0x80})
	assert.Error(t, err)
	_, err = BitfieldFromBytes(10, []byte{0x00, 0x20})
	assert.Error(t, err)
}

func TestBitfieldMissing(t *testing.T) {
	local := NewBitfield(4)
	remote := NewBitfield(4)
	for i := 0; i < 4; i++ {
		remote.Set(i)
	}
	local.Set(1)

	assert.Equal(t, []int{0, 2, 3}, local.Missing(remote))
}

func TestParseID(t *testing.T) {
	tor := makeTorrent(t, sampleData(10), 4)
	id, err := ParseID(tor.ContentID().String())
	require.NoError(t, err)
	assert.Equal(t, tor.ContentID(), id)

	bl, err := BuildBlockList(sampleData(10), 4)
	require.NoError(t, err)
	id, err = ParseID(bl.ContentID().String())
	require.NoError(t, err)
	assert.Equal(t, bl.ContentID(), id)
	assert.Equal(t, sha1.Sum(bl.Root().Bytes()), id.HandshakeKey())

	_, err = ParseID("not-an-id")
	assert.Error(t, err)
}
