package content

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

type Torrent struct {
	Length    int64
	MetaInfo  MetaInfo
	InfoHash  [20]byte
	NumPieces int
}

type MetaInfo struct {
	Info         Info       `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
}

type Info struct {
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int    `bencode:"private"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	Files       []File `bencode:"files"`
}

type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// ParseTorrent reads a bencoded metainfo file. The info hash is the SHA-1
// of the re-encoded info dictionary.
func ParseTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	torrent := &Torrent{}

	metaInfo, err := bencode.Decode(torrentReader)
	if err != nil {
		return nil, fmt.Errorf("decode metainfo: %w", err)
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: top level is not a dictionary")
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: missing info dictionary")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, err
	}
	torrent.InfoHash = sha1.Sum(infoBencode.Bytes())

	if _, err := torrentReader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := bencode.Unmarshal(torrentReader, &torrent.MetaInfo); err != nil {
		return nil, fmt.Errorf("unmarshal metainfo: %w", err)
	}

	info := torrent.MetaInfo.Info
	if info.PieceLength <= 0 || len(info.Pieces) == 0 || len(info.Pieces)%sha1.Size != 0 {
		return nil, fmt.Errorf("malformed torrent file: bad piece table")
	}
	torrent.NumPieces = len(info.Pieces) / sha1.Size

	// Total size of all files
	if len(info.Files) > 0 {
		for _, file := range info.Files {
			torrent.Length += file.Length
		}
	} else {
		torrent.Length = info.Length
	}
	expected := (torrent.Length + int64(info.PieceLength) - 1) / int64(info.PieceLength)
	if int64(torrent.NumPieces) != expected {
		return nil, fmt.Errorf("malformed torrent file: %d pieces for %d bytes", torrent.NumPieces, torrent.Length)
	}
	return torrent, nil
}

func (t *Torrent) ContentID() ID {
	return FromInfoHash(t.InfoHash)
}

func (t *Torrent) NumUnits() int {
	return t.NumPieces
}

func (t *Torrent) UnitLength(index int) int {
	pieceLength := t.MetaInfo.Info.PieceLength
	if index == t.NumPieces-1 {
		return int(t.Length - int64(index)*int64(pieceLength))
	}
	return pieceLength
}

func (t *Torrent) UnitDigest(index int) []byte {
	return []byte(t.MetaInfo.Info.Pieces[sha1.Size*index : sha1.Size*(index+1)])
}

func (t *Torrent) Hash(_ int, data []byte) ([]byte, error) {
	sum := sha1.Sum(data)
	return sum[:], nil
}

// Trackers flattens the announce list, falling back to the single announce url.
func (t *Torrent) Trackers() []string {
	urls := []string{}
	for _, tier := range t.MetaInfo.AnnounceList {
		urls = append(urls, tier...)
	}
	if len(urls) == 0 && t.MetaInfo.Announce != "" {
		urls = append(urls, t.MetaInfo.Announce)
	}
	return urls
}
