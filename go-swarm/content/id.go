package content

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	cid "github.com/ipfs/go-cid"
)

type Kind uint8

const (
	KindTorrent Kind = iota + 1
	KindBlocks
)

func (k Kind) String() string {
	switch k {
	case KindTorrent:
		return "torrent"
	case KindBlocks:
		return "blocks"
	default:
		return "unknown"
	}
}

// ID identifies one content item: the info hash of a torrent or the root
// CID of a block list. It is comparable and safe to use as a map key.
type ID struct {
	kind Kind
	key  string
}

func FromInfoHash(infoHash [20]byte) ID {
	return ID{kind: KindTorrent, key: string(infoHash[:])}
}

func FromCid(c cid.Cid) ID {
	return ID{kind: KindBlocks, key: c.KeyString()}
}

// ParseID accepts a 40 character hex info hash or a CID string.
func ParseID(s string) (ID, error) {
	if len(s) == 40 {
		if b, err := hex.DecodeString(s); err == nil {
			var h [20]byte
			copy(h[:], b)
			return FromInfoHash(h), nil
		}
	}
	c, err := cid.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("content id %q is neither an info hash nor a cid: %w", s, err)
	}
	return FromCid(c), nil
}

func (id ID) Kind() Kind {
	return id.kind
}

func (id ID) IsZero() bool {
	return id.kind == 0
}

func (id ID) Bytes() []byte {
	return []byte(id.key)
}

func (id ID) Cid() (cid.Cid, error) {
	if id.kind != KindBlocks {
		return cid.Undef, fmt.Errorf("content %s is not content addressed", id)
	}
	return cid.Cast([]byte(id.key))
}

// HandshakeKey is the 20 byte value carried in the wire handshake and used
// as the DHT target for this content.
func (id ID) HandshakeKey() [20]byte {
	var key [20]byte
	if id.kind == KindTorrent {
		copy(key[:], id.key)
		return key
	}
	return sha1.Sum([]byte(id.key))
}

func (id ID) String() string {
	switch id.kind {
	case KindTorrent:
		return hex.EncodeToString([]byte(id.key))
	case KindBlocks:
		if c, err := cid.Cast([]byte(id.key)); err == nil {
			return c.String()
		}
	}
	return "<zero>"
}
