package peer

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"

	"github.com/iohzrd/thor/go-swarm/content"
)

const PEER_ID_PREFIX = "-TH0001-"

type ID [20]byte

// NewID returns a client prefixed random peer id.
func NewID(prefix string) ID {
	var id ID
	n := copy(id[:], prefix)
	rand.Read(id[n:])
	return id
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Key identifies one logical peer session for a content item.
type Key struct {
	Content content.ID
	Peer    ID
}
