package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"
	"net/netip"
	"sort"

	"github.com/iohzrd/thor/go-swarm/content"
)

const ID_LENGTH = 20

type NodeID [ID_LENGTH]byte

func RandomNodeID() NodeID {
	var id NodeID
	rand.Read(id[:])
	return id
}

// KeyFor is the DHT key under which providers of id are stored.
func KeyFor(id content.ID) NodeID {
	return NodeID(id.HandshakeKey())
}

func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// CommonPrefixLen is the number of leading bits id shares with other.
func (id NodeID) CommonPrefixLen(other NodeID) int {
	d := id.Distance(other)
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return ID_LENGTH * 8
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

type Contact struct {
	ID   NodeID
	Addr netip.AddrPort
}

// sortByDistance orders contacts by XOR distance to target, closest first.
func sortByDistance(target NodeID, contacts []Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].ID.Distance(target).Less(contacts[j].ID.Distance(target))
	})
}
