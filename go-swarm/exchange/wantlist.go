package exchange

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Block identifies one wire level request inside a unit.
type Block struct {
	Index  int
	Begin  int
	Length int
}

type wantKey struct {
	Index int
	Begin int
}

func (b Block) key() wantKey {
	return wantKey{Index: b.Index, Begin: b.Begin}
}

type wantEntry struct {
	Block
	requested time.Time
}

// WantList records the blocks requested from each peer and when. It is
// indexed both by peer and by block; the coordinator guards it with its
// own lock.
type WantList struct {
	byPeer  map[Peer]map[wantKey]wantEntry
	byBlock map[wantKey]mapset.Set[Peer]
}

func NewWantList() *WantList {
	return &WantList{
		byPeer:  make(map[Peer]map[wantKey]wantEntry),
		byBlock: make(map[wantKey]mapset.Set[Peer]),
	}
}

func (wl *WantList) Add(p Peer, b Block, at time.Time) bool {
	entries, ok := wl.byPeer[p]
	if !ok {
		entries = make(map[wantKey]wantEntry)
		wl.byPeer[p] = entries
	}
	if _, ok := entries[b.key()]; ok {
		return false
	}
	entries[b.key()] = wantEntry{Block: b, requested: at}

	holders, ok := wl.byBlock[b.key()]
	if !ok {
		holders = mapset.NewThreadUnsafeSet[Peer]()
		wl.byBlock[b.key()] = holders
	}
	holders.Add(p)
	return true
}

func (wl *WantList) Has(p Peer, index, begin int) bool {
	_, ok := wl.byPeer[p][wantKey{Index: index, Begin: begin}]
	return ok
}

// Remove drops the request of b from p and returns it.
func (wl *WantList) Remove(p Peer, index, begin int) (Block, bool) {
	key := wantKey{Index: index, Begin: begin}
	entry, ok := wl.byPeer[p][key]
	if !ok {
		return Block{}, false
	}
	delete(wl.byPeer[p], key)
	if len(wl.byPeer[p]) == 0 {
		delete(wl.byPeer, p)
	}
	if holders, ok := wl.byBlock[key]; ok {
		holders.Remove(p)
		if holders.Cardinality() == 0 {
			delete(wl.byBlock, key)
		}
	}
	return entry.Block, true
}

// Holders lists the peers a block is currently requested from.
func (wl *WantList) Holders(index, begin int) []Peer {
	holders, ok := wl.byBlock[wantKey{Index: index, Begin: begin}]
	if !ok {
		return []Peer{}
	}
	return holders.ToSlice()
}

func (wl *WantList) Requested(index, begin int) bool {
	_, ok := wl.byBlock[wantKey{Index: index, Begin: begin}]
	return ok
}

// UnitRequested reports whether any block of unit index is in flight.
func (wl *WantList) UnitRequested(index int) bool {
	for key := range wl.byBlock {
		if key.Index == index {
			return true
		}
	}
	return false
}

func (wl *WantList) InFlight(p Peer) int {
	return len(wl.byPeer[p])
}

// ReleasePeer forgets every request made to p and returns them.
func (wl *WantList) ReleasePeer(p Peer) []Block {
	released := []Block{}
	for key := range wl.byPeer[p] {
		if b, ok := wl.Remove(p, key.Index, key.Begin); ok {
			released = append(released, b)
		}
	}
	delete(wl.byPeer, p)
	return released
}

// DropUnit forgets every request for blocks of unit index and returns the
// dropped blocks grouped by peer.
func (wl *WantList) DropUnit(index int) map[Peer][]Block {
	dropped := map[Peer][]Block{}
	for key, holders := range wl.byBlock {
		if key.Index != index {
			continue
		}
		for _, p := range holders.ToSlice() {
			if b, ok := wl.Remove(p, key.Index, key.Begin); ok {
				dropped[p] = append(dropped[p], b)
			}
		}
	}
	return dropped
}

// Expired removes and returns the requests older than timeout, grouped by
// peer.
func (wl *WantList) Expired(now time.Time, timeout time.Duration) map[Peer][]Block {
	expired := map[Peer][]Block{}
	for p, entries := range wl.byPeer {
		for _, entry := range entries {
			if now.Sub(entry.requested) > timeout {
				expired[p] = append(expired[p], entry.Block)
			}
		}
	}
	for p, blocks := range expired {
		for _, b := range blocks {
			wl.Remove(p, b.Index, b.Begin)
		}
	}
	return expired
}

// References reports whether any entry still points at p.
func (wl *WantList) References(p Peer) bool {
	if len(wl.byPeer[p]) > 0 {
		return true
	}
	for _, holders := range wl.byBlock {
		if holders.Contains(p) {
			return true
		}
	}
	return false
}

func (wl *WantList) Len() int {
	n := 0
	for _, entries := range wl.byPeer {
		n += len(entries)
	}
	return n
}
