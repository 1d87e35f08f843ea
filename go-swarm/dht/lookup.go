package dht

type peerState int

const (
	peerHeard peerState = iota
	peerWaiting
	peerQueried
	peerUnreachable
)

type queryPeer struct {
	Contact
	state peerState
}

// queryPeerSet tracks every node a lookup has heard of and how far it got
// with each of them.
type queryPeerSet struct {
	target NodeID
	peers  map[NodeID]*queryPeer
}

func newQueryPeerSet(target NodeID) *queryPeerSet {
	return &queryPeerSet{target: target, peers: make(map[NodeID]*queryPeer)}
}

func (qs *queryPeerSet) tryAdd(c Contact) bool {
	if _, ok := qs.peers[c.ID]; ok {
		return false
	}
	qs.peers[c.ID] = &queryPeer{Contact: c, state: peerHeard}
	return true
}

func (qs *queryPeerSet) setState(id NodeID, state peerState) {
	if p, ok := qs.peers[id]; ok {
		p.state = state
	}
}

func (qs *queryPeerSet) state(id NodeID) (peerState, bool) {
	p, ok := qs.peers[id]
	if !ok {
		return 0, false
	}
	return p.state, true
}

func (qs *queryPeerSet) closestInStates(n int, states ...peerState) []Contact {
	contacts := []Contact{}
	for _, p := range qs.peers {
		for _, s := range states {
			if p.state == s {
				contacts = append(contacts, p.Contact)
				break
			}
		}
	}
	sortByDistance(qs.target, contacts)
	if n >= 0 && len(contacts) > n {
		contacts = contacts[:n]
	}
	return contacts
}

func (qs *queryPeerSet) nextHeard() (Contact, bool) {
	heard := qs.closestInStates(1, peerHeard)
	if len(heard) == 0 {
		return Contact{}, false
	}
	return heard[0], true
}

// converged reports whether the k closest live nodes have all answered.
func (qs *queryPeerSet) converged(k int) bool {
	closest := qs.closestInStates(k, peerHeard, peerWaiting, peerQueried)
	if len(closest) == 0 {
		return false
	}
	for _, c := range closest {
		if qs.peers[c.ID].state != peerQueried {
			return false
		}
	}
	return true
}
