package dht

import (
	"net/netip"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	K            = 8
	MAX_FAILURES = 3
)

type tableEntry struct {
	Contact
	failures int
	lastSeen time.Time
}

// Table is the set of known nodes. It has no buckets: lookups sort the
// whole set by distance.
type Table struct {
	mu          sync.RWMutex
	self        NodeID
	maxFailures int
	entries     map[NodeID]*tableEntry
	blacklist   mapset.Set[netip.AddrPort]
}

func NewTable(self NodeID, maxFailures int) *Table {
	if maxFailures <= 0 {
		maxFailures = MAX_FAILURES
	}
	return &Table{
		self:        self,
		maxFailures: maxFailures,
		entries:     make(map[NodeID]*tableEntry),
		blacklist:   mapset.NewSet[netip.AddrPort](),
	}
}

// Add records c as seen. Self and blacklisted addresses are refused.
func (t *Table) Add(c Contact) bool {
	if c.ID == t.self || !c.Addr.IsValid() || t.blacklist.Contains(c.Addr) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[c.ID]
	if !ok {
		e = &tableEntry{Contact: c}
		t.entries[c.ID] = e
	}
	e.Addr = c.Addr
	e.lastSeen = time.Now()
	return !ok
}

// Succeeded resets the failure count of id after a reply.
func (t *Table) Succeeded(c Contact) {
	if !t.Add(c) {
		t.mu.Lock()
		if e, ok := t.entries[c.ID]; ok {
			e.failures = 0
		}
		t.mu.Unlock()
	}
}

// Failed counts a timeout against id and evicts the node once it reaches
// the failure limit. It reports whether the node was evicted.
func (t *Table) Failed(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.failures++
	if e.failures >= t.maxFailures {
		delete(t.entries, id)
		return true
	}
	return false
}

// Blacklist drops every node at addr and refuses it from now on.
func (t *Table) Blacklist(addr netip.AddrPort) {
	t.blacklist.Add(addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.Addr == addr {
			delete(t.entries, id)
		}
	}
}

func (t *Table) Blacklisted(addr netip.AddrPort) bool {
	return t.blacklist.Contains(addr)
}

// Closest returns up to n known contacts ordered by distance to target.
func (t *Table) Closest(target NodeID, n int) []Contact {
	contacts := t.Contacts()
	sortByDistance(target, contacts)
	if len(contacts) > n {
		contacts = contacts[:n]
	}
	return contacts
}

func (t *Table) Contacts() []Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	contacts := make([]Contact, 0, len(t.entries))
	for _, e := range t.entries {
		contacts = append(contacts, e.Contact)
	}
	return contacts
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}
