package dht

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/iohzrd/thor/go-swarm/routing"
)

const (
	PROVIDER_CACHE_SIZE = 1024
	MAX_PROVIDERS       = 32
	PROVIDER_TTL        = 24 * time.Hour
)

type providerRecord struct {
	routing.PeerAddr
	added time.Time
}

// ProviderStore keeps the providers announced to this node for the most
// recently used keys.
type ProviderStore struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
}

func NewProviderStore(size int) (*ProviderStore, error) {
	if size <= 0 {
		size = PROVIDER_CACHE_SIZE
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ProviderStore{cache: cache, ttl: PROVIDER_TTL}, nil
}

// Add records p as a provider of key, refreshing it when already known.
func (ps *ProviderStore) Add(key NodeID, p routing.PeerAddr) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	records := []providerRecord{}
	if v, ok := ps.cache.Get(key); ok {
		records = v.([]providerRecord)
	}
	fresh := make([]providerRecord, 0, len(records)+1)
	fresh = append(fresh, providerRecord{PeerAddr: p, added: time.Now()})
	for _, r := range records {
		if r.Addr != p.Addr && len(fresh) < MAX_PROVIDERS {
			fresh = append(fresh, r)
		}
	}
	ps.cache.Add(key, fresh)
}

// Get returns the unexpired providers of key, most recent first.
func (ps *ProviderStore) Get(key NodeID) []routing.PeerAddr {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	v, ok := ps.cache.Get(key)
	if !ok {
		return nil
	}
	providers := []routing.PeerAddr{}
	for _, r := range v.([]providerRecord) {
		if time.Since(r.added) < ps.ttl {
			providers = append(providers, r.PeerAddr)
		}
	}
	return providers
}
