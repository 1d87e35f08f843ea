package routing

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/peer"
)

// PeerAddr is a provider of some content. ID is zero when the source did
// not report it.
type PeerAddr struct {
	ID   peer.ID
	Addr netip.AddrPort
}

func (p PeerAddr) String() string {
	if p.ID.IsZero() {
		return p.Addr.String()
	}
	return fmt.Sprintf("%s@%s", p.ID.String()[:16], p.Addr)
}

// ContentRouting finds providers of content and announces the local node
// as one.
type ContentRouting interface {
	// FindProvidersAsync yields at most count providers. The channel is
	// closed when the search ends or ctx is done.
	FindProvidersAsync(ctx context.Context, id content.ID, count int) <-chan PeerAddr
	Provide(ctx context.Context, id content.ID) error
}

// ParseCompact decodes 6 byte IPv4 address/port entries.
func ParseCompact(data []byte) []PeerAddr {
	peers := make([]PeerAddr, 0, len(data)/6)
	for i := 0; i+6 <= len(data); i += 6 {
		ip := netip.AddrFrom4([4]byte{data[i], data[i+1], data[i+2], data[i+3]})
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, PeerAddr{Addr: netip.AddrPortFrom(ip, port)})
	}
	return peers
}

// Compact encodes the IPv4 addresses of peers into 6 byte entries. Other
// addresses are skipped.
func Compact(peers []PeerAddr) []byte {
	data := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		if !p.Addr.Addr().Is4() {
			continue
		}
		ip := p.Addr.Addr().As4()
		data = append(data, ip[:]...)
		data = binary.BigEndian.AppendUint16(data, p.Addr.Port())
	}
	return data
}

// Static always returns the same providers.
type Static []PeerAddr

func (s Static) FindProvidersAsync(ctx context.Context, id content.ID, count int) <-chan PeerAddr {
	out := make(chan PeerAddr)
	go func() {
		defer close(out)
		for i, p := range s {
			if count > 0 && i >= count {
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s Static) Provide(ctx context.Context, id content.ID) error {
	return nil
}

// Multi queries every router in parallel and merges their providers,
// dropping duplicate addresses.
type Multi []ContentRouting

func (m Multi) FindProvidersAsync(ctx context.Context, id content.ID, count int) <-chan PeerAddr {
	out := make(chan PeerAddr)
	ctx, cancel := context.WithCancel(ctx)

	var mu sync.Mutex
	seen := mapset.NewThreadUnsafeSet[netip.AddrPort]()
	found := 0

	var wg sync.WaitGroup
	for _, router := range m {
		wg.Add(1)
		go func(router ContentRouting) {
			defer wg.Done()
			for p := range router.FindProvidersAsync(ctx, id, count) {
				mu.Lock()
				if count > 0 && found >= count {
					mu.Unlock()
					return
				}
				fresh := seen.Add(p.Addr)
				if fresh {
					found++
				}
				done := count > 0 && found >= count
				mu.Unlock()
				if !fresh {
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
				if done {
					cancel()
					return
				}
			}
		}(router)
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out
}

func (m Multi) Provide(ctx context.Context, id content.ID) error {
	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, router := range m {
		wg.Add(1)
		go func(router ContentRouting) {
			defer wg.Done()
			if err := router.Provide(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(router)
	}
	wg.Wait()
	if len(m) > 0 && len(errs) == len(m) {
		return fmt.Errorf("provide failed on every router: %w", errs[0])
	}
	return nil
}
