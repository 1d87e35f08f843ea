package routing

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/peer"
	"github.com/stretchr/testify/assert"
)

var testContent = content.FromInfoHash([20]byte{9})

type failingRouter struct {
	err error
}

func (f failingRouter) FindProvidersAsync(ctx context.Context, id content.ID, count int) <-chan PeerAddr {
	out := make(chan PeerAddr)
	close(out)
	return out
}

func (f failingRouter) Provide(ctx context.Context, id content.ID) error {
	return f.err
}

func addr(s string) PeerAddr {
	return PeerAddr{Addr: netip.MustParseAddrPort(s)}
}

func collect(ch <-chan PeerAddr) []PeerAddr {
	peers := []PeerAddr{}
	for p := range ch {
		peers = append(peers, p)
	}
	return peers
}

func TestCompact(t *testing.T) {
	peers := []PeerAddr{addr("10.0.0.1:6881"), addr("[::1]:6881"), addr("192.168.1.2:80")}
	data := Compact(peers)
	assert.Len(t, data, 12)
	assert.Equal(t, []PeerAddr{peers[0], peers[2]}, ParseCompact(data))
	assert.Len(t, ParseCompact(data[:11]), 1, "trailing partial entry is ignored")
}

func TestPeerAddrString(t *testing.T) {
	p := addr("10.0.0.1:6881")
	assert.Equal(t, "10.0.0.1:6881", p.String())

	p.ID = peer.NewID(peer.PEER_ID_PREFIX)
	assert.Contains(t, p.String(), "@10.0.0.1:6881")
}

func TestStatic(t *testing.T) {
	s := Static{addr("10.0.0.1:1"), addr("10.0.0.2:2"), addr("10.0.0.3:3")}
	assert.Len(t, collect(s.FindProvidersAsync(context.Background(), testContent, 0)), 3)
	assert.Len(t, collect(s.FindProvidersAsync(context.Background(), testContent, 2)), 2)
	assert.NoError(t, s.Provide(context.Background(), testContent))
}

func TestMultiMergesProviders(t *testing.T) {
	m := Multi{
		Static{addr("10.0.0.1:1"), addr("10.0.0.2:2")},
		Static{addr("10.0.0.2:2"), addr("10.0.0.3:3")},
		failingRouter{},
	}
	peers := collect(m.FindProvidersAsync(context.Background(), testContent, 0))
	assert.ElementsMatch(t, []PeerAddr{addr("10.0.0.1:1"), addr("10.0.0.2:2"), addr("10.0.0.3:3")}, peers)

	limited := collect(m.FindProvidersAsync(context.Background(), testContent, 2))
	assert.Len(t, limited, 2)
}

func TestMultiProvide(t *testing.T) {
	boom := errors.New("boom")
	assert.NoError(t, Multi{Static{}, failingRouter{err: boom}}.Provide(context.Background(), testContent))
	assert.ErrorIs(t, Multi{failingRouter{err: boom}}.Provide(context.Background(), testContent), boom)
}
