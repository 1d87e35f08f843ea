package dht

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, codec Codec) *Server {
	t.Helper()
	s, err := Listen("127.0.0.1:0", RandomNodeID(), ServerConfig{
		Codec:        codec,
		RPCTimeout:   time.Second,
		StallTimeout: 200 * time.Millisecond,
	}, logrus.NewEntry(logrus.StandardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testContent(t *testing.T) content.ID {
	t.Helper()
	var hash [20]byte
	copy(hash[:], "01234567890123456789")
	return content.FromInfoHash(hash)
}

func TestTable(t *testing.T) {
	self := nodeIDOf(0)
	table := NewTable(self, 2)

	assert.False(t, table.Add(Contact{ID: self, Addr: testAddr}))
	assert.True(t, table.Add(Contact{ID: nodeIDOf(1), Addr: netip.MustParseAddrPort("10.0.0.1:1")}))
	assert.True(t, table.Add(Contact{ID: nodeIDOf(3), Addr: netip.MustParseAddrPort("10.0.0.3:3")}))
	assert.True(t, table.Add(Contact{ID: nodeIDOf(0x80), Addr: netip.MustParseAddrPort("10.0.0.128:128")}))
	assert.False(t, table.Add(Contact{ID: nodeIDOf(1), Addr: netip.MustParseAddrPort("10.0.0.1:1")}))

	closest := table.Closest(self, 2)
	require.Len(t, closest, 2)
	assert.Equal(t, nodeIDOf(1), closest[0].ID)
	assert.Equal(t, nodeIDOf(3), closest[1].ID)

	assert.False(t, table.Failed(nodeIDOf(1)))
	assert.True(t, table.Failed(nodeIDOf(1)))
	assert.Equal(t, 2, table.Len())

	table.Blacklist(netip.MustParseAddrPort("10.0.0.3:3"))
	assert.Equal(t, 1, table.Len())
	assert.False(t, table.Add(Contact{ID: nodeIDOf(4), Addr: netip.MustParseAddrPort("10.0.0.3:3")}))
}

func TestProviderStore(t *testing.T) {
	store, err := NewProviderStore(2)
	require.NoError(t, err)

	p1 := routing.PeerAddr{Addr: netip.MustParseAddrPort("10.0.0.1:1")}
	p2 := routing.PeerAddr{Addr: netip.MustParseAddrPort("10.0.0.2:2")}
	store.Add(nodeIDOf(1), p1)
	store.Add(nodeIDOf(1), p2)
	store.Add(nodeIDOf(1), p1)
	assert.Equal(t, []routing.PeerAddr{p1, p2}, store.Get(nodeIDOf(1)))

	store.Add(nodeIDOf(2), p1)
	store.Add(nodeIDOf(3), p1)
	assert.Empty(t, store.Get(nodeIDOf(1)))
}

func TestQueryPeerSetConverges(t *testing.T) {
	qs := newQueryPeerSet(nodeIDOf(0))
	qs.tryAdd(Contact{ID: nodeIDOf(1)})
	qs.tryAdd(Contact{ID: nodeIDOf(2)})
	qs.tryAdd(Contact{ID: nodeIDOf(0x80)})
	assert.False(t, qs.tryAdd(Contact{ID: nodeIDOf(1)}))

	next, ok := qs.nextHeard()
	require.True(t, ok)
	assert.Equal(t, nodeIDOf(1), next.ID)

	qs.setState(nodeIDOf(1), peerQueried)
	qs.setState(nodeIDOf(2), peerUnreachable)
	assert.False(t, qs.converged(2))

	qs.setState(nodeIDOf(0x80), peerQueried)
	assert.True(t, qs.converged(2))
}

func TestServerAnswersPing(t *testing.T) {
	for _, codec := range []Codec{KRPC{}, Proto{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			a := newTestServer(t, codec)
			b := newTestServer(t, codec)

			id, err := NewClient(b, ClientConfig{}).Ping(context.Background(), a.Addr())
			require.NoError(t, err)
			assert.Equal(t, a.ID(), id)
			assert.Equal(t, 1, a.Table().Len())
			assert.Equal(t, 1, b.Table().Len())
		})
	}
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	s := newTestServer(t, KRPC{})
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	query := &Message{TxID: "zz", Kind: KindQuery, Method: "get_peers_v9", Sender: nodeIDOf(9)}
	data, err := KRPC{}.Encode(query)
	require.NoError(t, err)
	_, err = conn.WriteTo(data, net.UDPAddrFromAddrPort(s.Addr()))
	require.NoError(t, err)

	buf := make([]byte, MAX_DATAGRAM)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	reply, err := KRPC{}.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "zz", reply.TxID)
	assert.Equal(t, KindError, reply.Kind)
	assert.Equal(t, ERR_METHOD_UNKNOWN, reply.ErrCode)
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	s := newTestServer(t, KRPC{})
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	addr := silent.LocalAddr().(*net.UDPAddr).AddrPort()
	call := s.Call(context.Background(), netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), &Message{Method: PING})
	select {
	case <-call.Stalled():
	case <-time.After(time.Second):
		t.Fatal("call did not stall")
	}
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrRPCTimeout)
	assert.Equal(t, Timeout, call.State())
}

func TestCallSettlesWhenContextEnds(t *testing.T) {
	s := newTestServer(t, KRPC{})
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	addr := silent.LocalAddr().(*net.UDPAddr).AddrPort()
	to := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	ctx, cancel := context.WithCancel(context.Background())
	call := s.Call(ctx, to, &Message{Method: PING})
	cancel()
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("call still pending after its context ended")
	}
	_, err = call.Result()
	assert.ErrorIs(t, err, ErrRPCError)
	assert.Equal(t, Error, call.State())

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, pending := s.inflight[call.TxID]
		return !pending
	}, time.Second, 10*time.Millisecond)

	call = s.Call(ctx, to, &Message{Method: PING})
	assert.Equal(t, Error, call.State(), "an ended context never sends")
}

func TestProvideAndFindProviders(t *testing.T) {
	for _, codec := range []Codec{KRPC{}, Proto{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			boot := newTestServer(t, codec)
			seeker := NewClient(newTestServer(t, codec), ClientConfig{})
			provider := NewClient(newTestServer(t, codec), ClientConfig{Port: 7000})

			require.NoError(t, seeker.Bootstrap(ctx, []netip.AddrPort{boot.Addr()}))
			require.NoError(t, provider.Bootstrap(ctx, []netip.AddrPort{boot.Addr()}))

			id := testContent(t)
			require.NoError(t, provider.Provide(ctx, id))

			want := netip.MustParseAddrPort("127.0.0.1:7000")
			assert.Contains(t, boot.Providers().Get(KeyFor(id)), routing.PeerAddr{Addr: want})

			found := []netip.AddrPort{}
			for p := range seeker.FindProvidersAsync(ctx, id, 1) {
				found = append(found, p.Addr)
			}
			assert.Equal(t, []netip.AddrPort{want}, found)
		})
	}
}

func TestProvideWithoutNodes(t *testing.T) {
	c := NewClient(newTestServer(t, KRPC{}), ClientConfig{})
	err := c.Provide(context.Background(), testContent(t))
	assert.ErrorIs(t, err, ErrNoPeers)
}
