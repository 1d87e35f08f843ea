package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/transport"
	"github.com/iohzrd/thor/go-swarm/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingDialer never connects, which keeps connections in CONNECTING.
type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, addr string) (transport.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestPool(t *testing.T, cfg PoolConfig, hook func(*Options)) *Pool {
	opts := Options{
		LocalID:     NewID(PEER_ID_PREFIX),
		Content:     testContent,
		Dialer:      blockingDialer{},
		DialTimeout: time.Minute,
	}
	if hook != nil {
		hook(&opts)
	}
	p := NewPool(context.Background(), opts, cfg)
	t.Cleanup(p.Close)
	return p
}

func TestPoolGetOrCreateReturnsSameInstance(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)
	key := Key{Content: testContent, Peer: NewID(PEER_ID_PREFIX)}

	const n = 32
	conns := make([]*Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.GetOrCreate(key, "10.0.0.1:6881")
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, Connecting, conns[0].State())
	assert.Len(t, p.All(testContent), 1)

	got, ok := p.Get(key)
	assert.True(t, ok)
	assert.Same(t, conns[0], got)
}

func TestPoolGetOrCreateByAddress(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)

	a, err := p.GetOrCreate(Key{Content: testContent}, "10.0.0.1:6881")
	require.NoError(t, err)
	b, err := p.GetOrCreate(Key{Content: testContent}, "10.0.0.1:6881")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestPoolRejects(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxPeers: 1}, nil)

	_, err := p.GetOrCreate(Key{Content: content.FromInfoHash([20]byte{7})}, "10.0.0.1:1")
	assert.ErrorIs(t, err, ErrContentMismatch)

	_, err = p.GetOrCreate(Key{Content: testContent}, "10.0.0.1:1")
	require.NoError(t, err)
	_, err = p.GetOrCreate(Key{Content: testContent}, "10.0.0.2:1")
	assert.ErrorIs(t, err, ErrPoolFull)

	p.Close()
	_, err = p.GetOrCreate(Key{Content: testContent}, "10.0.0.3:1")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolRemoveFreesCapacity(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxPeers: 1}, nil)
	key := Key{Content: testContent, Peer: NewID(PEER_ID_PREFIX)}

	first, err := p.GetOrCreate(key, "10.0.0.1:6881")
	require.NoError(t, err)
	assert.Len(t, p.All(testContent), 1)

	p.Remove(key, first)
	second, err := p.GetOrCreate(Key{Content: testContent}, "10.0.0.2:6881")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestPoolRemoveIsIdempotent(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)
	key := Key{Content: testContent, Peer: NewID(PEER_ID_PREFIX)}

	first, err := p.GetOrCreate(key, "10.0.0.1:6881")
	require.NoError(t, err)
	p.Remove(key, first)
	p.Remove(key, first)

	_, ok := p.Get(key)
	assert.False(t, ok)
	assert.Empty(t, p.All(testContent))

	second, err := p.GetOrCreate(key, "10.0.0.1:6881")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// a stale removal must not drop the replacement
	p.Remove(key, first)
	got, ok := p.Get(key)
	assert.True(t, ok)
	assert.Same(t, second, got)
}

func TestPoolBan(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)

	c, err := p.GetOrCreate(Key{Content: testContent}, "10.0.0.1:6881")
	require.NoError(t, err)
	p.Ban(c)

	assert.Equal(t, Failed, c.State())
	_, err = p.GetOrCreate(Key{Content: testContent}, "10.0.0.1:6881")
	assert.ErrorIs(t, err, ErrBanned)
}

type poolEvents struct {
	sync.Mutex
	ready  []*Conn
	closed map[*Conn]error
}

func (e *poolEvents) hook(opts *Options) {
	e.closed = make(map[*Conn]error)
	opts.OnReady = func(c *Conn) {
		e.Lock()
		defer e.Unlock()
		e.ready = append(e.ready, c)
	}
	opts.OnClosed = func(c *Conn, err error) {
		e.Lock()
		defer e.Unlock()
		e.closed[c] = err
	}
}

func (e *poolEvents) closedWith(c *Conn) (error, bool) {
	e.Lock()
	defer e.Unlock()
	err, ok := e.closed[c]
	return err, ok
}

func TestPoolResolvesDuplicateInbound(t *testing.T) {
	events := &poolEvents{}
	p := newTestPool(t, PoolConfig{}, func(opts *Options) {
		events.hook(opts)
	})
	remoteID := NewID(PEER_ID_PREFIX)

	a, remoteA := tcpPair(t)
	b, remoteB := tcpPair(t)

	first, err := p.Accept(a, nil)
	require.NoError(t, err)
	second, err := p.Accept(b, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, s := range []transport.Stream{remoteA, remoteB} {
		wg.Add(1)
		go func(s transport.Stream) {
			defer wg.Done()
			w := wire.NewWire(s, 2*time.Second)
			w.SendHandshake(wire.NewHandshake(testContent.HandshakeKey(), remoteID, false))
			w.ReadHandshake()
		}(s)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return len(p.All(testContent)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	survivor := p.All(testContent)[0]
	loser := second
	if survivor == second {
		loser = first
	}
	assert.Eventually(t, func() bool {
		err, ok := events.closedWith(loser)
		return ok && errors.Is(err, ErrDuplicateConnection)
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := p.Get(Key{Content: testContent, Peer: remoteID})
	assert.True(t, ok)
	assert.Same(t, survivor, got)
	assert.True(t, survivor.Live())
	assert.False(t, loser.Live())
}

func TestPoolChecksDuplicateListenAddress(t *testing.T) {
	events := &poolEvents{}
	p := newTestPool(t, PoolConfig{}, func(opts *Options) {
		opts.Extensions = map[string]int{}
		events.hook(opts)
	})

	lower := ID{1}
	higher := ID{2}

	connect := func(id ID) *Conn {
		local, remote := tcpPair(t)
		c, err := p.Accept(local, nil)
		require.NoError(t, err)

		w := wire.NewWire(remote, 2*time.Second)
		require.NoError(t, w.SendHandshake(wire.NewHandshake(testContent.HandshakeKey(), id, true)))
		_, err = w.ReadHandshake()
		require.NoError(t, err)
		_, err = w.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, w.SendMessage(wire.ExtendedHandshake{ListenPort: 9000}))
		return c
	}

	kept := connect(lower)
	assert.Eventually(t, func() bool {
		return kept.State() == Ready
	}, 2*time.Second, 10*time.Millisecond)

	dropped := connect(higher)
	assert.Eventually(t, func() bool {
		err, ok := events.closedWith(dropped)
		return ok && errors.Is(err, ErrDuplicateConnection)
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, kept.Live())
	assert.Equal(t, []*Conn{kept}, p.All(testContent))
}

func TestTieBreak(t *testing.T) {
	local := ID{5}
	lowRemote := ID{1}
	highRemote := ID{9}

	outbound := NewConn(Options{}, "10.0.0.1:1")
	outbound.remoteID = highRemote
	inbound := NewConn(Options{}, "10.0.0.1:2")
	inbound.outbound = false
	inbound.remoteID = highRemote

	// local id is lower than the remote, so the outbound connection survives
	assert.Same(t, inbound, InitiatorTieBreak(local, outbound, inbound))
	assert.Same(t, inbound, InitiatorTieBreak(local, inbound, outbound))

	outbound.remoteID = lowRemote
	inbound.remoteID = lowRemote
	assert.Same(t, outbound, InitiatorTieBreak(local, outbound, inbound))

	older := NewConn(Options{}, "10.0.0.1:3")
	newer := NewConn(Options{}, "10.0.0.1:4")
	newer.created = older.created.Add(time.Second)
	assert.Same(t, newer, OlderTieBreak(local, older, newer))
	assert.Same(t, newer, OlderTieBreak(local, newer, older))

	same := NewConn(Options{}, "10.0.0.1:5")
	same.created = older.created
	assert.Same(t, older, OlderTieBreak(local, older, same))
}
