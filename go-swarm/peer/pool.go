package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/transport"
	"github.com/iohzrd/thor/go-swarm/wire"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

var (
	ErrPoolFull   = errors.New("connection pool is full")
	ErrPoolClosed = errors.New("connection pool is closed")
	ErrBanned     = errors.New("peer is banned")
)

const (
	MAX_PEERS      = 100
	SWEEP_INTERVAL = 30 * time.Second
)

type PoolConfig struct {
	MaxPeers      int
	TieBreak      TieBreak
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Pool owns the live connections of one content item. A peer id maps to at
// most one live connection at any time.
type Pool struct {
	sync.RWMutex
	content     content.ID
	local       ID
	opts        Options
	tieBreak    TieBreak
	maxPeers    int
	idleTimeout time.Duration
	conns       map[ID]*Conn
	byAddr      map[string]*Conn
	all         mapset.Set[*Conn]
	bannedPeers mapset.Set[string]
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	log         *logrus.Entry
}

// NewPool creates the pool for opts.Content. The pool chains its own
// bookkeeping in front of the handshake and close hooks in opts.
func NewPool(ctx context.Context, opts Options, cfg PoolConfig) *Pool {
	opts = opts.withDefaults()
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = MAX_PEERS
	}
	if cfg.TieBreak == nil {
		cfg.TieBreak = InitiatorTieBreak
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = opts.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = SWEEP_INTERVAL
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		content:     opts.Content,
		local:       opts.LocalID,
		tieBreak:    cfg.TieBreak,
		maxPeers:    cfg.MaxPeers,
		idleTimeout: cfg.IdleTimeout,
		conns:       make(map[ID]*Conn),
		byAddr:      make(map[string]*Conn),
		all:         mapset.NewThreadUnsafeSet[*Conn](),
		bannedPeers: mapset.NewSet[string](),
		ctx:         ctx,
		cancel:      cancel,
		log:         opts.Logger.WithField("component", "pool"),
	}

	onHandshake := opts.OnHandshake
	opts.OnHandshake = func(c *Conn) error {
		if err := p.register(c); err != nil {
			return err
		}
		if onHandshake != nil {
			return onHandshake(c)
		}
		return nil
	}
	onExtendedHandshake := opts.OnExtendedHandshake
	opts.OnExtendedHandshake = func(c *Conn) {
		p.CheckDuplicateConnections(p.content, c.RemoteID())
		if onExtendedHandshake != nil {
			onExtendedHandshake(c)
		}
	}
	onClosed := opts.OnClosed
	opts.OnClosed = func(c *Conn, err error) {
		p.Remove(c.Key(), c)
		if onClosed != nil {
			onClosed(c, err)
		}
	}
	p.opts = opts

	go p.sweep(cfg.SweepInterval)
	return p
}

func (p *Pool) Content() content.ID {
	return p.content
}

// GetOrCreate returns the live connection for key, or for addr when the
// peer id is not known yet. Otherwise it creates one in CONNECTING and
// starts it. Concurrent callers for the same key receive the same instance.
func (p *Pool) GetOrCreate(key Key, addr string) (*Conn, error) {
	p.Lock()
	if p.closed {
		p.Unlock()
		return nil, ErrPoolClosed
	}
	if key.Content != p.content {
		p.Unlock()
		return nil, ErrContentMismatch
	}
	if p.isBanned(key.Peer, addr) {
		p.Unlock()
		return nil, ErrBanned
	}
	if !key.Peer.IsZero() {
		if c, ok := p.conns[key.Peer]; ok && c.Live() {
			p.Unlock()
			return c, nil
		}
	}
	if c, ok := p.byAddr[addr]; ok && c.Live() {
		p.Unlock()
		return c, nil
	}
	for _, c := range p.all.ToSlice() {
		if c.Live() && c.ListenAddr() == addr {
			p.Unlock()
			return c, nil
		}
	}
	if p.all.Cardinality() >= p.maxPeers {
		p.Unlock()
		return nil, ErrPoolFull
	}

	c := NewConn(p.opts, addr)
	c.expect = key.Peer
	p.all.Add(c)
	p.byAddr[addr] = c
	if !key.Peer.IsZero() {
		p.conns[key.Peer] = c
	}
	p.Unlock()

	go c.Run(p.ctx)
	return c, nil
}

// Accept adopts an inbound stream. Its key is registered once the peer's
// handshake reveals the peer id.
func (p *Pool) Accept(stream transport.Stream, received *wire.Handshake) (*Conn, error) {
	p.Lock()
	var err error
	switch {
	case p.closed:
		err = ErrPoolClosed
	case p.all.Cardinality() >= p.maxPeers:
		err = ErrPoolFull
	case received != nil && p.isBanned(ID(received.PeerID), ""):
		err = ErrBanned
	}
	if err != nil {
		p.Unlock()
		stream.Close()
		return nil, err
	}
	c := AcceptConn(p.opts, stream, received)
	p.all.Add(c)
	p.Unlock()

	go c.Run(p.ctx)
	return c, nil
}

func (p *Pool) register(c *Conn) error {
	id := c.RemoteID()

	p.Lock()
	if p.isBanned(id, "") {
		p.Unlock()
		return ErrBanned
	}
	existing, ok := p.conns[id]
	if !ok || existing == c || !existing.Live() {
		p.conns[id] = c
		p.Unlock()
		return nil
	}
	if p.tieBreak(p.local, existing, c) == c {
		p.Unlock()
		p.log.WithField("peer", c.Addr()).Debug("dropping duplicate connection")
		return ErrDuplicateConnection
	}
	p.conns[id] = c
	p.Unlock()

	p.log.WithField("peer", existing.Addr()).Debug("replacing duplicate connection")
	existing.CloseWithError(ErrDuplicateConnection)
	return nil
}

// CheckDuplicateConnections resolves connections that turn out to reach the
// same listening address as the connection of peer id once its extended
// handshake is known. It returns the connections it closed.
func (p *Pool) CheckDuplicateConnections(contentID content.ID, id ID) []*Conn {
	if contentID != p.content {
		return nil
	}

	p.Lock()
	c, ok := p.conns[id]
	if !ok || !c.Live() {
		p.Unlock()
		return nil
	}
	addr := c.ListenAddr()
	if addr == "" {
		p.Unlock()
		return nil
	}
	losers := []*Conn{}
	for _, other := range p.all.ToSlice() {
		if other == c || !other.Live() || other.ListenAddr() != addr {
			continue
		}
		loser := p.tieBreak(p.local, c, other)
		losers = append(losers, loser)
		p.unmap(loser)
		if loser == c {
			break
		}
	}
	p.Unlock()

	for _, loser := range losers {
		p.log.WithField("peer", loser.Addr()).Debug("closing duplicate of ", addr)
		loser.CloseWithError(ErrDuplicateConnection)
	}
	return losers
}

func (p *Pool) unmap(c *Conn) {
	if cur, ok := p.conns[c.RemoteID()]; ok && cur == c {
		delete(p.conns, c.RemoteID())
	}
	if cur, ok := p.byAddr[c.Addr()]; ok && cur == c {
		delete(p.byAddr, c.Addr())
	}
}

// Remove drops the mapping for key if it still points at c. It is
// idempotent and never removes a connection that replaced c.
func (p *Pool) Remove(key Key, c *Conn) {
	p.Lock()
	defer p.Unlock()

	p.all.Remove(c)
	if cur, ok := p.conns[key.Peer]; ok && cur == c {
		delete(p.conns, key.Peer)
	}
	if cur, ok := p.conns[c.expect]; ok && cur == c {
		delete(p.conns, c.expect)
	}
	if cur, ok := p.byAddr[c.Addr()]; ok && cur == c {
		delete(p.byAddr, c.Addr())
	}
}

// Get returns the live connection registered for key.
func (p *Pool) Get(key Key) (*Conn, bool) {
	p.RLock()
	defer p.RUnlock()

	c, ok := p.conns[key.Peer]
	if !ok || !c.Live() || key.Content != p.content {
		return nil, false
	}
	return c, true
}

// All snapshots the live connections of contentID.
func (p *Pool) All(contentID content.ID) []*Conn {
	p.RLock()
	defer p.RUnlock()

	if contentID != p.content {
		return nil
	}
	conns := make([]*Conn, 0, p.all.Cardinality())
	for _, c := range p.all.ToSlice() {
		if c.Live() {
			conns = append(conns, c)
		}
	}
	return conns
}

// Broadcast posts msg to every ready connection.
func (p *Pool) Broadcast(msg wire.Message) {
	for _, c := range p.All(p.content) {
		if c.State() == Ready {
			c.Post(msg)
		}
	}
}

func (p *Pool) ReadyCount() int {
	n := 0
	for _, c := range p.All(p.content) {
		if c.State() == Ready {
			n++
		}
	}
	return n
}

func (p *Pool) Ban(c *Conn) {
	p.Lock()
	if id := c.RemoteID(); !id.IsZero() {
		p.bannedPeers.Add(id.String())
	}
	p.bannedPeers.Add(c.Addr())
	if addr := c.ListenAddr(); addr != "" {
		p.bannedPeers.Add(addr)
	}
	p.Unlock()

	c.CloseWithError(ErrBanned)
}

func (p *Pool) isBanned(id ID, addr string) bool {
	if !id.IsZero() && p.bannedPeers.Contains(id.String()) {
		return true
	}
	return addr != "" && p.bannedPeers.Contains(addr)
}

func (p *Pool) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			for _, c := range p.All(p.content) {
				if now.Sub(c.LastActive()) > p.idleTimeout {
					p.log.WithField("peer", c.Addr()).Debug("closing inactive connection")
					c.CloseWithError(ErrConnectionClosed)
				}
			}
		}
	}
}

// Close stops every connection of the pool.
func (p *Pool) Close() {
	p.Lock()
	p.closed = true
	conns := p.all.ToSlice()
	p.Unlock()

	for _, c := range conns {
		c.Close()
	}
	p.cancel()
}
