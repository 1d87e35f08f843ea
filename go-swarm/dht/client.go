package dht

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/routing"
	"golang.org/x/xerrors"
)

const ALPHA = 3

var ErrNoPeers = errors.New("no dht nodes reachable")

type ClientConfig struct {
	Alpha int
	K     int
	// Port is the exchange port announced by Provide.
	Port int
}

// Client runs iterative lookups over a Server and exposes them as content
// routing.
type Client struct {
	server *Server
	alpha  int
	k      int
	port   int
}

func NewClient(server *Server, cfg ClientConfig) *Client {
	if cfg.Alpha <= 0 {
		cfg.Alpha = ALPHA
	}
	if cfg.K <= 0 {
		cfg.K = K
	}
	return &Client{server: server, alpha: cfg.Alpha, k: cfg.K, port: cfg.Port}
}

func (c *Client) Server() *Server {
	return c.server
}

func (c *Client) Ping(ctx context.Context, addr netip.AddrPort) (NodeID, error) {
	call := c.server.Call(ctx, addr, &Message{Method: PING})
	msg, err := call.Wait(ctx)
	if err != nil {
		return NodeID{}, err
	}
	return msg.Sender, nil
}

// Bootstrap pings addrs and then looks up the local id to fill the table.
func (c *Client) Bootstrap(ctx context.Context, addrs []netip.AddrPort) error {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr netip.AddrPort) {
			defer wg.Done()
			if _, err := c.Ping(ctx, addr); err != nil {
				c.server.log.WithError(err).WithField("node", addr).Debug("bootstrap ping")
			}
		}(addr)
	}
	wg.Wait()

	if c.server.table.Len() == 0 {
		return ErrNoPeers
	}
	c.FindNode(ctx, c.server.id)
	return nil
}

// FindNode returns the k closest nodes to target that answered.
func (c *Client) FindNode(ctx context.Context, target NodeID) []Contact {
	return c.lookup(ctx, target, FIND_NODE, nil)
}

type lookupResult struct {
	contact Contact
	msg     *Message
	err     error
	stalled bool
}

// lookup walks towards target, keeping alpha queries in flight. A stalled
// query gives up its slot but its reply is still used. The walk ends when
// the k closest live nodes have all answered, when nothing is left to ask,
// or when onResponse returns true.
func (c *Client) lookup(ctx context.Context, target NodeID, method Method, onResponse func(*Message) bool) []Contact {
	qs := newQueryPeerSet(target)
	for _, seed := range c.server.table.Closest(target, c.k) {
		qs.tryAdd(seed)
	}

	results := make(chan lookupResult)
	quit := make(chan struct{})
	defer close(quit)

	query := func(contact Contact) {
		call := c.server.Call(ctx, contact.Addr, &Message{Method: method, Target: target, Port: c.port})
		stalled := call.Stalled()
		for {
			select {
			case <-stalled:
				stalled = nil
				select {
				case results <- lookupResult{contact: contact, stalled: true}:
				case <-quit:
					return
				}
			case <-call.Done():
				msg, err := call.Result()
				select {
				case results <- lookupResult{contact: contact, msg: msg, err: err}:
				case <-quit:
				}
				return
			}
		}
	}

	active, outstanding := 0, 0
	slowed := map[NodeID]bool{}
	for {
		if ctx.Err() != nil || qs.converged(c.k) {
			break
		}
		for active < c.alpha {
			next, ok := qs.nextHeard()
			if !ok {
				break
			}
			qs.setState(next.ID, peerWaiting)
			active++
			outstanding++
			go query(next)
		}
		if outstanding == 0 {
			break
		}

		var r lookupResult
		select {
		case r = <-results:
		case <-ctx.Done():
			return qs.closestInStates(c.k, peerQueried)
		}
		if r.stalled {
			slowed[r.contact.ID] = true
			active--
			continue
		}
		outstanding--
		if !slowed[r.contact.ID] {
			active--
		}

		if r.err != nil {
			qs.setState(r.contact.ID, peerUnreachable)
			var remote *RemoteError
			switch {
			case errors.As(r.err, &remote):
				c.server.table.Blacklist(r.contact.Addr)
			case errors.Is(r.err, ErrRPCTimeout):
				c.server.table.Failed(r.contact.ID)
			}
			continue
		}
		if state, ok := qs.state(r.contact.ID); ok && state == peerWaiting {
			qs.setState(r.contact.ID, peerQueried)
		}
		for _, n := range r.msg.Nodes {
			if n.ID == c.server.id || c.server.table.Blacklisted(n.Addr) {
				continue
			}
			qs.tryAdd(n)
		}
		if onResponse != nil && onResponse(r.msg) {
			break
		}
	}
	return qs.closestInStates(c.k, peerQueried)
}

// FindProvidersAsync looks up providers of id. Records held by this node
// come first.
func (c *Client) FindProvidersAsync(ctx context.Context, id content.ID, count int) <-chan routing.PeerAddr {
	out := make(chan routing.PeerAddr)
	key := KeyFor(id)

	go func() {
		defer close(out)
		seen := mapset.NewThreadUnsafeSet[netip.AddrPort]()

		emit := func(providers []routing.PeerAddr) bool {
			for _, p := range providers {
				if !seen.Add(p.Addr) {
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return true
				}
				if count > 0 && seen.Cardinality() >= count {
					return true
				}
			}
			return false
		}

		if emit(c.server.providers.Get(key)) {
			return
		}
		c.lookup(ctx, key, FIND_PROVIDERS, func(msg *Message) bool {
			return emit(msg.Providers)
		})
	}()
	return out
}

// Provide announces this node as a provider of id to the k closest nodes.
// It succeeds when at least one of them accepts.
func (c *Client) Provide(ctx context.Context, id content.ID) error {
	key := KeyFor(id)
	closest := c.lookup(ctx, key, FIND_NODE, nil)
	if len(closest) == 0 {
		return xerrors.Errorf("provide %s: %w", id, ErrNoPeers)
	}

	var mu sync.Mutex
	accepted := 0
	var lastErr error
	var wg sync.WaitGroup
	for _, node := range closest {
		wg.Add(1)
		go func(node Contact) {
			defer wg.Done()
			call := c.server.Call(ctx, node.Addr, &Message{Method: PROVIDE, Target: key, Port: c.port})
			_, err := call.Wait(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			accepted++
		}(node)
	}
	wg.Wait()

	if accepted == 0 {
		return xerrors.Errorf("provide %s: %w", id, lastErr)
	}
	return nil
}
