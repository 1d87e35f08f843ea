package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/transport"
	"github.com/iohzrd/thor/go-swarm/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrContentMismatch     = errors.New("handshake for different content")
	ErrSelfConnection      = errors.New("connected to self")
	ErrUnexpectedPeer      = errors.New("handshake from unexpected peer")
)

const (
	PEER_TIMEOUT        = 120 * time.Second
	HANDSHAKE_TIMEOUT   = 10 * time.Second
	DIAL_TIMEOUT        = 5 * time.Second
	KEEP_ALIVE_INTERVAL = time.Minute
	OUTBOUND_QUEUE      = 256
	MAX_PENDING         = 64
)

type State int32

const (
	Connecting State = iota
	Handshaking
	ExtendedHandshaking
	Ready
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Handshaking:
		return "HANDSHAKING"
	case ExtendedHandshaking:
		return "EXTENDED_HANDSHAKING"
	case Ready:
		return "READY"
	case Closed:
		return "CLOSED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

var transitions = map[State][]State{
	Connecting:          {Handshaking},
	Handshaking:         {ExtendedHandshaking, Ready},
	ExtendedHandshaking: {Ready},
}

// Handler consumes one decoded message. A returned error fails the connection.
type Handler func(c *Conn, msg wire.Message) error

// Handlers maps message types to their consumer. Types without an entry are
// dropped.
type Handlers map[wire.MessageType]Handler

type Dialer interface {
	Dial(ctx context.Context, addr string) (transport.Stream, error)
}

type Options struct {
	LocalID    ID
	Content    content.ID
	Bitfield   *content.Bitfield
	Handlers   Handlers
	Extensions map[string]int
	ListenPort int
	Client     string
	Dialer     Dialer

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	QueueSize        int
	Logger           *logrus.Entry

	OnHandshake         func(c *Conn) error
	OnExtendedHandshake func(c *Conn)
	OnReady             func(c *Conn)
	OnClosed            func(c *Conn, err error)
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DIAL_TIMEOUT
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = HANDSHAKE_TIMEOUT
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = PEER_TIMEOUT
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = KEEP_ALIVE_INTERVAL
	}
	if o.QueueSize <= 0 {
		o.QueueSize = OUTBOUND_QUEUE
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = logrus.NewEntry(l)
	}
	return o
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

// Conn is one peer session: a duplex stream, its handshake state and an
// ordered outbound queue. Inbound messages are dispatched in arrival order
// from the goroutine running Run.
type Conn struct {
	opts     Options
	addr     string
	outbound bool
	expect   ID
	created  time.Time
	log      *logrus.Entry

	mu         sync.RWMutex
	state      State
	stream     transport.Stream
	wire       wire.Wire
	received   *wire.Handshake
	remoteID   ID
	extended   *wire.ExtendedHandshake
	listenPort int
	connState  connState
	err        error

	out        chan wire.Message
	done       chan struct{}
	closeOnce  sync.Once
	lastActive atomic.Int64
}

func newConn(opts Options, addr string, stream transport.Stream, received *wire.Handshake) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		opts:     opts,
		addr:     addr,
		outbound: stream == nil,
		created:  time.Now(),
		state:    Connecting,
		stream:   stream,
		received: received,
		out:      make(chan wire.Message, opts.QueueSize),
		done:     make(chan struct{}),
		connState: connState{
			peerChoking:   true,
			clientChoking: true,
		},
	}
	if c.outbound {
		if _, port, err := net.SplitHostPort(addr); err == nil {
			c.listenPort, _ = strconv.Atoi(port)
		}
	}
	c.log = opts.Logger.WithField("peer", addr)
	c.lastActive.Store(c.created.UnixNano())
	return c
}

// NewConn creates an outbound connection that dials addr when run.
func NewConn(opts Options, addr string) *Conn {
	return newConn(opts, addr, nil, nil)
}

// AcceptConn wraps an accepted stream. received is the remote handshake if
// it was already consumed while routing the stream.
func AcceptConn(opts Options, stream transport.Stream, received *wire.Handshake) *Conn {
	return newConn(opts, stream.RemoteAddr().String(), stream, received)
}

func (c *Conn) Run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			c.CloseWithError(ErrConnectionClosed)
		case <-c.done:
		}
	}()

	err := c.run(ctx)
	c.shutdown(err)

	c.mu.RLock()
	err = c.err
	c.mu.RUnlock()
	c.log.WithError(err).Debug("connection ended")
	if c.opts.OnClosed != nil {
		c.opts.OnClosed(c, err)
	}
}

func (c *Conn) run(ctx context.Context) error {
	if c.stream == nil {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		stream, err := c.opts.Dialer.Dial(dialCtx, c.addr)
		cancel()
		if err != nil {
			return xerrors.Errorf("dial %s: %w", c.addr, err)
		}
		c.mu.Lock()
		if c.state.Terminal() {
			c.mu.Unlock()
			stream.Close()
			return ErrConnectionClosed
		}
		c.stream = stream
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.wire = wire.NewWire(c.stream, c.opts.HandshakeTimeout)
	c.mu.Unlock()

	if err := c.transition(Handshaking); err != nil {
		return err
	}
	extended, err := c.handshake()
	if err != nil {
		return err
	}

	var pending []wire.Message
	if extended {
		if err := c.transition(ExtendedHandshaking); err != nil {
			return err
		}
		if pending, err = c.extendedHandshake(); err != nil {
			return err
		}
	}

	c.wire.SetTimeout(c.opts.IdleTimeout)
	if err := c.transition(Ready); err != nil {
		return err
	}
	c.log.Debug("connection ready")
	go c.writeLoop()
	go c.keepAlive()

	if bf := c.opts.Bitfield; bf != nil && bf.Count() > 0 {
		c.Post(wire.Bitfield{Bits: bf.Bytes()})
	}
	if c.opts.OnReady != nil {
		c.opts.OnReady(c)
	}
	for _, msg := range pending {
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}

	// handle all subsequent messages
	for {
		msg, err := c.wire.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrConnectionClosed
			}
			return err
		}
		c.lastActive.Store(time.Now().UnixNano())
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
}

func (c *Conn) handshake() (bool, error) {
	local := wire.NewHandshake(c.opts.Content.HandshakeKey(), c.opts.LocalID, c.opts.Extensions != nil)
	if err := c.wire.SendHandshake(local); err != nil {
		return false, err
	}
	remote := c.received
	if remote == nil {
		h, err := c.wire.ReadHandshake()
		if err != nil {
			return false, err
		}
		remote = &h
	}
	if remote.InfoHash != local.InfoHash {
		return false, ErrContentMismatch
	}
	remoteID := ID(remote.PeerID)
	if remoteID == c.opts.LocalID {
		return false, ErrSelfConnection
	}
	if !c.expect.IsZero() && remoteID != c.expect {
		return false, ErrUnexpectedPeer
	}

	c.mu.Lock()
	c.remoteID = remoteID
	c.mu.Unlock()
	c.log = c.log.WithField("id", remoteID.String()[:16])
	c.lastActive.Store(time.Now().UnixNano())

	if c.opts.OnHandshake != nil {
		if err := c.opts.OnHandshake(c); err != nil {
			return false, err
		}
	}
	return local.SupportsExtended() && remote.SupportsExtended(), nil
}

// extendedHandshake exchanges capabilities. Messages that arrive ahead of the
// peer's extended handshake are returned for dispatch once the connection
// is ready.
func (c *Conn) extendedHandshake() ([]wire.Message, error) {
	err := c.wire.SendMessage(wire.ExtendedHandshake{
		Extensions: c.opts.Extensions,
		ListenPort: c.opts.ListenPort,
		Client:     c.opts.Client,
	})
	if err != nil {
		return nil, err
	}

	pending := []wire.Message{}
	for {
		msg, err := c.wire.ReadMessage()
		if err != nil {
			return nil, err
		}
		if hs, ok := msg.(wire.ExtendedHandshake); ok {
			c.setExtended(hs)
			if c.opts.OnExtendedHandshake != nil {
				c.opts.OnExtendedHandshake(c)
			}
			return pending, nil
		}
		if len(pending) >= MAX_PENDING {
			return nil, &wire.ViolationError{Reason: "no extended handshake"}
		}
		pending = append(pending, msg)
	}
}

func (c *Conn) setExtended(hs wire.ExtendedHandshake) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.extended = &hs
	if hs.ListenPort > 0 {
		c.listenPort = hs.ListenPort
	}
}

func (c *Conn) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		if c.err != nil {
			return c.err
		}
		return ErrConnectionClosed
	}
	for _, allowed := range transitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", c.state, to)
}

func (c *Conn) dispatch(msg wire.Message) error {
	c.mu.Lock()
	switch m := msg.(type) {
	case wire.Choke:
		c.connState.peerChoking = true
	case wire.Unchoke:
		c.connState.peerChoking = false
	case wire.Interested:
		c.connState.peerInterested = true
	case wire.NotInterested:
		c.connState.peerInterested = false
	case wire.ExtendedHandshake:
		c.extended = &m
		if m.ListenPort > 0 {
			c.listenPort = m.ListenPort
		}
	}
	c.mu.Unlock()

	handler, ok := c.opts.Handlers[msg.Type()]
	if !ok {
		return nil
	}
	return handler(c, msg)
}

// Post queues msg for the peer. It fails with ErrConnectionClosed unless the
// connection is ready; a peer that stops draining its queue is disconnected.
func (c *Conn) Post(msg wire.Message) error {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	switch msg.(type) {
	case wire.Choke:
		c.connState.clientChoking = true
	case wire.Unchoke:
		c.connState.clientChoking = false
	case wire.Interested:
		c.connState.clientInterested = true
	case wire.NotInterested:
		c.connState.clientInterested = false
	}
	c.mu.Unlock()

	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.CloseWithError(xerrors.Errorf("outbound queue full: %w", ErrConnectionClosed))
		return ErrConnectionClosed
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.wire.SendMessage(msg); err != nil {
				c.CloseWithError(xerrors.Errorf("send %s: %v: %w", msg.Type(), err, ErrConnectionClosed))
				return
			}
		}
	}
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			// Send a keep alive if we haven't sent a message in the last interval
			if c.wire.GetLastMessageSent().Before(now.Add(-c.opts.KeepAlive)) {
				c.Post(wire.KeepAlive{})
			}
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = ErrConnectionClosed
		}
		clean := errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrDuplicateConnection)
		if c.state == Ready && clean {
			c.state = Closed
		} else {
			c.state = Failed
		}
		c.err = err
		stream := c.stream
		close(c.done)
		c.mu.Unlock()

		if stream != nil {
			stream.Close()
		}
	})
}

func (c *Conn) Close() {
	c.shutdown(nil)
}

// CloseWithError releases the stream, unblocking any pending read or write.
func (c *Conn) CloseWithError(err error) {
	c.shutdown(err)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.err
}

func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

func (c *Conn) Live() bool {
	return !c.State().Terminal()
}

func (c *Conn) RemoteID() ID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.remoteID
}

func (c *Conn) Key() Key {
	return Key{Content: c.opts.Content, Peer: c.RemoteID()}
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) Outbound() bool {
	return c.outbound
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// RemoteIP is the host part of the peer's observed address.
func (c *Conn) RemoteIP() string {
	c.mu.RLock()
	stream := c.stream
	c.mu.RUnlock()

	addr := c.addr
	if stream != nil && stream.RemoteAddr() != nil {
		addr = stream.RemoteAddr().String()
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// RemotePort is the port of the stream as observed locally.
func (c *Conn) RemotePort() int {
	c.mu.RLock()
	stream := c.stream
	c.mu.RUnlock()

	addr := c.addr
	if stream != nil && stream.RemoteAddr() != nil {
		addr = stream.RemoteAddr().String()
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// ListenAddr is where the peer accepts connections: the dialed address for
// outbound connections, or the port advertised in its extended handshake.
// It is empty while unknown.
func (c *Conn) ListenAddr() string {
	c.mu.RLock()
	port := c.listenPort
	c.mu.RUnlock()

	if port == 0 {
		return ""
	}
	return net.JoinHostPort(c.RemoteIP(), strconv.Itoa(port))
}

func (c *Conn) Extensions() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.extended == nil {
		return nil
	}
	return c.extended.Extensions
}

func (c *Conn) PeerChoking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connState.peerChoking
}

func (c *Conn) PeerInterested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connState.peerInterested
}

func (c *Conn) ClientChoking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connState.clientChoking
}

func (c *Conn) ClientInterested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connState.clientInterested
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s(%s)", c.addr, c.State())
}
