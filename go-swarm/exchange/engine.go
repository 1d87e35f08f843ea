package exchange

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/peer"
	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/iohzrd/thor/go-swarm/server"
	"github.com/iohzrd/thor/go-swarm/stats"
	"github.com/iohzrd/thor/go-swarm/storage"
	"github.com/iohzrd/thor/go-swarm/transport"
	"github.com/iohzrd/thor/go-swarm/wire"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

var (
	ErrUnknownContent = errors.New("no exchange for content")
	ErrAlreadyRunning = errors.New("exchange already running")
	ErrNotStarted     = errors.New("engine not started")
	ErrEngineStarted  = errors.New("engine already started")
)

type EngineConfig struct {
	LocalID    peer.ID
	ListenAddr string
	Transport  string
	DataDir    string
	Fs         afero.Fs
	Exchange   Config
	Pool       peer.PoolConfig
	// Conn carries timeouts and queue sizes for every connection.
	Conn    peer.Options
	Resume  *storage.ResumeStore
	Routing routing.ContentRouting
	Logger  *logrus.Entry

	// RoutingFor adds per content routing, such as the trackers of a
	// torrent, next to Routing.
	RoutingFor func(meta content.Metadata, st stats.Stats, port int) routing.ContentRouting
}

type exchangeEntry struct {
	co      *Coordinator
	storage storage.Storage

	closeOnce sync.Once
	closeErr  error
}

func (x *exchangeEntry) close() error {
	x.closeOnce.Do(func() {
		x.co.Stop()
		x.closeErr = x.storage.Close()
	})
	return x.closeErr
}

// Engine runs the exchanges of a node behind one listening transport.
type Engine struct {
	cfg       EngineConfig
	log       *logrus.Entry
	transport transport.Transport
	server    server.Server

	mu        sync.RWMutex
	exchanges map[[20]byte]*exchangeEntry
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.LocalID.IsZero() {
		cfg.LocalID = peer.NewID(peer.PEER_ID_PREFIX)
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "engine"),
		exchanges: make(map[[20]byte]*exchangeEntry),
	}
}

func (e *Engine) LocalID() peer.ID {
	return e.cfg.LocalID
}

// Start binds the listening transport. It is the only failure that stops
// the engine as a whole.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport != nil {
		return ErrEngineStarted
	}
	t, err := transport.New(e.cfg.Transport, e.cfg.ListenAddr)
	if err != nil {
		return xerrors.Errorf("listen on %s: %w", e.cfg.ListenAddr, err)
	}
	e.transport = t
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.server = server.NewServer(t, e, e.cfg.Logger)

	srv, serveCtx := e.server, e.ctx
	go func() {
		if err := srv.Serve(serveCtx); err != nil {
			e.log.WithError(err).Error("peer listener stopped")
		}
	}()
	return nil
}

// Addr is the bound listening address.
func (e *Engine) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.transport == nil {
		return nil
	}
	return e.transport.Addr()
}

func (e *Engine) listenPort() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.server == nil {
		return 0
	}
	return e.server.GetServerPort()
}

// HandleStream routes an inbound stream to the exchange named by its
// handshake.
func (e *Engine) HandleStream(stream transport.Stream) {
	timeout := e.cfg.Conn.HandshakeTimeout
	if timeout <= 0 {
		timeout = peer.HANDSHAKE_TIMEOUT
	}
	hs, err := wire.NewWire(stream, timeout).ReadHandshake()
	if err != nil {
		e.log.WithError(err).WithField("peer", stream.RemoteAddr()).Debug("reading handshake")
		stream.Close()
		return
	}

	e.mu.RLock()
	entry, ok := e.exchanges[hs.InfoHash]
	e.mu.RUnlock()
	if !ok {
		e.log.WithField("peer", stream.RemoteAddr()).Debug("handshake for unknown content")
		stream.Close()
		return
	}
	if _, err := entry.co.Accept(stream, &hs); err != nil {
		e.log.WithError(err).WithField("peer", stream.RemoteAddr()).Debug("rejecting connection")
	}
}

// StartExchange opens storage for meta and starts exchanging it.
func (e *Engine) StartExchange(ctx context.Context, meta content.Metadata) (*Coordinator, error) {
	e.mu.RLock()
	t := e.transport
	e.mu.RUnlock()
	if t == nil {
		return nil, ErrNotStarted
	}

	id := meta.ContentID()
	key := id.HandshakeKey()
	e.mu.RLock()
	_, running := e.exchanges[key]
	e.mu.RUnlock()
	if running {
		return nil, xerrors.Errorf("%s: %w", id, ErrAlreadyRunning)
	}

	s, err := storage.Open(e.cfg.Fs, e.cfg.DataDir, meta)
	if err != nil {
		return nil, xerrors.Errorf("open storage for %s: %w", id, err)
	}

	opts := e.cfg.Conn
	opts.LocalID = e.cfg.LocalID
	opts.Dialer = t
	opts.ListenPort = e.listenPort()
	if opts.Extensions == nil {
		opts.Extensions = map[string]int{}
	}
	st := stats.NewStats(0, 0, content.NewLayout(meta).Length())
	co, err := NewCoordinator(meta, e.cfg.Exchange, Deps{
		Storage: s,
		Resume:  e.cfg.Resume,
		Routing: e.routingFor(meta, st, opts.ListenPort),
		Stats:   st,
		Conn:    opts,
		Pool:    e.cfg.Pool,
		Logger:  e.cfg.Logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.exchanges[key]; ok {
		e.mu.Unlock()
		s.Close()
		return nil, xerrors.Errorf("%s: %w", id, ErrAlreadyRunning)
	}
	entry := &exchangeEntry{co: co, storage: s}
	e.exchanges[key] = entry
	e.mu.Unlock()

	if err := co.Start(ctx); err != nil {
		e.StopExchange(id)
		return nil, err
	}
	go e.release(key, entry)
	e.log.WithField("content", id.String()).Info("exchange started")
	return co, nil
}

func (e *Engine) routingFor(meta content.Metadata, st stats.Stats, port int) routing.ContentRouting {
	routers := routing.Multi{}
	if e.cfg.Routing != nil {
		routers = append(routers, e.cfg.Routing)
	}
	if e.cfg.RoutingFor != nil {
		if r := e.cfg.RoutingFor(meta, st, port); r != nil {
			routers = append(routers, r)
		}
	}
	switch len(routers) {
	case 0:
		return nil
	case 1:
		return routers[0]
	default:
		return routers
	}
}

func (e *Engine) lookup(id content.ID) (*exchangeEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.exchanges[id.HandshakeKey()]
	if !ok {
		return nil, xerrors.Errorf("%s: %w", id, ErrUnknownContent)
	}
	return entry, nil
}

func (e *Engine) Coordinator(id content.ID) (*Coordinator, error) {
	entry, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return entry.co, nil
}

// release forgets an exchange whose coordinator stopped on its own, when
// the context given to StartExchange ended.
func (e *Engine) release(key [20]byte, entry *exchangeEntry) {
	<-entry.co.Stopped()

	e.mu.Lock()
	if e.exchanges[key] == entry {
		delete(e.exchanges, key)
	}
	e.mu.Unlock()
	if err := entry.close(); err != nil {
		e.log.WithError(err).WithField("content", entry.co.ID().String()).Warn("closing storage")
	}
}

// StopExchange stops the exchange of id and closes its storage.
func (e *Engine) StopExchange(id content.ID) error {
	e.mu.Lock()
	entry, ok := e.exchanges[id.HandshakeKey()]
	delete(e.exchanges, id.HandshakeKey())
	e.mu.Unlock()
	if !ok {
		return xerrors.Errorf("%s: %w", id, ErrUnknownContent)
	}
	return entry.close()
}

func (e *Engine) Snapshot(id content.ID) (Snapshot, error) {
	entry, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return entry.co.Snapshot(), nil
}

func (e *Engine) Subscribe(id content.ID, interval time.Duration, fn func(Snapshot)) (func(), error) {
	entry, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return entry.co.Subscribe(interval, fn), nil
}

// Close stops every exchange and the listener.
func (e *Engine) Close() error {
	e.mu.RLock()
	ids := make([]content.ID, 0, len(e.exchanges))
	for _, entry := range e.exchanges {
		ids = append(ids, entry.co.ID())
	}
	cancel := e.cancel
	t := e.transport
	e.mu.RUnlock()

	for _, id := range ids {
		if err := e.StopExchange(id); err != nil {
			e.log.WithError(err).Warn("stopping exchange")
		}
	}
	if cancel != nil {
		cancel()
	}
	if t != nil {
		return t.Close()
	}
	return nil
}
