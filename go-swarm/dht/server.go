package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	RPC_TIMEOUT   = 10 * time.Second
	STALL_TIMEOUT = 2 * time.Second
	MAX_DATAGRAM  = 65535
)

type ServerConfig struct {
	Codec        Codec
	RPCTimeout   time.Duration
	StallTimeout time.Duration
	MaxFailures  int
	CacheSize    int
}

// Server owns the DHT socket. It answers queries from other nodes and
// correlates replies to the calls it issued.
type Server struct {
	conn         net.PacketConn
	id           NodeID
	codec        Codec
	table        *Table
	providers    *ProviderStore
	rpcTimeout   time.Duration
	stallTimeout time.Duration
	log          *logrus.Entry

	mu       sync.Mutex
	inflight map[string]*Call
	closed   bool
	done     chan struct{}
}

// Listen binds a UDP socket on addr and starts serving it.
func Listen(addr string, id NodeID, cfg ServerConfig, log *logrus.Entry) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, xerrors.Errorf("dht listen %s: %w", addr, err)
	}
	s, err := NewServer(conn, id, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func NewServer(conn net.PacketConn, id NodeID, cfg ServerConfig, log *logrus.Entry) (*Server, error) {
	if cfg.Codec == nil {
		cfg.Codec = KRPC{}
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = RPC_TIMEOUT
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = STALL_TIMEOUT
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if id.IsZero() {
		id = RandomNodeID()
	}
	providers, err := NewProviderStore(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		conn:         conn,
		id:           id,
		codec:        cfg.Codec,
		table:        NewTable(id, cfg.MaxFailures),
		providers:    providers,
		rpcTimeout:   cfg.RPCTimeout,
		stallTimeout: cfg.StallTimeout,
		log:          log.WithField("dht", conn.LocalAddr().String()),
		inflight:     make(map[string]*Call),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Server) ID() NodeID {
	return s.id
}

func (s *Server) Addr() netip.AddrPort {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		ap := addr.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

func (s *Server) Table() *Table {
	return s.table
}

func (s *Server) Providers() *ProviderStore {
	return s.providers
}

func (s *Server) newTxID() (string, error) {
	for {
		b := make([]byte, 4)
		if _, err := rand.Read(b); err != nil {
			return "", xerrors.Errorf("generating transaction id: %w", err)
		}
		if _, ok := s.inflight[string(b)]; !ok {
			return string(b), nil
		}
	}
}

// Call sends req to addr and returns the call tracking its reply. Write
// failures settle the call immediately with ERROR, and so does the end of
// ctx while the call is pending.
func (s *Server) Call(ctx context.Context, addr netip.AddrPort, req *Message) *Call {
	req.Kind = KindQuery
	req.Sender = s.id

	s.mu.Lock()
	txID, err := s.newTxID()
	req.TxID = txID
	call := newCall(req.TxID, addr, req, s.rpcTimeout)
	switch {
	case err != nil:
		s.mu.Unlock()
		call.Fail(err)
		return call
	case s.closed:
		s.mu.Unlock()
		call.Fail(ErrServerClosed)
		return call
	}
	call.onDone = s.forget
	s.inflight[req.TxID] = call
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		call.Fail(err)
		return call
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				call.Fail(ctx.Err())
			case <-call.Done():
			}
		}()
	}

	data, err := s.codec.Encode(req)
	if err != nil {
		call.Fail(err)
		return call
	}
	call.markSent(s.stallTimeout)
	if _, err := s.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr)); err != nil {
		call.Fail(err)
	}
	return call
}

func (s *Server) forget(c *Call) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight[c.TxID] == c {
		delete(s.inflight, c.TxID)
	}
}

func (s *Server) send(addr netip.AddrPort, msg *Message) {
	msg.Sender = s.id
	data, err := s.codec.Encode(msg)
	if err != nil {
		s.log.WithError(err).Warn("encoding reply")
		return
	}
	if _, err := s.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr)); err != nil {
		s.log.WithError(err).Debug("sending reply")
	}
}

func (s *Server) readLoop() {
	defer close(s.done)

	buf := make([]byte, MAX_DATAGRAM)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Debug("reading datagram")
			continue
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		src := udpAddr.AddrPort()
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
		if s.table.Blacklisted(src) {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		msg, err := s.codec.Decode(data)
		if err != nil {
			s.handleMalformed(src, msg, err)
			continue
		}
		switch msg.Kind {
		case KindQuery:
			s.table.Add(Contact{ID: msg.Sender, Addr: src})
			s.handleQuery(src, msg)
		default:
			s.handleReply(src, msg)
		}
	}
}

func (s *Server) lookupCall(txID string, src netip.AddrPort) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.inflight[txID]
	if !ok || call.Addr != src {
		return nil
	}
	return call
}

func (s *Server) handleReply(src netip.AddrPort, msg *Message) {
	call := s.lookupCall(msg.TxID, src)
	if call == nil {
		s.log.WithField("from", src).Debug("uncorrelated reply")
		return
	}
	if msg.Kind == KindResponse {
		s.table.Succeeded(Contact{ID: msg.Sender, Addr: src})
	}
	call.Respond(msg)
}

func (s *Server) handleMalformed(src netip.AddrPort, msg *Message, err error) {
	s.log.WithError(err).WithField("from", src).Debug("malformed message")
	if msg == nil {
		return
	}
	if call := s.lookupCall(msg.TxID, src); call != nil {
		call.Fail(err)
		return
	}
	if msg.Kind == KindQuery {
		s.send(src, &Message{TxID: msg.TxID, Kind: KindError, ErrCode: ERR_PROTOCOL, ErrMsg: "malformed query"})
	}
}

func (s *Server) handleQuery(src netip.AddrPort, msg *Message) {
	reply := &Message{TxID: msg.TxID, Kind: KindResponse, Method: msg.Method}
	switch msg.Method {
	case PING:
	case FIND_NODE:
		reply.Nodes = s.table.Closest(msg.Target, K)
	case FIND_PROVIDERS:
		reply.Providers = s.providers.Get(msg.Target)
		reply.Nodes = s.table.Closest(msg.Target, K)
	case PROVIDE:
		port := msg.Port
		if port <= 0 || port > 65535 {
			port = int(src.Port())
		}
		s.providers.Add(msg.Target, routing.PeerAddr{Addr: netip.AddrPortFrom(src.Addr(), uint16(port))})
	default:
		s.send(src, &Message{TxID: msg.TxID, Kind: KindError, ErrCode: ERR_METHOD_UNKNOWN, ErrMsg: "method unknown"})
		return
	}
	s.send(src, reply)
}

// Close stops the server. Outstanding calls end with ERROR.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	calls := make([]*Call, 0, len(s.inflight))
	for _, c := range s.inflight {
		calls = append(calls, c)
	}
	s.mu.Unlock()

	for _, c := range calls {
		c.Fail(ErrServerClosed)
	}
	err := s.conn.Close()
	<-s.done
	return err
}
