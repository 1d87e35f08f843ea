package transport

import (
	"context"
	"errors"
	"io"
	"net"
)

var ErrClosed = errors.New("transport closed")

// Stream is a duplex byte stream to one remote peer.
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type Transport interface {
	Dial(ctx context.Context, addr string) (Stream, error)
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// New picks a transport implementation by name.
func New(name string, listenAddr string) (Transport, error) {
	switch name {
	case "", "tcp":
		return ListenTCP(listenAddr)
	case "quic":
		return ListenQUIC(listenAddr)
	default:
		return nil, errors.New("unknown transport " + name)
	}
}
