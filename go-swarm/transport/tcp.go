package transport

import (
	"context"
	"errors"
	"net"
)

var listen = net.Listen

type tcpTransport struct {
	listener net.Listener
	dialer   net.Dialer
}

func ListenTCP(addr string) (Transport, error) {
	listener, err := listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{listener: listener}, nil
}

func (t *tcpTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	return t.dialer.DialContext(ctx, "tcp", addr)
}

func (t *tcpTransport) Accept(ctx context.Context) (Stream, error) {
	conn, err := t.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return conn, nil
}

func (t *tcpTransport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *tcpTransport) Close() error {
	return t.listener.Close()
}
