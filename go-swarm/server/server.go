package server

import (
	"context"
	"errors"
	"net"

	"github.com/iohzrd/thor/go-swarm/transport"
	"github.com/sirupsen/logrus"
)

// Acceptor takes ownership of every accepted stream.
type Acceptor interface {
	HandleStream(stream transport.Stream)
}

type Server interface {
	Serve(ctx context.Context) error
	GetServerPort() int
}

type server struct {
	transport transport.Transport
	acceptor  Acceptor
	log       *logrus.Entry
}

func NewServer(
	t transport.Transport,
	acceptor Acceptor,
	log *logrus.Entry) Server {

	return &server{
		transport: t,
		acceptor:  acceptor,
		log:       log.WithField("component", "server"),
	}
}

// Serve accepts streams until ctx is done or the transport is closed. Each
// stream is handed to the acceptor on its own goroutine.
func (sv *server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		sv.transport.Close()
	}()

	sv.log.Infof("listening on %s", sv.transport.Addr())
	for {
		stream, err := sv.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				sv.log.Info("safely terminating peer listener")
				return nil
			}
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				continue
			}
			return err
		}
		go sv.acceptor.HandleStream(stream)
	}
}

func (sv *server) GetServerPort() int {
	switch addr := sv.transport.Addr().(type) {
	case *net.TCPAddr:
		return addr.Port
	case *net.UDPAddr:
		return addr.Port
	default:
		return 0
	}
}
