package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn            = "thor-swarm"
	certValidityDur = 365 * 24 * time.Hour
)

// quicStream pins one bidirectional stream to its connection so closing
// the stream tears down the whole connection.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	return s.conn.CloseWithError(0, "")
}

type quicTransport struct {
	listener  *quic.Listener
	tlsConfig *tls.Config
	config    *quic.Config
}

func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  2 * time.Minute,
	}
}

func ListenQUIC(addr string) (Transport, error) {
	tlsConfig, err := selfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	config := DefaultQUICConfig()
	listener, err := quic.ListenAddr(addr, tlsConfig, config)
	if err != nil {
		return nil, err
	}
	return &quicTransport{listener: listener, tlsConfig: tlsConfig, config: config}, nil
}

func (t *quicTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, t.tlsConfig, t.config)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func (t *quicTransport) Accept(ctx context.Context) (Stream, error) {
	conn, err := t.listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func (t *quicTransport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *quicTransport) Close() error {
	return t.listener.Close()
}

func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		NotAfter:     time.Now().Add(certValidityDur),
		NotBefore:    time.Now(),
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"thor"}},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Bytes: certDER, Type: "CERTIFICATE"}),
		pem.EncodeToMemory(&pem.Block{Bytes: keyDER, Type: "EC PRIVATE KEY"}),
	)
	if err != nil {
		return nil, err
	}
	// Peers authenticate each other through the wire handshake, not TLS.
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}, nil
}
