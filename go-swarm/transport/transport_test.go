package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchangeBytes(t *testing.T, tr Transport) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := tr.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	out, err := tr.Dial(ctx, tr.Addr().String())
	require.NoError(t, err)
	defer out.Close()
	_, err = out.Write([]byte("ping"))
	require.NoError(t, err)

	var in Stream
	select {
	case in = <-accepted:
	case <-ctx.Done():
		t.Fatal("no stream accepted")
	}
	defer in.Close()

	buf := make([]byte, 4)
	_, err = io.ReadFull(in, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.NotNil(t, in.RemoteAddr())
}

func TestTCP(t *testing.T) {
	tr, err := New("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	exchangeBytes(t, tr)
}

func TestQUIC(t *testing.T) {
	tr, err := New("quic", "127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	exchangeBytes(t, tr)
}

func TestAcceptAfterClose(t *testing.T) {
	tr, err := New("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tr.Close()

	_, err = tr.Accept(context.Background())
	assert.Equal(t, ErrClosed, err)
}

func TestUnknownTransport(t *testing.T) {
	_, err := New("carrier-pigeon", "")
	assert.Error(t, err)
}
