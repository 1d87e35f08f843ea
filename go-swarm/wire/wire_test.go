package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "-TH0001-abcdefghijkl")

	h := NewHandshake(infoHash, peerID, true)
	data := EncodeHandshake(h)
	require.Len(t, data, HANDSHAKE_LENGTH)
	assert.Equal(t, byte(19), data[0])
	assert.Equal(t, PROTOCOL, string(data[1:20]))

	decoded, err := DecodeHandshake(data)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
	assert.True(t, decoded.SupportsExtended())
	assert.False(t, NewHandshake(infoHash, peerID, false).SupportsExtended())
}

func TestHandshakeWrongProtocol(t *testing.T) {
	data := EncodeHandshake(Handshake{})
	copy(data[1:], "BitTorrent protocoX")

	_, err := DecodeHandshake(data)
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	_, err = DecodeHandshake(data[:40])
	assert.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestEncodeFrames(t *testing.T) {
	data, err := Encode(Request{Index: 1, Begin: 16384, Length: 16384})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0}, data)

	data, err = Encode(KeepAlive{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	data, err = Encode(Have{Index: 7})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 5, 4, 0, 0, 0, 7}, data)
}

func TestReadFrame(t *testing.T) {
	messages := []Message{
		KeepAlive{},
		Choke{},
		Unchoke{},
		Interested{},
		NotInterested{},
		Have{Index: 3},
		Bitfield{Bits: []byte{0xf0}},
		Request{Index: 2, Begin: 0, Length: 10},
		Piece{Index: 2, Begin: 0, Block: []byte("hello")},
		Cancel{Index: 2, Begin: 0, Length: 10},
		Port{Port: 6881},
		ExtendedHandshake{Extensions: map[string]int{"ut_pex": 1}, ListenPort: 6881, Client: "thor"},
	}
	stream := &bytes.Buffer{}
	for _, msg := range messages {
		data, err := Encode(msg)
		require.NoError(t, err)
		stream.Write(data)
	}
	for _, want := range messages {
		got, err := ReadFrame(stream)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadFrame(stream)
	assert.Equal(t, io.EOF, err)
}

func TestUnknownMessageIsNotAnError(t *testing.T) {
	msg, err := Decode(MessageType(42), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, Unknown{ID: 42, Payload: []byte{1, 2}}, msg)
	assert.Equal(t, "UNKNOWN(42)", msg.Type().String())
}

func TestMalformedFrames(t *testing.T) {
	_, err := Decode(HAVE, []byte{1})
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	_, err = Decode(REQUEST, make([]byte, 11))
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	_, err = Decode(CHOKE, []byte{1})
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	_, err = Decode(EXTENDED, []byte{0, 'x'})
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	huge := &bytes.Buffer{}
	binary.Write(huge, binary.BigEndian, uint32(MAX_MESSAGE_LENGTH+1))
	_, err = ReadFrame(huge)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestWireOverPipe(t *testing.T) {
	local, remote := net.Pipe()
	a := NewWire(local, time.Second)
	b := NewWire(remote, time.Second)
	defer a.Close()
	defer b.Close()

	h := NewHandshake([20]byte{1}, [20]byte{2}, false)
	go func() {
		a.SendHandshake(h)
		a.SendMessage(Have{Index: 9})
	}()

	got, err := b.ReadHandshake()
	require.NoError(t, err)
	assert.Equal(t, h, got)
	msg, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Have{Index: 9}, msg)
	assert.WithinDuration(t, time.Now(), a.GetLastMessageSent(), time.Second)
}

func TestWireReadTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	w := NewWire(local, 50*time.Millisecond)
	defer w.Close()

	_, err := w.ReadMessage()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}
