package wire

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"
)

type Wire interface {
	// Reading
	ReadHandshake() (Handshake, error)
	ReadMessage() (Message, error)

	// Writing
	SendHandshake(h Handshake) error
	SendMessage(msg Message) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	SetTimeout(timeout time.Duration)
	Close() error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type wire struct {
	conn            io.ReadWriteCloser
	writeLock       sync.Mutex
	timeoutDuration atomic.Int64
	lastMessageSent atomic.Int64
}

// NewWire frames messages over conn. Deadlines are applied when conn
// supports them; a zero timeout disables them.
func NewWire(
	conn io.ReadWriteCloser,
	timeoutDuration time.Duration) Wire {

	w := &wire{conn: conn}
	w.timeoutDuration.Store(int64(timeoutDuration))
	return w
}

func (w *wire) SetTimeout(timeout time.Duration) {
	w.timeoutDuration.Store(int64(timeout))
}

func (w *wire) GetLastMessageSent() time.Time {
	return time.Unix(0, w.lastMessageSent.Load())
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) deadline() time.Time {
	timeout := time.Duration(w.timeoutDuration.Load())
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func (w *wire) ReadHandshake() (Handshake, error) {
	if d, ok := w.conn.(readDeadliner); ok {
		d.SetReadDeadline(w.deadline())
	}
	data := make([]byte, HANDSHAKE_LENGTH)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return Handshake{}, xerrors.Errorf("read handshake: %w", err)
	}
	return DecodeHandshake(data)
}

func (w *wire) ReadMessage() (Message, error) {
	if d, ok := w.conn.(readDeadliner); ok {
		d.SetReadDeadline(w.deadline())
	}
	return ReadFrame(w.conn)
}

func (w *wire) SendHandshake(h Handshake) error {
	return w.sendMessage(EncodeHandshake(h))
}

func (w *wire) SendMessage(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return w.sendMessage(data)
}

func (w *wire) sendMessage(msg []byte) error {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	w.lastMessageSent.Store(time.Now().UnixNano())
	if d, ok := w.conn.(writeDeadliner); ok {
		d.SetWriteDeadline(w.deadline())
	}
	if _, err := w.conn.Write(msg); err != nil {
		return xerrors.Errorf("write message: %w", err)
	}
	return nil
}
