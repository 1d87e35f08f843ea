package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
	"golang.org/x/xerrors"
)

const (
	PROTOCOL           = "BitTorrent protocol"
	HANDSHAKE_LENGTH   = 68
	MAX_MESSAGE_LENGTH = 1 << 21
	MAX_BLOCK_LENGTH   = 1 << 17
)

var ErrProtocolViolation = errors.New("protocol violation")

// ViolationError describes malformed or unexpected input from a peer.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return "protocol violation: " + e.Reason
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

func violation(format string, args ...interface{}) error {
	return &ViolationError{Reason: fmt.Sprintf(format, args...)}
}

// 1 + 19 + 8 + 20 + 20
type handshakeFrame struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infoHash, peerID [20]byte, extended bool) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	if extended {
		h.Reserved[5] |= 0x10
	}
	return h
}

func (h Handshake) SupportsExtended() bool {
	return h.Reserved[5]&0x10 != 0
}

func EncodeHandshake(h Handshake) []byte {
	frame := handshakeFrame{
		Len:      uint8(len(PROTOCOL)),
		Reserved: h.Reserved,
		InfoHash: h.InfoHash,
		PeerID:   h.PeerID,
	}
	copy(frame.Protocol[:], PROTOCOL)
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, &frame)
	return b.Bytes()
}

func DecodeHandshake(data []byte) (Handshake, error) {
	if len(data) != HANDSHAKE_LENGTH {
		return Handshake{}, violation("handshake is %d bytes", len(data))
	}
	frame := handshakeFrame{}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &frame); err != nil {
		return Handshake{}, violation("handshake: %v", err)
	}
	if int(frame.Len) != len(PROTOCOL) || string(frame.Protocol[:]) != PROTOCOL {
		return Handshake{}, violation("unknown protocol %q", string(frame.Protocol[:]))
	}
	return Handshake{
		Reserved: frame.Reserved,
		InfoHash: frame.InfoHash,
		PeerID:   frame.PeerID,
	}, nil
}

// Encode produces the length prefixed frame for msg.
func Encode(msg Message) ([]byte, error) {
	b := &bytes.Buffer{}
	switch m := msg.(type) {
	case KeepAlive:
		binary.Write(b, binary.BigEndian, uint32(0))
	case Choke, Unchoke, Interested, NotInterested:
		binary.Write(b, binary.BigEndian, uint32(1))
		b.WriteByte(byte(m.Type()))
	case Have:
		binary.Write(b, binary.BigEndian, uint32(5))
		b.WriteByte(byte(HAVE))
		binary.Write(b, binary.BigEndian, uint32(m.Index))
	case Bitfield:
		binary.Write(b, binary.BigEndian, uint32(1+len(m.Bits)))
		b.WriteByte(byte(BITFIELD))
		b.Write(m.Bits)
	case Request:
		writeSpan(b, REQUEST, m.Index, m.Begin, m.Length)
	case Cancel:
		writeSpan(b, CANCEL, m.Index, m.Begin, m.Length)
	case Piece:
		binary.Write(b, binary.BigEndian, uint32(9+len(m.Block)))
		b.WriteByte(byte(PIECE))
		binary.Write(b, binary.BigEndian, uint32(m.Index))
		binary.Write(b, binary.BigEndian, uint32(m.Begin))
		b.Write(m.Block)
	case Port:
		binary.Write(b, binary.BigEndian, uint32(3))
		b.WriteByte(byte(PORT))
		binary.Write(b, binary.BigEndian, m.Port)
	case ExtendedHandshake:
		payload, err := encodeExtendedHandshake(m)
		if err != nil {
			return nil, err
		}
		binary.Write(b, binary.BigEndian, uint32(2+len(payload)))
		b.WriteByte(byte(EXTENDED))
		b.WriteByte(EXTENDED_HANDSHAKE_ID)
		b.Write(payload)
	case Extended:
		binary.Write(b, binary.BigEndian, uint32(2+len(m.Payload)))
		b.WriteByte(byte(EXTENDED))
		b.WriteByte(m.ExtendedID)
		b.Write(m.Payload)
	default:
		return nil, fmt.Errorf("cannot encode message %T", msg)
	}
	return b.Bytes(), nil
}

func writeSpan(b *bytes.Buffer, id MessageType, index, begin, length int) {
	binary.Write(b, binary.BigEndian, uint32(13))
	b.WriteByte(byte(id))
	binary.Write(b, binary.BigEndian, uint32(index))
	binary.Write(b, binary.BigEndian, uint32(begin))
	binary.Write(b, binary.BigEndian, uint32(length))
}

// Decode interprets the payload of a frame with the given id. Ids outside
// the catalog decode to Unknown rather than failing.
func Decode(id MessageType, payload []byte) (Message, error) {
	switch id {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		if len(payload) != 0 {
			return nil, violation("%s with %d byte payload", id, len(payload))
		}
		switch id {
		case CHOKE:
			return Choke{}, nil
		case UNCHOKE:
			return Unchoke{}, nil
		case INTERESTED:
			return Interested{}, nil
		}
		return NotInterested{}, nil
	case HAVE:
		if len(payload) != 4 {
			return nil, violation("HAVE with %d byte payload", len(payload))
		}
		return Have{Index: int(binary.BigEndian.Uint32(payload))}, nil
	case BITFIELD:
		return Bitfield{Bits: payload}, nil
	case REQUEST, CANCEL:
		if len(payload) != 12 {
			return nil, violation("%s with %d byte payload", id, len(payload))
		}
		index := int(binary.BigEndian.Uint32(payload[0:4]))
		begin := int(binary.BigEndian.Uint32(payload[4:8]))
		length := int(binary.BigEndian.Uint32(payload[8:12]))
		if length > MAX_BLOCK_LENGTH {
			return nil, violation("%s for %d bytes", id, length)
		}
		if id == REQUEST {
			return Request{Index: index, Begin: begin, Length: length}, nil
		}
		return Cancel{Index: index, Begin: begin, Length: length}, nil
	case PIECE:
		if len(payload) < 8 {
			return nil, violation("PIECE with %d byte payload", len(payload))
		}
		return Piece{
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: payload[8:],
		}, nil
	case PORT:
		if len(payload) != 2 {
			return nil, violation("PORT with %d byte payload", len(payload))
		}
		return Port{Port: binary.BigEndian.Uint16(payload)}, nil
	case EXTENDED:
		if len(payload) < 1 {
			return nil, violation("empty EXTENDED message")
		}
		if payload[0] == EXTENDED_HANDSHAKE_ID {
			return decodeExtendedHandshake(payload[1:])
		}
		return Extended{ExtendedID: payload[0], Payload: payload[1:]}, nil
	default:
		return Unknown{ID: id, Payload: payload}, nil
	}
}

// ReadFrame reads one length prefixed message from r.
func ReadFrame(r io.Reader) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return KeepAlive{}, nil
	}
	if length > MAX_MESSAGE_LENGTH {
		return nil, violation("frame of %d bytes exceeds limit", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, xerrors.Errorf("read frame body: %w", err)
	}
	return Decode(MessageType(frame[0]), frame[1:])
}

func encodeExtendedHandshake(m ExtendedHandshake) ([]byte, error) {
	extensions := map[string]interface{}{}
	for name, id := range m.Extensions {
		extensions[name] = id
	}
	dict := map[string]interface{}{
		"m": extensions,
	}
	if m.ListenPort > 0 {
		dict["p"] = m.ListenPort
	}
	if m.Client != "" {
		dict["v"] = m.Client
	}
	b := &bytes.Buffer{}
	if err := bencode.Marshal(b, dict); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeExtendedHandshake(payload []byte) (Message, error) {
	decoded, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, violation("extended handshake: %v", err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, violation("extended handshake is not a dictionary")
	}
	hs := ExtendedHandshake{Extensions: map[string]int{}}
	if m, ok := dict["m"].(map[string]interface{}); ok {
		for name, v := range m {
			if id, ok := v.(int64); ok {
				hs.Extensions[name] = int(id)
			}
		}
	}
	if p, ok := dict["p"].(int64); ok {
		if p < 0 || p > 65535 {
			return nil, violation("extended handshake port %d", p)
		}
		hs.ListenPort = int(p)
	}
	if v, ok := dict["v"].(string); ok {
		hs.Client = v
	}
	return hs, nil
}
