package dht

import (
	"encoding/binary"
	"net/netip"

	"github.com/iohzrd/thor/go-swarm/peer"
	"github.com/iohzrd/thor/go-swarm/routing"
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf message layout.
const (
	fieldMethod    protowire.Number = 1
	fieldKind      protowire.Number = 2
	fieldTxID      protowire.Number = 3
	fieldSender    protowire.Number = 4
	fieldKey       protowire.Number = 5
	fieldPort      protowire.Number = 6
	fieldCloser    protowire.Number = 7
	fieldProviders protowire.Number = 8
	fieldErrCode   protowire.Number = 9
	fieldErrMsg    protowire.Number = 10

	// peer sub message
	fieldPeerID   protowire.Number = 1
	fieldPeerAddr protowire.Number = 2
)

var methodNumbers = map[Method]uint64{
	PING:           0,
	FIND_NODE:      1,
	FIND_PROVIDERS: 2,
	PROVIDE:        3,
}

// Proto lays messages out as protobuf records in the style of the
// libp2p kademlia protocol. Contacts and providers may carry IPv6 addresses.
type Proto struct{}

func (Proto) Name() string {
	return "proto"
}

func appendAddr(b []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap().AsSlice()
	v := binary.BigEndian.AppendUint16(ip, addr.Port())
	return protowire.AppendBytes(protowire.AppendTag(b, fieldPeerAddr, protowire.BytesType), v)
}

func parseAddr(v []byte) (netip.AddrPort, bool) {
	if len(v) != 6 && len(v) != 18 {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(v[:len(v)-2])
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(v[len(v)-2:])), true
}

func appendPeer(b []byte, num protowire.Number, id []byte, addr netip.AddrPort) []byte {
	sub := []byte{}
	if len(id) > 0 {
		sub = protowire.AppendTag(sub, fieldPeerID, protowire.BytesType)
		sub = protowire.AppendBytes(sub, id)
	}
	sub = appendAddr(sub, addr)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func (Proto) Encode(msg *Message) ([]byte, error) {
	method, ok := methodNumbers[msg.Method]
	if !ok && msg.Kind != KindError {
		return nil, xerrors.Errorf("encode method %q: %w", msg.Method, ErrMalformed)
	}
	b := []byte{}
	b = protowire.AppendTag(b, fieldMethod, protowire.VarintType)
	b = protowire.AppendVarint(b, method)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))
	b = protowire.AppendTag(b, fieldTxID, protowire.BytesType)
	b = protowire.AppendString(b, msg.TxID)
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.Sender[:])

	switch msg.Kind {
	case KindQuery:
		if msg.Method != PING {
			b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
			b = protowire.AppendBytes(b, msg.Target[:])
		}
		if msg.Port > 0 {
			b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(msg.Port))
		}
	case KindResponse:
		for _, n := range msg.Nodes {
			b = appendPeer(b, fieldCloser, n.ID[:], n.Addr)
		}
		for _, p := range msg.Providers {
			var id []byte
			if !p.ID.IsZero() {
				id = p.ID[:]
			}
			b = appendPeer(b, fieldProviders, id, p.Addr)
		}
	case KindError:
		b = protowire.AppendTag(b, fieldErrCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.ErrCode))
		b = protowire.AppendTag(b, fieldErrMsg, protowire.BytesType)
		b = protowire.AppendString(b, msg.ErrMsg)
	default:
		return nil, xerrors.Errorf("encode %s: %w", msg.Kind, ErrMalformed)
	}
	return b, nil
}

type protoPeer struct {
	id   []byte
	addr netip.AddrPort
}

func consumePeer(b []byte) (protoPeer, bool) {
	p := protoPeer{}
	hasAddr := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, false
		}
		b = b[n:]
		switch {
		case num == fieldPeerID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, false
			}
			p.id = v
			b = b[n:]
		case num == fieldPeerAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, false
			}
			if p.addr, hasAddr = parseAddr(v); !hasAddr {
				return p, false
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, false
			}
			b = b[n:]
		}
	}
	return p, hasAddr
}

func (Proto) Decode(data []byte) (*Message, error) {
	var msg *Message
	fields := map[protowire.Number][][]byte{}
	varints := map[protowire.Number]uint64{}

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(msg, protowire.ParseError(n).Error())
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformed(msg, protowire.ParseError(n).Error())
			}
			varints[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return malformed(msg, protowire.ParseError(n).Error())
			}
			fields[num] = append(fields[num], v)
			b = b[n:]
			if num == fieldTxID && msg == nil {
				msg = &Message{TxID: string(v)}
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(msg, protowire.ParseError(n).Error())
			}
			b = b[n:]
		}
	}
	if msg == nil {
		return malformed(nil, "missing transaction id")
	}

	msg.Kind = Kind(varints[fieldKind])
	if msg.Kind > KindError {
		return malformed(msg, "unknown message kind")
	}
	method := varints[fieldMethod]
	for m, number := range methodNumbers {
		if number == method {
			msg.Method = m
		}
	}
	sender := fields[fieldSender]
	if len(sender) != 1 || len(sender[0]) != ID_LENGTH {
		return malformed(msg, "bad sender id")
	}
	copy(msg.Sender[:], sender[0])

	switch msg.Kind {
	case KindQuery:
		if msg.Method != PING {
			key := fields[fieldKey]
			if len(key) != 1 || len(key[0]) != ID_LENGTH {
				return malformed(msg, "bad key")
			}
			copy(msg.Target[:], key[0])
		}
		msg.Port = int(varints[fieldPort])
	case KindResponse:
		for _, raw := range fields[fieldCloser] {
			p, ok := consumePeer(raw)
			if !ok || len(p.id) != ID_LENGTH {
				return malformed(msg, "bad closer peer")
			}
			c := Contact{Addr: p.addr}
			copy(c.ID[:], p.id)
			msg.Nodes = append(msg.Nodes, c)
		}
		for _, raw := range fields[fieldProviders] {
			p, ok := consumePeer(raw)
			if !ok || (len(p.id) != 0 && len(p.id) != len(peer.ID{})) {
				return malformed(msg, "bad provider")
			}
			provider := routing.PeerAddr{Addr: p.addr}
			copy(provider.ID[:], p.id)
			msg.Providers = append(msg.Providers, provider)
		}
	case KindError:
		msg.ErrCode = int(varints[fieldErrCode])
		if errMsg := fields[fieldErrMsg]; len(errMsg) > 0 {
			msg.ErrMsg = string(errMsg[0])
		}
	}
	return msg, nil
}
