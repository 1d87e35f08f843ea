package dht

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"github.com/iohzrd/thor/go-swarm/routing"
	bencode "github.com/jackpal/bencode-go"
	"golang.org/x/xerrors"
)

const COMPACT_NODE_LENGTH = ID_LENGTH + 6

// KRPC is the bencoded dictionary format of the mainline DHT. Contacts and
// providers are carried in compact IPv4 form.
type KRPC struct{}

func (KRPC) Name() string {
	return "krpc"
}

func (KRPC) Encode(msg *Message) ([]byte, error) {
	dict := map[string]interface{}{
		"t": msg.TxID,
	}
	switch msg.Kind {
	case KindQuery:
		args := map[string]interface{}{
			"id": string(msg.Sender[:]),
		}
		switch msg.Method {
		case FIND_NODE:
			args["target"] = string(msg.Target[:])
		case FIND_PROVIDERS:
			args["info_hash"] = string(msg.Target[:])
		case PROVIDE:
			args["info_hash"] = string(msg.Target[:])
			args["port"] = msg.Port
		}
		dict["y"] = "q"
		dict["q"] = string(msg.Method)
		dict["a"] = args
	case KindResponse:
		r := map[string]interface{}{
			"id": string(msg.Sender[:]),
		}
		if len(msg.Nodes) > 0 {
			r["nodes"] = string(compactNodes(msg.Nodes))
		}
		if len(msg.Providers) > 0 {
			values := make([]interface{}, 0, len(msg.Providers))
			for _, p := range msg.Providers {
				if compact := routing.Compact([]routing.PeerAddr{p}); len(compact) > 0 {
					values = append(values, string(compact))
				}
			}
			r["values"] = values
		}
		dict["y"] = "r"
		dict["r"] = r
	case KindError:
		dict["y"] = "e"
		dict["e"] = []interface{}{msg.ErrCode, msg.ErrMsg}
	default:
		return nil, xerrors.Errorf("encode %s: %w", msg.Kind, ErrMalformed)
	}

	buf := &bytes.Buffer{}
	if err := bencode.Marshal(buf, dict); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compactNodes(nodes []Contact) []byte {
	data := make([]byte, 0, len(nodes)*COMPACT_NODE_LENGTH)
	for _, n := range nodes {
		if !n.Addr.Addr().Is4() {
			continue
		}
		ip := n.Addr.Addr().As4()
		data = append(data, n.ID[:]...)
		data = append(data, ip[:]...)
		data = binary.BigEndian.AppendUint16(data, n.Addr.Port())
	}
	return data
}

func parseCompactNodes(data []byte) ([]Contact, bool) {
	if len(data)%COMPACT_NODE_LENGTH != 0 {
		return nil, false
	}
	nodes := make([]Contact, 0, len(data)/COMPACT_NODE_LENGTH)
	for i := 0; i < len(data); i += COMPACT_NODE_LENGTH {
		var c Contact
		copy(c.ID[:], data[i:i+ID_LENGTH])
		ip := netip.AddrFrom4([4]byte(data[i+ID_LENGTH : i+ID_LENGTH+4]))
		port := binary.BigEndian.Uint16(data[i+ID_LENGTH+4 : i+COMPACT_NODE_LENGTH])
		c.Addr = netip.AddrPortFrom(ip, port)
		nodes = append(nodes, c)
	}
	return nodes, true
}

func nodeID(v interface{}) (NodeID, bool) {
	var id NodeID
	s, ok := v.(string)
	if !ok || len(s) != ID_LENGTH {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

func malformed(msg *Message, reason string) (*Message, error) {
	return msg, xerrors.Errorf("%s: %w", reason, ErrMalformed)
}

func (KRPC) Decode(data []byte) (*Message, error) {
	v, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrMalformed)
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return malformed(nil, "not a dictionary")
	}
	txID, ok := dict["t"].(string)
	if !ok {
		return malformed(nil, "missing transaction id")
	}
	msg := &Message{TxID: txID}

	switch y, _ := dict["y"].(string); y {
	case "q":
		msg.Kind = KindQuery
		method, _ := dict["q"].(string)
		msg.Method = Method(method)
		args, ok := dict["a"].(map[string]interface{})
		if !ok {
			return malformed(msg, "query without arguments")
		}
		if msg.Sender, ok = nodeID(args["id"]); !ok {
			return malformed(msg, "bad sender id")
		}
		switch msg.Method {
		case FIND_NODE:
			if msg.Target, ok = nodeID(args["target"]); !ok {
				return malformed(msg, "bad target")
			}
		case FIND_PROVIDERS, PROVIDE:
			if msg.Target, ok = nodeID(args["info_hash"]); !ok {
				return malformed(msg, "bad info_hash")
			}
			if port, ok := args["port"].(int64); ok {
				msg.Port = int(port)
			}
		}
	case "r":
		msg.Kind = KindResponse
		r, ok := dict["r"].(map[string]interface{})
		if !ok {
			return malformed(msg, "response without body")
		}
		if msg.Sender, ok = nodeID(r["id"]); !ok {
			return malformed(msg, "bad sender id")
		}
		if nodes, ok := r["nodes"].(string); ok {
			if msg.Nodes, ok = parseCompactNodes([]byte(nodes)); !ok {
				return malformed(msg, "bad nodes")
			}
		}
		if values, ok := r["values"].([]interface{}); ok {
			for _, value := range values {
				s, ok := value.(string)
				if !ok || len(s) != 6 {
					return malformed(msg, "bad provider value")
				}
				msg.Providers = append(msg.Providers, routing.ParseCompact([]byte(s))...)
			}
		}
	case "e":
		msg.Kind = KindError
		e, ok := dict["e"].([]interface{})
		if !ok || len(e) < 2 {
			return malformed(msg, "bad error body")
		}
		code, ok := e[0].(int64)
		if !ok {
			return malformed(msg, "bad error code")
		}
		msg.ErrCode = int(code)
		msg.ErrMsg, _ = e[1].(string)
	default:
		return malformed(msg, "unknown message type")
	}
	return msg, nil
}
