package dht

import (
	"errors"
	"fmt"

	"github.com/iohzrd/thor/go-swarm/routing"
)

var (
	ErrRPCTimeout   = errors.New("dht rpc timed out")
	ErrRPCError     = errors.New("dht rpc failed")
	ErrMalformed    = errors.New("malformed dht message")
	ErrServerClosed = errors.New("dht server closed")
)

// Error codes carried in error replies.
const (
	ERR_GENERIC        = 201
	ERR_SERVER         = 202
	ERR_PROTOCOL       = 203
	ERR_METHOD_UNKNOWN = 204
)

type Kind uint8

const (
	KindQuery Kind = iota
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

type Method string

const (
	PING           Method = "ping"
	FIND_NODE      Method = "find_node"
	FIND_PROVIDERS Method = "find_providers"
	PROVIDE        Method = "provide"
)

// Message is one DHT datagram. Which fields are meaningful depends on Kind
// and Method.
type Message struct {
	TxID   string
	Kind   Kind
	Method Method
	Sender NodeID

	// queries
	Target NodeID
	Port   int

	// responses
	Nodes     []Contact
	Providers []routing.PeerAddr

	// errors
	ErrCode int
	ErrMsg  string
}

// RemoteError is an error reply from a remote node.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRPCError
}

// Codec converts messages to and from datagrams.
type Codec interface {
	Name() string
	Encode(msg *Message) ([]byte, error)
	// Decode returns the message with at least its TxID set when the
	// datagram is well framed but its body is malformed.
	Decode(data []byte) (*Message, error)
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "krpc":
		return KRPC{}, nil
	case "proto":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("unknown dht codec %q", name)
	}
}
