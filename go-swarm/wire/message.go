package wire

import "fmt"

type MessageType uint8

const (
	CHOKE          MessageType = 0
	UNCHOKE        MessageType = 1
	INTERESTED     MessageType = 2
	NOT_INTERESTED MessageType = 3
	HAVE           MessageType = 4
	BITFIELD       MessageType = 5
	REQUEST        MessageType = 6
	PIECE          MessageType = 7
	CANCEL         MessageType = 8
	PORT           MessageType = 9
	EXTENDED       MessageType = 20

	// KEEP_ALIVE is never sent as an id; it stands for a zero length frame.
	KEEP_ALIVE MessageType = 255
)

// EXTENDED_HANDSHAKE_ID is the extended message id reserved for the
// extension handshake itself.
const EXTENDED_HANDSHAKE_ID = 0

func (t MessageType) String() string {
	switch t {
	case CHOKE:
		return "CHOKE"
	case UNCHOKE:
		return "UNCHOKE"
	case INTERESTED:
		return "INTERESTED"
	case NOT_INTERESTED:
		return "NOT_INTERESTED"
	case HAVE:
		return "HAVE"
	case BITFIELD:
		return "BITFIELD"
	case REQUEST:
		return "REQUEST"
	case PIECE:
		return "PIECE"
	case CANCEL:
		return "CANCEL"
	case PORT:
		return "PORT"
	case EXTENDED:
		return "EXTENDED"
	case KEEP_ALIVE:
		return "KEEP_ALIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

type Message interface {
	Type() MessageType
}

type KeepAlive struct{}

type Choke struct{}

type Unchoke struct{}

type Interested struct{}

type NotInterested struct{}

type Have struct {
	Index int
}

type Bitfield struct {
	Bits []byte
}

type Request struct {
	Index  int
	Begin  int
	Length int
}

type Piece struct {
	Index int
	Begin int
	Block []byte
}

type Cancel struct {
	Index  int
	Begin  int
	Length int
}

type Port struct {
	Port uint16
}

// ExtendedHandshake is the capability exchange carried in extended message 0.
type ExtendedHandshake struct {
	Extensions map[string]int
	ListenPort int
	Client     string
}

// Extended carries any extended message other than the handshake.
type Extended struct {
	ExtendedID uint8
	Payload    []byte
}

// Unknown is produced for ids outside the catalog. Receivers ignore it.
type Unknown struct {
	ID      MessageType
	Payload []byte
}

func (KeepAlive) Type() MessageType         { return KEEP_ALIVE }
func (Choke) Type() MessageType             { return CHOKE }
func (Unchoke) Type() MessageType           { return UNCHOKE }
func (Interested) Type() MessageType        { return INTERESTED }
func (NotInterested) Type() MessageType     { return NOT_INTERESTED }
func (Have) Type() MessageType              { return HAVE }
func (Bitfield) Type() MessageType          { return BITFIELD }
func (Request) Type() MessageType           { return REQUEST }
func (Piece) Type() MessageType             { return PIECE }
func (Cancel) Type() MessageType            { return CANCEL }
func (Port) Type() MessageType              { return PORT }
func (ExtendedHandshake) Type() MessageType { return EXTENDED }
func (Extended) Type() MessageType          { return EXTENDED }
func (m Unknown) Type() MessageType         { return m.ID }
