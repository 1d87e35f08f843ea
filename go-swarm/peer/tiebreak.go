package peer

// TieBreak picks which of two connections to the same logical peer must be
// closed. Both ends of a duplicate pair evaluate it and must agree.
type TieBreak func(local ID, a, b *Conn) (loser *Conn)

// InitiatorTieBreak keeps the connection opened by the lower peer id. When
// both were opened by the same side the older one survives, and if they are
// the same age the one with the smaller remote port loses.
func InitiatorTieBreak(local ID, a, b *Conn) *Conn {
	initiatorA, initiatorB := initiator(local, a), initiator(local, b)
	if initiatorA != initiatorB {
		if initiatorA.Less(initiatorB) {
			return b
		}
		return a
	}
	return OlderTieBreak(local, a, b)
}

// OlderTieBreak always keeps the older connection.
func OlderTieBreak(_ ID, a, b *Conn) *Conn {
	switch {
	case a.Created().Before(b.Created()):
		return b
	case b.Created().Before(a.Created()):
		return a
	case a.RemotePort() < b.RemotePort():
		return a
	default:
		return b
	}
}

func initiator(local ID, c *Conn) ID {
	if c.Outbound() {
		return local
	}
	return c.RemoteID()
}

func TieBreakByName(name string) TieBreak {
	switch name {
	case "older":
		return OlderTieBreak
	default:
		return InitiatorTieBreak
	}
}
