package room

import "github.com/rudransh-shrivastava/peer-chat/internal/transfer"

const eventBuffer = 256

type EventKind int

const (
	EventJoined EventKind = iota
	EventSwitched
	EventLeft
	EventPeerJoined
	EventPeerLeft
	EventTransfer
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventSwitched:
		return "switched"
	case EventLeft:
		return "left"
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	case EventTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Event tells the UI that something about a room changed. Peers is the room's
// peer count after the change.
type Event struct {
	Kind     EventKind
	Room     Descriptor
	Peers    int
	Peer     PeerInfo
	Transfer transfer.Event
}
