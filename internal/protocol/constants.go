package protocol

const (
	KeySize = 32
	// MaxTopicLen bounds topics accepted by the tracker; room topics are 64
	// hex characters.
	MaxTopicLen = 128
)

type MessageType uint16

const (
	MsgPing        MessageType = 0x0001
	MsgPong        MessageType = 0x0002
	MsgWelcome     MessageType = 0x0003
	MsgAnnounce    MessageType = 0x0040
	MsgPeerListReq MessageType = 0x0041
	MsgPeerListRes MessageType = 0x0042
	MsgWithdraw    MessageType = 0x0043
	MsgSignal      MessageType = 0x0060
	MsgError       MessageType = 0x00FF
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgWelcome:
		return "WELCOME"
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgPeerListReq:
		return "PEER_LIST_REQ"
	case MsgPeerListRes:
		return "PEER_LIST_RES"
	case MsgWithdraw:
		return "WITHDRAW"
	case MsgSignal:
		return "SIGNAL"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrUnknown      ErrorCode = 0x0000
	ErrInvalidMsg   ErrorCode = 0x0001
	ErrPeerNotFound ErrorCode = 0x0004
	ErrNotAnnounced ErrorCode = 0x0005
	ErrInternal     ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrPeerNotFound:
		return "PEER_NOT_FOUND"
	case ErrNotAnnounced:
		return "NOT_ANNOUNCED"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
