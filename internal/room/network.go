package room

import (
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
	"github.com/rudransh-shrivastava/peer-chat/internal/wire"
)

// transferNetwork lets the transfer manager reach room peers.
type transferNetwork struct {
	r *Registry
}

var _ transfer.Network = (*transferNetwork)(nil)

func (n *transferNetwork) Broadcast(topic string, msg wire.Message) (int, error) {
	return n.r.broadcast(topic, msg)
}

func (n *transferNetwork) SendTo(topic, connID string, msg wire.Message) error {
	return n.r.sendTo(topic, connID, msg)
}

func (n *transferNetwork) Notify(topic, text string) {
	n.r.notice(topic, text)
}

func (n *transferNetwork) Username() string {
	return n.r.Username()
}
