package peer

import (
	"context"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

// signaler relays WebRTC session descriptions through the tracker link.
type signaler struct {
	client *Client
	recv   chan transport.Signal

	mu     sync.Mutex
	closed bool
}

var _ transport.Signaler = (*signaler)(nil)

func newSignaler(c *Client) *signaler {
	return &signaler{client: c, recv: make(chan transport.Signal, 64)}
}

func (s *signaler) SendSignal(ctx context.Context, id string, payload []byte) error {
	topic, key, err := parsePeerID(id)
	if err != nil {
		return err
	}
	return s.client.tracker.Send(ctx, &protocol.Signal{Topic: topic, Peer: key, Payload: payload})
}

func (s *signaler) RecvSignal() <-chan transport.Signal {
	return s.recv
}

// deliver drops the signal when the queue is full; the remote dial times out
// and a later announce retries.
func (s *signaler) deliver(sig transport.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.recv <- sig:
	default:
		s.client.logger.Warn("Dropping signal, queue full", "peer", sig.PeerID)
	}
}

func (s *signaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.recv)
	}
	return nil
}
