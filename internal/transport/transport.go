// Package transport defines the boundary between rooms and the networks that
// carry them: join a topic, receive authenticated byte connections.
package transport

import (
	"context"
	"errors"
	"io"
)

var ErrClosed = errors.New("transport closed")

// Swarm finds peers for rendezvous topics.
type Swarm interface {
	Join(ctx context.Context, topic string) (Membership, error)
	Close() error
}

// Membership is one joined topic. Conns is closed after Leave.
type Membership interface {
	Conns() <-chan Conn
	Leave(ctx context.Context) error
}

// Conn is a message-oriented duplex link to one remote peer. Recv is closed
// when the link ends; Err then reports why, or nil for a clean close.
type Conn interface {
	RemoteKey() []byte
	Send(data []byte) error
	Recv() <-chan []byte
	Err() error
	Close() error
}

type Signaler interface {
	SendSignal(ctx context.Context, peerID string, signal []byte) error
	RecvSignal() <-chan Signal
	io.Closer
}

type Signal struct {
	PeerID  string
	Payload []byte
}
