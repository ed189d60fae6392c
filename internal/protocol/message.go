// Package protocol defines the control messages exchanged with the tracker.
package protocol

import (
	"encoding/hex"
	"fmt"
)

type Message interface {
	Type() MessageType
}

// PeerKey is a peer's ed25519 public key, taken from its TLS certificate.
type PeerKey [KeySize]byte

func (k PeerKey) String() string {
	return hex.EncodeToString(k[:])
}

// ParsePeerKey decodes the hex form produced by String.
func ParsePeerKey(s string) (PeerKey, error) {
	var k PeerKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("peer key is %d bytes, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

type Ping struct{}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct{}

func (Pong) Type() MessageType { return MsgPong }

// Welcome is the tracker's first message on a new control link.
type Welcome struct {
	SessionID string
	Key       PeerKey
}

func (Welcome) Type() MessageType { return MsgWelcome }

type Announce struct {
	Topic string
}

func (Announce) Type() MessageType { return MsgAnnounce }

type Withdraw struct {
	Topic string
}

func (Withdraw) Type() MessageType { return MsgWithdraw }

type PeerListReq struct {
	Topic string
}

func (PeerListReq) Type() MessageType { return MsgPeerListReq }

type PeerListRes struct {
	Topic string
	Peers []PeerKey
}

func (PeerListRes) Type() MessageType { return MsgPeerListRes }

// Signal carries an opaque WebRTC negotiation payload. Sent to the tracker,
// Peer is the destination; delivered by the tracker, Peer is the sender.
type Signal struct {
	Topic   string
	Peer    PeerKey
	Payload []byte
}

func (Signal) Type() MessageType { return MsgSignal }

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}
