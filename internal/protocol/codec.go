package protocol

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNilMessage   = errors.New("nil message")
	ErrTrailingData = errors.New("trailing data after message")
)

// Every message type travels as the Message interface, so gob needs the
// concrete types up front.
func init() {
	for _, m := range []Message{
		&Ping{}, &Pong{}, &Welcome{},
		&Announce{}, &Withdraw{},
		&PeerListReq{}, &PeerListRes{},
		&Signal{}, &Error{},
	} {
		gob.Register(m)
	}
}

// Codec gob-encodes one message per call. On streams it is used through
// length-prefixed frames so each decoder sees exactly one message.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if err := gob.NewEncoder(w).Encode(&msg); err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	return nil
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg == nil {
		return nil, ErrNilMessage
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFromBytes expects data to hold exactly one message.
func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	msg, err := c.Decode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrTrailingData
	}
	return msg, nil
}
