package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed means the bytes are not a JSON object; callers treat such
	// frames as plain text.
	ErrMalformed = errors.New("malformed envelope")
	// ErrInvalidEnvelope means a well-formed object of a known type carried
	// fields of the wrong shape.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrNilMessage      = errors.New("nil message")
)

type UnknownTypeError struct {
	Type MessageType
}

func (e *UnknownTypeError) Error() string {
	if e.Type == "" {
		return "envelope has no type"
	}
	return fmt.Sprintf("unknown envelope type %q", string(e.Type))
}

// Codec writes every message as one flat JSON object whose "type" field
// selects the variant.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	data, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c.DecodeFromBytes(raw)
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if !msg.Type().Known() {
		return nil, &UnknownTypeError{Type: msg.Type()}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encoding %s: not an object", msg.Type())
	}

	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}

	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := newMessage(head.Type)
	if msg == nil {
		return nil, &UnknownTypeError{Type: head.Type}
	}
	if err := json.Unmarshal(trimmed, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, head.Type, err)
	}
	return msg, nil
}

func newMessage(t MessageType) Message {
	switch t {
	case TypeChat:
		return &Chat{}
	case TypeFileShare:
		return &FileShare{}
	case TypeFileAccept:
		return &FileAccept{}
	case TypeFileChunk:
		return &FileChunk{}
	case TypeFileChunkAck:
		return &FileChunkAck{}
	case TypeFileComplete:
		return &FileComplete{}
	case TypeFileError:
		return &FileError{}
	default:
		return nil
	}
}
