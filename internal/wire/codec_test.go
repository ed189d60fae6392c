package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestCodec_RoundTripAllTypes(t *testing.T) {
	codec := NewCodec()

	messages := []Message{
		&Chat{Username: "alice", Text: "hello there", Timestamp: 1700000000000},
		&FileShare{TransferID: "0f1e2d3c4b5a69788796a5b4c3d2e1f0", Filename: "report.pdf", FileSize: 1300000, ChunkSize: 524288, Timestamp: 1700000000001, Username: "alice"},
		&FileAccept{TransferID: "0f1e2d3c4b5a69788796a5b4c3d2e1f0", Username: "bob"},
		&FileChunk{TransferID: "0f1e2d3c4b5a69788796a5b4c3d2e1f0", Index: 2, Payload: []byte{0, 1, 2, 255}, Checksum: "abc", Encoding: EncodingZstd},
		&FileChunkAck{TransferID: "0f1e2d3c4b5a69788796a5b4c3d2e1f0", Index: 2},
		&FileComplete{TransferID: "0f1e2d3c4b5a69788796a5b4c3d2e1f0"},
		&FileError{TransferID: "0f1e2d3c4b5a69788796a5b4c3d2e1f0", Reason: "checksum mismatch"},
	}

	for _, msg := range messages {
		data, err := codec.EncodeToBytes(msg)
		if err != nil {
			t.Fatalf("EncodeToBytes %s failed: %v", msg.Type(), err)
		}

		decoded, err := codec.DecodeFromBytes(data)
		if err != nil {
			t.Fatalf("DecodeFromBytes %s failed: %v", msg.Type(), err)
		}

		if !reflect.DeepEqual(decoded, msg) {
			t.Errorf("%s round trip mismatch: got %+v, want %+v", msg.Type(), decoded, msg)
		}
	}
}

func TestCodec_EnvelopeIsFlatWithType(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&FileChunkAck{TransferID: "ab", Index: 7})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if fields["type"] != "file-chunk-ack" {
		t.Errorf("expected type file-chunk-ack, got %v", fields["type"])
	}
	if fields["transferId"] != "ab" {
		t.Errorf("expected transferId field, got %v", fields["transferId"])
	}
	if fields["index"] != float64(7) {
		t.Errorf("expected index 7, got %v", fields["index"])
	}
}

func TestCodec_DecodePlainText(t *testing.T) {
	codec := NewCodec()

	for _, input := range []string{"hello world", "", "   ", "[1,2]", "{not json"} {
		_, err := codec.DecodeFromBytes([]byte(input))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("input %q: expected ErrMalformed, got %v", input, err)
		}
	}
}

func TestCodec_DecodeUnknownType(t *testing.T) {
	codec := NewCodec()

	_, err := codec.DecodeFromBytes([]byte(`{"type":"file-resume","transferId":"ab"}`))
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.Type != "file-resume" {
		t.Errorf("expected type file-resume, got %q", unknown.Type)
	}

	_, err = codec.DecodeFromBytes([]byte(`{"text":"no type"}`))
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError for missing type, got %v", err)
	}
}

func TestCodec_DecodeWrongFieldShape(t *testing.T) {
	codec := NewCodec()

	_, err := codec.DecodeFromBytes([]byte(`{"type":"chat","text":42}`))
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestCodec_EncodeDecodeStream(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	if err := codec.Encode(&buf, &Chat{Username: "u", Text: "one"}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	chat, ok := msg.(*Chat)
	if !ok {
		t.Fatalf("expected *Chat, got %T", msg)
	}
	if chat.Text != "one" {
		t.Errorf("expected text 'one', got %q", chat.Text)
	}
}

func TestCodec_EncodeNil(t *testing.T) {
	if _, err := NewCodec().EncodeToBytes(nil); !errors.Is(err, ErrNilMessage) {
		t.Errorf("expected ErrNilMessage, got %v", err)
	}
}

type resumeMsg struct {
	TransferID string `json:"transferId"`
}

func (resumeMsg) Type() MessageType { return "file-resume" }

func TestCodec_EncodeUnknownType(t *testing.T) {
	_, err := NewCodec().EncodeToBytes(resumeMsg{TransferID: "ab"})
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.Type != "file-resume" {
		t.Errorf("expected type file-resume, got %q", unknown.Type)
	}
}

func TestTransferID(t *testing.T) {
	if got := TransferID(&FileComplete{TransferID: "x1"}); got != "x1" {
		t.Errorf("expected x1, got %q", got)
	}
	if got := TransferID(&Chat{}); got != "" {
		t.Errorf("expected empty id for chat, got %q", got)
	}
}
