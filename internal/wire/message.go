// Package wire defines the JSON envelopes exchanged between room members.
package wire

type MessageType string

const (
	TypeChat         MessageType = "chat"
	TypeFileShare    MessageType = "file-share"
	TypeFileAccept   MessageType = "file-accept"
	TypeFileChunk    MessageType = "file-chunk"
	TypeFileChunkAck MessageType = "file-chunk-ack"
	TypeFileComplete MessageType = "file-complete"
	TypeFileError    MessageType = "file-error"
)

func (t MessageType) String() string {
	return string(t)
}

// Known reports whether t is one of the envelope types this build understands.
func (t MessageType) Known() bool {
	switch t {
	case TypeChat, TypeFileShare, TypeFileAccept, TypeFileChunk,
		TypeFileChunkAck, TypeFileComplete, TypeFileError:
		return true
	default:
		return false
	}
}

type Message interface {
	Type() MessageType
}

// Chat timestamps are milliseconds since the Unix epoch.
type Chat struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (Chat) Type() MessageType { return TypeChat }

type FileShare struct {
	TransferID string `json:"transferId"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"fileSize"`
	ChunkSize  int64  `json:"chunkSize"`
	Timestamp  int64  `json:"timestamp"`
	Username   string `json:"username,omitempty"`
}

func (FileShare) Type() MessageType { return TypeFileShare }

type FileAccept struct {
	TransferID string `json:"transferId"`
	Username   string `json:"username"`
}

func (FileAccept) Type() MessageType { return TypeFileAccept }

const EncodingZstd = "zstd"

// FileChunk carries one slice of a file. Checksum is the hex SHA-256 of the
// raw chunk bytes; Payload may be compressed when Encoding is set.
type FileChunk struct {
	TransferID string `json:"transferId"`
	Index      int    `json:"index"`
	Payload    []byte `json:"payload"`
	Checksum   string `json:"checksum"`
	Encoding   string `json:"encoding,omitempty"`
}

func (FileChunk) Type() MessageType { return TypeFileChunk }

type FileChunkAck struct {
	TransferID string `json:"transferId"`
	Index      int    `json:"index"`
}

func (FileChunkAck) Type() MessageType { return TypeFileChunkAck }

type FileComplete struct {
	TransferID string `json:"transferId"`
}

func (FileComplete) Type() MessageType { return TypeFileComplete }

type FileError struct {
	TransferID string `json:"transferId"`
	Reason     string `json:"reason"`
}

func (FileError) Type() MessageType { return TypeFileError }

// TransferID returns the transfer a file message refers to, or "" for chat.
func TransferID(msg Message) string {
	switch m := msg.(type) {
	case *FileShare:
		return m.TransferID
	case *FileAccept:
		return m.TransferID
	case *FileChunk:
		return m.TransferID
	case *FileChunkAck:
		return m.TransferID
	case *FileComplete:
		return m.TransferID
	case *FileError:
		return m.TransferID
	default:
		return ""
	}
}
