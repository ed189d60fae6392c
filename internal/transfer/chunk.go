package transfer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

const (
	DefaultChunkSize = 512 * 1024
	// MaxChunkSize bounds what a receiver accepts from an offer.
	MaxChunkSize = 2 * 1024 * 1024
	// MaxTotalChunks bounds the per-download bookkeeping an offer can demand.
	MaxTotalChunks = 1 << 20
)

// CalculateTotalChunks is ceil(fileSize/chunkSize), and at least 1 so an
// empty file still takes one round trip.
func CalculateTotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	n := fileSize / chunkSize
	if fileSize%chunkSize > 0 {
		n++
	}
	if n < 1 {
		return 1
	}
	return int(n)
}

// ChunkLength is the byte length of chunk index; only the last one is short.
func ChunkLength(fileSize, chunkSize int64, index int) int {
	start := int64(index) * chunkSize
	if start >= fileSize {
		return 0
	}
	remaining := fileSize - start
	if remaining < chunkSize {
		return int(remaining)
	}
	return int(chunkSize)
}

func ReadChunkData(r io.ReaderAt, chunkIndex, length int, chunkSize int64) ([]byte, error) {
	offset := int64(chunkIndex) * chunkSize
	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}
	_, err := r.ReadAt(data, offset)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func WriteChunkData(w io.WriterAt, chunkIndex int, chunkSize int64, data []byte) error {
	offset := int64(chunkIndex) * chunkSize
	_, err := w.WriteAt(data, offset)
	return err
}

// Checksum is the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewTransferID returns 128 random bits, hex encoded.
func NewTransferID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
