package transfer

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-chat/internal/wire"
)

// handleChunk verifies and writes one chunk. Chunks of one download are
// handled one at a time; a repeated index is acknowledged again and nothing
// else.
func (m *Manager) handleChunk(topic string, from PeerRef, msg *wire.FileChunk) {
	m.mu.Lock()
	e, ok := m.entries[key{id: msg.TransferID, conn: from.ConnID}]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("Chunk for unknown transfer", "transfer", msg.TransferID, "peer", from.Name, "error", ErrUnknownTransfer)
		return
	}

	reason, completed := m.writeChunk(e, msg)
	if reason != "" {
		m.fail(e, reason, true)
		return
	}
	if completed {
		m.completeDownload(e)
	}
}

// writeChunk returns a failure reason, or whether the download is now whole.
func (m *Manager) writeChunk(e *entry, msg *wire.FileChunk) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	rec := e.rec
	m.mu.Unlock()
	if rec.Direction != Download || rec.Status.Terminal() || e.file == nil {
		return "", false
	}

	idx := msg.Index
	if idx < 0 || idx >= rec.TotalChunks {
		return fmt.Sprintf("%s: %d", reasonBadIndex, idx), false
	}

	if e.received[idx] {
		if err := m.ack(rec, idx); err != nil {
			return fmt.Sprintf("acknowledging chunk %d: %v", idx, err), false
		}
		return "", false
	}

	data := msg.Payload
	switch msg.Encoding {
	case "":
	case wire.EncodingZstd:
		raw, err := m.decoder.DecodeAll(msg.Payload, nil)
		if err != nil {
			return fmt.Sprintf("decompressing chunk %d: %v", idx, err), false
		}
		data = raw
	default:
		return fmt.Sprintf("%s %q", reasonBadEncoding, msg.Encoding), false
	}

	if want := ChunkLength(rec.FileSize, rec.ChunkSize, idx); len(data) != want {
		return fmt.Sprintf("%s at chunk %d: got %d bytes, want %d", reasonBadLength, idx, len(data), want), false
	}
	if Checksum(data) != msg.Checksum {
		return fmt.Sprintf("%s at chunk %d", reasonBadChecksum, idx), false
	}

	if err := WriteChunkData(e.file, idx, rec.ChunkSize, data); err != nil {
		return fmt.Sprintf("writing chunk %d: %v", idx, err), false
	}
	e.received[idx] = true

	m.mu.Lock()
	if e.rec.Status.Terminal() {
		m.mu.Unlock()
		return "", false
	}
	started := m.transitionLocked(e, StatusTransferring, "")
	e.rec.ReceivedChunks++
	e.rec.UpdatedAt = m.now()
	snap := e.rec
	m.mu.Unlock()

	if started {
		m.publish(snap)
	} else {
		m.emit(Event{Kind: EventUpdated, Record: snap})
	}

	if err := m.ack(snap, idx); err != nil {
		return fmt.Sprintf("acknowledging chunk %d: %v", idx, err), false
	}

	if snap.ReceivedChunks < snap.TotalChunks {
		return "", false
	}

	if err := e.file.Sync(); err != nil {
		return fmt.Sprintf("flushing %s: %v", snap.Filename, err), false
	}
	m.closeFile(e, false)

	// decided while e.mu is held so a concurrent cancel cannot claim a
	// file that is already whole
	m.mu.Lock()
	completed := m.transitionLocked(e, StatusCompleted, "")
	m.mu.Unlock()
	return "", completed
}

func (m *Manager) ack(rec Record, idx int) error {
	return m.net.SendTo(rec.Topic, rec.Peer.ConnID, &wire.FileChunkAck{TransferID: rec.ID, Index: idx})
}

func (m *Manager) completeDownload(e *entry) {
	snap := m.snapshot(e)

	m.publish(snap)
	m.logger.Info("Download complete", "transfer", short(snap.ID), "file", snap.Filename, "path", snap.FilePath)
	m.net.Notify(snap.Topic, fmt.Sprintf("Received %s from %s, saved to %s", snap.Filename, snap.Peer.Name, snap.FilePath))
}
