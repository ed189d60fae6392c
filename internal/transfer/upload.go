package transfer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/wire"
)

// upload streams out's chunks to the peer bound to e. At most Window chunks
// are unacknowledged at once, so a slow receiver holds the sender back and
// only the in-flight chunks are ever in memory.
func (m *Manager) upload(ctx context.Context, e *entry, out *outgoing) {
	m.mu.Lock()
	id, topic, peer := e.rec.ID, e.rec.Topic, e.rec.Peer
	m.mu.Unlock()

	f, err := os.Open(out.path)
	if err != nil {
		m.fail(e, fmt.Sprintf("cannot read %s: %v", out.filename, err), true)
		return
	}
	defer func() { _ = f.Close() }()

	acked := make([]bool, out.total)
	next, inFlight, done := 0, 0, 0

	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()

	for done < out.total {
		for inFlight < m.cfg.Window && next < out.total {
			chunk, err := m.buildChunk(f, out, id, next)
			if err != nil {
				m.fail(e, fmt.Sprintf("cannot read chunk %d: %v", next, err), true)
				return
			}
			if ctx.Err() != nil {
				return
			}
			if err := m.net.SendTo(topic, peer.ConnID, chunk); err != nil {
				m.fail(e, fmt.Sprintf("sending chunk %d: %v", next, err), false)
				return
			}
			next++
			inFlight++
		}

		select {
		case <-ctx.Done():
			return
		case idx := <-e.acks:
			// unknown or repeated acks carry no new information
			if idx < 0 || idx >= next || acked[idx] {
				continue
			}
			acked[idx] = true
			done++
			inFlight--
			m.setProgress(e, done)

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.cfg.AckTimeout)
		case <-timer.C:
			m.fail(e, reasonAckTimeout, true)
			return
		}
	}

	m.mu.Lock()
	ok := m.transitionLocked(e, StatusCompleted, "")
	snap := e.rec
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.net.SendTo(topic, peer.ConnID, &wire.FileComplete{TransferID: snap.ID}); err != nil {
		m.logger.Debug("Could not send file-complete", "transfer", short(snap.ID), "error", err)
	}
	m.publish(snap)
	m.logger.Info("Upload complete", "transfer", short(snap.ID), "file", snap.Filename, "peer", peer.Name)
	m.net.Notify(topic, fmt.Sprintf("Sent %s to %s", snap.Filename, peer.Name))
}

func (m *Manager) buildChunk(f *os.File, out *outgoing, id string, index int) (*wire.FileChunk, error) {
	length := ChunkLength(out.size, out.chunkSize, index)
	data, err := ReadChunkData(f, index, length, out.chunkSize)
	if err != nil {
		return nil, err
	}

	chunk := &wire.FileChunk{
		TransferID: id,
		Index:      index,
		Payload:    data,
		Checksum:   Checksum(data),
	}
	if m.cfg.Compress && len(data) > 0 {
		if packed := m.encoder.EncodeAll(data, nil); len(packed) < len(data) {
			chunk.Payload = packed
			chunk.Encoding = wire.EncodingZstd
		}
	}
	return chunk, nil
}

func (m *Manager) setProgress(e *entry, acked int) {
	m.mu.Lock()
	if e.rec.Status != StatusTransferring || acked <= e.rec.SentChunks {
		m.mu.Unlock()
		return
	}
	e.rec.SentChunks = acked
	e.rec.UpdatedAt = m.now()
	snap := e.rec
	m.mu.Unlock()
	m.emit(Event{Kind: EventUpdated, Record: snap})
}
