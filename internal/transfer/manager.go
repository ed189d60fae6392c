// Package transfer runs the file offer/accept/chunk protocol between room
// members.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/rudransh-shrivastava/peer-chat/internal/apperr"
	"github.com/rudransh-shrivastava/peer-chat/internal/wire"
)

const (
	DefaultWindow     = 8
	DefaultAckTimeout = 60 * time.Second
	eventBuffer       = 256

	reasonCancelled    = "cancelled"
	reasonPeerGone     = "peer disconnected"
	reasonUnknown      = "unknown transfer"
	reasonAckTimeout   = "timed out waiting for acknowledgement"
	reasonEarlyFinish  = "sender finished before all chunks arrived"
	reasonBadIndex     = "chunk index out of range"
	reasonBadLength    = "chunk length mismatch"
	reasonBadChecksum  = "checksum mismatch"
	reasonBadEncoding  = "unsupported chunk encoding"
	reasonManagerClose = "shutting down"
)

var (
	ErrNoPeers           = errors.New("no peers connected")
	ErrNoPendingTransfer = errors.New("no pending transfer")
	ErrUnknownTransfer   = errors.New("unknown transfer")
	ErrEmptyPrefix       = errors.New("empty transfer id")
	ErrManagerClosed     = errors.New("transfer manager closed")
)

// AmbiguousPrefixError lists every pending offer a prefix matched.
type AmbiguousPrefixError struct {
	Prefix     string
	Candidates []PendingOffer
}

func (e *AmbiguousPrefixError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = fmt.Sprintf("%s (%s)", short(c.TransferID), c.Filename)
	}
	return fmt.Sprintf("transfer id %q is ambiguous: %s", e.Prefix, strings.Join(names, ", "))
}

// Network is what the manager needs from the room layer.
type Network interface {
	// Broadcast sends msg to every peer in the room and returns how many
	// peers it was addressed to.
	Broadcast(topic string, msg wire.Message) (int, error)
	SendTo(topic, connID string, msg wire.Message) error
	Notify(topic, text string)
	Username() string
}

// HistoryRepository persists record snapshots.
type HistoryRepository interface {
	SaveTransfer(ctx context.Context, r Record) error
}

type Config struct {
	DownloadsDir string
	ChunkSize    int64
	Window       int
	AckTimeout   time.Duration
	Compress     bool
	History      HistoryRepository
	Logger       *slog.Logger
}

type key struct {
	id   string
	conn string
}

type entry struct {
	key key
	rec Record

	// downloads
	mu       sync.Mutex
	file     *os.File
	received []bool

	// uploads
	acks   chan int
	cancel context.CancelFunc
}

// outgoing is a file this side offered; every acceptor streams from it.
type outgoing struct {
	topic     string
	path      string
	filename  string
	size      int64
	chunkSize int64
	total     int
}

type Manager struct {
	cfg    Config
	net    Network
	logger *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[key]*entry
	order   []*entry
	offered map[string]*outgoing
	offers  map[string]*PendingOffer
	events  chan Event
	closed  bool

	now   func() time.Time
	newID func() (string, error)
}

func NewManager(net Network, cfg Config) (*Manager, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = "downloads"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxChunkSize))
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		net:     net,
		logger:  logger.With("component", "transfer"),
		encoder: encoder,
		decoder: decoder,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[key]*entry),
		offered: make(map[string]*outgoing),
		offers:  make(map[string]*PendingOffer),
		events:  make(chan Event, eventBuffer),
		now:     time.Now,
		newID:   NewTransferID,
	}, nil
}

// Events delivers offers and record changes. Slow readers miss events.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Share offers the file at path to everyone currently in the room.
func (m *Manager) Share(ctx context.Context, topic, path string) (Record, error) {
	const op = "share"

	abs, info, err := ValidateFile(path)
	if err != nil {
		return Record{}, apperr.FileSystem(op, err)
	}

	id, err := m.newID()
	if err != nil {
		return Record{}, apperr.New(apperr.KindUnknown, op, err)
	}

	out := &outgoing{
		topic:     topic,
		path:      abs,
		filename:  filepath.Base(abs),
		size:      info.Size(),
		chunkSize: m.cfg.ChunkSize,
		total:     CalculateTotalChunks(info.Size(), m.cfg.ChunkSize),
	}

	now := m.now()
	e := &entry{
		key: key{id: id},
		rec: Record{
			ID:          id,
			Topic:       topic,
			Direction:   Upload,
			Filename:    out.filename,
			FileSize:    out.size,
			ChunkSize:   out.chunkSize,
			TotalChunks: out.total,
			Status:      StatusPending,
			FilePath:    abs,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	// registered before the offer goes out so an immediate accept finds it
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, apperr.Network(op, ErrManagerClosed)
	}
	m.insertLocked(e)
	m.offered[id] = out
	m.mu.Unlock()

	n, err := m.net.Broadcast(topic, &wire.FileShare{
		TransferID: id,
		Filename:   out.filename,
		FileSize:   out.size,
		ChunkSize:  out.chunkSize,
		Timestamp:  now.UnixMilli(),
		Username:   m.net.Username(),
	})
	if n == 0 {
		m.mu.Lock()
		m.removeLocked(e)
		delete(m.offered, id)
		m.mu.Unlock()
		if err == nil {
			err = ErrNoPeers
		}
		return Record{}, apperr.Network(op, err)
	}
	if err != nil {
		m.logger.Warn("Offer did not reach every peer", "transfer", short(id), "error", err)
	}

	m.logger.Info("File offered", "transfer", short(id), "file", out.filename, "size", out.size, "peers", n)
	m.net.Notify(topic, fmt.Sprintf("Offered %s (%s) to %d peer(s)", out.filename, humanize.Bytes(uint64(out.size)), n))

	m.mu.Lock()
	snap := e.rec
	m.mu.Unlock()
	m.publish(snap)
	return snap, nil
}

// Accept starts downloading the pending offer whose id starts with prefix.
func (m *Manager) Accept(ctx context.Context, prefix string) (Record, error) {
	const op = "accept"

	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return Record{}, apperr.Validation(op, ErrEmptyPrefix)
	}

	m.mu.Lock()
	var matches []PendingOffer
	for id, offer := range m.offers {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, *offer)
		}
	}
	switch len(matches) {
	case 0:
		m.mu.Unlock()
		return Record{}, apperr.WithDetails(apperr.KindProtocol, op, ErrNoPendingTransfer, prefix)
	case 1:
	default:
		m.mu.Unlock()
		sort.Slice(matches, func(i, j int) bool { return matches[i].TransferID < matches[j].TransferID })
		return Record{}, apperr.New(apperr.KindConflict, op, &AmbiguousPrefixError{Prefix: prefix, Candidates: matches})
	}
	offer := matches[0]
	// reserved so a concurrent accept of the same offer finds nothing
	delete(m.offers, offer.TransferID)
	m.mu.Unlock()

	file, path, err := createDestination(m.cfg.DownloadsDir, offer.Filename, offer.FileSize)
	if err != nil {
		m.mu.Lock()
		m.offers[offer.TransferID] = &offer
		m.mu.Unlock()
		return Record{}, apperr.FileSystem(op, err)
	}

	now := m.now()
	total := CalculateTotalChunks(offer.FileSize, offer.ChunkSize)
	e := &entry{
		key:      key{id: offer.TransferID, conn: offer.Origin.ConnID},
		file:     file,
		received: make([]bool, total),
		rec: Record{
			ID:          offer.TransferID,
			Topic:       offer.Topic,
			Direction:   Download,
			Filename:    offer.Filename,
			FileSize:    offer.FileSize,
			ChunkSize:   offer.ChunkSize,
			TotalChunks: total,
			Status:      StatusAccepted,
			Peer:        offer.Origin,
			FilePath:    path,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = file.Close()
		_ = os.Remove(path)
		return Record{}, apperr.Network(op, ErrManagerClosed)
	}
	m.insertLocked(e)
	snap := e.rec
	m.mu.Unlock()
	m.publish(snap)

	err = m.net.SendTo(offer.Topic, offer.Origin.ConnID, &wire.FileAccept{
		TransferID: offer.TransferID,
		Username:   m.net.Username(),
	})
	if err != nil {
		m.fail(e, fmt.Sprintf("could not reach %s: %v", offer.Origin.Name, err), false)
		return m.snapshot(e), apperr.Network(op, err)
	}

	m.logger.Info("Transfer accepted", "transfer", short(offer.TransferID), "file", offer.Filename, "path", path)
	m.net.Notify(offer.Topic, fmt.Sprintf("Accepted %s, downloading to %s", offer.Filename, path))
	return m.snapshot(e), nil
}

// Handle dispatches one inbound file message from a room member.
func (m *Manager) Handle(topic string, from PeerRef, msg wire.Message) {
	if wire.TransferID(msg) == "" {
		m.logger.Debug("Ignoring message without transfer id", "type", msg.Type().String(), "peer", from.Name)
		return
	}
	switch msg := msg.(type) {
	case *wire.FileShare:
		m.handleOffer(topic, from, msg)
	case *wire.FileAccept:
		m.handleAccept(topic, from, msg)
	case *wire.FileChunk:
		m.handleChunk(topic, from, msg)
	case *wire.FileChunkAck:
		m.handleAck(from, msg)
	case *wire.FileComplete:
		m.handleComplete(from, msg)
	case *wire.FileError:
		m.handleRemoteError(topic, from, msg)
	default:
		m.logger.Debug("Ignoring non-transfer message", "type", msg.Type().String())
	}
}

func validOffer(msg *wire.FileShare) bool {
	if msg.TransferID == "" || msg.FileSize < 0 || msg.ChunkSize <= 0 || msg.ChunkSize > MaxChunkSize {
		return false
	}
	total := msg.FileSize / msg.ChunkSize
	if msg.FileSize%msg.ChunkSize > 0 {
		total++
	}
	return total <= MaxTotalChunks
}

func (m *Manager) handleOffer(topic string, from PeerRef, msg *wire.FileShare) {
	if !validOffer(msg) {
		m.logger.Warn("Dropping malformed offer", "peer", from.Name, "transfer", msg.TransferID,
			"size", msg.FileSize, "chunk_size", msg.ChunkSize)
		return
	}

	offer := PendingOffer{
		TransferID: strings.ToLower(msg.TransferID),
		Topic:      topic,
		Origin:     from,
		Filename:   SanitizeFilename(msg.Filename),
		FileSize:   msg.FileSize,
		ChunkSize:  msg.ChunkSize,
		Timestamp:  time.UnixMilli(msg.Timestamp),
	}
	if msg.Timestamp == 0 {
		offer.Timestamp = m.now()
	}

	m.mu.Lock()
	if _, dup := m.offers[offer.TransferID]; dup {
		m.mu.Unlock()
		return
	}
	if _, known := m.entries[key{id: offer.TransferID, conn: from.ConnID}]; known {
		m.mu.Unlock()
		return
	}
	m.offers[offer.TransferID] = &offer
	m.mu.Unlock()

	m.logger.Info("Received offer", "transfer", short(offer.TransferID), "file", offer.Filename, "peer", from.Name)
	m.net.Notify(topic, fmt.Sprintf("%s wants to share: %s (%s). Type /accept %s to download",
		from.Name, offer.Filename, humanize.Bytes(uint64(offer.FileSize)), short(offer.TransferID)))
	m.emit(Event{Kind: EventOffered, Offer: offer})
}

func (m *Manager) handleAccept(topic string, from PeerRef, msg *wire.FileAccept) {
	id := msg.TransferID

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	out, ok := m.offered[id]
	if !ok || out.topic != topic {
		m.mu.Unlock()
		m.logger.Warn("Accept for unknown transfer", "transfer", id, "peer", from.Name)
		_ = m.net.SendTo(topic, from.ConnID, &wire.FileError{TransferID: id, Reason: reasonUnknown})
		return
	}

	k := key{id: id, conn: from.ConnID}
	if _, dup := m.entries[k]; dup {
		m.mu.Unlock()
		return
	}

	var e *entry
	if pending, ok := m.entries[key{id: id}]; ok && pending.rec.Status == StatusPending {
		// the first acceptor takes over the record created at offer time
		delete(m.entries, pending.key)
		pending.key = k
		m.entries[k] = pending
		pending.rec.Peer = from
		m.transitionLocked(pending, StatusAccepted, "")
		e = pending
	} else {
		now := m.now()
		e = &entry{
			key: k,
			rec: Record{
				ID:          id,
				Topic:       topic,
				Direction:   Upload,
				Filename:    out.filename,
				FileSize:    out.size,
				ChunkSize:   out.chunkSize,
				TotalChunks: out.total,
				Status:      StatusAccepted,
				Peer:        from,
				FilePath:    out.path,
				CreatedAt:   now,
				UpdatedAt:   now,
			},
		}
		m.insertLocked(e)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	e.acks = make(chan int, m.cfg.Window*4)
	m.transitionLocked(e, StatusTransferring, "")
	snap := e.rec
	m.wg.Add(1)
	m.mu.Unlock()

	m.publish(snap)
	m.logger.Info("Peer accepted transfer", "transfer", short(id), "peer", from.Name)
	m.net.Notify(topic, fmt.Sprintf("%s accepted %s", from.Name, out.filename))

	go func() {
		defer m.wg.Done()
		defer cancel()
		m.upload(ctx, e, out)
	}()
}

func (m *Manager) handleAck(from PeerRef, msg *wire.FileChunkAck) {
	m.mu.Lock()
	e, ok := m.entries[key{id: msg.TransferID, conn: from.ConnID}]
	m.mu.Unlock()
	if !ok || e.acks == nil {
		m.logger.Debug("Ack for unknown transfer", "transfer", msg.TransferID, "peer", from.Name)
		return
	}

	select {
	case e.acks <- msg.Index:
	default:
		m.logger.Debug("Dropping surplus ack", "transfer", short(msg.TransferID), "index", msg.Index)
	}
}

func (m *Manager) handleComplete(from PeerRef, msg *wire.FileComplete) {
	m.mu.Lock()
	e, ok := m.entries[key{id: msg.TransferID, conn: from.ConnID}]
	if !ok || e.rec.Direction != Download {
		m.mu.Unlock()
		return
	}
	status := e.rec.Status
	m.mu.Unlock()

	if !status.Terminal() {
		m.fail(e, reasonEarlyFinish, true)
	}
}

func (m *Manager) handleRemoteError(topic string, from PeerRef, msg *wire.FileError) {
	id := msg.TransferID

	m.mu.Lock()
	if offer, ok := m.offers[id]; ok && offer.Origin.ConnID == from.ConnID {
		delete(m.offers, id)
		withdrawn := *offer
		m.mu.Unlock()
		m.net.Notify(topic, fmt.Sprintf("%s withdrew %s", from.Name, withdrawn.Filename))
		m.emit(Event{Kind: EventOfferWithdrawn, Offer: withdrawn})
		return
	}
	e, ok := m.entries[key{id: id, conn: from.ConnID}]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Warn("Peer reported transfer error", "transfer", short(id), "peer", from.Name, "reason", msg.Reason)
	m.fail(e, fmt.Sprintf("%s reported: %s", from.Name, msg.Reason), false)
}

// CancelRoom cancels every live transfer and offer belonging to topic,
// telling the peers on a best-effort basis.
func (m *Manager) CancelRoom(topic string) {
	m.mu.Lock()
	var live []*entry
	for _, e := range m.order {
		if e.rec.Topic == topic && !e.rec.Status.Terminal() {
			live = append(live, e)
		}
	}
	var withdrawn []string
	for id, out := range m.offered {
		if out.topic == topic {
			withdrawn = append(withdrawn, id)
			delete(m.offered, id)
		}
	}
	for id, offer := range m.offers {
		if offer.Topic == topic {
			delete(m.offers, id)
		}
	}
	m.mu.Unlock()

	for _, e := range live {
		m.finish(e, StatusCancelled, reasonCancelled, true)
	}
	for _, id := range withdrawn {
		if _, err := m.net.Broadcast(topic, &wire.FileError{TransferID: id, Reason: reasonCancelled}); err != nil {
			m.logger.Debug("Could not withdraw offer", "transfer", short(id), "error", err)
		}
	}
}

// PeerGone fails every live transfer with the departed connection and drops
// its pending offers.
func (m *Manager) PeerGone(topic, connID string) {
	m.mu.Lock()
	var live []*entry
	for _, e := range m.order {
		if e.rec.Topic == topic && e.rec.Peer.ConnID == connID && !e.rec.Status.Terminal() {
			live = append(live, e)
		}
	}
	var dropped []PendingOffer
	for id, offer := range m.offers {
		if offer.Topic == topic && offer.Origin.ConnID == connID {
			dropped = append(dropped, *offer)
			delete(m.offers, id)
		}
	}
	m.mu.Unlock()

	for _, e := range live {
		m.fail(e, reasonPeerGone, false)
	}
	for _, offer := range dropped {
		m.emit(Event{Kind: EventOfferWithdrawn, Offer: offer})
	}
}

// Transfers returns a snapshot of every record in creation order.
func (m *Manager) Transfers() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.order))
	for _, e := range m.order {
		out = append(out, e.rec)
	}
	return out
}

func (m *Manager) PendingOffers() []PendingOffer {
	m.mu.Lock()
	out := make([]PendingOffer, 0, len(m.offers))
	for _, o := range m.offers {
		out = append(out, *o)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].TransferID < out[j].TransferID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Close cancels everything still running and waits for uploads to stop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var live []*entry
	for _, e := range m.order {
		if !e.rec.Status.Terminal() {
			live = append(live, e)
		}
	}
	m.mu.Unlock()

	for _, e := range live {
		m.finish(e, StatusCancelled, reasonManagerClose, false)
	}
	m.cancel()
	m.wg.Wait()

	_ = m.encoder.Close()
	m.decoder.Close()
	return nil
}

// fail moves e to error, optionally telling the peer why.
func (m *Manager) fail(e *entry, reason string, notifyPeer bool) {
	m.finish(e, StatusError, reason, notifyPeer)
}

// finish moves e to a terminal status and releases what it holds. A download
// that did not complete loses its partial file.
func (m *Manager) finish(e *entry, status Status, reason string, notifyPeer bool) {
	m.mu.Lock()
	if !m.transitionLocked(e, status, reason) {
		m.mu.Unlock()
		return
	}
	snap := e.rec
	cancel := e.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if snap.Direction == Download {
		e.mu.Lock()
		m.closeFile(e, true)
		e.mu.Unlock()
	}

	if notifyPeer && snap.Peer.ConnID != "" {
		wireReason := reason
		if status == StatusCancelled {
			wireReason = reasonCancelled
		}
		if err := m.net.SendTo(snap.Topic, snap.Peer.ConnID, &wire.FileError{TransferID: snap.ID, Reason: wireReason}); err != nil {
			m.logger.Debug("Could not send file-error", "transfer", short(snap.ID), "error", err)
		}
	}

	m.publish(snap)
	if status == StatusCancelled {
		m.logger.Info("Transfer cancelled", "transfer", short(snap.ID), "file", snap.Filename)
		m.net.Notify(snap.Topic, fmt.Sprintf("Transfer of %s cancelled", snap.Filename))
		return
	}
	m.logger.Warn("Transfer failed", "transfer", short(snap.ID), "file", snap.Filename, "reason", reason)
	m.net.Notify(snap.Topic, fmt.Sprintf("Transfer of %s failed: %s", snap.Filename, reason))
}

// closeFile is called with e.mu held.
func (m *Manager) closeFile(e *entry, remove bool) {
	if e.file == nil {
		return
	}
	path := e.file.Name()
	if err := e.file.Close(); err != nil {
		m.logger.Debug("Closing download failed", "path", path, "error", err)
	}
	e.file = nil
	if remove {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Could not remove partial download", "path", path, "error", err)
		}
	}
}

func (m *Manager) transitionLocked(e *entry, to Status, reason string) bool {
	if !canTransition(e.rec.Status, to) {
		return false
	}
	e.rec.Status = to
	if reason != "" && (to == StatusError || to == StatusCancelled) {
		e.rec.Err = reason
	}
	e.rec.UpdatedAt = m.now()
	return true
}

func (m *Manager) insertLocked(e *entry) {
	m.entries[e.key] = e
	m.order = append(m.order, e)
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.entries, e.key)
	for i, o := range m.order {
		if o == e {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) snapshot(e *entry) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.rec
}

// publish emits an update and persists the snapshot.
func (m *Manager) publish(r Record) {
	m.emit(Event{Kind: EventUpdated, Record: r})
	if m.cfg.History == nil {
		return
	}
	if err := m.cfg.History.SaveTransfer(context.Background(), r); err != nil {
		m.logger.Warn("Failed to save transfer history", "transfer", short(r.ID), "error", err)
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("Dropping transfer event", "kind", ev.Kind.String())
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
