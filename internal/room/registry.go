// Package room manages the rooms a user is in: one session per topic, its
// peer connections, and the routing of their messages to chat and transfers.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rudransh-shrivastava/peer-chat/internal/apperr"
	"github.com/rudransh-shrivastava/peer-chat/internal/chat"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/rudransh-shrivastava/peer-chat/internal/wire"
)

const (
	DefaultJoinTimeout  = 30 * time.Second
	DefaultLeaveTimeout = 10 * time.Second
	DefaultUsername     = "anonymous"
	MaxUsernameLen      = 20
)

var (
	ErrNoSession       = errors.New("not in that room")
	ErrNoRoom          = errors.New("not in any room")
	ErrNoPeers         = transfer.ErrNoPeers
	ErrPeerGone        = errors.New("peer not connected")
	ErrEmptyMessage    = errors.New("empty message")
	ErrInvalidUsername = fmt.Errorf("username must be 1-%d characters", MaxUsernameLen)
	ErrClosed          = errors.New("registry closed")
)

// RoomRepository remembers joined rooms across runs.
type RoomRepository interface {
	SaveRoom(ctx context.Context, d Descriptor) error
}

type Options struct {
	Username     string
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
	Messages     *chat.Log
	Rooms        RoomRepository
	Transfer     transfer.Config
	Logger       *slog.Logger
}

// Registry maps topics to sessions and tracks the current room. Every
// operation is safe for concurrent use.
type Registry struct {
	swarm     transport.Swarm
	opts      Options
	logger    *slog.Logger
	codec     *wire.Codec
	messages  *chat.Log
	transfers *transfer.Manager
	events    chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	current  string
	username string
	closed   bool

	now func() time.Time
}

func NewRegistry(swarm transport.Swarm, opts Options) (*Registry, error) {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = DefaultLeaveTimeout
	}
	if opts.Messages == nil {
		opts.Messages = chat.NewLog(chat.DefaultCapacity)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	username := strings.TrimSpace(opts.Username)
	if username == "" {
		username = DefaultUsername
	}
	if err := validateUsername(username); err != nil {
		return nil, apperr.Validation("registry", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		swarm:    swarm,
		opts:     opts,
		logger:   logger.With("component", "room"),
		codec:    wire.NewCodec(),
		messages: opts.Messages,
		events:   make(chan Event, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		username: username,
		now:      time.Now,
	}

	tcfg := opts.Transfer
	if tcfg.Logger == nil {
		tcfg.Logger = logger
	}
	manager, err := transfer.NewManager(&transferNetwork{r: r}, tcfg)
	if err != nil {
		cancel()
		return nil, err
	}
	r.transfers = manager

	r.wg.Add(1)
	go r.forwardTransferEvents()
	return r, nil
}

// CreateRoom joins a room on a fresh random topic.
func (r *Registry) CreateRoom(ctx context.Context, name, description string) (Descriptor, error) {
	topic, err := NewTopic()
	if err != nil {
		r.notice(r.currentTopic(), fmt.Sprintf("Error creating room: %v", err))
		return Descriptor{}, apperr.New(apperr.KindUnknown, "create", err)
	}

	d := Descriptor{Name: name, Description: description, Topic: topic}
	if err := r.JoinRoom(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// JoinRoom makes d the current room, joining it first if there is no session
// for its topic yet. Joining a topic twice reuses the existing session.
func (r *Registry) JoinRoom(ctx context.Context, d Descriptor) error {
	const op = "join"

	if err := d.Validate(); err != nil {
		r.notice(r.currentTopic(), "Room topic is missing or invalid")
		return apperr.Validation(op, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperr.Network(op, ErrClosed)
	}
	if s, ok := r.sessions[d.Topic]; ok {
		r.current = d.Topic
		r.mu.Unlock()

		if err := s.wait(ctx); err != nil {
			return apperr.Network(op, err)
		}
		r.notice(d.Topic, "Switched to room: "+s.desc.DisplayName())
		r.emit(Event{Kind: EventSwitched, Room: s.desc, Peers: s.PeerCount()})
		return nil
	}

	previous := r.current
	s := newSession(d)
	r.sessions[d.Topic] = s
	r.order = append(r.order, d.Topic)
	r.current = d.Topic
	r.mu.Unlock()

	r.logger.Info("Joining room", "room", ShortTopic(d.Topic), "name", d.Name)

	joinCtx, cancel := context.WithTimeout(ctx, r.opts.JoinTimeout)
	defer cancel()

	membership, err := r.swarm.Join(joinCtx, d.Topic)
	if err != nil {
		s.abort(err)
		r.mu.Lock()
		r.dropLocked(d.Topic)
		if _, ok := r.sessions[previous]; ok {
			r.current = previous
		}
		r.mu.Unlock()

		r.logger.Warn("Failed to join room", "room", ShortTopic(d.Topic), "error", err)
		r.notice(previous, fmt.Sprintf("Error joining room: %v", err))
		return apperr.Network(op, err)
	}

	s.activate(membership)
	s.wg.Add(1)
	go r.acceptPeers(s, membership)

	if r.opts.Rooms != nil {
		if err := r.opts.Rooms.SaveRoom(ctx, d); err != nil {
			r.logger.Warn("Failed to save room", "room", ShortTopic(d.Topic), "error", err)
		}
	}

	r.logger.Info("Joined room", "room", ShortTopic(d.Topic))
	r.notice(d.Topic, "Joined new room: "+d.DisplayName())
	r.emit(Event{Kind: EventJoined, Room: d})
	return nil
}

// LeaveRoom tears down the session for topic. Transfers in the room are
// cancelled before the connections close.
func (r *Registry) LeaveRoom(ctx context.Context, topic string) error {
	const op = "leave"

	s, ok := r.session(topic)
	if !ok {
		return apperr.Validation(op, ErrNoSession)
	}

	leaveCtx, cancel := context.WithTimeout(ctx, r.opts.LeaveTimeout)
	defer cancel()

	if err := s.wait(leaveCtx); err != nil {
		if leaveCtx.Err() != nil {
			return apperr.Network(op, err)
		}
		return apperr.Validation(op, ErrNoSession)
	}

	// Withdrawals go out while the room still broadcasts. Anything that
	// slipped in before the state change is cancelled again below.
	r.transfers.CancelRoom(topic)

	membership, peers, err := s.beginLeave()
	if err != nil {
		return apperr.Validation(op, ErrNoSession)
	}

	r.logger.Info("Leaving room", "room", ShortTopic(topic), "peers", len(peers))
	r.transfers.CancelRoom(topic)

	var errs []error
	if err := membership.Leave(leaveCtx); err != nil {
		errs = append(errs, err)
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-leaveCtx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections to close: %w", leaveCtx.Err()))
	}

	s.setClosed()
	r.mu.Lock()
	r.dropLocked(topic)
	r.messages.Remove(topic)
	next := r.current
	r.mu.Unlock()

	r.notice(next, "Left room: "+s.desc.DisplayName())
	r.emit(Event{Kind: EventLeft, Room: s.desc})

	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("Room teardown incomplete", "room", ShortTopic(topic), "error", err)
		return apperr.Network(op, err)
	}
	return nil
}

// SendToRoom writes msg to every peer in the room. It fails only when the
// room has no session or no peers; individual write failures are reported
// in the room log.
func (r *Registry) SendToRoom(topic string, msg wire.Message) error {
	const op = "send"

	n, err := r.broadcast(topic, msg)
	if n == 0 {
		switch {
		case errors.Is(err, ErrNoPeers):
			r.notice(topic, "No peers connected in this room")
			return apperr.Network(op, err)
		case errors.Is(err, ErrNoSession), errors.Is(err, errNotActive):
			return apperr.Validation(op, ErrNoSession)
		default:
			return apperr.Protocol(op, err)
		}
	}
	if err != nil {
		r.notice(topic, fmt.Sprintf("Error sending message: %v", err))
	}
	return nil
}

// SendChat posts text to the current room, keeping a local copy.
func (r *Registry) SendChat(text string) error {
	const op = "chat"

	if strings.TrimSpace(text) == "" {
		return apperr.Validation(op, ErrEmptyMessage)
	}
	topic := r.currentTopic()
	if topic == "" {
		return apperr.Validation(op, ErrNoRoom)
	}

	username := r.Username()
	now := r.now()
	r.addUser(topic, username, text, now)

	return r.SendToRoom(topic, &wire.Chat{
		Username:  username,
		Text:      text,
		Timestamp: now.UnixMilli(),
	})
}

// ShareFile offers the file at path to the current room.
func (r *Registry) ShareFile(ctx context.Context, path string) (transfer.Record, error) {
	topic := r.currentTopic()
	if topic == "" {
		return transfer.Record{}, apperr.Validation("share", ErrNoRoom)
	}

	rec, err := r.transfers.Share(ctx, topic, path)
	if err != nil {
		if errors.Is(err, ErrNoPeers) {
			r.notice(topic, "No peers connected in this room. Cannot share file.")
		} else {
			r.notice(topic, fmt.Sprintf("Error sharing file: %v", err))
		}
		return rec, err
	}
	return rec, nil
}

// AcceptTransfer downloads the pending offer whose id starts with prefix.
func (r *Registry) AcceptTransfer(ctx context.Context, prefix string) (transfer.Record, error) {
	rec, err := r.transfers.Accept(ctx, prefix)
	if err != nil {
		r.notice(r.currentTopic(), fmt.Sprintf("Cannot accept transfer: %v", err))
		return rec, err
	}
	return rec, nil
}

func (r *Registry) PeerCount(topic string) int {
	s, ok := r.session(topic)
	if !ok {
		return 0
	}
	return s.PeerCount()
}

func (r *Registry) CurrentRoomPeerCount() int {
	return r.PeerCount(r.currentTopic())
}

func (r *Registry) Peers(topic string) []PeerInfo {
	s, ok := r.session(topic)
	if !ok {
		return nil
	}
	return s.Peers()
}

// Current returns the room UI-facing calls apply to.
func (r *Registry) Current() (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[r.current]
	if !ok {
		return Descriptor{}, false
	}
	return s.Descriptor(), true
}

// Rooms lists every room with a session, in join order.
func (r *Registry) Rooms() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, topic := range r.order {
		out = append(out, r.sessions[topic].Descriptor())
	}
	return out
}

func (r *Registry) SessionState(topic string) (State, bool) {
	s, ok := r.session(topic)
	if !ok {
		return StateClosed, false
	}
	return s.State(), true
}

func (r *Registry) SetUsername(name string) error {
	name = strings.TrimSpace(name)
	if err := validateUsername(name); err != nil {
		return apperr.Validation("nick", err)
	}

	r.mu.Lock()
	r.username = name
	topic := r.current
	r.mu.Unlock()

	r.notice(topic, "Username changed to "+name)
	return nil
}

func (r *Registry) Username() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.username
}

// Messages returns the current room's history.
func (r *Registry) Messages() []chat.Message {
	topic := r.currentTopic()
	if topic == "" {
		return nil
	}
	return r.messages.Messages(topic)
}

func (r *Registry) ClearMessages() error {
	topic := r.currentTopic()
	if topic == "" {
		return apperr.Validation("clear", ErrNoRoom)
	}
	return r.messages.Clear(topic)
}

// Log exposes the message sink so the UI can follow its updates.
func (r *Registry) Log() *chat.Log {
	return r.messages
}

func (r *Registry) Transfers() []transfer.Record {
	return r.transfers.Transfers()
}

func (r *Registry) PendingOffers() []transfer.PendingOffer {
	return r.transfers.PendingOffers()
}

// Events delivers room, peer and transfer changes. Slow readers miss events.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Close leaves every room and shuts down transfers and the swarm.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	topics := append([]string(nil), r.order...)
	r.mu.Unlock()

	var errs []error
	for _, topic := range topics {
		if err := r.LeaveRoom(ctx, topic); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	if err := r.transfers.Close(); err != nil {
		errs = append(errs, err)
	}
	r.cancel()
	r.wg.Wait()

	if err := r.swarm.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) acceptPeers(s *Session, m transport.Membership) {
	defer s.wg.Done()
	topic := s.desc.Topic

	for conn := range m.Conns() {
		p, err := newPeer(conn)
		if err != nil {
			r.logger.Warn("Dropping connection", "room", ShortTopic(topic), "error", err)
			_ = conn.Close()
			continue
		}
		n, ok := s.addPeer(p)
		if !ok {
			_ = conn.Close()
			continue
		}

		r.logger.Info("Peer connected", "room", ShortTopic(topic), "peer", p.key, "peers", n)
		r.sessionNotice(s, fmt.Sprintf("New peer connected in %s: %s", s.desc.DisplayName(), shortKey(p.key)))
		r.emit(Event{Kind: EventPeerJoined, Room: s.desc, Peers: n, Peer: p.Info()})

		s.wg.Add(1)
		go r.readLoop(s, p)
	}
}

// readLoop dispatches one peer's messages in arrival order until the
// connection ends, then removes the peer.
func (r *Registry) readLoop(s *Session, p *Peer) {
	defer s.wg.Done()
	topic := s.desc.Topic

	for data := range p.conn.Recv() {
		r.dispatch(s, p, data)
	}

	if err := p.conn.Err(); err != nil {
		r.logger.Warn("Connection error", "room", ShortTopic(topic), "peer", p.Name(), "error", err)
		r.sessionNotice(s, fmt.Sprintf("Connection error: %v", err))
	}

	n, removed := s.removePeer(p)
	if !removed {
		return
	}
	_ = p.conn.Close()
	r.transfers.PeerGone(topic, p.connID)

	r.logger.Info("Peer disconnected", "room", ShortTopic(topic), "peer", p.key, "peers", n)
	r.sessionNotice(s, "Peer disconnected: "+p.Name())
	r.emit(Event{Kind: EventPeerLeft, Room: s.desc, Peers: n, Peer: p.Info()})
}

// dispatch routes one inbound frame. Frames that are not JSON envelopes are
// shown as plain chat text from the peer.
func (r *Registry) dispatch(s *Session, p *Peer, data []byte) {
	if s.State() != StateActive {
		return
	}
	topic := s.desc.Topic

	msg, err := r.codec.DecodeFromBytes(data)
	if err != nil {
		var unknown *wire.UnknownTypeError
		switch {
		case errors.Is(err, wire.ErrMalformed):
			if len(data) > 0 {
				r.sessionUser(s, p.Name(), string(data), time.Time{})
			}
		case errors.As(err, &unknown):
			r.logger.Warn("Ignoring unknown message type", "type", unknown.Type.String(), "peer", p.Name())
		default:
			r.logger.Warn("Dropping invalid message", "peer", p.Name(), "error", err)
		}
		return
	}

	switch msg := msg.(type) {
	case *wire.Chat:
		p.rename(msg.Username)
		var ts time.Time
		if msg.Timestamp > 0 {
			ts = time.UnixMilli(msg.Timestamp)
		}
		r.sessionUser(s, p.Name(), msg.Text, ts)
	case *wire.FileShare:
		p.rename(msg.Username)
		r.transfers.Handle(topic, p.ref(), msg)
	case *wire.FileAccept:
		p.rename(msg.Username)
		r.transfers.Handle(topic, p.ref(), msg)
	default:
		r.transfers.Handle(topic, p.ref(), msg)
	}
}

// broadcast returns how many peers msg was addressed to, with the joined
// per-peer write errors.
func (r *Registry) broadcast(topic string, msg wire.Message) (int, error) {
	s, ok := r.session(topic)
	if !ok {
		return 0, ErrNoSession
	}
	peers, err := s.activePeers()
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 {
		return 0, ErrNoPeers
	}

	data, err := r.codec.EncodeToBytes(msg)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, p := range peers {
		if err := p.conn.Send(data); err != nil {
			r.logger.Warn("Failed to send to peer", "room", ShortTopic(topic), "peer", p.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return len(peers), errors.Join(errs...)
}

func (r *Registry) sendTo(topic, connID string, msg wire.Message) error {
	s, ok := r.session(topic)
	if !ok {
		return ErrNoSession
	}
	p, ok := s.peer(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerGone, connID)
	}

	data, err := r.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	return p.conn.Send(data)
}

func (r *Registry) forwardTransferEvents() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.transfers.Events():
			topic := ev.Record.Topic
			if ev.Kind != transfer.EventUpdated {
				topic = ev.Offer.Topic
			}
			var d Descriptor
			if s, ok := r.session(topic); ok {
				d = s.desc
			}
			r.emit(Event{Kind: EventTransfer, Room: d, Transfer: ev})
		}
	}
}

// notice adds a system line to the room log. Rooms without a session only
// get a log record.
func (r *Registry) notice(topic, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[topic]; !ok {
		r.logger.Info(text)
		return
	}
	if err := r.messages.AddSystem(topic, text); err != nil {
		r.logger.Debug("Dropping notice", "error", err)
	}
}

func (r *Registry) addUser(topic, username, text string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[topic]; !ok {
		return
	}
	if err := r.messages.AddUser(topic, username, text, ts); err != nil {
		r.logger.Debug("Dropping message", "error", err)
	}
}

// sessionNotice is notice for s's own goroutines. Once s has been dropped,
// its room log is gone, even if the topic was joined again since.
func (r *Registry) sessionNotice(s *Session, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.desc.Topic] != s {
		r.logger.Info(text)
		return
	}
	if err := r.messages.AddSystem(s.desc.Topic, text); err != nil {
		r.logger.Debug("Dropping notice", "error", err)
	}
}

func (r *Registry) sessionUser(s *Session, username, text string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.desc.Topic] != s {
		return
	}
	if err := r.messages.AddUser(s.desc.Topic, username, text, ts); err != nil {
		r.logger.Debug("Dropping message", "error", err)
	}
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Debug("Dropping room event", "kind", ev.Kind.String())
	}
}

func (r *Registry) session(topic string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[topic]
	return s, ok
}

func (r *Registry) currentTopic() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// dropLocked removes topic and moves the current room to the most recently
// joined one left.
func (r *Registry) dropLocked(topic string) {
	delete(r.sessions, topic)
	for i, t := range r.order {
		if t == topic {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.current == topic {
		r.current = ""
		if n := len(r.order); n > 0 {
			r.current = r.order[n-1]
		}
	}
}

func validateUsername(name string) error {
	if name == "" || utf8.RuneCountInString(name) > MaxUsernameLen {
		return ErrInvalidUsername
	}
	return nil
}

func shortKey(key string) string {
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
