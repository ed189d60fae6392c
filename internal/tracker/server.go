// Package tracker is the rendezvous server for tracker mode: peers announce
// room topics, fetch the other members and relay WebRTC signaling through
// their control links.
package tracker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

// link is one connected client's control connection.
type link struct {
	sessionID string
	key       protocol.PeerKey
	peer      *transport.Peer
}

type Server struct {
	config   Config
	logger   *slog.Logger
	endpoint *transport.Endpoint
	store    PeerRepository
	ownsDB   bool

	mu    sync.Mutex
	links map[protocol.PeerKey]*link
	wg    sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key := cfg.Key
	if key == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating tracker key: %w", err)
		}
		key = priv
	}

	sqlDB := cfg.DB
	ownsDB := false
	if sqlDB == nil {
		var err error
		sqlDB, err = db.Open(":memory:")
		if err != nil {
			return nil, err
		}
		ownsDB = true
	}

	endpoint, err := transport.NewEndpoint(cfg.Addr, key)
	if err != nil {
		if ownsDB {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		endpoint: endpoint,
		store:    NewPeerStore(sqlDB),
		links:    make(map[protocol.PeerKey]*link),
	}
	if ownsDB {
		s.ownsDB = true
		s.config.DB = sqlDB
	}
	return s, nil
}

func (s *Server) Addr() string {
	return s.endpoint.LocalAddr().String()
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down tracker server")
	err := s.endpoint.Close()
	s.wg.Wait()
	if s.ownsDB {
		_ = s.config.DB.Close()
	}
	return err
}

// Start serves until ctx is cancelled or the endpoint is closed. Stale
// registrations from a previous run are dropped first.
func (s *Server) Start(ctx context.Context) error {
	if err := s.store.DropAllPeers(ctx); err != nil {
		return fmt.Errorf("dropping stale peers: %w", err)
	}
	s.logger.Info("Tracker server started", "addr", s.Addr())

	for {
		peer, err := s.endpoint.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePeer(ctx, peer)
		}()
	}
}

func (s *Server) handlePeer(ctx context.Context, peer *transport.Peer) {
	var key protocol.PeerKey
	copy(key[:], peer.RemoteKey())
	l := &link{sessionID: uuid.NewString(), key: key, peer: peer}
	logger := s.logger.With("peer", key.String()[:8], "addr", peer.RemoteAddr())

	if err := s.store.CreatePeer(ctx, l.sessionID, key.String(), peer.RemoteAddr()); err != nil {
		logger.Error("Failed to register peer", "error", err)
		_ = peer.Close()
		return
	}
	if old := s.register(l); old != nil {
		logger.Info("Replacing previous session")
		_ = old.peer.Close()
	}
	logger.Info("Peer connected", "session", l.sessionID)

	defer func() {
		s.unregister(l)
		if err := s.store.DeletePeer(context.Background(), l.sessionID); err != nil {
			logger.Warn("Failed to delete peer", "error", err)
		}
		_ = peer.Close()
		logger.Info("Peer disconnected")
	}()

	if err := peer.Send(ctx, &protocol.Welcome{SessionID: l.sessionID, Key: key}); err != nil {
		logger.Debug("Failed to send welcome", "error", err)
		return
	}

	for {
		msg, err := peer.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("Failed to receive message", "error", err)
			}
			return
		}
		s.handleMessage(ctx, l, msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, l *link, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ping:
		s.reply(ctx, l, &protocol.Pong{})
	case *protocol.Announce:
		s.handleAnnounce(ctx, l, m)
	case *protocol.Withdraw:
		if !validTopic(m.Topic) {
			s.replyError(ctx, l, protocol.ErrInvalidMsg, "invalid topic")
			return
		}
		if _, err := s.store.RemovePeerFromSwarm(ctx, l.sessionID, m.Topic); err != nil {
			s.logger.Error("Failed to withdraw", "error", err)
			s.replyError(ctx, l, protocol.ErrInternal, "withdraw failed")
		}
	case *protocol.PeerListReq:
		s.handlePeerListReq(ctx, l, m)
	case *protocol.Signal:
		s.handleSignal(ctx, l, m)
	default:
		s.logger.Warn("Unhandled message type", "type", msg.Type().String())
		s.replyError(ctx, l, protocol.ErrInvalidMsg, "unexpected "+msg.Type().String())
	}
}

func (s *Server) handleAnnounce(ctx context.Context, l *link, m *protocol.Announce) {
	if !validTopic(m.Topic) {
		s.replyError(ctx, l, protocol.ErrInvalidMsg, "invalid topic")
		return
	}
	if err := s.store.AddPeerToSwarm(ctx, l.sessionID, m.Topic); err != nil {
		s.logger.Error("Failed to announce", "error", err)
		s.replyError(ctx, l, protocol.ErrInternal, "announce failed")
		return
	}
	s.logger.Debug("Peer announced", "peer", l.key.String()[:8], "topic", m.Topic)
	s.sendPeerList(ctx, l, m.Topic)
}

func (s *Server) handlePeerListReq(ctx context.Context, l *link, m *protocol.PeerListReq) {
	ok, err := s.store.InSwarm(ctx, l.sessionID, m.Topic)
	if err != nil {
		s.replyError(ctx, l, protocol.ErrInternal, "lookup failed")
		return
	}
	if !ok {
		s.replyError(ctx, l, protocol.ErrNotAnnounced, m.Topic)
		return
	}
	s.sendPeerList(ctx, l, m.Topic)
}

// handleSignal relays a negotiation payload between two members of the same
// topic, rewriting Peer from destination to sender.
func (s *Server) handleSignal(ctx context.Context, l *link, m *protocol.Signal) {
	ok, err := s.store.InSwarm(ctx, l.sessionID, m.Topic)
	if err != nil || !ok {
		s.replyError(ctx, l, protocol.ErrNotAnnounced, m.Topic)
		return
	}

	s.mu.Lock()
	target := s.links[m.Peer]
	s.mu.Unlock()
	if target == nil {
		s.replyError(ctx, l, protocol.ErrPeerNotFound, m.Peer.String())
		return
	}
	if ok, err := s.store.InSwarm(ctx, target.sessionID, m.Topic); err != nil || !ok {
		s.replyError(ctx, l, protocol.ErrPeerNotFound, m.Peer.String())
		return
	}

	relayed := &protocol.Signal{Topic: m.Topic, Peer: l.key, Payload: m.Payload}
	if err := target.peer.Send(ctx, relayed); err != nil {
		s.logger.Debug("Failed to relay signal", "error", err)
		s.replyError(ctx, l, protocol.ErrPeerNotFound, m.Peer.String())
	}
}

func (s *Server) sendPeerList(ctx context.Context, l *link, topic string) {
	rows, err := s.store.GetPeersByTopic(ctx, topic)
	if err != nil {
		s.replyError(ctx, l, protocol.ErrInternal, "lookup failed")
		return
	}

	res := &protocol.PeerListRes{Topic: topic}
	for _, row := range rows {
		if row.SessionID == l.sessionID {
			continue
		}
		key, err := protocol.ParsePeerKey(row.PublicKey)
		if err != nil {
			continue
		}
		res.Peers = append(res.Peers, key)
	}
	s.reply(ctx, l, res)
}

func (s *Server) reply(ctx context.Context, l *link, msg protocol.Message) {
	if err := l.peer.Send(ctx, msg); err != nil {
		s.logger.Debug("Failed to send", "type", msg.Type().String(), "error", err)
	}
}

func (s *Server) replyError(ctx context.Context, l *link, code protocol.ErrorCode, text string) {
	s.reply(ctx, l, &protocol.Error{Code: code, Message: text})
}

func (s *Server) register(l *link) *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.links[l.key]
	s.links[l.key] = l
	return old
}

func (s *Server) unregister(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.key] == l {
		delete(s.links, l.key)
	}
}

func validTopic(topic string) bool {
	return topic != "" && len(topic) <= protocol.MaxTopicLen
}
