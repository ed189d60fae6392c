package tracker

import (
	"context"
	"database/sql"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
)

// PeerRepository defines the tracker's registry of connected peers and their
// announced topics.
type PeerRepository interface {
	CreatePeer(ctx context.Context, sessionID, publicKey, addr string) error
	DeletePeer(ctx context.Context, sessionID string) error
	AddPeerToSwarm(ctx context.Context, sessionID, topic string) error
	RemovePeerFromSwarm(ctx context.Context, sessionID, topic string) (bool, error)
	InSwarm(ctx context.Context, sessionID, topic string) (bool, error)
	GetPeersByTopic(ctx context.Context, topic string) ([]db.Peer, error)
	DropAllPeers(ctx context.Context) error
}

type PeerStore struct {
	queries *db.Queries
	now     func() time.Time
}

var _ PeerRepository = (*PeerStore)(nil)

func NewPeerStore(sqlDB *sql.DB) *PeerStore {
	return &PeerStore{queries: db.New(sqlDB), now: time.Now}
}

// CreatePeer registers a session. A key can hold only one session, so a
// reconnecting peer replaces its stale registration.
func (ps *PeerStore) CreatePeer(ctx context.Context, sessionID, publicKey, addr string) error {
	if err := ps.queries.DeletePeerByKey(ctx, publicKey); err != nil {
		return err
	}
	_, err := ps.queries.CreatePeer(ctx, db.CreatePeerParams{
		SessionID:   sessionID,
		PublicKey:   publicKey,
		Addr:        addr,
		ConnectedAt: ps.now().Unix(),
	})
	return err
}

func (ps *PeerStore) DeletePeer(ctx context.Context, sessionID string) error {
	return ps.queries.DeletePeerBySession(ctx, sessionID)
}

func (ps *PeerStore) AddPeerToSwarm(ctx context.Context, sessionID, topic string) error {
	n, err := ps.queries.AddPeerToSwarm(ctx, db.AddPeerToSwarmParams{
		SessionID:   sessionID,
		Topic:       topic,
		AnnouncedAt: ps.now().UnixNano(),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (ps *PeerStore) RemovePeerFromSwarm(ctx context.Context, sessionID, topic string) (bool, error) {
	n, err := ps.queries.RemovePeerFromSwarm(ctx, db.RemovePeerFromSwarmParams{
		SessionID: sessionID,
		Topic:     topic,
	})
	return n > 0, err
}

func (ps *PeerStore) InSwarm(ctx context.Context, sessionID, topic string) (bool, error) {
	n, err := ps.queries.CountPeerInSwarm(ctx, db.CountPeerInSwarmParams{
		SessionID: sessionID,
		Topic:     topic,
	})
	return n > 0, err
}

func (ps *PeerStore) GetPeersByTopic(ctx context.Context, topic string) ([]db.Peer, error) {
	return ps.queries.GetPeersByTopic(ctx, topic)
}

func (ps *PeerStore) DropAllPeers(ctx context.Context) error {
	return ps.queries.DeleteAllPeers(ctx)
}
