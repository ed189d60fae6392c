package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const createPeer = `
INSERT INTO peers (session_id, public_key, addr, connected_at)
VALUES (?, ?, ?, ?)
RETURNING id, session_id, public_key, addr, connected_at
`

type CreatePeerParams struct {
	SessionID   string
	PublicKey   string
	Addr        string
	ConnectedAt int64
}

func (q *Queries) CreatePeer(ctx context.Context, arg CreatePeerParams) (Peer, error) {
	row := q.db.QueryRowContext(ctx, createPeer, arg.SessionID, arg.PublicKey, arg.Addr, arg.ConnectedAt)
	var p Peer
	err := row.Scan(&p.ID, &p.SessionID, &p.PublicKey, &p.Addr, &p.ConnectedAt)
	return p, err
}

const deletePeerBySession = `DELETE FROM peers WHERE session_id = ?`

func (q *Queries) DeletePeerBySession(ctx context.Context, sessionID string) error {
	_, err := q.db.ExecContext(ctx, deletePeerBySession, sessionID)
	return err
}

const deletePeerByKey = `DELETE FROM peers WHERE public_key = ?`

func (q *Queries) DeletePeerByKey(ctx context.Context, publicKey string) error {
	_, err := q.db.ExecContext(ctx, deletePeerByKey, publicKey)
	return err
}

const deleteAllPeers = `DELETE FROM peers`

func (q *Queries) DeleteAllPeers(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllPeers)
	return err
}

const getPeerBySession = `
SELECT id, session_id, public_key, addr, connected_at
FROM peers WHERE session_id = ?
`

func (q *Queries) GetPeerBySession(ctx context.Context, sessionID string) (Peer, error) {
	row := q.db.QueryRowContext(ctx, getPeerBySession, sessionID)
	var p Peer
	err := row.Scan(&p.ID, &p.SessionID, &p.PublicKey, &p.Addr, &p.ConnectedAt)
	return p, err
}

const addPeerToSwarm = `
INSERT INTO swarms (peer_id, topic, announced_at)
SELECT id, ?, ? FROM peers WHERE session_id = ?
ON CONFLICT (peer_id, topic) DO UPDATE SET announced_at = excluded.announced_at
`

type AddPeerToSwarmParams struct {
	SessionID   string
	Topic       string
	AnnouncedAt int64
}

func (q *Queries) AddPeerToSwarm(ctx context.Context, arg AddPeerToSwarmParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, addPeerToSwarm, arg.Topic, arg.AnnouncedAt, arg.SessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const removePeerFromSwarm = `
DELETE FROM swarms
WHERE topic = ? AND peer_id = (SELECT id FROM peers WHERE session_id = ?)
`

type RemovePeerFromSwarmParams struct {
	SessionID string
	Topic     string
}

func (q *Queries) RemovePeerFromSwarm(ctx context.Context, arg RemovePeerFromSwarmParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, removePeerFromSwarm, arg.Topic, arg.SessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const countPeerInSwarm = `
SELECT COUNT(*) FROM swarms s
JOIN peers p ON p.id = s.peer_id
WHERE p.session_id = ? AND s.topic = ?
`

type CountPeerInSwarmParams struct {
	SessionID string
	Topic     string
}

func (q *Queries) CountPeerInSwarm(ctx context.Context, arg CountPeerInSwarmParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, countPeerInSwarm, arg.SessionID, arg.Topic)
	var n int64
	err := row.Scan(&n)
	return n, err
}

const getPeersByTopic = `
SELECT p.id, p.session_id, p.public_key, p.addr, p.connected_at
FROM peers p
JOIN swarms s ON s.peer_id = p.id
WHERE s.topic = ?
ORDER BY s.announced_at, p.id
`

func (q *Queries) GetPeersByTopic(ctx context.Context, topic string) ([]Peer, error) {
	rows, err := q.db.QueryContext(ctx, getPeersByTopic, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.ID, &p.SessionID, &p.PublicKey, &p.Addr, &p.ConnectedAt); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
