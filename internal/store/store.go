// Package store persists saved rooms and transfer history for the client.
package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/peer-chat/internal/room"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
)

type RoomStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ room.RoomRepository = (*RoomStore)(nil)

func NewRoomStore(db *gorm.DB) *RoomStore {
	return &RoomStore{db: db, now: time.Now}
}

// SaveRoom records a join, refreshing the display fields of a known topic.
func (rs *RoomStore) SaveRoom(ctx context.Context, d room.Descriptor) error {
	now := rs.now()
	row := Room{
		Topic:        d.Topic,
		Name:         d.Name,
		Description:  d.Description,
		LastJoinedAt: now,
		CreatedAt:    now,
	}
	return rs.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "topic"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "last_joined_at"}),
	}).Create(&row).Error
}

// ListRooms returns saved rooms, most recently joined first.
func (rs *RoomStore) ListRooms(ctx context.Context) ([]room.Descriptor, error) {
	var rows []Room
	if err := rs.db.WithContext(ctx).Order("last_joined_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]room.Descriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, room.Descriptor{Name: r.Name, Description: r.Description, Topic: r.Topic})
	}
	return out, nil
}

func (rs *RoomStore) DeleteRoom(ctx context.Context, topic string) error {
	return rs.db.WithContext(ctx).Where("topic = ?", topic).Delete(&Room{}).Error
}

type TransferStore struct {
	db *gorm.DB
}

var _ transfer.HistoryRepository = (*TransferStore)(nil)

func NewTransferStore(db *gorm.DB) *TransferStore {
	return &TransferStore{db: db}
}

// SaveTransfer upserts the snapshot keyed by transfer id, peer connection
// and direction.
func (ts *TransferStore) SaveTransfer(ctx context.Context, r transfer.Record) error {
	row := Transfer{
		TransferID:     r.ID,
		ConnID:         r.Peer.ConnID,
		Direction:      string(r.Direction),
		Topic:          r.Topic,
		Filename:       r.Filename,
		FileSize:       r.FileSize,
		ChunkSize:      r.ChunkSize,
		TotalChunks:    r.TotalChunks,
		Status:         string(r.Status),
		SentChunks:     r.SentChunks,
		ReceivedChunks: r.ReceivedChunks,
		PeerKey:        r.Peer.Key,
		PeerName:       r.Peer.Name,
		FilePath:       r.FilePath,
		Error:          r.Err,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	return ts.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "transfer_id"}, {Name: "conn_id"}, {Name: "direction"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "sent_chunks", "received_chunks", "peer_key", "peer_name",
			"file_path", "error", "updated_at",
		}),
	}).Create(&row).Error
}

// ListTransfers returns up to limit records, newest first. A limit of zero
// or less returns everything.
func (ts *TransferStore) ListTransfers(ctx context.Context, limit int) ([]transfer.Record, error) {
	q := ts.db.WithContext(ctx).Order("updated_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []Transfer
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]transfer.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, transfer.Record{
			ID:             row.TransferID,
			Topic:          row.Topic,
			Direction:      transfer.Direction(row.Direction),
			Filename:       row.Filename,
			FileSize:       row.FileSize,
			ChunkSize:      row.ChunkSize,
			TotalChunks:    row.TotalChunks,
			Status:         transfer.Status(row.Status),
			SentChunks:     row.SentChunks,
			ReceivedChunks: row.ReceivedChunks,
			Peer:           transfer.PeerRef{ConnID: row.ConnID, Key: row.PeerKey, Name: row.PeerName},
			FilePath:       row.FilePath,
			Err:            row.Error,
			CreatedAt:      row.CreatedAt,
			UpdatedAt:      row.UpdatedAt,
		})
	}
	return out, nil
}
