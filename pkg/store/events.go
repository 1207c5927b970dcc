package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshmapper/pkg/models"
)

var selectEvents = `SELECT * FROM events`

const insertEventStmt = `
	INSERT INTO events (
		timestamp, node_id, hex_id, latitude, longitude,
		altitude, packet_type, rssi, snr, hop_limit, topic, raw_payload
	) VALUES (
		:timestamp, :node_id, :hex_id, :latitude, :longitude,
		:altitude, :packet_type, :rssi, :snr, :hop_limit, :topic, :raw_payload
	);`

// EventStore provides read access to stored events. Writes go through
// Stores.RecordEvent.
type EventStore interface {
	// Recent returns the newest events first.
	Recent(ctx context.Context, limit int) ([]*models.Event, error)
	GetByNode(ctx context.Context, nodeID string, limit int) ([]*models.Event, error)
	Count(ctx context.Context) (int64, error)
}

type postgresEventStore struct {
	db *sqlx.DB
}

func NewEventStore(dbconn *sqlx.DB) EventStore {
	return &postgresEventStore{db: dbconn}
}

func (s *postgresEventStore) Recent(ctx context.Context, limit int) ([]*models.Event, error) {
	query := selectEvents + " ORDER BY id DESC LIMIT $1;"
	events := []*models.Event{}
	err := s.db.SelectContext(ctx, &events, query, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *postgresEventStore) GetByNode(ctx context.Context, nodeID string, limit int) ([]*models.Event, error) {
	query := selectEvents + " WHERE node_id = $1 ORDER BY id DESC LIMIT $2;"
	events := []*models.Event{}
	err := s.db.SelectContext(ctx, &events, query, nodeID, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *postgresEventStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events;`)
	return n, err
}
