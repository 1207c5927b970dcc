package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshmapper/pkg/models"
)

var selectDevices = `SELECT * FROM devices`

// first_seen is only written by the INSERT branch; the conflict branch
// never touches it.
const upsertDeviceStmt = `
	INSERT INTO devices (
		node_id, last_seen, last_hex_id, last_latitude,
		last_longitude, last_altitude, first_seen, packet_count
	) VALUES (
		:node_id, :timestamp, :hex_id, :latitude,
		:longitude, :altitude, :timestamp, 1
	)
	ON CONFLICT (node_id)
	DO UPDATE SET
		last_seen = EXCLUDED.last_seen,
		last_hex_id = EXCLUDED.last_hex_id,
		last_latitude = EXCLUDED.last_latitude,
		last_longitude = EXCLUDED.last_longitude,
		last_altitude = EXCLUDED.last_altitude,
		packet_count = devices.packet_count + 1
	;`

// DeviceStore provides read access to device aggregates.
type DeviceStore interface {
	Get(ctx context.Context, nodeID string) (*models.Device, error)
	GetAll(ctx context.Context) ([]*models.Device, error)
}

type postgresDeviceStore struct {
	db *sqlx.DB
}

func NewDeviceStore(dbconn *sqlx.DB) DeviceStore {
	return &postgresDeviceStore{db: dbconn}
}

func (s *postgresDeviceStore) Get(ctx context.Context, nodeID string) (*models.Device, error) {
	query := selectDevices + " WHERE node_id = $1;"
	var d models.Device
	err := s.db.GetContext(ctx, &d, query, nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *postgresDeviceStore) GetAll(ctx context.Context) ([]*models.Device, error) {
	query := selectDevices + " ORDER BY last_seen DESC;"
	devices := []*models.Device{}
	err := s.db.SelectContext(ctx, &devices, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return devices, nil
}
