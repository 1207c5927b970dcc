package models

import (
	"encoding/json"
	"time"
)

// UnknownPacketType is recorded when the packet's port number is not known.
const UnknownPacketType = "unknown"

// Event is one geolocated observation of a node. Events are never mutated
// once built.
type Event struct {
	ID         int64     `db:"id" json:"-"`
	EventTime  time.Time `db:"timestamp" json:"-"`
	NodeID     string    `db:"node_id" json:"node_id"`
	HexID      *string   `db:"hex_id" json:"hex_id"`
	Latitude   float64   `db:"latitude" json:"latitude"`
	Longitude  float64   `db:"longitude" json:"longitude"`
	Altitude   *int32    `db:"altitude" json:"altitude"`
	PacketType string    `db:"packet_type" json:"packet_type"`
	RSSI       *int32    `db:"rssi" json:"rssi"`
	SNR        *float32  `db:"snr" json:"snr"`
	HopLimit   *uint32   `db:"hop_limit" json:"hop_limit"`
	Topic      string    `db:"topic" json:"topic"`
	RawPayload string    `db:"raw_payload" json:"raw_payload"`
}

// MarshalJSON adds the unix and ISO timestamps used by the event log.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		Timestamp    int64  `json:"timestamp"`
		TimestampISO string `json:"timestamp_iso"`
		plain
	}{
		Timestamp:    e.EventTime.Unix(),
		TimestampISO: e.EventTime.UTC().Format(time.DateTime),
		plain:        plain(e),
	})
}
