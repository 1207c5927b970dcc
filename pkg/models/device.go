package models

import "time"

// Device is the per-node aggregate maintained from events.
type Device struct {
	NodeID        string    `db:"node_id" json:"node_id"`
	LastSeen      time.Time `db:"last_seen" json:"last_seen"`
	LastHexID     *string   `db:"last_hex_id" json:"last_hex_id"`
	LastLatitude  *float64  `db:"last_latitude" json:"last_latitude"`
	LastLongitude *float64  `db:"last_longitude" json:"last_longitude"`
	LastAltitude  *int32    `db:"last_altitude" json:"last_altitude"`
	FirstSeen     time.Time `db:"first_seen" json:"first_seen"`
	PacketCount   int64     `db:"packet_count" json:"packet_count"`
}

// HasLocation returns true if the device has a last known position.
func (d *Device) HasLocation() bool {
	return d.LastLatitude != nil && d.LastLongitude != nil
}

// Apply folds an event into the aggregate the same way the devices upsert
// does: last-write-wins for the last_* fields, first_seen kept, count + 1.
func (d *Device) Apply(e *Event) {
	if d.PacketCount == 0 {
		d.NodeID = e.NodeID
		d.FirstSeen = e.EventTime
	}
	lat, lon := e.Latitude, e.Longitude
	d.LastSeen = e.EventTime
	d.LastHexID = e.HexID
	d.LastLatitude = &lat
	d.LastLongitude = &lon
	d.LastAltitude = e.Altitude
	d.PacketCount++
}
