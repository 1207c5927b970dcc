// Package ingest drives the pipeline from bus message to persisted event.
package ingest

import (
	"encoding/hex"
	"strconv"

	"github.com/kabili207/meshmapper/pkg/bus"
	"github.com/kabili207/meshmapper/pkg/decoder"
	"github.com/kabili207/meshmapper/pkg/geo"
	"github.com/kabili207/meshmapper/pkg/models"
)

// BuildEvent returns nil, nil when pkt has no usable fix. An indexing
// error is returned as is; the caller skips the event.
func BuildEvent(pkt *decoder.Packet, msg bus.Message, idx geo.Indexer) (*models.Event, error) {
	if pkt == nil || !pkt.HasFix() {
		return nil, nil
	}
	pos := pkt.Position

	cell, err := idx.CellID(pos.Latitude, pos.Longitude)
	if err != nil {
		return nil, err
	}

	packetType := models.UnknownPacketType
	if pkt.PortNum != nil {
		packetType = strconv.Itoa(int(*pkt.PortNum))
	}

	return &models.Event{
		EventTime:  msg.ReceivedAt.UTC(),
		NodeID:     pkt.From,
		HexID:      &cell,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Altitude:   pos.Altitude,
		PacketType: packetType,
		RSSI:       pkt.RxRSSI,
		SNR:        pkt.RxSNR,
		HopLimit:   pkt.HopLimit,
		Topic:      msg.Topic,
		RawPayload: hex.EncodeToString(msg.Payload),
	}, nil
}
