package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/kabili207/meshmapper/pkg/meshtastic"
)

type jsonObject = map[string]any

// decodeJSON maps the JSON uplink onto a Packet. Coordinates in this format
// are already floating degrees. Fields missing at the top level are looked
// up in the nested "payload" object, which is where the firmware puts them.
func (d *Decoder) decodeJSON(payload []byte) (*Packet, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj jsonObject
	if err := dec.Decode(&obj); err != nil {
		return failed(FormatJSON, err)
	}
	if obj == nil {
		return failed(FormatJSON, errors.New("payload is not a JSON object"))
	}
	inner, _ := obj["payload"].(jsonObject)

	pkt := &Packet{
		Kind:      KindUnknown,
		Format:    FormatJSON,
		From:      jsonNodeID(obj["from"]),
		To:        jsonNodeID(obj["to"]),
		ID:        jsonUint32(obj, "id"),
		Channel:   jsonUint32(obj, "channel"),
		Type:      jsonString(obj, "type"),
		Sender:    jsonString(obj, "sender"),
		Timestamp: jsonInt64(obj, "timestamp"),
		RxRSSI:    jsonInt32(obj, "rssi"),
		RxSNR:     jsonFloat32(obj, "snr"),
		HopLimit:  jsonUint32(obj, "hop_limit"),
		HopStart:  jsonUint32(obj, "hop_start"),
		HopsAway:  jsonUint32(obj, "hops_away"),
	}
	if pkt.From == "" && strings.HasPrefix(pkt.Sender, "!") {
		pkt.From = pkt.Sender
	}
	if pkt.From == "" {
		return nil, ErrMissingNodeID
	}

	if pos := jsonPosition(obj); pos != nil {
		pkt.Kind = KindPosition
		pkt.Position = pos
		return pkt, nil
	}
	if pos := jsonPosition(inner); pos != nil {
		pkt.Kind = KindPosition
		pkt.Position = pos
		return pkt, nil
	}

	switch pkt.Type {
	case "text":
		if text, ok := inner["text"].(string); ok {
			pkt.Kind = KindText
			pkt.Text = ptr(strings.ToValidUTF8(text, "\uFFFD"))
		}
	case "telemetry":
		if inner != nil {
			pkt.Kind = KindTelemetry
			pkt.Telemetry = jsonTelemetry(obj, inner)
		}
	}
	return pkt, nil
}

func jsonPosition(obj jsonObject) *Position {
	if obj == nil {
		return nil
	}
	_, hasLat := obj["latitude"]
	_, hasLon := obj["longitude"]
	if !hasLat || !hasLon {
		return nil
	}
	lat := jsonFloat64(obj, "latitude")
	lon := jsonFloat64(obj, "longitude")
	if lat == nil || lon == nil {
		return nil
	}
	return &Position{
		Latitude:  *lat,
		Longitude: *lon,
		Altitude:  jsonInt32(obj, "altitude"),
		Time:      jsonUint32(obj, "time"),
	}
}

func jsonTelemetry(obj, inner jsonObject) *Telemetry {
	t := &Telemetry{Time: jsonUint32(obj, "timestamp")}
	_, hasBattery := inner["battery_level"]
	_, hasVoltage := inner["voltage"]
	if !hasBattery && !hasVoltage {
		return t
	}
	dm := &DeviceMetrics{}
	if v := jsonUint32(inner, "battery_level"); v != nil {
		dm.BatteryLevel = *v
	}
	if v := jsonFloat32(inner, "voltage"); v != nil {
		dm.Voltage = *v
	}
	if v := jsonFloat32(inner, "channel_utilization"); v != nil {
		dm.ChannelUtilization = *v
	}
	if v := jsonFloat32(inner, "air_util_tx"); v != nil {
		dm.AirUtilTx = *v
	}
	t.DeviceMetrics = dm
	return t
}

// jsonNodeID accepts either the canonical string form or the node number.
func jsonNodeID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		n, err := id.Int64()
		if err != nil || n <= 0 || n > math.MaxUint32 {
			return ""
		}
		return meshtastic.NodeID(uint32(n)).String()
	}
	return ""
}

func jsonString(obj jsonObject, key string) string {
	s, _ := obj[key].(string)
	return s
}

func jsonFloat64(obj jsonObject, key string) *float64 {
	n, ok := obj[key].(json.Number)
	if !ok {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return &f
}

func jsonFloat32(obj jsonObject, key string) *float32 {
	f := jsonFloat64(obj, key)
	if f == nil {
		return nil
	}
	return ptr(float32(*f))
}

// jsonInt64 treats a number with a fraction or exponent as absent rather
// than truncating it.
func jsonInt64(obj jsonObject, key string) *int64 {
	n, ok := obj[key].(json.Number)
	if !ok {
		return nil
	}
	i, err := n.Int64()
	if err != nil {
		return nil
	}
	return &i
}

func jsonInt32(obj jsonObject, key string) *int32 {
	i := jsonInt64(obj, key)
	if i == nil || *i < math.MinInt32 || *i > math.MaxInt32 {
		return nil
	}
	return ptr(int32(*i))
}

func jsonUint32(obj jsonObject, key string) *uint32 {
	i := jsonInt64(obj, key)
	if i == nil || *i < 0 || *i > math.MaxUint32 {
		return nil
	}
	return ptr(uint32(*i))
}
