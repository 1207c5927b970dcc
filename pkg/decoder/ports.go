package decoder

import (
	"strings"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

// PortHandler interprets the application payload for one port number and
// fills in the matching variant of pkt. A returned error omits the variant.
type PortHandler func(payload []byte, pkt *Packet) error

var defaultPorts = map[pb.PortNum]PortHandler{
	pb.PortNum_POSITION_APP:     decodePosition,
	pb.PortNum_TELEMETRY_APP:    decodeTelemetry,
	pb.PortNum_TEXT_MESSAGE_APP: decodeText,
}

const coordinateScale = 1e7

func decodePosition(payload []byte, pkt *Packet) error {
	var pos pb.Position
	if err := proto.Unmarshal(payload, &pos); err != nil {
		return err
	}
	pkt.Kind = KindPosition

	// A zero on either axis means the radio had no GPS fix.
	latI, lonI := pos.GetLatitudeI(), pos.GetLongitudeI()
	if latI == 0 || lonI == 0 {
		return nil
	}

	p := &Position{
		Latitude:  float64(latI) / coordinateScale,
		Longitude: float64(lonI) / coordinateScale,
	}
	if pos.Altitude != nil {
		p.Altitude = ptr(pos.GetAltitude())
	}
	if t := pos.GetTime(); t != 0 {
		p.Time = ptr(t)
	}
	pkt.Position = p
	return nil
}

func decodeTelemetry(payload []byte, pkt *Packet) error {
	var tel pb.Telemetry
	if err := proto.Unmarshal(payload, &tel); err != nil {
		return err
	}
	pkt.Kind = KindTelemetry

	t := &Telemetry{}
	if ts := tel.GetTime(); ts != 0 {
		t.Time = ptr(ts)
	}
	if dm := tel.GetDeviceMetrics(); dm != nil {
		t.DeviceMetrics = &DeviceMetrics{
			BatteryLevel:       dm.GetBatteryLevel(),
			Voltage:            dm.GetVoltage(),
			ChannelUtilization: dm.GetChannelUtilization(),
			AirUtilTx:          dm.GetAirUtilTx(),
		}
	}
	pkt.Telemetry = t
	return nil
}

func decodeText(payload []byte, pkt *Packet) error {
	pkt.Kind = KindText
	pkt.Text = ptr(strings.ToValidUTF8(string(payload), "\uFFFD"))
	return nil
}
