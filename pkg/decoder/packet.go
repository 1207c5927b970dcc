package decoder

// Kind classifies the payload carried by a decoded packet.
type Kind string

const (
	KindPosition    Kind = "position"
	KindTelemetry   Kind = "telemetry"
	KindText        Kind = "text"
	KindUnknown     Kind = "unknown"
	KindDecodeError Kind = "decode_error"
)

// Format is the wire encoding selected from the topic.
type Format string

const (
	FormatNone     Format = ""
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// Packet is the normalized view of one mesh packet, regardless of the
// encoding it arrived in. It is serialized as-is into the decoded log.
type Packet struct {
	Kind   Kind   `json:"kind"`
	Format Format `json:"format"`

	ID        *uint32 `json:"id,omitempty"`
	From      string  `json:"from"`
	To        string  `json:"to,omitempty"`
	Channel   *uint32 `json:"channel,omitempty"`
	ChannelID string  `json:"channel_id,omitempty"`
	GatewayID string  `json:"gateway_id,omitempty"`

	RxTime   *uint32  `json:"rx_time,omitempty"`
	RxSNR    *float32 `json:"rx_snr,omitempty"`
	RxRSSI   *int32   `json:"rx_rssi,omitempty"`
	HopLimit *uint32  `json:"hop_limit,omitempty"`
	HopStart *uint32  `json:"hop_start,omitempty"`
	HopsAway *uint32  `json:"hops_away,omitempty"`
	WantAck  bool     `json:"want_ack"`

	// Encrypted is set when the payload arrived encrypted, whether or not a
	// channel key could open it.
	Encrypted bool `json:"encrypted,omitempty"`
	// Direct marks a PKI direct message rather than a channel broadcast.
	Direct   bool   `json:"pki_encrypted,omitempty"`
	PortNum  *int32 `json:"port_num,omitempty"`
	PortName string `json:"port_name,omitempty"`

	// Only populated by the JSON uplink format.
	Type      string `json:"type,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Timestamp *int64 `json:"timestamp,omitempty"`

	Position  *Position  `json:"position,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
	Text      *string    `json:"text,omitempty"`

	Error string `json:"error,omitempty"`
}

// Position is a usable fix in floating degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  *int32  `json:"altitude,omitempty"`
	Time      *uint32 `json:"time,omitempty"`
}

type Telemetry struct {
	Time          *uint32        `json:"time,omitempty"`
	DeviceMetrics *DeviceMetrics `json:"device_metrics,omitempty"`
}

type DeviceMetrics struct {
	BatteryLevel       uint32  `json:"battery_level"`
	Voltage            float32 `json:"voltage"`
	ChannelUtilization float32 `json:"channel_utilization"`
	AirUtilTx          float32 `json:"air_util_tx"`
}

// HasFix reports whether the packet carries a position with both axes set.
func (p *Packet) HasFix() bool {
	if p == nil || p.Position == nil {
		return false
	}
	return p.Position.Latitude != 0 && p.Position.Longitude != 0
}

func ptr[T any](v T) *T {
	return &v
}
