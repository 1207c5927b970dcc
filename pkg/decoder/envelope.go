package decoder

import (
	"strings"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/kabili207/meshmapper/pkg/meshtastic"
)

// gatewayFieldPosition is the 1-based position, among populated envelope
// fields, of the field that carries the gateway's node id.
const gatewayFieldPosition = 3

func (d *Decoder) decodeEnvelope(payload []byte) (*Packet, error) {
	var env pb.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		return failed(FormatProtobuf, err)
	}

	nodeID := resolveNodeID(&env)
	if nodeID == "" {
		return nil, ErrMissingNodeID
	}

	pkt := &Packet{
		Kind:      KindUnknown,
		Format:    FormatProtobuf,
		From:      nodeID,
		ChannelID: env.GetChannelId(),
		GatewayID: env.GetGatewayId(),
	}

	mp := env.GetPacket()
	if mp == nil {
		return pkt, nil
	}

	if mp.GetId() != 0 {
		pkt.ID = ptr(mp.GetId())
	}
	pkt.To = meshtastic.FormatNodeID(mp.GetTo())
	pkt.Channel = ptr(mp.GetChannel())
	if mp.GetRxTime() != 0 {
		pkt.RxTime = ptr(mp.GetRxTime())
	}
	pkt.RxSNR = ptr(mp.GetRxSnr())
	pkt.RxRSSI = ptr(mp.GetRxRssi())
	pkt.HopLimit = ptr(mp.GetHopLimit())
	pkt.HopStart = ptr(mp.GetHopStart())
	pkt.WantAck = mp.GetWantAck()

	var data *pb.Data
	switch v := mp.GetPayloadVariant().(type) {
	case *pb.MeshPacket_Decoded:
		data = v.Decoded
	case *pb.MeshPacket_Encrypted:
		pkt.Encrypted = true
		if isDirect(&env, mp) {
			pkt.Direct = true
			data = d.openDirect(mp)
		} else {
			data = d.keys.decrypt(env.GetChannelId(), mp)
		}
		if data == nil {
			d.log.Debug("no channel key opened packet",
				"from", nodeID, "channel_id", env.GetChannelId())
		}
	}
	if data == nil {
		return pkt, nil
	}

	d.decodeData(data, pkt)
	return pkt, nil
}

// resolveNodeID prefers the packet's from field. When that is zero, the
// third populated envelope field, in declaration order, is taken as the
// gateway-supplied id provided it is a string starting with "!".
func resolveNodeID(env *pb.ServiceEnvelope) string {
	if from := env.GetPacket().GetFrom(); from != 0 {
		return meshtastic.NodeID(from).String()
	}

	m := env.ProtoReflect()
	fields := m.Descriptor().Fields()
	populated := 0
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if !m.Has(fd) {
			continue
		}
		populated++
		if populated < gatewayFieldPosition {
			continue
		}
		if fd.Kind() != protoreflect.StringKind || fd.IsList() {
			return ""
		}
		if s := m.Get(fd).String(); strings.HasPrefix(s, "!") {
			return s
		}
		return ""
	}
	return ""
}

func (d *Decoder) decodeData(data *pb.Data, pkt *Packet) {
	port := data.GetPortnum()
	pkt.PortNum = ptr(int32(port))
	pkt.PortName = port.String()

	h, ok := d.ports[port]
	if !ok {
		return
	}
	if err := h(data.GetPayload(), pkt); err != nil {
		// The nested message is dropped, the packet itself is still good.
		d.log.Debug("nested payload decode failed",
			"from", pkt.From, "port", pkt.PortName, "error", err)
		pkt.Kind = KindUnknown
		pkt.Position = nil
		pkt.Telemetry = nil
		pkt.Text = nil
	}
}
