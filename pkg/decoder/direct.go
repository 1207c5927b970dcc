package decoder

import (
	"encoding/base64"
	"fmt"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/meshmapper/pkg/meshtastic"
	"github.com/kabili207/meshmapper/pkg/meshtastic/radio"
)

// pkiChannelID is the envelope channel gateways use for direct messages.
const pkiChannelID = "PKI"

// DirectKey is the X25519 private key of a node whose direct messages
// should be opened.
type DirectKey struct {
	Node       meshtastic.NodeID
	PrivateKey []byte
}

// ParseDirectKey decodes a base64 private key for node.
func ParseDirectKey(node, b64 string) (DirectKey, error) {
	id, err := meshtastic.ParseNodeID(node)
	if err != nil {
		return DirectKey{}, err
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return DirectKey{}, fmt.Errorf("invalid private key for %s: %w", node, err)
	}
	if len(key) != radio.KeySize {
		return DirectKey{}, fmt.Errorf("invalid private key for %s: %w", node, radio.ErrKeySize)
	}
	return DirectKey{Node: id, PrivateKey: key}, nil
}

func isDirect(env *pb.ServiceEnvelope, mp *pb.MeshPacket) bool {
	return mp.GetPkiEncrypted() || env.GetChannelId() == pkiChannelID
}

// openDirect needs the sender's public key on the packet; gateways only
// include it when they know the sender.
func (d *Decoder) openDirect(mp *pb.MeshPacket) *pb.Data {
	priv, ok := d.direct[meshtastic.NodeID(mp.GetTo())]
	if !ok || len(mp.GetPublicKey()) != radio.KeySize {
		return nil
	}
	plain, err := radio.Open(mp.GetEncrypted(), priv, mp.GetPublicKey(), mp.GetId(), mp.GetFrom())
	if err != nil {
		d.log.Debug("direct message did not open",
			"from", meshtastic.FormatNodeID(mp.GetFrom()), "to", meshtastic.FormatNodeID(mp.GetTo()), "error", err)
		return nil
	}
	var data pb.Data
	if err := proto.Unmarshal(plain, &data); err != nil {
		return nil
	}
	return &data
}
