// Package decoder turns Meshtastic bus payloads into normalized packets.
//
// Two encodings are understood: the protobuf ServiceEnvelope published on
// ".../e/..." (encrypted) and ".../c/..." (cleartext) topics, and the JSON
// uplink published on ".../json/..." topics.
package decoder

import (
	"io"
	"log/slog"
	"strings"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/kabili207/meshmapper/pkg/meshtastic"
)

// FormatForTopic selects the encoding by topic segment.
func FormatForTopic(topic string) Format {
	switch {
	case strings.Contains(topic, "/json/"):
		return FormatJSON
	case strings.Contains(topic, "/e/"), strings.Contains(topic, "/c/"):
		return FormatProtobuf
	default:
		return FormatNone
	}
}

// Options configures a Decoder.
type Options struct {
	// Channels are tried in order against encrypted payloads. Nil selects
	// DefaultChannels; an empty, non-nil slice disables decryption.
	Channels []ChannelKey
	// DirectKeys open PKI direct messages addressed to these nodes.
	DirectKeys []DirectKey
	Logger     *slog.Logger
}

// Decoder is safe for concurrent use. It keeps no per-message state.
type Decoder struct {
	log    *slog.Logger
	keys   *keyRing
	direct map[meshtastic.NodeID][]byte
	ports  map[pb.PortNum]PortHandler
}

func New(opts Options) *Decoder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	channels := opts.Channels
	if channels == nil {
		channels = DefaultChannels()
	}
	d := &Decoder{
		log:    logger,
		keys:   newKeyRing(channels),
		direct: make(map[meshtastic.NodeID][]byte, len(opts.DirectKeys)),
		ports:  make(map[pb.PortNum]PortHandler, len(defaultPorts)),
	}
	for _, k := range opts.DirectKeys {
		d.direct[k.Node] = k.PrivateKey
	}
	for port, h := range defaultPorts {
		d.ports[port] = h
	}
	return d
}

// Register installs or replaces the handler for a port number. It must be
// called before the decoder is shared between goroutines.
func (d *Decoder) Register(port pb.PortNum, h PortHandler) {
	d.ports[port] = h
}

// Decode picks a sub-decoder from the topic and decodes payload with it.
// A malformed payload returns a packet of KindDecodeError together with a
// *DecodeError; a packet without a usable source returns ErrMissingNodeID.
func (d *Decoder) Decode(topic string, payload []byte) (*Packet, error) {
	switch FormatForTopic(topic) {
	case FormatJSON:
		return d.decodeJSON(payload)
	case FormatProtobuf:
		return d.decodeEnvelope(payload)
	default:
		return nil, ErrNoDecoder
	}
}

var defaultDecoder = New(Options{})

// Decode uses a decoder with the default channel keys.
func Decode(topic string, payload []byte) (*Packet, error) {
	return defaultDecoder.Decode(topic, payload)
}

func failed(format Format, err error) (*Packet, error) {
	de := &DecodeError{Format: format, Err: err}
	return &Packet{Kind: KindDecodeError, Format: format, Error: de.Error()}, de
}
