package decoder

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/kabili207/meshtastic-go/core/crypto"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

const keyCacheTTL = 30 * time.Minute

// defaultPSK is the well-known key behind the "AQ==" channel setting.
var defaultPSK = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// ChannelKey is an AES key for a named Meshtastic channel.
type ChannelKey struct {
	Name string
	Key  []byte
}

// DefaultChannels returns the primary LongFast channel with the default key.
func DefaultChannels() []ChannelKey {
	key := make([]byte, len(defaultPSK))
	copy(key, defaultPSK)
	return []ChannelKey{{Name: "LongFast", Key: key}}
}

// ParseKey expands a base64 channel PSK the way the firmware does: one byte
// selects a variant of the default key, 16 or 32 bytes are used verbatim and
// an empty key means no encryption.
func ParseKey(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid channel key: %w", err)
	}
	switch len(raw) {
	case 0:
		return nil, nil
	case 1:
		if raw[0] == 0 {
			return nil, nil
		}
		key := make([]byte, len(defaultPSK))
		copy(key, defaultPSK)
		key[len(key)-1] += raw[0] - 1
		return key, nil
	case 16, 32:
		return raw, nil
	default:
		return nil, fmt.Errorf("invalid channel key length %d", len(raw))
	}
}

// keyRing tries each configured channel key against an encrypted packet and
// remembers which one last worked for a channel id.
type keyRing struct {
	keys []ChannelKey
	// hashes[i] is the on-air channel hash of keys[i]; packets carry it in
	// their channel field, so matching keys are tried before the rest.
	hashes []uint32
	// No janitor goroutine: entries are keyed by channel id, which is a
	// small set, and expired entries are ignored on lookup.
	hits *ttlcache.Cache[string, int]
}

func newKeyRing(keys []ChannelKey) *keyRing {
	usable := make([]ChannelKey, 0, len(keys))
	hashes := make([]uint32, 0, len(keys))
	for _, k := range keys {
		if len(k.Key) == 0 {
			continue
		}
		h, err := crypto.ChannelHash(k.Name, k.Key)
		if err != nil {
			continue
		}
		usable = append(usable, k)
		hashes = append(hashes, h)
	}
	return &keyRing{
		keys:   usable,
		hashes: hashes,
		hits: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](keyCacheTTL),
		),
	}
}

func (r *keyRing) decrypt(channelID string, mp *pb.MeshPacket) *pb.Data {
	if len(r.keys) == 0 {
		return nil
	}
	ciphertext := mp.GetEncrypted()
	if len(ciphertext) == 0 {
		return nil
	}

	first := -1
	if item := r.hits.Get(channelID); item != nil {
		first = item.Value()
		if data := r.try(first, ciphertext, mp); data != nil {
			return data
		}
	}
	for _, i := range r.order(mp.GetChannel(), first) {
		if data := r.try(i, ciphertext, mp); data != nil {
			r.hits.Set(channelID, i, ttlcache.DefaultTTL)
			return data
		}
	}
	return nil
}

// order lists key indexes with channel hash matches first, skipping the one
// already tried.
func (r *keyRing) order(hash uint32, skip int) []int {
	idx := make([]int, 0, len(r.keys))
	for i, h := range r.hashes {
		if i != skip && h == hash {
			idx = append(idx, i)
		}
	}
	for i, h := range r.hashes {
		if i != skip && h != hash {
			idx = append(idx, i)
		}
	}
	return idx
}

func (r *keyRing) try(i int, ciphertext []byte, mp *pb.MeshPacket) *pb.Data {
	if i < 0 || i >= len(r.keys) {
		return nil
	}
	plain, err := crypto.XOR(ciphertext, r.keys[i].Key, mp.GetId(), mp.GetFrom())
	if err != nil {
		return nil
	}
	var data pb.Data
	if err := proto.Unmarshal(plain, &data); err != nil {
		return nil
	}
	// Random bytes occasionally parse; a real payload names a port.
	if data.GetPortnum() == pb.PortNum_UNKNOWN_APP {
		return nil
	}
	return &data
}
