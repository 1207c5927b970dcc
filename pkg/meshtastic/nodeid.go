package meshtastic

import (
	"fmt"
	"strconv"
	"strings"
)

const BROADCAST_ID uint32 = 0xFFFFFFFF

// NodeID is the 32-bit identifier a Meshtastic radio uses on the mesh.
type NodeID uint32

// String returns the canonical "!xxxxxxxx" form, always 9 characters.
func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// ParseNodeID accepts "!xxxxxxxx", "0x..." or bare hex and returns the node number.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "!")
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty node id")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeID(v), nil
}

// FormatNodeID returns the canonical id for n, or "" when n is zero.
func FormatNodeID(n uint32) string {
	if n == 0 {
		return ""
	}
	return NodeID(n).String()
}
