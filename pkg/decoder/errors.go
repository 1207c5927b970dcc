package decoder

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDecoder is returned for topics that carry no known encoding.
	ErrNoDecoder = errors.New("no decoder for topic")
	// ErrMissingNodeID is returned when neither the packet nor the envelope
	// yields a source node. Such packets are dropped.
	ErrMissingNodeID = errors.New("missing source node id")
)

// DecodeError wraps a malformed or unparseable payload.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
