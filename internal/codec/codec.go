// Package codec turns raw gateway frames into payload envelopes and back.
// The textual encoding is JSON; the platform's binary encoding is treated
// as an opaque wire format and is not implemented here. Frames may arrive
// through a shared streaming zlib context (transport compression).
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/guildvault/guildvault/internal/types"
)

// Encoding selects the gateway frame encoding.
type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingBinary Encoding = "etf"
)

// ErrUnsupportedEncoding is returned when the binary encoding is selected.
var ErrUnsupportedEncoding = errors.New("codec: binary gateway encoding is not supported")

// Codec encodes and decodes gateway payloads in one encoding.
type Codec struct {
	encoding Encoding
}

// New returns a codec for the given encoding.
func New(encoding Encoding) (*Codec, error) {
	switch encoding {
	case EncodingJSON:
		return &Codec{encoding: encoding}, nil
	case EncodingBinary:
		return nil, ErrUnsupportedEncoding
	default:
		return nil, fmt.Errorf("codec: unknown encoding %q", encoding)
	}
}

// Encoding returns the codec's wire encoding name, as used in the gateway
// URL query string.
func (c *Codec) Encoding() Encoding {
	return c.encoding
}

// Decode parses one plaintext frame into a payload envelope.
func (c *Codec) Decode(frame []byte) (*types.Payload, error) {
	var p types.Payload
	if err := json.Unmarshal(frame, &p); err != nil {
		return nil, fmt.Errorf("codec: decode frame: %w", err)
	}
	return &p, nil
}

// Encode serializes one payload envelope to a plaintext frame.
func (c *Codec) Encode(p *types.Payload) ([]byte, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("codec: encode frame: %w", err)
	}
	return buf, nil
}
