// Package audio converts between raw PCM and the frames carried on group
// data channels.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCodec wraps every encode or decode failure.
var ErrCodec = errors.New("audio: codec error")

// Codec turns PCM samples into a data channel payload and back.
type Codec interface {
	Encode(pcm []int16) ([]byte, error)
	Decode(payload []byte) ([]int16, error)
}

// PCM16LE is the identity codec: 16-bit little-endian samples.
type PCM16LE struct{}

func (PCM16LE) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out, nil
}

func (PCM16LE) Decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("%w: odd payload length %d", ErrCodec, len(payload))
	}
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return out, nil
}
