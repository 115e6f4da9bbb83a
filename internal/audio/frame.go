package audio

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame is the envelope sent on a group data channel.
type Frame struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp int64  `msgpack:"ts"` // unix milliseconds at capture
	Data      []byte `msgpack:"data"`
}

func (f Frame) Marshal() ([]byte, error) {
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal frame: %v", ErrCodec, err)
	}
	return b, nil
}

func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: unmarshal frame: %v", ErrCodec, err)
	}
	return f, nil
}
