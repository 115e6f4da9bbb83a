package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

type CaptureConfig struct {
	Codec Codec
	// FrameSamples is the number of 16-bit samples per frame.
	FrameSamples int
	// Send receives each marshaled Frame.
	Send func(frame []byte) error

	LoggerFactory logging.LoggerFactory
	now           func() time.Time
}

// Capture reads fixed-size PCM16LE frames from r until EOF or ctx is done.
// A trailing partial frame is discarded. Send errors are logged and capture
// continues; codec errors end it.
func Capture(ctx context.Context, r io.Reader, cfg CaptureConfig) error {
	if cfg.FrameSamples <= 0 {
		return errors.New("audio: frame samples must be positive")
	}
	if cfg.Codec == nil {
		cfg.Codec = PCM16LE{}
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	log := pionlog.OrDefault(cfg.LoggerFactory).NewLogger("audio")

	buf := make([]byte, 2*cfg.FrameSamples)
	var raw PCM16LE
	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read pcm: %w", err)
		}
		pcm, err := raw.Decode(buf)
		if err != nil {
			return err
		}
		payload, err := cfg.Codec.Encode(pcm)
		if err != nil {
			return fmt.Errorf("%w: encode: %v", ErrCodec, err)
		}
		frame, err := Frame{Seq: seq, Timestamp: now().UnixMilli(), Data: payload}.Marshal()
		if err != nil {
			return err
		}
		seq++
		if err := cfg.Send(frame); err != nil {
			log.Debugf("send frame %d: %v", seq-1, err)
		}
	}
}

type PlaybackStats struct {
	Frames  uint64
	Dropped uint64
}

// Playback decodes frames and writes PCM16LE to w until frames closes or
// ctx is done. Frames that fail to decode are dropped; write errors end
// playback.
func Playback(ctx context.Context, frames <-chan []byte, codec Codec, w io.Writer) (PlaybackStats, error) {
	if codec == nil {
		codec = PCM16LE{}
	}
	var raw PCM16LE
	var stats PlaybackStats
	for {
		select {
		case <-ctx.Done():
			return stats, nil
		case b, ok := <-frames:
			if !ok {
				return stats, nil
			}
			f, err := UnmarshalFrame(b)
			if err != nil {
				stats.Dropped++
				continue
			}
			pcm, err := codec.Decode(f.Data)
			if err != nil {
				stats.Dropped++
				continue
			}
			out, _ := raw.Encode(pcm)
			if _, err := w.Write(out); err != nil {
				return stats, fmt.Errorf("write pcm: %w", err)
			}
			stats.Frames++
		}
	}
}
