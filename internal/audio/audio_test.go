package audio

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestPCM16LE_RoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768}
	b, err := PCM16LE{}.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(b[:4], []byte{0, 0, 1, 0}) {
		t.Fatalf("not little endian: % x", b[:4])
	}
	got, err := PCM16LE{}.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("sample %d=%d, want %d", i, got[i], pcm[i])
		}
	}

	if _, err := (PCM16LE{}).Decode([]byte{1, 2, 3}); !errors.Is(err, ErrCodec) {
		t.Fatalf("odd length: err=%v, want ErrCodec", err)
	}
}

func TestUnmarshalFrame_Malformed(t *testing.T) {
	if _, err := UnmarshalFrame([]byte{0xc1}); !errors.Is(err, ErrCodec) {
		t.Fatalf("err=%v, want ErrCodec", err)
	}
}

func TestCapture_FramesAndSequence(t *testing.T) {
	// Two full frames of 2 samples and a trailing partial frame.
	in := bytes.NewReader([]byte{1, 0, 2, 0, 3, 0, 4, 0, 5})
	var sent [][]byte
	err := Capture(context.Background(), in, CaptureConfig{
		FrameSamples: 2,
		Send: func(b []byte) error {
			sent = append(sent, b)
			return nil
		},
		now: func() time.Time { return time.UnixMilli(1234) },
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	for i, b := range sent {
		f, err := UnmarshalFrame(b)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Seq != uint64(i) || f.Timestamp != 1234 || len(f.Data) != 4 {
			t.Fatalf("frame %d=%+v", i, f)
		}
	}
}

func TestPlayback_WritesPCMAndDropsGarbage(t *testing.T) {
	good, err := Frame{Seq: 7, Data: []byte{1, 0, 2, 0}}.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	odd, err := Frame{Seq: 8, Data: []byte{1}}.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	frames := make(chan []byte, 3)
	frames <- good
	frames <- []byte("not msgpack")
	frames <- odd
	close(frames)

	var out bytes.Buffer
	stats, err := Playback(context.Background(), frames, nil, &out)
	if err != nil {
		t.Fatalf("Playback: %v", err)
	}
	if stats.Frames != 1 || stats.Dropped != 2 {
		t.Fatalf("stats=%+v", stats)
	}
	if !bytes.Equal(out.Bytes(), []byte{1, 0, 2, 0}) {
		t.Fatalf("out=% x", out.Bytes())
	}
}
