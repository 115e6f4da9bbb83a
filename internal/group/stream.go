package group

import (
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
)

type receiveOptions struct {
	gate func() bool
}

type ReceiveOption func(*receiveOptions)

// WithGate drops frames while gate returns false. It is evaluated per frame at
// delivery time.
func WithGate(gate func() bool) ReceiveOption {
	return func(o *receiveOptions) {
		o.gate = gate
	}
}

// Stream is a bounded queue of inbound frames for one consumer. When the
// queue is full the newest frame is dropped.
type Stream struct {
	frames  chan []byte
	gate    func() bool
	metrics *metrics.Metrics

	dropped atomic.Uint64
	gated   atomic.Uint64

	// onClose runs once after the stream has released its subscriptions.
	onClose func(*Stream)

	mu     sync.Mutex
	closed bool
	subs   map[Channel]func()
	done   chan struct{}
}

func newStream(capacity int, gate func() bool, m *metrics.Metrics, onClose func(*Stream)) *Stream {
	return &Stream{
		frames:  make(chan []byte, capacity),
		gate:    gate,
		metrics: m,
		onClose: onClose,
		subs:    make(map[Channel]func()),
		done:    make(chan struct{}),
	}
}

// Frames is closed when the stream is closed.
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Dropped counts frames lost to a full queue.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Gated counts frames suppressed by the gate.
func (s *Stream) Gated() uint64 { return s.gated.Load() }

func (s *Stream) subscribe(ch Channel) {
	cancel := ch.Subscribe(s.push)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.subs[ch] = cancel
	s.mu.Unlock()
}

// unsubscribe stops frames from ch. Frames already queued stay queued.
func (s *Stream) unsubscribe(ch Channel) {
	s.mu.Lock()
	cancel, ok := s.subs[ch]
	delete(s.subs, ch)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Stream) push(frame []byte) {
	if s.gate != nil && !s.gate() {
		s.gated.Add(1)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame:
	default:
		s.dropped.Add(1)
		s.metrics.Inc(metrics.RouterDroppedFull)
	}
}

// Close unsubscribes from every channel and closes Frames. It is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	close(s.frames)
	close(s.done)
	s.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}
