package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/signaling"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent int
	subs []func([]byte)
}

func (f *fakeChannel) Label() string { return "red" }

func (f *fakeChannel) Send([]byte) error {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Subscribe(fn func([]byte)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeChannel) emit(p []byte) {
	f.mu.Lock()
	subs := append([]func([]byte){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}

func newTestClient(m *metrics.Metrics) *Client {
	return New(Config{
		QueueFrames:   8,
		Metrics:       m,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
}

func TestClient_SendGate(t *testing.T) {
	m := metrics.New()
	c := newTestClient(m)
	ch := &fakeChannel{}
	c.Router().Join("red", ch)

	if res := c.SendAudio("red", []byte{1}); res.Gated || res.Delivered != 1 {
		t.Fatalf("open gate: res=%+v", res)
	}

	c.PauseSending()
	res := c.SendAudio("red", []byte{2})
	if !res.Gated || res.Delivered != 0 {
		t.Fatalf("paused: res=%+v, want gated", res)
	}
	if ch.sent != 1 {
		t.Fatalf("sent=%d while paused, want 1", ch.sent)
	}
	if got := m.Get(metrics.ClientGatedSend); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ClientGatedSend, got)
	}

	c.ResumeSending()
	if res := c.SendAudio("red", []byte{3}); res.Delivered != 1 {
		t.Fatalf("resumed: res=%+v", res)
	}
}

func TestClient_ReceiveGateIsNotRetroactive(t *testing.T) {
	m := metrics.New()
	c := newTestClient(m)
	ch := &fakeChannel{}
	c.Router().Join("red", ch)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream := c.ReceiveAudio(ctx, "red")

	ch.emit([]byte("before"))
	c.PauseReceiving()
	ch.emit([]byte("during"))
	c.ResumeReceiving()
	ch.emit([]byte("after"))

	for _, want := range []string{"before", "after"} {
		select {
		case f := <-stream.Frames():
			if string(f) != want {
				t.Fatalf("frame=%q, want %q", f, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	if got := m.Get(metrics.ClientGatedReceive); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ClientGatedReceive, got)
	}
}

func TestClient_JoinLeaveGroupOffline(t *testing.T) {
	c := newTestClient(nil)
	if err := c.JoinGroup("red"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.JoinGroup("red"); err != nil {
		t.Fatalf("join again: %v", err)
	}
	if got := c.Groups(); len(got) != 1 || got[0] != "red" {
		t.Fatalf("groups=%v", got)
	}
	if err := c.LeaveGroup("red"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := c.Groups(); len(got) != 0 {
		t.Fatalf("groups=%v", got)
	}
	if err := c.JoinGroup("a:b"); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("invalid group: err=%v", err)
	}
}

func TestClient_RunRejectsInvalidInput(t *testing.T) {
	c := newTestClient(nil)
	if err := c.Run(context.Background(), "ws://127.0.0.1:1/ws", "bad:id", nil); !errors.Is(err, ErrInvalidPeerID) {
		t.Fatalf("peer id: err=%v", err)
	}
	if err := c.Run(context.Background(), "ws://127.0.0.1:1/ws", "alice", []string{"a,b"}); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("group: err=%v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state=%s", c.State())
	}
}

func TestClient_DialFailureIsTransportError(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	c := newTestClient(nil)
	err := c.Run(context.Background(), url, "alice", []string{"red"})
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("err=%v, want dial TransportError", err)
	}
}

func TestClient_IgnoresUnrecognizedAndMisaddressedFrames(t *testing.T) {
	m := metrics.New()
	c := newTestClient(m)
	c.selfID = "alice"

	c.dispatch(signaling.Decode("garbage"))
	c.dispatch(signaling.Answer{To: "carol", From: "bob", SDP: "x"})
	c.dispatch(signaling.Register{PeerID: "bob"})
	if got := m.Get(metrics.ClientUnrecognized); got != 3 {
		t.Fatalf("%s=%d, want 3", metrics.ClientUnrecognized, got)
	}

	// Frames for peers without a session are dropped quietly.
	c.dispatch(signaling.Answer{To: "alice", From: "bob", SDP: "x"})
	c.dispatch(signaling.Candidate{To: "alice", From: "bob", Candidate: "{}"})
	c.dispatch(signaling.GroupUpdate{PeerID: "bob", Groups: []string{"red"}})
	if len(c.Peers()) != 0 {
		t.Fatalf("peers=%v", c.Peers())
	}
}
