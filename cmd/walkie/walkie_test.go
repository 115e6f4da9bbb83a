package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/audio"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/config"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/group"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/httpserver"
)

func TestRelayHTTPURL(t *testing.T) {
	cases := map[string]string{
		"ws://127.0.0.1:8080/ws":           "http://127.0.0.1:8080/webrtc/ice",
		"wss://relay.example.com/ws?x=1#y": "https://relay.example.com/webrtc/ice",
	}
	for in, want := range cases {
		got, err := relayHTTPURL(in, "/webrtc/ice")
		if err != nil || got != want {
			t.Fatalf("relayHTTPURL(%q)=%q err=%v, want %q", in, got, err, want)
		}
	}
	if _, err := relayHTTPURL("http://x/ws", "/webrtc/ice"); err == nil {
		t.Fatalf("expected error for http scheme")
	}
}

func TestFetchICEServers_FromRelay(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
		Mode:       config.ModeDev,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		},
	}
	srv := httpserver.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), httpserver.BuildInfo{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	servers, err := fetchICEServers(ctx, http.DefaultClient, "ws://"+ln.Addr().String()+"/ws")
	if err != nil {
		t.Fatalf("fetchICEServers: %v", err)
	}
	if len(servers) != 2 || servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("servers=%+v", servers)
	}
}

type fakeBrowser struct {
	rooms []discovery.Room
}

func (b fakeBrowser) Discover(ctx context.Context) (<-chan discovery.Room, error) {
	ch := make(chan discovery.Room)
	go func() {
		defer close(ch)
		for _, r := range b.rooms {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestResolveRoom(t *testing.T) {
	b := fakeBrowser{rooms: []discovery.Room{
		{Name: "dev", Creator: "bob", IPs: []net.IP{net.ParseIP("10.0.0.2")}, Port: 9000},
		{Name: "ops", Creator: "alice", IPs: []net.IP{net.ParseIP("10.0.0.1")}, Port: 8080, Path: "/ws"},
	}}
	u, err := resolveRoom(context.Background(), b, "ops")
	if err != nil || u != "ws://10.0.0.1:8080/ws" {
		t.Fatalf("resolveRoom=%q err=%v", u, err)
	}
	if _, err := resolveRoom(context.Background(), b, "missing"); err == nil {
		t.Fatalf("expected error for unknown room")
	}
}

func TestPrintRooms(t *testing.T) {
	rooms, err := collectRooms(context.Background(), fakeBrowser{rooms: []discovery.Room{
		{Name: "ops", Creator: "alice", IPs: []net.IP{net.ParseIP("10.0.0.1")}, Port: 8080, Metadata: map[string]string{"z": "1", "a": "2"}},
		{Name: "dev", Creator: "bob"},
	}})
	if err != nil {
		t.Fatalf("collectRooms: %v", err)
	}
	var buf bytes.Buffer
	if err := printRooms(&buf, rooms); err != nil {
		t.Fatalf("printRooms: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[1], "dev") || !strings.HasSuffix(lines[1], "-") {
		t.Fatalf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "ws://10.0.0.1:8080/ws") || !strings.HasSuffix(lines[2], "a=2,z=1") {
		t.Fatalf("line 2 = %q", lines[2])
	}
}

type fakeChannel struct {
	mu   sync.Mutex
	subs map[int]func([]byte)
	next int
}

func (f *fakeChannel) Label() string      { return "ops" }
func (f *fakeChannel) Send([]byte) error { return nil }

func (f *fakeChannel) Subscribe(fn func([]byte)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func([]byte))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeChannel) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeChannel) emit(p []byte) {
	f.mu.Lock()
	subs := make([]func([]byte), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}

type routerSource struct{ r *group.Router }

func (s routerSource) Router() *group.Router { return s.r }

func (s routerSource) ReceiveAudio(ctx context.Context, groupName string) *group.Stream {
	return s.r.Receive(ctx, groupName)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListen_FollowsMembershipChanges(t *testing.T) {
	router := group.NewRouter(group.Config{QueueFrames: 8, LoggerFactory: logging.NewDefaultLoggerFactory()})
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan audio.PlaybackStats, 1)
	go func() {
		stats, err := listen(ctx, routerSource{router}, "ops", out, 10*time.Millisecond)
		if err != nil {
			t.Errorf("listen: %v", err)
		}
		done <- stats
	}()

	// The channel joins after listen opened its first stream.
	ch := &fakeChannel{}
	router.Join("ops", ch)
	waitFor(t, "resubscribe", func() bool { return ch.subscribers() == 1 })

	frame, err := audio.Frame{Seq: 1, Data: []byte{1, 0, 2, 0}}.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ch.emit(frame)
	waitFor(t, "playback", func() bool { return out.Len() == 4 })

	router.Leave("ops", ch)
	waitFor(t, "unsubscribe", func() bool { return ch.subscribers() == 0 })

	cancel()
	select {
	case stats := <-done:
		if stats.Frames != 1 {
			t.Fatalf("stats=%+v", stats)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("listen did not return")
	}
}
