package discovery

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

type registration struct {
	instance, service, domain string
	port                      int
	txt                       []string
	shutdown                  bool
}

type fakeServer struct {
	f   *fakeServerFactory
	idx int
}

func (s *fakeServer) Shutdown() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.regs[s.idx].shutdown = true
}

type fakeServerFactory struct {
	mu   sync.Mutex
	regs []registration
	err  error
}

func (f *fakeServerFactory) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.regs = append(f.regs, registration{instance: instance, service: service, domain: domain, port: port, txt: txt})
	return &fakeServer{f: f, idx: len(f.regs) - 1}, nil
}

// fakeResolver sends its entries and then waits for ctx, like a real browse.
type fakeResolver struct {
	entries []*zeroconf.ServiceEntry
	err     error
}

func (r *fakeResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	if r.err != nil {
		return r.err
	}
	for _, e := range r.entries {
		select {
		case entries <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return nil
}

func entry(instance string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ServiceType, DefaultDomain)
	e.HostName = instance + ".local."
	e.Port = port
	e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	e.Text = txt
	return e
}

func collect(t *testing.T, ch <-chan Room) []Room {
	t.Helper()
	var rooms []Room
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return rooms
			}
			rooms = append(rooms, r)
		case <-timeout:
			t.Fatalf("discover channel never closed")
		}
	}
}

func TestAdvertiser_PublishRegistersTXT(t *testing.T) {
	f := &fakeServerFactory{}
	a := NewAdvertiser(AdvertiserConfig{ServerFactory: f})

	room := Room{Name: "ops", Creator: "alice", Port: 8080, Metadata: map[string]string{"zone": "b", "band": "a"}}
	if err := a.Publish(room); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(f.regs) != 1 {
		t.Fatalf("regs=%+v", f.regs)
	}
	reg := f.regs[0]
	if reg.instance != "ops_alice" || reg.service != ServiceType || reg.domain != DefaultDomain || reg.port != 8080 {
		t.Fatalf("reg=%+v", reg)
	}
	want := []string{"room=ops", "creator=alice", "path=/ws", "m.band=a", "m.zone=b"}
	if !reflect.DeepEqual(reg.txt, want) {
		t.Fatalf("txt=%v, want %v", reg.txt, want)
	}

	// Republishing replaces the prior registration.
	room.Port = 9090
	if err := a.Publish(room); err != nil {
		t.Fatalf("Publish again: %v", err)
	}
	if !f.regs[0].shutdown || f.regs[1].port != 9090 {
		t.Fatalf("regs=%+v", f.regs)
	}

	a.Close()
	if !f.regs[1].shutdown {
		t.Fatalf("Close did not shut down registration")
	}
	if err := a.Publish(room); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close: err=%v", err)
	}
}

func TestAdvertiser_RejectsInvalidRooms(t *testing.T) {
	a := NewAdvertiser(AdvertiserConfig{ServerFactory: &fakeServerFactory{}})
	for _, r := range []Room{
		{Creator: "alice", Port: 1},
		{Name: "ops", Port: 1},
		{Name: "o_ps", Creator: "alice", Port: 1},
		{Name: "ops", Creator: "alice"},
		{Name: "ops", Creator: "alice", Port: 1, Metadata: map[string]string{"a=b": "c"}},
	} {
		if err := a.Publish(r); !errors.Is(err, ErrInvalidRoom) {
			t.Fatalf("Publish(%+v): err=%v", r, err)
		}
	}
}

func TestAdvertiser_RegisterError(t *testing.T) {
	boom := errors.New("boom")
	a := NewAdvertiser(AdvertiserConfig{ServerFactory: &fakeServerFactory{err: boom}})
	if err := a.Publish(Room{Name: "ops", Creator: "alice", Port: 1}); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestResolver_DiscoverConvertsAndDedupes(t *testing.T) {
	r, err := NewResolver(ResolverConfig{
		BrowseTimeout: 200 * time.Millisecond,
		MDNSResolver: &fakeResolver{entries: []*zeroconf.ServiceEntry{
			entry("ops_alice", 8080, "192.168.1.5", "room=ops", "creator=alice", "path=/ws", "m.band=a"),
			entry("ops_alice", 8080, "192.168.1.5", "room=ops", "creator=alice"),
			entry("junk", 1, "192.168.1.6", "garbage"),
			entry("dev_bob", 9000, "192.168.1.7", "room=dev", "creator=bob"),
		}},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ch, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	rooms := collect(t, ch)
	if len(rooms) != 2 {
		t.Fatalf("rooms=%+v", rooms)
	}
	ops := rooms[0]
	if ops.Name != "ops" || ops.Creator != "alice" || ops.Port != 8080 || ops.Metadata["band"] != "a" {
		t.Fatalf("ops=%+v", ops)
	}
	u, err := ops.RelayURL()
	if err != nil || u != "ws://192.168.1.5:8080/ws" {
		t.Fatalf("RelayURL=%q err=%v", u, err)
	}
	if rooms[1].InstanceName() != "dev_bob" {
		t.Fatalf("rooms[1]=%+v", rooms[1])
	}
}

func TestResolver_DiscoverHonoursContext(t *testing.T) {
	r, err := NewResolver(ResolverConfig{BrowseTimeout: time.Hour, MDNSResolver: &fakeResolver{}})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	cancel()
	if rooms := collect(t, ch); len(rooms) != 0 {
		t.Fatalf("rooms=%+v", rooms)
	}
}

func TestResolver_BrowseErrorClosesChannel(t *testing.T) {
	r, err := NewResolver(ResolverConfig{MDNSResolver: &fakeResolver{err: errors.New("no multicast")}})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ch, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if rooms := collect(t, ch); len(rooms) != 0 {
		t.Fatalf("rooms=%+v", rooms)
	}
}

func TestRelayURL_FallsBackToHost(t *testing.T) {
	u, err := Room{Name: "ops", Host: "relay.local.", Port: 8080, Path: "/signal"}.RelayURL()
	if err != nil || u != "ws://relay.local:8080/signal" {
		t.Fatalf("RelayURL=%q err=%v", u, err)
	}
	if _, err := (Room{Name: "ops"}).RelayURL(); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("err=%v", err)
	}
}
