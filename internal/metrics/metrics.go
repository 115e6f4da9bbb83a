package metrics

import "sync"

// Event names. The hub, router and client all count into the same registry
// so the relay binary can expose one scrape endpoint.
const (
	HubRegistered        = "hub_registered"
	HubEvicted           = "hub_evicted"
	HubDisconnected      = "hub_disconnected"
	HubRelayed           = "hub_relayed"
	HubDroppedNoPeer     = "hub_dropped_unknown_peer"
	HubUnrecognized      = "hub_unrecognized"
	HubRateLimited       = "hub_rate_limited"
	HubGroupUpdates      = "hub_group_updates"
	RouterSendFailed     = "router_send_failed"
	RouterDroppedFull    = "router_dropped_queue_full"
	ClientGatedSend      = "client_gated_send"
	ClientGatedReceive   = "client_gated_receive"
	ClientNegotiationErr = "client_negotiation_ignored"
	ClientUnrecognized   = "client_unrecognized"
	HTTPRequests         = "http_requests"
	HTTPServerErrors     = "http_server_errors"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics so components can treat metrics as
// optional.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
