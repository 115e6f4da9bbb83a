package signaling

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

// Config wires together the runtime dependencies for the relay hub.
type Config struct {
	// WebSocket inbound signaling hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int
	// MessageBurst is how many frames a connection may send at once before
	// MessagesPerSecond applies. Joining a populated room sends an offer,
	// an answer and trickled candidates per peer in quick succession.
	MessageBurst int

	// IdleTimeout closes connections that neither send frames nor answer
	// pings. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

// Server is the relay hub.
//
// Endpoints:
//   - GET /ws    : relay WebSocket (one registered peer per connection)
//   - GET /peers : JSON snapshot of the directory
type Server struct {
	MaxMessageBytes   int64
	MessagesPerSecond int
	MessageBurst      int
	IdleTimeout       time.Duration
	PingInterval      time.Duration

	metrics *metrics.Metrics
	log     logging.LeveledLogger

	mu    sync.Mutex
	peers map[string]*hubConn
	conns map[*hubConn]struct{}
}

func NewServer(cfg Config) *Server {
	return &Server{
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		IdleTimeout:       cfg.IdleTimeout,
		PingInterval:      cfg.PingInterval,

		metrics: cfg.Metrics,
		log:     pionlog.OrDefault(cfg.LoggerFactory).NewLogger("hub"),

		peers: make(map[string]*hubConn),
		conns: make(map[*hubConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /peers", s.handlePeers)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close drops every connection. Registered peers see a going-away close.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*hubConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*hubConn]struct{})
	s.peers = make(map[string]*hubConn)
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// PeerInfo is one directory entry as reported by /peers.
type PeerInfo struct {
	ID     string   `json:"id"`
	Groups []string `json:"groups"`
}

// Peers returns the directory sorted by id.
func (s *Server) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for id, c := range s.peers {
		out = append(out, PeerInfo{ID: id, Groups: append([]string{}, c.groups...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.PingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MessagesPerSecond <= 0 {
		return 50
	}
	return s.MessagesPerSecond
}

// DefaultMessageBurst covers the bootstrap of a room of a few dozen peers.
const DefaultMessageBurst = 1024

func (s *Server) messageBurst() int {
	if s.MessageBurst <= 0 {
		return DefaultMessageBurst
	}
	return s.MessageBurst
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Peers())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// The relay is reachable from any origin; peers are not browsers.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newHubConn(s, conn, r.RemoteAddr)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.keepalive(s.pingInterval())
	c.readLoop()
	s.drop(c)
}

func (s *Server) handleFrame(c *hubConn, raw string) {
	if to, ok := RelayTarget(raw); ok {
		s.relay(c, to, raw)
		return
	}

	switch m := Decode(raw).(type) {
	case Register:
		s.register(c, m)
	case GroupUpdate:
		s.groupUpdate(c, m, raw)
	default:
		s.metrics.Inc(metrics.HubUnrecognized)
		s.log.Debugf("dropping unrecognized frame from %s (%d bytes)", c.remote, len(raw))
	}
}

// register inserts c under its id, evicting any prior holder, then sends the
// bootstrap list and announces the newcomer.
//
// c.writeMu is held from before the directory insert until the list is
// written, so a concurrent new_peer broadcast cannot reach c first.
func (s *Server) register(c *hubConn, m Register) {
	newPeer, err := Encode(NewPeer(m))
	if err != nil {
		s.metrics.Inc(metrics.HubUnrecognized)
		return
	}

	c.writeMu.Lock()
	s.mu.Lock()
	if c.id != "" && c.id != m.PeerID && s.peers[c.id] == c {
		delete(s.peers, c.id)
	}
	evicted := s.peers[m.PeerID]
	if evicted == c {
		evicted = nil
	}
	c.id = m.PeerID
	c.groups = append([]string(nil), m.Groups...)
	s.peers[m.PeerID] = c

	ids := make([]string, 0, len(s.peers))
	others := make([]*hubConn, 0, len(s.peers))
	for id, peer := range s.peers {
		ids = append(ids, id)
		if peer != c {
			others = append(others, peer)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	err = c.writeLocked(EncodePeerList(ids))
	c.writeMu.Unlock()

	if evicted != nil {
		s.metrics.Inc(metrics.HubEvicted)
		s.log.Infof("peer %s re-registered from %s, evicting %s", m.PeerID, c.remote, evicted.remote)
		evicted.closeWith(websocket.ClosePolicyViolation, "replaced by new registration")
	}
	if err != nil {
		s.log.Debugf("peer %s: sending peer list: %v", m.PeerID, err)
		c.Close()
		return
	}
	s.metrics.Inc(metrics.HubRegistered)
	s.log.Infof("peer %s registered (groups=%v, peers=%d)", m.PeerID, m.Groups, len(ids))

	for _, peer := range others {
		if peer == evicted {
			continue
		}
		if err := peer.send(newPeer); err != nil {
			s.log.Debugf("new_peer %s: %v", m.PeerID, err)
		}
	}
}

func (s *Server) relay(c *hubConn, to, raw string) {
	s.mu.Lock()
	dst := s.peers[to]
	s.mu.Unlock()

	if dst == nil {
		s.metrics.Inc(metrics.HubDroppedNoPeer)
		s.log.Debugf("dropping frame for unknown peer %s", to)
		return
	}
	if err := dst.send(raw); err != nil {
		s.log.Debugf("relay to %s: %v", to, err)
		return
	}
	s.metrics.Inc(metrics.HubRelayed)
}

// groupUpdate records the sender's new groups and forwards the frame verbatim.
// Updates naming another peer's id are dropped.
func (s *Server) groupUpdate(c *hubConn, m GroupUpdate, raw string) {
	s.mu.Lock()
	if c.id == "" || c.id != m.PeerID || s.peers[c.id] != c {
		s.mu.Unlock()
		s.metrics.Inc(metrics.HubUnrecognized)
		s.log.Debugf("dropping group_update for %s from %s", m.PeerID, c.remote)
		return
	}
	c.groups = append([]string(nil), m.Groups...)
	others := make([]*hubConn, 0, len(s.peers))
	for _, peer := range s.peers {
		if peer != c {
			others = append(others, peer)
		}
	}
	s.mu.Unlock()

	s.metrics.Inc(metrics.HubGroupUpdates)
	for _, peer := range others {
		_ = peer.send(raw)
	}
}

// drop forgets c. The directory entry is removed only if it still points at
// c, so an evicted connection cannot remove its replacement.
func (s *Server) drop(c *hubConn) {
	c.Close()

	s.mu.Lock()
	delete(s.conns, c)
	id := c.id
	removed := id != "" && s.peers[id] == c
	if removed {
		delete(s.peers, id)
	}
	s.mu.Unlock()

	if removed {
		s.metrics.Inc(metrics.HubDisconnected)
		s.log.Infof("peer %s disconnected", id)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
