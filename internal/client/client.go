// Package client runs one peer of the walkie-talkie mesh: it registers with
// the relay hub, negotiates a WebRTC session with every other peer, and routes
// audio frames between the caller and the per-group data channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/group"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/webrtcpeer"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const wsWriteWait = 1 * time.Second

var (
	ErrAlreadyRunning = errors.New("client: already running")
	ErrNotRunning     = errors.New("client: not connected to a relay")
	ErrInvalidGroup   = errors.New("client: invalid group name")
	ErrInvalidPeerID  = errors.New("client: invalid peer id")
)

// TransportError is a relay dial, read or write failure. It ends Run.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "relay " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	// API builds PeerConnections. Use webrtcpeer.NewAPI so SettingEngine
	// restrictions apply; nil falls back to pion's defaults.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// QueueFrames bounds each ReceiveAudio stream.
	QueueFrames int
	// MaxMessageBytes drops larger inbound data channel messages.
	MaxMessageBytes int

	Dialer        *websocket.Dialer
	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

// Client is safe for concurrent use. Run drives it; the audio and group
// methods may be called from any goroutine while Run is active.
type Client struct {
	api             *webrtc.API
	iceServers      []webrtc.ICEServer
	maxMessageBytes int
	dialer          *websocket.Dialer
	metrics         *metrics.Metrics
	loggerFactory   logging.LoggerFactory
	log             logging.LeveledLogger

	router *group.Router

	state         atomic.Int32
	sendPaused    atomic.Bool
	receivePaused atomic.Bool

	mu       sync.Mutex
	selfID   string
	groups   []string
	sessions map[string]*webrtcpeer.Session
	conn     *websocket.Conn

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	lf := pionlog.OrDefault(cfg.LoggerFactory)
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		api:             cfg.API,
		iceServers:      cfg.ICEServers,
		maxMessageBytes: cfg.MaxMessageBytes,
		dialer:          dialer,
		metrics:         cfg.Metrics,
		loggerFactory:   lf,
		log:             lf.NewLogger("client"),
		router: group.NewRouter(group.Config{
			QueueFrames:   cfg.QueueFrames,
			Metrics:       cfg.Metrics,
			LoggerFactory: lf,
		}),
		sessions: make(map[string]*webrtcpeer.Session),
	}
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debugf("state %s", s)
}

// Router exposes the group membership table.
func (c *Client) Router() *group.Router { return c.router }

// Groups returns the local group set.
func (c *Client) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.groups...)
}

// Peers returns the ids of peers with a live session, sorted.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Session returns the live session with peerID.
func (c *Client) Session(peerID string) (*webrtcpeer.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	return s, ok
}

// Run connects to the relay, registers selfID with groups and serves
// signaling until ctx is done (nil) or the relay connection fails
// (*TransportError). Every session is closed before Run returns.
func (c *Client) Run(ctx context.Context, relayURL, selfID string, groups []string) error {
	if !signaling.ValidPeerID(selfID) {
		return fmt.Errorf("%w: %q", ErrInvalidPeerID, selfID)
	}
	groups = dedupe(groups)
	for _, g := range groups {
		if !signaling.ValidGroupName(g) {
			return fmt.Errorf("%w: %q", ErrInvalidGroup, g)
		}
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyRunning
	}
	defer c.setState(StateDisconnected)

	conn, _, err := c.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.selfID = selfID
	c.groups = groups
	c.conn = conn
	c.mu.Unlock()
	defer c.shutdown()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := c.sendFrame(signaling.Register{PeerID: selfID, Groups: groups}); err != nil {
		return c.transportErr(ctx, "write", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return c.transportErr(ctx, "read", err)
	}
	peers := signaling.DecodePeerList(string(data))
	c.setState(StateRegistered)
	c.log.Infof("registered as %s (groups=%v, peers=%v)", selfID, groups, peers)

	for _, id := range peers {
		if id == selfID {
			continue
		}
		c.startInitiator(id, groups)
	}

	c.setState(StateRunning)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return c.transportErr(ctx, "read", err)
		}
		c.dispatch(signaling.Decode(string(data)))
	}
}

// transportErr turns a relay failure into Run's result: nil when it was
// caused by ctx being cancelled.
func (c *Client) transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Op: op, Err: err}
}

func (c *Client) shutdown() {
	c.setState(StateShuttingDown)

	c.mu.Lock()
	sessions := make([]*webrtcpeer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*webrtcpeer.Session)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

func (c *Client) dispatch(msg signaling.Message) {
	self := c.self()
	switch m := msg.(type) {
	case signaling.NewPeer:
		if m.PeerID == self {
			return
		}
		c.log.Infof("peer %s joined (groups=%v)", m.PeerID, m.Groups)
		c.startInitiator(m.PeerID, m.Groups)
	case signaling.Offer:
		if m.To != self {
			c.ignore(msg)
			return
		}
		c.handleOffer(m)
	case signaling.Answer:
		if m.To != self {
			c.ignore(msg)
			return
		}
		s, ok := c.Session(m.From)
		if !ok {
			c.log.Debugf("answer from %s without a session", m.From)
			return
		}
		c.negotiationResult(s, s.HandleAnswer(m.SDP))
	case signaling.Candidate:
		if m.To != self {
			c.ignore(msg)
			return
		}
		s, ok := c.Session(m.From)
		if !ok {
			c.log.Debugf("candidate from %s without a session", m.From)
			return
		}
		c.negotiationResult(s, s.AddRemoteCandidate(m.Candidate))
	case signaling.GroupUpdate:
		if m.PeerID == self {
			return
		}
		s, ok := c.Session(m.PeerID)
		if !ok {
			c.log.Debugf("group_update from %s without a session", m.PeerID)
			return
		}
		c.log.Infof("peer %s groups now %v", m.PeerID, m.Groups)
		if err := s.UpdateGroups(m.Groups); err != nil {
			c.log.Warnf("peer %s: update groups: %v", m.PeerID, err)
		}
	default:
		c.ignore(msg)
	}
}

func (c *Client) ignore(msg signaling.Message) {
	c.metrics.Inc(metrics.ClientUnrecognized)
	c.log.Debugf("ignoring %s frame", msg.Kind())
}

// handleOffer resolves glare and hands the offer to a responder session.
//
// When both sides offered, the peer with the smaller id keeps its offer and
// the other closes its initiator and answers.
func (c *Client) handleOffer(m signaling.Offer) {
	c.mu.Lock()
	existing := c.sessions[m.From]
	var replaced *webrtcpeer.Session
	if existing != nil {
		switch {
		case existing.Role() == webrtcpeer.RoleInitiator && awaitingAnswer(existing.State()) && c.selfID < m.From:
			c.mu.Unlock()
			c.metrics.Inc(metrics.ClientNegotiationErr)
			c.log.Debugf("glare with %s: keeping local offer", m.From)
			return
		case existing.Role() == webrtcpeer.RoleResponder && existing.RemoteSDP() == m.SDP:
			c.mu.Unlock()
			c.negotiationResult(existing, existing.HandleOffer(m.SDP))
			return
		}
		replaced = existing
		delete(c.sessions, m.From)
	}
	c.mu.Unlock()

	if replaced != nil {
		c.log.Debugf("peer %s: replacing %s session with responder", m.From, replaced.Role())
		_ = replaced.Close()
	}

	s, err := c.newSession(m.From, webrtcpeer.RoleResponder, m.Groups)
	if err != nil {
		c.log.Warnf("peer %s: create responder: %v", m.From, err)
		return
	}
	c.negotiationResult(s, s.HandleOffer(m.SDP))
}

func awaitingAnswer(s webrtcpeer.State) bool {
	return s == webrtcpeer.StateCreated || s == webrtcpeer.StateOfferSent
}

// startInitiator replaces any session with peerID by a fresh initiator.
func (c *Client) startInitiator(peerID string, groups []string) {
	c.mu.Lock()
	old := c.sessions[peerID]
	delete(c.sessions, peerID)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s, err := c.newSession(peerID, webrtcpeer.RoleInitiator, groups)
	if err != nil {
		c.log.Warnf("peer %s: create initiator: %v", peerID, err)
		return
	}
	c.negotiationResult(s, s.Start())
}

// newSession builds a session and stores it in the arena. The arena entry is
// removed when that same session closes.
func (c *Client) newSession(peerID string, role webrtcpeer.Role, groups []string) (*webrtcpeer.Session, error) {
	var s *webrtcpeer.Session
	onClose := func() {
		c.mu.Lock()
		if c.sessions[peerID] == s {
			delete(c.sessions, peerID)
		}
		c.mu.Unlock()
		c.log.Infof("peer %s: session closed", peerID)
	}

	s, err := webrtcpeer.NewSession(c.api, webrtcpeer.SessionConfig{
		PeerID:          peerID,
		Role:            role,
		Groups:          groups,
		ICEServers:      c.iceServers,
		Signaler:        relaySignaler{c: c},
		Router:          c.router,
		MaxMessageBytes: c.maxMessageBytes,
		LoggerFactory:   c.loggerFactory,
		OnClose:         onClose,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[peerID] = s
	c.mu.Unlock()
	return s, nil
}

// negotiationResult logs err. Negotiation errors are expected under
// reordering; anything else ends the session.
func (c *Client) negotiationResult(s *webrtcpeer.Session, err error) {
	if err == nil {
		return
	}
	var negErr *webrtcpeer.NegotiationError
	if errors.As(err, &negErr) {
		c.metrics.Inc(metrics.ClientNegotiationErr)
		c.log.Debugf("ignored: %v", negErr)
		return
	}
	c.log.Warnf("peer %s: %v", s.PeerID(), err)
	_ = s.Close()
}

func (c *Client) self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Client) sendFrame(m signaling.Message) error {
	raw, err := signaling.Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotRunning
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func dedupe(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
