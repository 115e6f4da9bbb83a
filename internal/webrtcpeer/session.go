package webrtcpeer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/group"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the negotiation state. Transport connectivity is reported
// separately by TransportConnected.
type State int

const (
	StateCreated State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrSessionClosed = errors.New("webrtcpeer: session closed")

	errUnexpectedState       = errors.New("unexpected state")
	errConflictingRemoteDesc = errors.New("remote description already applied with different sdp")
)

// NegotiationError reports a negotiation message that arrived in the wrong
// state or conflicts with one already applied. It never changes the session;
// callers log it and carry on.
type NegotiationError struct {
	PeerID string
	State  State
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer %s: %s in state %s: %v", e.PeerID, e.Op, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Membership is the router a session registers its open channels with.
type Membership interface {
	Join(groupName string, ch group.Channel)
	Leave(groupName string, ch group.Channel)
	LeaveAll(ch group.Channel)
}

type SessionConfig struct {
	// PeerID is the remote peer.
	PeerID     string
	Role       Role
	Groups     []string
	ICEServers []webrtc.ICEServer

	Signaler Signaler
	Router   Membership

	// MaxMessageBytes drops larger inbound messages (0 = no cap).
	MaxMessageBytes int
	LoggerFactory   logging.LoggerFactory

	// OnClose runs once, after the PeerConnection is closed.
	OnClose func()
}

// Session owns one PeerConnection to a remote peer and the per-group
// DataChannels on it.
type Session struct {
	pc       PeerConnection
	peerID   string
	role     Role
	signaler Signaler
	router   Membership
	maxMsg   int
	log      logging.LeveledLogger
	onClose  func()

	// negMu serializes negotiation calls into pion. mu is never held across
	// them.
	negMu sync.Mutex

	mu            sync.Mutex
	state         State
	remoteSDP     string
	pendingRemote []string
	groups        map[string]struct{}
	groupOrder    []string
	channels      map[string]*Channel
	control       *webrtc.DataChannel

	// candMu orders local candidate delivery behind the offer/answer.
	candMu       sync.Mutex
	localSent    bool
	pendingLocal []string

	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	closeOnce     sync.Once
}

func NewSession(api *webrtc.API, cfg SessionConfig) (*Session, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	s, err := newSession(pc, cfg)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return s, nil
}

func newSession(pc PeerConnection, cfg SessionConfig) (*Session, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("webrtcpeer: session requires a signaler")
	}
	s := &Session{
		pc:        pc,
		peerID:    cfg.PeerID,
		role:      cfg.Role,
		signaler:  cfg.Signaler,
		router:    cfg.Router,
		maxMsg:    cfg.MaxMessageBytes,
		log:       pionlog.OrDefault(cfg.LoggerFactory).NewLogger("session"),
		onClose:   cfg.OnClose,
		state:     StateCreated,
		groups:    make(map[string]struct{}),
		channels:  make(map[string]*Channel),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, g := range cfg.Groups {
		if _, ok := s.groups[g]; ok {
			continue
		}
		s.groups[g] = struct{}{}
		s.groupOrder = append(s.groupOrder, g)
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnDataChannel(s.handleRemoteDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debugf("peer %s: connection state %s", s.peerID, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.connectedOnce.Do(func() { close(s.connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// Close asynchronously so pion's callback goroutine is not blocked
			// on its own teardown.
			go func() {
				_ = s.Close()
			}()
		}
	})

	// Only the initiator creates channels; the responder receives them in-band.
	// The control channel goes first so the offer always negotiates SCTP and
	// groups added later open without renegotiation.
	if s.role == RoleInitiator {
		dc, err := pc.CreateDataChannel(controlLabel, audioDataChannelInit())
		if err != nil {
			return nil, fmt.Errorf("create control datachannel: %w", err)
		}
		s.control = dc
		for _, g := range s.groupOrder {
			if err := s.openChannel(g); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Session) PeerID() string { return s.peerID }

func (s *Session) Role() Role { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Groups returns the declared groups in declaration order.
func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groupOrder...)
}

// RemoteSDP returns the applied remote description, or "" before one is set.
func (s *Session) RemoteSDP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSDP
}

// Channel returns the channel for groupName, if one exists.
func (s *Session) Channel(groupName string) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[groupName]
	return ch, ok
}

// TransportConnected is closed once the PeerConnection reaches connected.
func (s *Session) TransportConnected() <-chan struct{} { return s.connected }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start creates and sends the offer. Initiator only.
func (s *Session) Start() error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if err := s.expect("start", RoleInitiator, StateCreated); err != nil {
		return err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	groups := s.setState(StateOfferSent)

	if err := s.signaler.SendOffer(s.peerID, offer.SDP, groups); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	s.flushLocalCandidates()
	return nil
}

// HandleOffer applies a remote offer and replies with an answer. Responder
// only. Re-delivery of the same offer is a no-op.
func (s *Session) HandleOffer(sdp string) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if dup, err := s.checkDuplicateRemote("offer", sdp); dup || err != nil {
		return err
	}
	if err := s.expect("offer", RoleResponder, StateCreated); err != nil {
		return err
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.applyRemote(sdp, StateOfferReceived)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	s.setState(StateAnswerSent)

	if err := s.signaler.SendAnswer(s.peerID, answer.SDP); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.setState(StateConnected)
	s.flushLocalCandidates()
	return nil
}

// HandleAnswer applies the remote answer. Initiator only. Re-delivery of the
// same answer is a no-op.
func (s *Session) HandleAnswer(sdp string) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if dup, err := s.checkDuplicateRemote("answer", sdp); dup || err != nil {
		return err
	}
	if err := s.expect("answer", RoleInitiator, StateOfferSent); err != nil {
		return err
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.applyRemote(sdp, StateConnected)
	return nil
}

// AddRemoteCandidate applies a trickled candidate, or buffers it until the
// remote description is set. candidate is the JSON form of an ICE candidate
// init; an empty string is ignored.
func (s *Session) AddRemoteCandidate(candidate string) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		state := s.state
		s.mu.Unlock()
		return &NegotiationError{PeerID: s.peerID, State: state, Op: "candidate", Err: ErrSessionClosed}
	}
	if s.remoteSDP == "" {
		s.pendingRemote = append(s.pendingRemote, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.addICECandidate(candidate)
}

// UpdateGroups replaces the declared group set without renegotiating.
//
// The initiator opens channels for added groups; the responder starts
// accepting them. Removed groups leave the router immediately and their
// channels close on the next send or the next update.
func (s *Session) UpdateGroups(groups []string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	next := make(map[string]struct{}, len(groups))
	var order []string
	for _, g := range groups {
		if _, ok := next[g]; ok {
			continue
		}
		next[g] = struct{}{}
		order = append(order, g)
	}

	var stale []*Channel
	for label, ch := range s.channels {
		// Channels removed by an earlier update and still unused are closed now.
		if ch.getStatus() == channelRemoved {
			if _, keep := next[label]; !keep {
				delete(s.channels, label)
				stale = append(stale, ch)
				continue
			}
		}
		if _, keep := next[label]; !keep && ch.getStatus() == channelActive {
			ch.setStatus(channelRemoved)
			s.routerLeave(label, ch)
		}
	}

	var toOpen []string
	for _, g := range order {
		if _, had := s.groups[g]; had {
			continue
		}
		ch, ok := s.channels[g]
		switch {
		case ok:
			// Re-added before the lazy close, or parked until now.
			ch.setStatus(channelActive)
			if ch.isOpen() {
				s.routerJoin(g, ch)
			}
		case s.role == RoleInitiator:
			toOpen = append(toOpen, g)
		}
	}

	s.groups = next
	s.groupOrder = order
	s.mu.Unlock()

	for _, ch := range stale {
		ch.close()
	}
	var errs []error
	for _, g := range toOpen {
		if err := s.openChannel(g); err != nil {
			errs = append(errs, fmt.Errorf("open channel %q: %w", g, err))
		}
	}
	return errors.Join(errs...)
}

// Close tears the session down. It is idempotent and also runs when the
// transport reports failed or closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		chans := make([]*Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			chans = append(chans, ch)
		}
		s.channels = make(map[string]*Channel)
		s.pendingRemote = nil
		s.mu.Unlock()

		for _, ch := range chans {
			if s.router != nil {
				s.router.LeaveAll(ch)
			}
		}
		err = s.pc.Close()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}

func (s *Session) expect(op string, role Role, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return &NegotiationError{PeerID: s.peerID, State: s.state, Op: op, Err: ErrSessionClosed}
	}
	if s.role != role || s.state != state {
		err := &NegotiationError{PeerID: s.peerID, State: s.state, Op: op, Err: errUnexpectedState}
		s.log.Debugf("%v", err)
		return err
	}
	return nil
}

// checkDuplicateRemote reports dup=true for an identical re-delivery, and a
// NegotiationError for a conflicting one.
func (s *Session) checkDuplicateRemote(op, sdp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSDP == "" {
		return false, nil
	}
	if s.remoteSDP == sdp {
		s.log.Debugf("peer %s: duplicate %s ignored", s.peerID, op)
		return true, nil
	}
	err := &NegotiationError{PeerID: s.peerID, State: s.state, Op: op, Err: errConflictingRemoteDesc}
	s.log.Debugf("%v", err)
	return false, err
}

func (s *Session) setState(state State) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = state
	}
	return append([]string(nil), s.groupOrder...)
}

// applyRemote records the remote description and drains candidates that
// arrived before it, in arrival order.
func (s *Session) applyRemote(sdp string, state State) {
	s.mu.Lock()
	s.remoteSDP = sdp
	if s.state != StateClosed {
		s.state = state
	}
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.addICECandidate(c); err != nil {
			s.log.Warnf("peer %s: buffered candidate: %v", s.peerID, err)
		}
	}
}

func (s *Session) addICECandidate(raw string) error {
	if raw == "" {
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		s.log.Warnf("peer %s: encode candidate: %v", s.peerID, err)
		return
	}
	s.sendLocalCandidate(string(raw))
}

func (s *Session) sendLocalCandidate(candidate string) {
	s.candMu.Lock()
	defer s.candMu.Unlock()
	if !s.localSent {
		s.pendingLocal = append(s.pendingLocal, candidate)
		return
	}
	if err := s.signaler.SendCandidate(s.peerID, candidate); err != nil {
		s.log.Warnf("peer %s: send candidate: %v", s.peerID, err)
	}
}

func (s *Session) flushLocalCandidates() {
	s.candMu.Lock()
	defer s.candMu.Unlock()
	s.localSent = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		if err := s.signaler.SendCandidate(s.peerID, c); err != nil {
			s.log.Warnf("peer %s: send candidate: %v", s.peerID, err)
		}
	}
}

func (s *Session) openChannel(groupName string) error {
	dc, err := s.pc.CreateDataChannel(groupName, audioDataChannelInit())
	if err != nil {
		return fmt.Errorf("create datachannel %q: %w", groupName, err)
	}
	s.track(dc, channelActive)
	return nil
}

func (s *Session) handleRemoteDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() == controlLabel {
		s.mu.Lock()
		s.control = dc
		s.mu.Unlock()
		return
	}
	if err := validateAudioDataChannel(dc); err != nil {
		s.log.Warnf("peer %s: rejecting datachannel %q: %v", s.peerID, dc.Label(), err)
		_ = dc.Close()
		return
	}
	status := channelParked
	s.mu.Lock()
	if _, ok := s.groups[dc.Label()]; ok {
		status = channelActive
	}
	s.mu.Unlock()
	if status == channelParked {
		s.log.Debugf("peer %s: parking undeclared channel %q", s.peerID, dc.Label())
	}
	s.track(dc, status)
}

func (s *Session) track(dc *webrtc.DataChannel, status channelStatus) {
	ch := newChannel(dc, s.maxMsg, s.log)
	ch.setStatus(status)
	ch.onOpen = s.channelOpened
	ch.onRemovedSend = s.releaseChannel

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		ch.close()
		return
	}
	prev := s.channels[ch.label]
	s.channels[ch.label] = ch
	if prev != nil {
		s.routerLeave(prev.label, prev)
	}
	s.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	ch.bind(s.channelClosed)
}

func (s *Session) channelOpened(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.label] != ch || ch.getStatus() != channelActive {
		return
	}
	s.routerJoin(ch.label, ch)
}

func (s *Session) channelClosed(ch *Channel) {
	s.mu.Lock()
	if s.channels[ch.label] == ch {
		delete(s.channels, ch.label)
	}
	s.mu.Unlock()
	if s.router != nil {
		s.router.LeaveAll(ch)
	}
}

// releaseChannel closes a channel whose group was removed.
func (s *Session) releaseChannel(ch *Channel) {
	s.mu.Lock()
	if ch.getStatus() != channelRemoved {
		// Re-added concurrently.
		s.mu.Unlock()
		return
	}
	if s.channels[ch.label] == ch {
		delete(s.channels, ch.label)
	}
	s.mu.Unlock()
	ch.close()
}

func (s *Session) routerJoin(groupName string, ch *Channel) {
	if s.router != nil {
		s.router.Join(groupName, ch)
	}
}

func (s *Session) routerLeave(groupName string, ch *Channel) {
	if s.router != nil {
		s.router.Leave(groupName, ch)
	}
}
