package client

import "github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/signaling"

// relaySignaler sends a session's negotiation messages through the relay.
type relaySignaler struct {
	c *Client
}

func (r relaySignaler) SendOffer(to, sdp string, groups []string) error {
	return r.c.sendFrame(signaling.Offer{To: to, From: r.c.self(), SDP: sdp, Groups: groups})
}

func (r relaySignaler) SendAnswer(to, sdp string) error {
	return r.c.sendFrame(signaling.Answer{To: to, From: r.c.self(), SDP: sdp})
}

func (r relaySignaler) SendCandidate(to, candidate string) error {
	return r.c.sendFrame(signaling.Candidate{To: to, From: r.c.self(), Candidate: candidate})
}
