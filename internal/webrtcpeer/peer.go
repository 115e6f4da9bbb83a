package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection a Session drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnDataChannel(f func(*webrtc.DataChannel))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// Signaler carries a session's outbound negotiation messages to the relay.
type Signaler interface {
	SendOffer(to, sdp string, groups []string) error
	SendAnswer(to, sdp string) error
	SendCandidate(to, candidate string) error
}
