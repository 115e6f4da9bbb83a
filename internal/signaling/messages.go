package signaling

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Message is a decoded relay frame. The concrete types are Register, NewPeer,
// Offer, Answer, Candidate, GroupUpdate and Unrecognized.
type Message interface {
	Kind() Kind
}

type Register struct {
	PeerID string
	Groups []string
}

type NewPeer struct {
	PeerID string
	Groups []string
}

// Offer carries the initiator's SDP and the groups it opened channels for.
type Offer struct {
	To     string
	From   string
	SDP    string
	Groups []string
}

type Answer struct {
	To   string
	From string
	SDP  string
}

type Candidate struct {
	To        string
	From      string
	Candidate string
}

type GroupUpdate struct {
	PeerID string
	Groups []string
}

// Unrecognized is any frame that failed to decode. It is never an error: the
// hub and the client drop it and keep reading.
type Unrecognized struct {
	Raw string
}

func (Register) Kind() Kind     { return KindRegister }
func (NewPeer) Kind() Kind      { return KindNewPeer }
func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (Candidate) Kind() Kind    { return KindCandidate }
func (GroupUpdate) Kind() Kind  { return KindGroupUpdate }
func (Unrecognized) Kind() Kind { return KindUnrecognized }

// Encode renders m as a single relay frame.
//
// SDP and candidate strings are base64 encoded so they cannot collide with the
// delimiter; ids and group names must not contain it.
func Encode(m Message) (string, error) {
	switch m := m.(type) {
	case Register:
		return encodeMembership(KindRegister, m.PeerID, m.Groups)
	case NewPeer:
		return encodeMembership(KindNewPeer, m.PeerID, m.Groups)
	case GroupUpdate:
		return encodeMembership(KindGroupUpdate, m.PeerID, m.Groups)
	case Offer:
		if !validID(m.To) || !validID(m.From) {
			return "", fmt.Errorf("%w: offer peer id", ErrInvalidField)
		}
		if !validGroups(m.Groups) {
			return "", fmt.Errorf("%w: offer groups %q", ErrInvalidField, m.Groups)
		}
		fields := []string{m.To, string(KindOffer), m.From, encodeBlob(m.SDP)}
		if len(m.Groups) > 0 {
			fields = append(fields, joinGroups(m.Groups))
		}
		return strings.Join(fields, Delimiter), nil
	case Answer:
		if !validID(m.To) || !validID(m.From) {
			return "", fmt.Errorf("%w: answer peer id", ErrInvalidField)
		}
		return strings.Join([]string{m.To, string(KindAnswer), m.From, encodeBlob(m.SDP)}, Delimiter), nil
	case Candidate:
		if !validID(m.To) || !validID(m.From) {
			return "", fmt.Errorf("%w: candidate peer id", ErrInvalidField)
		}
		return strings.Join([]string{m.To, string(KindCandidate), m.From, encodeBlob(m.Candidate)}, Delimiter), nil
	case Unrecognized:
		return m.Raw, nil
	default:
		return "", fmt.Errorf("%w: %T", errUnsupportedMessage, m)
	}
}

func encodeMembership(kind Kind, peerID string, groups []string) (string, error) {
	if !ValidPeerID(peerID) {
		return "", fmt.Errorf("%w: %s peer id %q", ErrInvalidField, kind, peerID)
	}
	if !validGroups(groups) {
		return "", fmt.Errorf("%w: %s groups %q", ErrInvalidField, kind, groups)
	}
	return strings.Join([]string{string(kind), peerID, joinGroups(groups)}, Delimiter), nil
}

// Decode parses a relay frame. Anything malformed yields Unrecognized.
func Decode(raw string) Message {
	parts := strings.Split(raw, Delimiter)
	if len(parts) < 2 {
		return Unrecognized{Raw: raw}
	}

	switch Kind(parts[0]) {
	case KindRegister, KindNewPeer, KindGroupUpdate:
		// Membership ids end up in the comma-separated bootstrap list.
		if len(parts) > 3 || !ValidPeerID(parts[1]) {
			return Unrecognized{Raw: raw}
		}
		var groups []string
		if len(parts) == 3 {
			groups = splitGroups(parts[2])
		}
		switch Kind(parts[0]) {
		case KindRegister:
			return Register{PeerID: parts[1], Groups: groups}
		case KindNewPeer:
			return NewPeer{PeerID: parts[1], Groups: groups}
		default:
			return GroupUpdate{PeerID: parts[1], Groups: groups}
		}
	}

	if len(parts) < 4 || !validID(parts[0]) || !validID(parts[2]) {
		return Unrecognized{Raw: raw}
	}
	to, from := parts[0], parts[2]
	blob, ok := decodeBlob(parts[3])
	if !ok {
		return Unrecognized{Raw: raw}
	}

	switch Kind(parts[1]) {
	case KindOffer:
		if len(parts) > 5 {
			return Unrecognized{Raw: raw}
		}
		var groups []string
		if len(parts) == 5 {
			groups = splitGroups(parts[4])
		}
		return Offer{To: to, From: from, SDP: blob, Groups: groups}
	case KindAnswer:
		if len(parts) != 4 {
			return Unrecognized{Raw: raw}
		}
		return Answer{To: to, From: from, SDP: blob}
	case KindCandidate:
		if len(parts) != 4 {
			return Unrecognized{Raw: raw}
		}
		return Candidate{To: to, From: from, Candidate: blob}
	default:
		return Unrecognized{Raw: raw}
	}
}

// EncodePeerList renders the hub's bootstrap reply to Register.
func EncodePeerList(ids []string) string {
	return strings.Join(ids, GroupSeparator)
}

// DecodePeerList parses the bootstrap reply, dropping empty entries.
func DecodePeerList(raw string) []string {
	return splitGroups(strings.TrimSpace(raw))
}

func encodeBlob(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decodeBlob(s string) (string, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}
