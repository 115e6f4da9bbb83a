package signaling

import (
	"errors"
	"strings"
)

// Delimiter separates fields in a relay frame. GroupSeparator joins group
// lists inside a single field.
const (
	Delimiter      = ":"
	GroupSeparator = ","
)

// Kind identifies a decoded relay frame.
type Kind string

const (
	KindRegister     Kind = "register"
	KindNewPeer      Kind = "new_peer"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindCandidate    Kind = "candidate"
	KindGroupUpdate  Kind = "group_update"
	KindUnrecognized Kind = "unrecognized"
)

var (
	// ErrInvalidField is returned by Encode when a field is empty where an id
	// is required, or contains a reserved separator.
	ErrInvalidField = errors.New("signaling: invalid field")

	errUnsupportedMessage = errors.New("signaling: unsupported message")
)

// relayFields is the minimum field count of a frame the hub forwards to a
// single recipient.
const relayFields = 4

// RelayTarget reports the recipient of a point-to-point frame.
//
// Frames are addressed when they carry at least four fields and field 0 is not
// one of the broadcast kinds. The hub only needs this envelope; it never
// decodes the payload fields.
func RelayTarget(raw string) (string, bool) {
	parts := strings.SplitN(raw, Delimiter, relayFields)
	if len(parts) < relayFields {
		return "", false
	}
	switch Kind(parts[0]) {
	case KindRegister, KindNewPeer, KindGroupUpdate:
		return "", false
	}
	if parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

// validID rejects ids that would be ambiguous on the wire, including the
// broadcast kind names which occupy field 0.
func validID(id string) bool {
	if id == "" || strings.Contains(id, Delimiter) {
		return false
	}
	switch Kind(id) {
	case KindRegister, KindNewPeer, KindGroupUpdate:
		return false
	}
	return true
}

// ValidPeerID reports whether id can be carried in a relay frame.
func ValidPeerID(id string) bool {
	return validID(id) && !strings.Contains(id, GroupSeparator)
}

// ValidGroupName reports whether name can be carried in a group list.
func ValidGroupName(name string) bool {
	return validGroups([]string{name})
}

func validGroups(groups []string) bool {
	for _, g := range groups {
		if g == "" || strings.Contains(g, Delimiter) || strings.Contains(g, GroupSeparator) {
			return false
		}
	}
	return true
}

func joinGroups(groups []string) string {
	return strings.Join(groups, GroupSeparator)
}

// splitGroups parses a comma-joined group list. Empty entries are dropped so
// that "" decodes to a nil list.
func splitGroups(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, g := range strings.Split(raw, GroupSeparator) {
		if g == "" {
			continue
		}
		out = append(out, g)
	}
	return out
}
