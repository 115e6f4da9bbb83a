// Package signaling contains the relay wire format and the relay hub.
//
// Frames are single ':'-delimited text messages carried over a WebSocket.
// The hub keeps a directory of registered peers, answers Register with the
// current peer list, broadcasts joins and group updates, and forwards
// addressed frames (offer/answer/candidate) verbatim to their recipient.
package signaling
