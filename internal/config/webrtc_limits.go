package config

// minWebRTCSCTPReceiveBufferBytes is the smallest SCTP receive buffer pion/sctp
// accepts during association setup; smaller values break INIT/INIT-ACK.
const minWebRTCSCTPReceiveBufferBytes = 1500

// maxAudioFrameOverheadBytes bounds the msgpack envelope around one encoded
// audio frame (sequence number, timestamp, bin header).
const maxAudioFrameOverheadBytes = 64

// defaultWebRTCDataChannelMaxMessageBytes sizes the inbound message cap for the
// largest audio frame the client sends, plus envelope overhead.
func defaultWebRTCDataChannelMaxMessageBytes(audioFrameBytes int) int {
	if audioFrameBytes < 0 {
		audioFrameBytes = 0
	}
	return audioFrameBytes + maxAudioFrameOverheadBytes
}

func defaultWebRTCSCTPMaxReceiveBufferBytes(maxMessageBytes int) int {
	if maxMessageBytes < 0 {
		maxMessageBytes = 0
	}
	buf := DefaultWebRTCSCTPMaxReceiveBufferBytes

	// Keep the receive buffer well above the per-message cap so a few frames in
	// flight do not stall the association.
	if twice := maxMessageBytes * 2; twice > buf {
		buf = twice
	}
	if buf < minWebRTCSCTPReceiveBufferBytes {
		buf = minWebRTCSCTPReceiveBufferBytes
	}
	return buf
}
