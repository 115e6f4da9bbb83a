package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/signaling"
)

const (
	envVarMode            = "WALKIE_MODE"
	envVarLogFormat       = "WALKIE_LOG_FORMAT"
	envVarLogLevel        = "WALKIE_LOG_LEVEL"
	envVarListenAddr      = "WALKIE_LISTEN_ADDR"
	envVarShutdownTimeout = "WALKIE_SHUTDOWN_TIMEOUT"

	// Relay hub hardening.
	envVarSignalingWSIdleTimeout        = "WALKIE_SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "WALKIE_SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "WALKIE_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "WALKIE_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingMessageBurst         = "WALKIE_SIGNALING_MESSAGE_BURST"

	// Room store and mDNS advertisement.
	envVarDBPath        = "WALKIE_DB_PATH"
	envVarRoomName      = "WALKIE_ROOM_NAME"
	envVarRoomAdvertise = "WALKIE_ROOM_ADVERTISE"
	envVarRoomAddress   = "WALKIE_ROOM_ADDRESS"
	envVarRoomPort      = "WALKIE_ROOM_PORT"
	envVarRoomMetadata  = "WALKIE_ROOM_METADATA"

	// Client.
	envVarRelayURL          = "WALKIE_RELAY_URL"
	envVarPeerID            = "WALKIE_PEER_ID"
	envVarGroups            = "WALKIE_GROUPS"
	envVarAudioFrameSamples = "WALKIE_AUDIO_FRAME_SAMPLES"
	envVarAudioQueueFrames  = "WALKIE_AUDIO_QUEUE_FRAMES"
	envVarDiscoveryTimeout  = "WALKIE_DISCOVERY_TIMEOUT"

	envVarWebRTCUDPPortMin             = "WALKIE_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WALKIE_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "WALKIE_WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "WALKIE_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WALKIE_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	// These cap inbound SCTP/DataChannel allocation in pion before
	// DataChannel.OnMessage handlers run.
	envVarWebRTCDataChannelMaxMessageBytes = "WALKIE_WEBRTC_DATACHANNEL_MAX_MESSAGE_BYTES"
	envVarWebRTCSCTPMaxReceiveBufferBytes  = "WALKIE_WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"

	flagWebRTCDataChannelMaxMessageBytes = "webrtc-datachannel-max-message-bytes"
	flagWebRTCSCTPMaxReceiveBufferBytes  = "webrtc-sctp-max-receive-buffer-bytes"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingMessageBurst         = 1024

	DefaultDBPath   = "walkie.db"
	DefaultRelayURL = "ws://127.0.0.1:8080/ws"
	DefaultGroup    = "all"

	// DefaultAudioFrameSamples is 20ms of 48kHz mono audio.
	DefaultAudioFrameSamples = 960
	DefaultAudioQueueFrames  = 100
	DefaultDiscoveryTimeout  = 2 * time.Second

	DefaultWebRTCUDPListenIP = "0.0.0.0"
	// DefaultWebRTCSCTPMaxReceiveBufferBytes caps the SCTP receive buffer used by
	// pion (applies before application-level message decoding).
	DefaultWebRTCSCTPMaxReceiveBufferBytes = 1 << 20 // 1MiB
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. A client holds
// one PeerConnection per remote peer, and each may gather several ports.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ListenAddr      string
	ShutdownTimeout time.Duration

	ICEServers []webrtc.ICEServer

	WebRTCUDPPortRange               *UDPPortRange
	WebRTCUDPListenIP                net.IP
	WebRTCNAT1To1IPs                 []string
	WebRTCNAT1To1IPCandidateType     NAT1To1IPCandidateType
	WebRTCDataChannelMaxMessageBytes int
	WebRTCSCTPMaxReceiveBufferBytes  int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingMessageBurst         int

	DBPath string

	// RoomName is the room the relay stores and advertises, and the room the
	// client resolves through discovery when RelayURL is not set explicitly.
	RoomName      string
	RoomAdvertise bool
	RoomAddress   string
	RoomPort      int
	RoomMetadata  map[string]string

	RelayURL string
	// RelayURLSet reports whether RelayURL came from the environment or a flag
	// rather than the default.
	RelayURLSet       bool
	PeerID            string
	Groups            []string
	AudioFrameSamples int
	AudioQueueFrames  int
	DiscoveryTimeout  time.Duration
}

// AudioFrameBytes is the size of one PCM16 mono frame.
func (c Config) AudioFrameBytes() int {
	return c.AudioFrameSamples * 2
}

// Load reads .env (if present), the environment and then args.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingMessageBurst, err := envIntOrDefault(lookup, envVarSignalingMessageBurst, DefaultSignalingMessageBurst)
	if err != nil {
		return Config{}, err
	}

	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)
	roomName := envOrDefault(lookup, envVarRoomName, "")
	roomAdvertise, err := envBoolOrDefault(lookup, envVarRoomAdvertise, false)
	if err != nil {
		return Config{}, err
	}
	roomAddress := envOrDefault(lookup, envVarRoomAddress, "")
	roomPort, err := envIntOrDefault(lookup, envVarRoomPort, 0)
	if err != nil {
		return Config{}, err
	}
	roomMetadata, err := parseKeyValueList(envOrDefault(lookup, envVarRoomMetadata, ""))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarRoomMetadata, err)
	}

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	_, relayURLFromEnv := lookup(envVarRelayURL)
	peerID := envOrDefault(lookup, envVarPeerID, "")
	groups := splitCommaSeparated(envOrDefault(lookup, envVarGroups, DefaultGroup))
	audioFrameSamples, err := envIntOrDefault(lookup, envVarAudioFrameSamples, DefaultAudioFrameSamples)
	if err != nil {
		return Config{}, err
	}
	audioQueueFrames, err := envIntOrDefault(lookup, envVarAudioQueueFrames, DefaultAudioQueueFrames)
	if err != nil {
		return Config{}, err
	}
	discoveryTimeout, err := envDurationOrDefault(lookup, envVarDiscoveryTimeout, DefaultDiscoveryTimeout)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	if raw := envOrDefault(lookup, envVarWebRTCUDPPortMin, ""); raw != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	if raw := envOrDefault(lookup, envVarWebRTCUDPPortMax, ""); raw != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	webrtcDataChannelMaxMessageBytes, err := envIntOrDefault(lookup, envVarWebRTCDataChannelMaxMessageBytes, 0)
	if err != nil {
		return Config{}, err
	}
	webrtcSCTPMaxReceiveBufferBytes, err := envIntOrDefault(lookup, envVarWebRTCSCTPMaxReceiveBufferBytes, 0)
	if err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("walkie", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Relay HTTP listen address (host:port)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.IntVar(&webrtcDataChannelMaxMessageBytes, flagWebRTCDataChannelMaxMessageBytes, webrtcDataChannelMaxMessageBytes, "Max inbound WebRTC DataChannel message size in bytes (0 = auto; env "+envVarWebRTCDataChannelMaxMessageBytes+")")
	fs.IntVar(&webrtcSCTPMaxReceiveBufferBytes, flagWebRTCSCTPMaxReceiveBufferBytes, webrtcSCTPMaxReceiveBufferBytes, "Max SCTP receive buffer size in bytes (0 = auto; env "+envVarWebRTCSCTPMaxReceiveBufferBytes+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle relay WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on relay WebSocket connections at this interval (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max relay frame size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max relay frames per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingMessageBurst, "signaling-message-burst", signalingMessageBurst, "Relay frames a connection may send at once; raised to the per-second limit if lower (env "+envVarSignalingMessageBurst+")")

	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite room store path (env "+envVarDBPath+")")
	fs.StringVar(&roomName, "room", roomName, "Room name to advertise (relay) or join via discovery (client) (env "+envVarRoomName+")")
	fs.BoolVar(&roomAdvertise, "advertise", roomAdvertise, "Advertise the room over mDNS (env "+envVarRoomAdvertise+")")
	fs.StringVar(&roomAddress, "room-address", roomAddress, "Address to store for the room (default: listen host; env "+envVarRoomAddress+")")
	fs.IntVar(&roomPort, "room-port", roomPort, "Port to advertise for the room (default: listen port; env "+envVarRoomPort+")")
	fs.StringToStringVar(&roomMetadata, "room-meta", roomMetadata, "Room metadata key=value pairs (env "+envVarRoomMetadata+")")

	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&peerID, "peer-id", peerID, "Peer id to register with (default: random UUID; env "+envVarPeerID+")")
	fs.StringSliceVar(&groups, "group", groups, "Group to join; repeatable (env "+envVarGroups+")")
	fs.IntVar(&audioFrameSamples, "audio-frame-samples", audioFrameSamples, "PCM samples per audio frame (env "+envVarAudioFrameSamples+")")
	fs.IntVar(&audioQueueFrames, "audio-queue-frames", audioQueueFrames, "Inbound audio frames buffered per group before dropping (env "+envVarAudioQueueFrames+")")
	fs.DurationVar(&discoveryTimeout, "discovery-timeout", discoveryTimeout, "How long to browse for rooms (env "+envVarDiscoveryTimeout+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	// A mode flag changes the log defaults unless those were set explicitly.
	if !fs.Changed("log-format") && (!envLogFormatOK || envLogFormat == "") {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !fs.Changed("log-level") && (!envLogLevelOK || envLogLevel == "") {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("%s/--listen-addr must not be empty", envVarListenAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}

	iceServers, err := parseICEServers(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingMessageBurst <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-message-burst must be > 0", envVarSignalingMessageBurst)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	if audioFrameSamples <= 0 {
		return Config{}, fmt.Errorf("%s/--audio-frame-samples must be > 0", envVarAudioFrameSamples)
	}
	if audioQueueFrames <= 0 {
		return Config{}, fmt.Errorf("%s/--audio-queue-frames must be > 0", envVarAudioQueueFrames)
	}
	if discoveryTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--discovery-timeout must be > 0", envVarDiscoveryTimeout)
	}

	if webrtcDataChannelMaxMessageBytes < 0 {
		return Config{}, fmt.Errorf("%s/--%s must be >= 0", envVarWebRTCDataChannelMaxMessageBytes, flagWebRTCDataChannelMaxMessageBytes)
	}
	if webrtcDataChannelMaxMessageBytes == 0 {
		webrtcDataChannelMaxMessageBytes = defaultWebRTCDataChannelMaxMessageBytes(audioFrameSamples * 2)
	}
	if webrtcSCTPMaxReceiveBufferBytes < 0 {
		return Config{}, fmt.Errorf("%s/--%s must be >= 0", envVarWebRTCSCTPMaxReceiveBufferBytes, flagWebRTCSCTPMaxReceiveBufferBytes)
	}
	if webrtcSCTPMaxReceiveBufferBytes == 0 {
		webrtcSCTPMaxReceiveBufferBytes = defaultWebRTCSCTPMaxReceiveBufferBytes(webrtcDataChannelMaxMessageBytes)
	}
	if webrtcSCTPMaxReceiveBufferBytes < minWebRTCSCTPReceiveBufferBytes {
		return Config{}, fmt.Errorf("%s/--%s must be >= %d", envVarWebRTCSCTPMaxReceiveBufferBytes, flagWebRTCSCTPMaxReceiveBufferBytes, minWebRTCSCTPReceiveBufferBytes)
	}
	if webrtcSCTPMaxReceiveBufferBytes < webrtcDataChannelMaxMessageBytes {
		return Config{}, fmt.Errorf("%s/--%s (%d) must be >= %s/--%s (%d)",
			envVarWebRTCSCTPMaxReceiveBufferBytes, flagWebRTCSCTPMaxReceiveBufferBytes, webrtcSCTPMaxReceiveBufferBytes,
			envVarWebRTCDataChannelMaxMessageBytes, flagWebRTCDataChannelMaxMessageBytes, webrtcDataChannelMaxMessageBytes,
		)
	}

	relayURL = strings.TrimSpace(relayURL)
	if err := validateRelayURL(relayURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-url %q: %w", envVarRelayURL, relayURL, err)
	}

	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if !signaling.ValidPeerID(peerID) {
		return Config{}, fmt.Errorf("invalid %s/--peer-id %q: must be non-empty, without ':' or ',', and not a message kind", envVarPeerID, peerID)
	}

	groups = normalizeGroups(groups)
	for _, g := range groups {
		if !signaling.ValidGroupName(g) {
			return Config{}, fmt.Errorf("invalid %s/--group %q: group names must not contain ':' or ','", envVarGroups, g)
		}
	}

	roomName = strings.TrimSpace(roomName)
	if strings.ContainsAny(roomName, "_.") {
		return Config{}, fmt.Errorf("invalid %s/--room %q: room names must not contain '_' or '.'", envVarRoomName, roomName)
	}
	if roomAdvertise && roomName == "" {
		return Config{}, fmt.Errorf("%s/--advertise requires %s/--room", envVarRoomAdvertise, envVarRoomName)
	}
	listenHost, listenPort, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--listen-addr %q: %w", envVarListenAddr, listenAddr, err)
	}
	if strings.TrimSpace(roomAddress) == "" {
		roomAddress = listenHost
	}
	if roomPort == 0 {
		if p, err := parsePortString(listenPort); err == nil {
			roomPort = int(p)
		}
	}
	if roomPort < 0 || roomPort > 65535 {
		return Config{}, fmt.Errorf("invalid %s/--room-port %d", envVarRoomPort, roomPort)
	}

	return Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ListenAddr:      listenAddr,
		ShutdownTimeout: shutdownTimeout,

		ICEServers: iceServers,

		WebRTCUDPPortRange:               webrtcUDPPortRange,
		WebRTCUDPListenIP:                webrtcUDPListenIP,
		WebRTCNAT1To1IPs:                 webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType:     webrtcNAT1To1CandidateType,
		WebRTCDataChannelMaxMessageBytes: webrtcDataChannelMaxMessageBytes,
		WebRTCSCTPMaxReceiveBufferBytes:  webrtcSCTPMaxReceiveBufferBytes,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingMessageBurst:         signalingMessageBurst,

		DBPath: dbPath,

		RoomName:      roomName,
		RoomAdvertise: roomAdvertise,
		RoomAddress:   roomAddress,
		RoomPort:      roomPort,
		RoomMetadata:  roomMetadata,

		RelayURL:          relayURL,
		RelayURLSet:       relayURLFromEnv || fs.Changed("relay-url"),
		PeerID:            peerID,
		Groups:            groups,
		AudioFrameSamples: audioFrameSamples,
		AudioQueueFrames:  audioQueueFrames,
		DiscoveryTimeout:  discoveryTimeout,
	}, nil
}

// NewLogger writes to stderr: `walkie join` streams audio on stdout.
func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return errors.New("expected ws:// or wss://")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// normalizeGroups trims entries, drops empties and duplicates, and keeps the
// first-seen order.
func normalizeGroups(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, g := range in {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// parseKeyValueList parses "k=v,k2=v2". Keys are trimmed; values are kept as-is.
func parseKeyValueList(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range splitCommaSeparated(raw) {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", part)
		}
		out[k] = v
	}
	return out, nil
}

// MetadataKeys returns the room metadata keys in sorted order.
func (c Config) MetadataKeys() []string {
	keys := make([]string, 0, len(c.RoomMetadata))
	for k := range c.RoomMetadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
