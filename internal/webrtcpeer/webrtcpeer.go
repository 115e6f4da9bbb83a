package webrtcpeer

import (
	"fmt"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/config"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

func NewAPI(cfg config.Config, loggerFactory logging.LoggerFactory) (*webrtc.API, error) {
	return NewAPIWithSettingEngine(webrtc.SettingEngine{}, cfg, loggerFactory)
}

// NewAPIWithSettingEngine layers cfg on top of se. Tests use it to attach a
// vnet network before the API is built.
func NewAPIWithSettingEngine(se webrtc.SettingEngine, cfg config.Config, loggerFactory logging.LoggerFactory) (*webrtc.API, error) {
	se.LoggerFactory = pionlog.OrDefault(loggerFactory)
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	ApplySCTPSettings(&se, cfg)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't currently expose a "bind to 0.0.0.0" toggle; instead
	// we restrict candidate gathering and socket binding via IPFilter.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

// ApplySCTPSettings bounds SCTP reassembly. The per-message cap itself is
// enforced in Channel before subscribers see the data.
func ApplySCTPSettings(se *webrtc.SettingEngine, cfg config.Config) {
	if cfg.WebRTCSCTPMaxReceiveBufferBytes > 0 {
		se.SetSCTPMaxReceiveBufferSize(uint32(cfg.WebRTCSCTPMaxReceiveBufferBytes))
	}
}
