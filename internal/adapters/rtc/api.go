package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/config"
)

// Settings collects everything needed to build a webrtc.API and peer connection configuration.
type Settings struct {
	ICEServers []string
	PortMin    uint16
	PortMax    uint16
	NAT1To1IPs []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Net replaces host networking, e.g. with a vnet.Net in tests.
	Net transport.Net
	// ConfigureMedia registers codecs. Nil registers pion's defaults.
	ConfigureMedia func(*webrtc.MediaEngine) error
	Logger         LoggerFactory
}

func SettingsFromConfig(cfg config.WebRTCConfig) Settings {
	return Settings{
		ICEServers:          cfg.ICEServers,
		PortMin:             cfg.PortMin,
		PortMax:             cfg.PortMax,
		NAT1To1IPs:          cfg.NAT1To1IPs,
		DisconnectedTimeout: cfg.DisconnectedTimeout,
		FailedTimeout:       cfg.FailedTimeout,
		KeepAliveInterval:   cfg.KeepAliveInterval,
	}
}

func (s Settings) Configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(s.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: s.ICEServers}}
	}
	return webrtc.Configuration{ICEServers: servers}
}

func NewAPI(s Settings) (*webrtc.API, error) {
	se := webrtc.SettingEngine{LoggerFactory: s.Logger}
	if err := ApplyNetworkSettings(&se, s); err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	configure := s.ConfigureMedia
	if configure == nil {
		configure = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := configure(me); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, s Settings) error {
	if s.PortMin != 0 || s.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(s.PortMin, s.PortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(s.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(s.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if s.DisconnectedTimeout > 0 && s.FailedTimeout > 0 && s.KeepAliveInterval > 0 {
		se.SetICETimeouts(s.DisconnectedTimeout, s.FailedTimeout, s.KeepAliveInterval)
	}
	if s.Net != nil {
		se.SetNet(s.Net)
	}
	return nil
}
