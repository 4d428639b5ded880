package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
)

// VirtualLAN is an in-process network for running several peers without touching host interfaces.
type VirtualLAN struct {
	router *vnet.Router
	nets   []*vnet.Net
}

// NewVirtualLAN starts a router on 10.0.0.0/24 with n hosts at 10.0.0.1 onwards.
func NewVirtualLAN(n int) (*VirtualLAN, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return nil, fmt.Errorf("new router: %w", err)
	}
	lan := &VirtualLAN{router: router}
	for i := 0; i < n; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			return nil, fmt.Errorf("new net %s: %w", ip, err)
		}
		if err := router.AddNet(nw); err != nil {
			return nil, fmt.Errorf("add net %s: %w", ip, err)
		}
		lan.nets = append(lan.nets, nw)
	}
	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("start router: %w", err)
	}
	return lan, nil
}

// Settings returns settings for host i with no ICE servers; STUN is unreachable on the virtual LAN.
func (l *VirtualLAN) Settings(i int) Settings {
	return Settings{Net: l.nets[i]}
}

func (l *VirtualLAN) Stop() error {
	return l.router.Stop()
}
