// Package discovery advertises the viewer endpoint over mDNS so that HMI
// panels on the plant network can find the bridge without a fixed address.
package discovery

import (
	"fmt"

	"github.com/enbility/zeroconf/v3"
	"github.com/rs/zerolog"

	"github.com/plc-bridge/backend/internal/config"
)

// Advertiser holds one registered service.
type Advertiser struct {
	server *zeroconf.Server
	log    zerolog.Logger
}

// TXT describes the endpoint in the service's TXT record.
type TXT struct {
	Path     string
	Version  string
	Upstream string
}

func (t TXT) records() []string {
	var out []string
	add := func(k, v string) {
		if v != "" {
			out = append(out, k+"="+v)
		}
	}
	add("path", t.Path)
	add("version", t.Version)
	add("upstream", t.Upstream)
	return out
}

// Advertise registers cfg.Instance on every interface for port.
func Advertise(cfg config.DiscoveryConfig, port int, txt TXT, log zerolog.Logger) (*Advertiser, error) {
	if port <= 0 {
		return nil, fmt.Errorf("advertise %s: invalid port %d", cfg.Service, port)
	}
	server, err := zeroconf.Register(cfg.Instance, cfg.Service, cfg.Domain, port, txt.records(), nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", cfg.Service, err)
	}
	log.Info().Str("instance", cfg.Instance).Str("service", cfg.Service).Int("port", port).Msg("mdns advertised")
	return &Advertiser{server: server, log: log}, nil
}

func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Info().Msg("mdns stopped")
}
