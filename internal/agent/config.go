package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	Edge    EdgeConfig    `yaml:"edge"`
	Backend BackendConfig `yaml:"backend"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
}

// EdgeConfig specifies the edge's control-port address.
type EdgeConfig struct {
	ControlAddr string `yaml:"control_addr"`
}

// BackendConfig specifies the local TCP service the agent dials per session.
type BackendConfig struct {
	Addr string `yaml:"addr"`
}

// ProxyConfig optionally routes the control-channel dial through a
// socks5/http-connect proxy, the way a deployment sitting behind a second
// layer of NAT or corporate egress filtering would need.
type ProxyConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TunnelConfig controls keep-alive and hot-swap timing.
type TunnelConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	SwapInterval      time.Duration `yaml:"swap_interval"`
	SwapBackoff       time.Duration `yaml:"swap_backoff"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// LoadConfig reads and parses an agent configuration file, filling in
// defaults for anything left unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Proxy: ProxyConfig{Timeout: 10 * time.Second},
		Tunnel: TunnelConfig{
			PingInterval:      5 * time.Second,
			PongTimeout:       30 * time.Second,
			SwapInterval:      3600 * time.Second,
			SwapBackoff:       300 * time.Second,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 60 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Edge.ControlAddr == "" {
		return nil, fmt.Errorf("edge.control_addr is required")
	}
	if cfg.Backend.Addr == "" {
		return nil, fmt.Errorf("backend.addr is required")
	}
	return cfg, nil
}
