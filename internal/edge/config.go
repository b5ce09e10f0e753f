package edge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the edge process configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Frame  FrameConfig  `yaml:"frame"`
}

// ListenConfig specifies the three addresses the edge binds.
type ListenConfig struct {
	// PublicAddr accepts end-user TCP connections.
	PublicAddr string `yaml:"public_addr"`
	// ControlAddr accepts the agent's outbound control connection(s).
	ControlAddr string `yaml:"control_addr"`
	// AdminAddr serves the operator-facing health/session/event surface.
	AdminAddr string `yaml:"admin_addr"`
}

// FrameConfig controls framing limits enforced by the edge.
type FrameConfig struct {
	// MaxPayload bounds a single read from a user socket before it is
	// wrapped into a DATA frame.
	MaxPayload int `yaml:"max_payload"`
}

// LoadConfig reads and parses an edge configuration file, filling in
// defaults for anything left unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Listen: ListenConfig{
			PublicAddr:  ":25566",
			ControlAddr: ":12345",
			AdminAddr:   ":8088",
		},
		Frame: FrameConfig{MaxPayload: 1024},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Listen.PublicAddr == "" {
		return nil, fmt.Errorf("listen.public_addr is required")
	}
	if cfg.Listen.ControlAddr == "" {
		return nil, fmt.Errorf("listen.control_addr is required")
	}
	if cfg.Frame.MaxPayload <= 0 {
		return nil, fmt.Errorf("frame.max_payload must be positive")
	}
	return cfg, nil
}
