// Package config loads the relay daemon configuration from TOML.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// BindMode controls which interfaces the network channel listens on.
type BindMode string

const (
	BindOff      BindMode = "off"
	BindLoopback BindMode = "loopback"
	BindAll      BindMode = "all"
)

const (
	DefaultPort       = 4851
	DefaultSocketPath = "/tmp/hookrelay.sock"
	// Tailscale CGNAT range; peers inside it may be auto-trusted.
	DefaultTrustedCIDR = "100.64.0.0/10"
)

type Config struct {
	SocketPath string   `toml:"socket_path"`
	BindMode   BindMode `toml:"bind_mode"`
	Port       int      `toml:"port"`
	// Secret is the 64-hex-character shared credential for the network channel.
	Secret          string   `toml:"secret"`
	TrustedNetworks bool     `toml:"trusted_networks"`
	TrustedCIDRs    []string `toml:"trusted_cidrs"`
	AdminAddr       string   `toml:"admin_addr"`
	ServiceName     string   `toml:"service_name"`
	Discovery       bool     `toml:"discovery"`

	HeartbeatInterval time.Duration `toml:"-"`
	HeartbeatSeconds  int           `toml:"heartbeat_seconds"`
}

func Default() Config {
	return Config{
		SocketPath:        DefaultSocketPath,
		BindMode:          BindLoopback,
		Port:              DefaultPort,
		TrustedNetworks:   false,
		TrustedCIDRs:      []string{DefaultTrustedCIDR},
		AdminAddr:         "127.0.0.1:4852",
		ServiceName:       "_hookrelay._tcp",
		Discovery:         true,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatSeconds:  30,
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) WithDefaults() Config {
	def := Default()
	if strings.TrimSpace(c.SocketPath) == "" {
		c.SocketPath = def.SocketPath
	}
	if strings.TrimSpace(string(c.BindMode)) == "" {
		c.BindMode = def.BindMode
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if len(c.TrustedCIDRs) == 0 {
		c.TrustedCIDRs = def.TrustedCIDRs
	}
	if strings.TrimSpace(c.AdminAddr) == "" {
		c.AdminAddr = def.AdminAddr
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = def.ServiceName
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = def.HeartbeatSeconds
	}
	c.HeartbeatInterval = time.Duration(c.HeartbeatSeconds) * time.Second
	return c
}

func (c Config) Validate() error {
	switch c.BindMode {
	case BindOff, BindLoopback, BindAll:
	default:
		return fmt.Errorf("config invalid bind_mode %q", c.BindMode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config invalid port %d", c.Port)
	}
	if c.BindMode != BindOff && !c.TrustedNetworks {
		if err := ValidateSecret(c.Secret); err != nil {
			return err
		}
	}
	if c.Secret != "" {
		if err := ValidateSecret(c.Secret); err != nil {
			return err
		}
	}
	for _, cidr := range c.TrustedCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("config invalid trusted cidr %q: %w", cidr, err)
		}
	}
	return nil
}

// ValidateSecret requires the 64-hex-character shared credential shape.
func ValidateSecret(secret string) error {
	if len(secret) != 64 {
		return fmt.Errorf("config secret must be 64 hex characters, got %d", len(secret))
	}
	for _, r := range secret {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return fmt.Errorf("config secret contains non-hex character %q", r)
		}
	}
	return nil
}

// ListenAddr returns the TCP bind address for the configured mode,
// or "" when the network channel is disabled.
func (c Config) ListenAddr() string {
	switch c.BindMode {
	case BindLoopback:
		return fmt.Sprintf("127.0.0.1:%d", c.Port)
	case BindAll:
		return fmt.Sprintf(":%d", c.Port)
	default:
		return ""
	}
}
