package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// RelayConfig is the on-disk shape for a relay process.
type RelayConfig struct {
	RelayID     string   `toml:"relay_id"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	NodeToken   string   `toml:"node_token"`

	FallbackOrigin     string `toml:"fallback_origin"`
	IngressDeadlineSec int    `toml:"ingress_deadline_sec"`
	EnqueueTimeoutSec  int    `toml:"enqueue_timeout_sec"`
	LeaseWindowSec     int    `toml:"lease_window_sec"`
}

// WispConfig is the on-disk shape for a node agent.
type WispConfig struct {
	RelayBase string `toml:"relay_base"`
	ScopeID   string `toml:"scope_id"`
	NodeID    string `toml:"node_id"`
	Token     string `toml:"token"`

	UpstreamBase   string   `toml:"upstream_base"`
	AllowedHosts   []string `toml:"allowed_hosts"`
	CheckpointPath string   `toml:"checkpoint_path"`
	PollIdleMs     int      `toml:"poll_idle_ms"`
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	var cfg RelayConfig
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if cfg.RelayID == "" {
		cfg.RelayID = "relay.local"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9400"
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func LoadWispConfig(path string) (WispConfig, error) {
	var cfg WispConfig
	if err := loadToml(path, &cfg); err != nil {
		return WispConfig{}, err
	}
	if err := ValidateWispConfig(cfg); err != nil {
		return WispConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.RelayID) == "" {
		return fmt.Errorf("relay config missing relay_id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("relay config missing addr")
	}
	if cfg.IngressDeadlineSec < 0 || cfg.EnqueueTimeoutSec < 0 || cfg.LeaseWindowSec < 0 {
		return fmt.Errorf("relay config timeouts must be non-negative")
	}
	if cfg.IngressDeadlineSec > 0 && cfg.EnqueueTimeoutSec > 0 &&
		cfg.IngressDeadlineSec <= cfg.EnqueueTimeoutSec {
		return fmt.Errorf("ingress_deadline_sec must exceed enqueue_timeout_sec to leave fallback headroom")
	}
	return nil
}

func ValidateWispConfig(cfg WispConfig) error {
	if strings.TrimSpace(cfg.RelayBase) == "" {
		return fmt.Errorf("wisp config missing relay_base")
	}
	if strings.TrimSpace(cfg.ScopeID) == "" {
		return fmt.Errorf("wisp config missing scope_id")
	}
	if strings.TrimSpace(cfg.UpstreamBase) == "" {
		return fmt.Errorf("wisp config missing upstream_base")
	}
	if cfg.PollIdleMs < 0 {
		return fmt.Errorf("wisp config poll_idle_ms must be non-negative")
	}
	return nil
}

// IngressDeadline converts the configured seconds, zero meaning default.
func (c RelayConfig) IngressDeadline() time.Duration {
	return time.Duration(c.IngressDeadlineSec) * time.Second
}

func (c RelayConfig) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutSec) * time.Second
}

func (c RelayConfig) LeaseWindow() time.Duration {
	return time.Duration(c.LeaseWindowSec) * time.Second
}

func (c WispConfig) PollIdle() time.Duration {
	return time.Duration(c.PollIdleMs) * time.Millisecond
}
