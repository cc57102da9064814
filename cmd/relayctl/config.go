package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/phantomhost/phantomctl/internal/config"
	"github.com/phantomhost/phantomctl/internal/relay"
)

// relayctl loader for TOML config with default overlay. Only keys the
// file actually defines override the runtime defaults.
func loadServerConfig(path string) (relay.ServerConfig, error) {
	cfg := relay.DefaultServerConfig()

	var raw config.RelayConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relay.ServerConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	if err := config.ValidateRelayConfig(applyFileDefaults(raw)); err != nil {
		return relay.ServerConfig{}, fmt.Errorf("load relay config: %w", err)
	}

	if meta.IsDefined("relay_id") {
		cfg.RelayID = strings.TrimSpace(raw.RelayID)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("node_token") {
		cfg.NodeToken = strings.TrimSpace(raw.NodeToken)
	}
	if meta.IsDefined("fallback_origin") {
		cfg.FallbackOrigin = strings.TrimSpace(raw.FallbackOrigin)
	}
	if meta.IsDefined("ingress_deadline_sec") {
		cfg.IngressDeadline = time.Duration(raw.IngressDeadlineSec) * time.Second
	}
	if meta.IsDefined("enqueue_timeout_sec") {
		cfg.Broker.EnqueueTimeout = time.Duration(raw.EnqueueTimeoutSec) * time.Second
	}
	if meta.IsDefined("lease_window_sec") {
		cfg.Broker.LeaseWindow = time.Duration(raw.LeaseWindowSec) * time.Second
	}
	return cfg, nil
}

func applyFileDefaults(raw config.RelayConfig) config.RelayConfig {
	if raw.RelayID == "" {
		raw.RelayID = "relay.local"
	}
	if raw.Addr == "" {
		raw.Addr = ":9400"
	}
	return raw
}
