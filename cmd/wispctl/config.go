package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/phantomhost/phantomctl/internal/config"
	"github.com/phantomhost/phantomctl/internal/wisp"
)

type agentConfig struct {
	wisp           wisp.Config
	upstreamBase   string
	allowedHosts   []string
	checkpointPath string
}

// wispctl loader for TOML config with default overlay.
func loadAgentConfig(path string) (agentConfig, error) {
	var raw config.WispConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agentConfig{}, fmt.Errorf("load wisp config: %w", err)
	}
	if err := config.ValidateWispConfig(raw); err != nil {
		return agentConfig{}, fmt.Errorf("load wisp config: %w", err)
	}

	out := agentConfig{
		wisp: wisp.Config{
			RelayBase: strings.TrimSpace(raw.RelayBase),
			ScopeID:   strings.TrimSpace(raw.ScopeID),
			NodeID:    strings.TrimSpace(raw.NodeID),
			Token:     strings.TrimSpace(raw.Token),
		},
		upstreamBase:   strings.TrimSpace(raw.UpstreamBase),
		allowedHosts:   raw.AllowedHosts,
		checkpointPath: strings.TrimSpace(raw.CheckpointPath),
	}
	if meta.IsDefined("poll_idle_ms") {
		out.wisp.PollIdle = time.Duration(raw.PollIdleMs) * time.Millisecond
	}
	return out, nil
}
