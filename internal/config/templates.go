package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "wisp":
		return wispTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `relay_id = "relay.local"
addr = ":9400"
cors_origins = ["http://localhost:3000"]
node_token = ""

fallback_origin = ""
ingress_deadline_sec = 12
enqueue_timeout_sec = 10
lease_window_sec = 15
`

const wispTemplate = `relay_base = "http://localhost:9400"
scope_id = "siteA"
node_id = ""
token = ""

upstream_base = "http://localhost:8080"
allowed_hosts = []
checkpoint_path = "local/wisp-checkpoints.db"
poll_idle_ms = 250
`
