package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process-wide console logger under the given
// role identity ("relay.eu1", "wisp.siteA"). The role prefix before the
// first dot is broken out as its own field so relay and wisp lines can
// be split in aggregate.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	role := app
	if i := strings.IndexByte(app, '.'); i > 0 {
		role = app[:i]
	}
	logger := zerolog.New(output).With().
		Timestamp().
		Str("app", app).
		Str("role", role).
		Logger()
	log.Logger = logger
	return logger
}

// NodeLogger derives a wisp-side logger tagged with the scope it serves
// and the node identity it registered under, and installs it as the
// global so the agent's package-level logging carries both.
func NodeLogger(scope, nodeID string) zerolog.Logger {
	logger := log.Logger.With().
		Str("scope", scope).
		Str("node_id", nodeID).
		Logger()
	log.Logger = logger
	return logger
}
