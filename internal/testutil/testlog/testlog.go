package testlog

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var configureOnce sync.Once

// Start configures the global logger once for test runs and tags the
// current test name.
func Start(t *testing.T) {
	t.Helper()
	configureOnce.Do(func() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	})
	log.Debug().Str("test", t.Name()).Msg("test_start")
}
