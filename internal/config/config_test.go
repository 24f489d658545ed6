package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 100*time.Millisecond, cfg.TickInterval())
}

func TestLoadOverlaysOnlyDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
addr = ":9999"
tick_rate = 20
heartbeat_timeout_seconds = 5.5
log_sinks = ["console", "json"]
log_json_path = "/tmp/driftmark.log"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Addr)
	require.Equal(t, 20, cfg.TickRate)
	require.Equal(t, 5500*time.Millisecond, cfg.HeartbeatTimeout)
	require.Equal(t, []string{"console", "json"}, cfg.Logging.Sinks)

	// Untouched keys keep their defaults.
	require.Equal(t, Default().MoveSpeed, cfg.MoveSpeed)
	require.Equal(t, Default().CommandCapacity, cfg.CommandCapacity)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"tick rate too high", "tick_rate = 500"},
		{"zero move speed", "move_speed = 0.0"},
		{"unknown sink", `log_sinks = ["syslog"]`},
		{"empty addr", `addr = ""`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
