package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const exampleConfig = `
piecetracker:
  announce_interval: 2m
  peer_lifetime: 10m
  metrics_addr: 127.0.0.1:6880
  http:
    addr: 0.0.0.0:6969
    allow_ip_spoofing: true
    real_ip_header: x-real-ip
  storage:
    name: bolt
    config:
      path: /var/lib/piecetracker/db
  prehooks:
  - name: torrent approval
    options:
      whitelist: [abc]
  mdns:
    enabled: true
`

func writeConfig(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.Nil(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestParseConfigFile(t *testing.T) {
	t.Setenv("PIECETRACKER_DIR", filepath.Dir(writeConfig(t, exampleConfig)))

	cfgFile, err := ParseConfigFile("$PIECETRACKER_DIR/config.yaml")
	require.Nil(t, err)

	cfg := cfgFile.PieceTracker
	require.Equal(t, 2*time.Minute, cfg.AnnounceInterval)
	require.Equal(t, 10*time.Minute, cfg.PeerLifetime)
	require.Equal(t, "127.0.0.1:6880", cfg.MetricsAddr)
	require.Equal(t, "0.0.0.0:6969", cfg.HTTPConfig.Addr)
	require.True(t, cfg.HTTPConfig.AllowIPSpoofing)
	require.Equal(t, "x-real-ip", cfg.HTTPConfig.RealIPHeader)
	require.Equal(t, "bolt", cfg.Storage.Name)
	require.Equal(t, "/var/lib/piecetracker/db", cfg.Storage.Config["path"])
	require.Equal(t, []string{"torrent approval"}, cfg.PreHookNames())
	require.Empty(t, cfg.PostHookNames())
	require.True(t, cfg.MDNS.Enabled)
}

func TestParseConfigFileErrors(t *testing.T) {
	var table = []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing file", filepath.Join(t.TempDir(), "missing.yaml")},
		{"invalid yaml", writeConfig(t, "piecetracker: [")},
		{"no storage", writeConfig(t, "piecetracker:\n  metrics_addr: :6880\n")},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfigFile(tt.path)
			require.NotNil(t, err)
		})
	}
}
