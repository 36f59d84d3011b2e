package core

import (
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/payload"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil, koanf.New("."))
	require.NoError(t, err)
	require.Equal(t, "/etc/rpki-rp/tals", cfg.TALDir)
	require.Equal(t, 10*time.Minute, cfg.Refresh)
	require.True(t, cfg.RRDPEnabled)
	require.True(t, cfg.RsyncEnabled)
	require.Equal(t, payload.UnsafeWarn, cfg.UnsafePolicy)
}

func TestLoadConfigFlagsOverrideDefaults(t *testing.T) {
	cfg, err := LoadConfig([]string{
		"--tal-dir", "/tmp/tals",
		"--rsync=false",
		"--unsafe-vrps", "reject",
		"--refresh", "5m",
	}, koanf.New("."))
	require.NoError(t, err)
	require.Equal(t, "/tmp/tals", cfg.TALDir)
	require.False(t, cfg.RsyncEnabled)
	require.Equal(t, payload.UnsafeReject, cfg.UnsafePolicy)
	require.Equal(t, 5*time.Minute, cfg.Refresh)
}

func TestLoadConfigRejectsUnknownUnsafePolicy(t *testing.T) {
	_, err := LoadConfig([]string{"--unsafe-vrps", "bogus"}, koanf.New("."))
	require.Error(t, err)
}

func TestParseLogLevelDefaultsToInfo(t *testing.T) {
	lvl, err := parseLogLevel("")
	require.NoError(t, err)
	require.Equal(t, zerolog.InfoLevel, lvl)
}
