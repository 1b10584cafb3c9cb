package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :9000\nbootnodes: [a.example:1]\n"), 0o600))

	cfg, err := loadConfig(Flags{
		ConfigFile: path,
		KeyFile:    "other.key",
		Bootnodes:  []string{"b.example:2"},
		MDNS:       true,
		LogLevel:   "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "other.key", cfg.KeyFile)
	assert.Equal(t, []string{"a.example:1", "b.example:2"}, cfg.Bootnodes)
	assert.True(t, cfg.MDNS.Enabled)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsBadOverride(t *testing.T) {
	_, err := loadConfig(Flags{LogLevel: "chatty"})
	assert.Error(t, err)

	_, err = loadConfig(Flags{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
