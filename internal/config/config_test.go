package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().SocketAddr, cfg.SocketAddr)
	assert.Equal(t, 49152, cfg.USBMTU)
	assert.Equal(t, 16384, cfg.USBMRU)
}

func TestLoadOverridesFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "muxd.yaml")
	contents := "socket_addr: 127.0.0.1:9999\ninclude_hidden_devices: true\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.SocketAddr)
	assert.True(t, cfg.IncludeHiddenDevices)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, Defaults().USBMTU, cfg.USBMTU, "unset keys must keep their default")
}

func TestLoadToleratesMissingExplicitPath(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err, "an absent config file falls back to defaults rather than erroring")
	assert.Equal(t, Defaults().SocketAddr, cfg.SocketAddr)
}
