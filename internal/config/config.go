// Package config loads cmd/muxd's daemon-level settings — the concerns
// left to the embedding process (socket path,
// pairing-record directory, MRU/MTU overrides, the default for
// MCE_INCLUDE_HIDDEN_DEVICES) — the same layered-defaults-then-file way
// nasa-jpl-golaborate's cmd/multiserver and cmd/andorhttp3 configure
// their servers with koanf: seed from a struct of defaults, then merge
// in a YAML file if one is present, env var overrides last.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// Config holds cmd/muxd's daemon-level settings.
type Config struct {
	// SocketAddr is the loopback TCP address the client-facing listener
	// binds for local applications.
	SocketAddr string `koanf:"socket_addr"`

	// PairRecordDir is where configstore.Store persists per-UDID pair
	// records and SystemConfiguration.plist.
	PairRecordDir string `koanf:"pair_record_dir"`

	// USBMTU/USBMRU override the default wire-protocol limits, primarily
	// for tests against devices with non-default endpoint sizes.
	USBMTU int `koanf:"usb_mtu"`
	USBMRU int `koanf:"usb_mru"`

	// IncludeHiddenDevices seeds every new client session's default for
	// LISTDEVICES's hidden-device inclusion, before the per-request
	// MCE_INCLUDE_HIDDEN_DEVICES environment variable is consulted.
	IncludeHiddenDevices bool `koanf:"include_hidden_devices"`

	// PreflightDelayMS is how long, in milliseconds, the bundled
	// preflight.AutoAccept waits before marking a freshly attached device
	// visible.
	PreflightDelayMS int `koanf:"preflight_delay_ms"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `koanf:"log_level"`
}

// Defaults returns Config's baseline values, applied before any file or
// environment overrides are layered on.
func Defaults() Config {
	return Config{
		SocketAddr:           "127.0.0.1:27015",
		PairRecordDir:        defaultPairRecordDir(),
		USBMTU:               49152,
		USBMRU:               16384,
		IncludeHiddenDevices: false,
		PreflightDelayMS:     0,
		LogLevel:             "info",
	}
}

func defaultPairRecordDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/go-muxd"
	}
	return "/var/lib/lockdown"
}

// Load builds a Config by layering, in order: Defaults(), the YAML file
// at path (if it exists), then MUXD_-prefixed environment variables
// (e.g. MUXD_SOCKET_ADDR overrides socket_addr) — koanf's standard
// provider-stacking idiom, matching golaborate's setupconfig().
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	envProvider := env.Provider("MUXD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "MUXD_")), "_", "_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
