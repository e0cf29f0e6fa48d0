// Package config holds process-wide host configuration: where plugins
// live on disk and the default timeouts governing spawn, calls, and
// shutdown. There is no mutable global state here — callers build a
// Config and pass it explicitly, matching the spec's "instance-scoped
// to a Manager" design note.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the host process's static configuration.
type Config struct {
	PluginDir      string
	SpawnTimeout   time.Duration
	CallTimeout    time.Duration
	ShutdownGrace  time.Duration
	MaxHistory     int
	LogLevel       string
}

// Defaults returns a Config with the spec's documented defaults:
// spawn_timeout 30s, shutdown_grace 5s, max_history >= 10.
func Defaults() Config {
	return Config{
		PluginDir:     defaultPluginDir(),
		SpawnTimeout:  30 * time.Second,
		CallTimeout:   60 * time.Second,
		ShutdownGrace: 5 * time.Second,
		MaxHistory:    100,
		LogLevel:      "info",
	}
}

// FromEnv overlays environment variables onto Defaults(). Unset
// variables leave the default in place.
func FromEnv() Config {
	cfg := Defaults()
	if v := os.Getenv("PLUGINHOST_PLUGIN_DIR"); v != "" {
		cfg.PluginDir = v
	}
	if v := os.Getenv("PLUGINHOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := parseDuration(os.Getenv("PLUGINHOST_SPAWN_TIMEOUT")); ok {
		cfg.SpawnTimeout = v
	}
	if v, ok := parseDuration(os.Getenv("PLUGINHOST_CALL_TIMEOUT")); ok {
		cfg.CallTimeout = v
	}
	if v, ok := parseDuration(os.Getenv("PLUGINHOST_SHUTDOWN_GRACE")); ok {
		cfg.ShutdownGrace = v
	}
	return cfg
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

func defaultPluginDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cjm/plugins"
	}
	return filepath.Join(home, ".cjm", "plugins")
}
