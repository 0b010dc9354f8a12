// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mbeema/shimmer/pkg/resolve"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the shimmer proxy. Immutable
// once constructed; a single instance lives for the process lifetime.
type Config struct {
	// OriginalPath is the real library image. Empty means "sibling file
	// with the _original suffix"; see DefaultOriginalPath.
	OriginalPath string `yaml:"original_path" env:"SHIMMER_ORIGINAL_PATH"`

	// EntrySymbol is the life-cycle entry point in the original image.
	EntrySymbol string `yaml:"entry_symbol"`

	// EntryOffset is the fallback when the entry point is not exported.
	// Version-specific and unverified, like any offset.
	EntryOffset HexUint `yaml:"entry_offset"`

	EnableLogging  *bool `yaml:"enable_logging"` // default: true
	EnablePreHook  bool  `yaml:"enable_pre_hook"`
	EnablePostHook bool  `yaml:"enable_post_hook"`

	LogLevel string `yaml:"log_level" env:"SHIMMER_LOG_LEVEL"`
	LogFile  string `yaml:"log_file" env:"SHIMMER_LOG_FILE"`

	// Hooks are the statically configured interceptions, resolved during
	// initialization.
	Hooks []HookSpec `yaml:"hooks"`

	// WatchOriginal warns when the original image changes on disk while
	// loaded (offset hooks are version-specific).
	WatchOriginal bool `yaml:"watch_original"`

	Diag      DiagConfig      `yaml:"diag"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HookSpec configures one interception: exactly one of Name or Offset.
type HookSpec struct {
	Name      string  `yaml:"name"`
	Offset    HexUint `yaml:"offset"`
	Signature string  `yaml:"signature"`
	Enabled   *bool   `yaml:"enabled"` // default: true
}

// Key returns the lookup key for this spec.
func (h *HookSpec) Key() (resolve.Key, error) {
	switch {
	case h.Name != "" && h.Offset != 0:
		return resolve.Key{}, fmt.Errorf("hook %q: name and offset are mutually exclusive", h.Name)
	case h.Name != "":
		return resolve.ByName(h.Name), nil
	case h.Offset != 0:
		return resolve.ByOffset(uintptr(h.Offset)), nil
	default:
		return resolve.Key{}, fmt.Errorf("hook needs a name or an offset")
	}
}

// EnabledOrDefault returns whether the hook is enabled. Defaults to true
// when not explicitly set.
func (h *HookSpec) EnabledOrDefault() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// DiagConfig configures the local diagnostics HTTP server.
type DiagConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" env:"SHIMMER_DIAG_ADDR"`
}

// TelemetryConfig configures OTLP export of proxy events.
type TelemetryConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint" env:"SHIMMER_TELEMETRY_ENDPOINT"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

// HexUint is a uint64 that also accepts "0x"-prefixed YAML strings, the
// natural way to write reverse-engineered offsets.
type HexUint uint64

func (h *HexUint) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" {
		*h = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", node.Value, err)
	}
	*h = HexUint(v)
	return nil
}

// LoggingEnabled returns whether proxy logging is enabled. Defaults to
// true when not explicitly set.
func (c *Config) LoggingEnabled() bool {
	if c.EnableLogging == nil {
		return true
	}
	return *c.EnableLogging
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EntrySymbol: "DllMain",
		LogLevel:    "info",
		LogFile:     "shimmer.log",
		Diag: DiagConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8787",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Insecure: true,
		},
	}
}

// DefaultOriginalPath derives the conventional renamed-original path for
// a shim image: "reflex.dll" -> "reflex_original.dll".
func DefaultOriginalPath(shimPath string) string {
	dir := filepath.Dir(shimPath)
	ext := filepath.Ext(shimPath)
	stem := strings.TrimSuffix(filepath.Base(shimPath), ext)
	return filepath.Join(dir, stem+"_original"+ext)
}

// ApplyEnvOverrides reads SHIMMER_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"SHIMMER_ORIGINAL_PATH":      func(v string) { c.OriginalPath = v },
		"SHIMMER_LOG_LEVEL":          func(v string) { c.LogLevel = v },
		"SHIMMER_LOG_FILE":           func(v string) { c.LogFile = v },
		"SHIMMER_DIAG_ADDR":          func(v string) { c.Diag.Addr = v },
		"SHIMMER_TELEMETRY_ENDPOINT": func(v string) { c.Telemetry.Endpoint = v },
	}

	boolOverrides := map[string]*bool{
		"SHIMMER_ENABLE_PRE_HOOK":   &c.EnablePreHook,
		"SHIMMER_ENABLE_POST_HOOK":  &c.EnablePostHook,
		"SHIMMER_WATCH_ORIGINAL":    &c.WatchOriginal,
		"SHIMMER_DIAG_ENABLED":      &c.Diag.Enabled,
		"SHIMMER_TELEMETRY_ENABLED": &c.Telemetry.Enabled,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	if val := os.Getenv("SHIMMER_ENABLE_LOGGING"); val != "" {
		b := parseBool(val)
		c.EnableLogging = &b
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.EntrySymbol == "" && c.EntryOffset == 0 {
		return fmt.Errorf("entry_symbol or entry_offset is required")
	}

	// Duplicate hook keys are legal (last write wins, with a warning at
	// registration time), so only malformed specs fail validation.
	for i := range c.Hooks {
		if _, err := c.Hooks[i].Key(); err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	if c.Diag.Enabled && c.Diag.Addr == "" {
		return fmt.Errorf("diag.addr is required when diag is enabled")
	}

	return nil
}
