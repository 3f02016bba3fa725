// Package config loads and saves the TOML configuration for the secmon
// daemon. It mirrors the three-phase load/defaults/validate shape of the
// teacher's YAML loader (_examples/bobbydeveaux-starbucks-mugs's
// internal/config/config.go), adapted to TOML per spec.md §6 and to the
// field set defined by original_source/src/config.rs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure for the secmon daemon.
type Config struct {
	SocketPath       string `toml:"socket_path"`
	LogLevel         string `toml:"log_level"`
	DisplayLocalTime bool   `toml:"display_local_time"`

	// AuditLogPath, if non-empty, enables a tamper-evident hash-chained
	// audit trail of every published SecurityEvent (see internal/audit).
	AuditLogPath string `toml:"audit_log_path"`

	Notifications NotificationConfig `toml:"notifications"`
	NetworkIDS    NetworkIDSConfig   `toml:"network_ids"`

	Watches  []WatchConfig `toml:"watches"`
	Triggers []TriggerRule `toml:"triggers"`
}

// NotificationConfig controls client-side desktop notification behavior.
type NotificationConfig struct {
	Enabled     bool   `toml:"enabled"`
	DbusEnabled bool   `toml:"dbus_enabled"`
	MinSeverity string `toml:"min_severity"`
	TimeoutMs   int    `toml:"timeout_ms"`
}

// NetworkIDSConfig controls the optional network-IDS extension (spec.md
// §4.C) and the reserved/experimental ICMP path (spec.md §9).
type NetworkIDSConfig struct {
	Enabled           bool `toml:"enabled"`
	PortScanThreshold int  `toml:"port_scan_threshold"`
	ScanWindowSeconds int  `toml:"scan_window_seconds"`
	PingThreshold     int  `toml:"ping_threshold"`
	MonitorICMP       bool `toml:"monitor_icmp"`
	AlertOnDiscovery  bool `toml:"alert_on_discovery"`
}

// WatchConfig describes one filesystem path the watcher should monitor
// (spec.md §3, §4.B).
type WatchConfig struct {
	Path         string `toml:"path"`
	Description  string `toml:"description"`
	Enabled      bool   `toml:"enabled"`
	Recursive    bool   `toml:"recursive"`
	Pattern      bool   `toml:"pattern"`
	AutoDiscover string `toml:"auto_discover"`
}

// TriggerRule describes one configured action (spec.md §3, §4.H).
type TriggerRule struct {
	Name            string   `toml:"name"`
	Enabled         bool     `toml:"enabled"`
	EventTypes      []string `toml:"event_types"`
	MinSeverity     string   `toml:"min_severity"`
	Command         string   `toml:"command"`
	Args            []string `toml:"args"`
	RunAsync        bool     `toml:"run_async"`
	CooldownSeconds int      `toml:"cooldown_seconds"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// ValidLogLevel reports whether level is one of the accepted log_level
// values. Exported so callers overriding LogLevel after Load (e.g. the
// --log-level CLI flag) can re-validate without duplicating this table.
func ValidLogLevel(level string) bool {
	return validLogLevels[level]
}

// defaultSocketPath resolves the default socket path the same way the Rust
// original does: XDG_RUNTIME_DIR if set, else /tmp/secmon-<user>.sock.
func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "secmon.sock")
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	return fmt.Sprintf("/tmp/secmon-%s.sock", user)
}

// Default returns the configuration written to disk when no config file is
// found, matching original_source/src/config.rs's Default impl: camera/
// audio auto-discovered watches, SSH and home directory watches, and the
// four default notification triggers.
func Default() *Config {
	return &Config{
		SocketPath:       defaultSocketPath(),
		LogLevel:         "info",
		DisplayLocalTime: false,
		AuditLogPath:     "/var/log/secmon/audit.log",
		Notifications: NotificationConfig{
			Enabled:     true,
			DbusEnabled: true,
			MinSeverity: "Medium",
			TimeoutMs:   5000,
		},
		NetworkIDS: NetworkIDSConfig{
			Enabled:           true,
			PortScanThreshold: 10,
			ScanWindowSeconds: 60,
			PingThreshold:     5,
			MonitorICMP:       false,
			AlertOnDiscovery:  true,
		},
		Watches: []WatchConfig{
			{Path: "/dev/video*", Description: "video devices", Enabled: true, AutoDiscover: "video"},
			{Path: "/dev/snd/*", Description: "audio devices", Enabled: true, AutoDiscover: "audio"},
			{Path: "/tmp/.pulse*", Description: "pulseaudio runtime", Enabled: true, Pattern: true},
			{Path: "/home", Description: "home directories", Enabled: true, Recursive: true},
			{Path: "/etc/ssh", Description: "ssh configuration", Enabled: true, Recursive: true},
			{Path: "/var/log/auth.log", Description: "authentication log", Enabled: true},
		},
		Triggers: []TriggerRule{
			{
				Name: "Camera Access Alert", Enabled: true,
				EventTypes: []string{"CameraAccess"}, MinSeverity: "High",
				Command: "logger", Args: []string{"-t", "secmon", "{description}"},
				RunAsync: true, CooldownSeconds: 5,
			},
			{
				Name: "SSH Access Alert", Enabled: true,
				EventTypes: []string{"SshAccess"}, MinSeverity: "Critical",
				Command: "logger", Args: []string{"-t", "secmon", "{description}"},
				RunAsync: true, CooldownSeconds: 10,
			},
			{
				Name: "Port Scan Alert", Enabled: true,
				EventTypes: []string{"PortScanDetected"}, MinSeverity: "High",
				Command: "logger", Args: []string{"-t", "secmon", "{description}"},
				RunAsync: true, CooldownSeconds: 30,
			},
			{
				Name: "Network Discovery Alert", Enabled: true,
				EventTypes: []string{"NetworkDiscovery"}, MinSeverity: "Medium",
				Command: "logger", Args: []string{"-t", "secmon", "{description}"},
				RunAsync: true, CooldownSeconds: 60,
			},
		},
	}
}

// Load reads the TOML file at path, applies defaults, and validates the
// result. If the file does not exist, Default() is written to path and
// returned, matching spec.md §6 ("Missing file ⇒ defaults written to disk").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("config: writing default config to %q: %w", path, err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return cfg, nil
}

// Save serializes cfg as TOML and writes it to path, creating parent
// directories as needed.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %q: %w", dir, err)
		}
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values, joining every failure into a
// single error exactly as the teacher's config.validate does.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.SocketPath == "" {
		errs = append(errs, errors.New("socket_path must not be empty"))
	}

	for i, w := range cfg.Watches {
		if w.Path == "" {
			errs = append(errs, fmt.Errorf("watches[%d]: path is required", i))
		}
	}

	for i, t := range cfg.Triggers {
		prefix := fmt.Sprintf("triggers[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if t.Command == "" {
			errs = append(errs, fmt.Errorf("%s: command is required", prefix))
		}
	}

	return errors.Join(errs...)
}
