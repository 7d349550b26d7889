package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's YAML configuration. Every field has a workable
// default; a missing config file means a default run.
type Config struct {
	LogLevel    string `yaml:"log_level" default:"info"`
	AdapterPath string `yaml:"adapter" default:"/org/bluez/hci0"`

	// SocketPath is where the control API listens. Empty picks
	// $XDG_RUNTIME_DIR/aacpd.sock.
	SocketPath string `yaml:"socket"`

	// CapturePath enables the CBOR frame log when set. One file is
	// written per device, the MAC is folded into the name.
	CapturePath string `yaml:"capture_file"`

	// SettleDelay is the pause between handshake steps.
	SettleDelay time.Duration `yaml:"settle_delay" default:"100ms"`

	// ReconnectCommand is the CLI tool the BLE monitor shells out to for
	// auto-reconnects.
	ReconnectCommand string `yaml:"reconnect_command" default:"bluetoothctl"`
}

// DefaultConfigPath is where LoadConfig looks when no --config is given.
func DefaultConfigPath() string {
	return filepath.Join(configHome(), "aacpd", "config.yaml")
}

// DefaultSocketPath is the control socket location, per-user.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "aacpd.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("aacpd-%d.sock", os.Getuid()))
}

// LoadConfig reads the YAML config at path. An empty path means the default
// location, where a missing file is fine; an explicit path must exist.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	defaults.SetDefaults(&cfg)

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, fmt.Errorf("config log_level: %w", err)
	}
	if cfg.SettleDelay < 0 {
		return cfg, fmt.Errorf("config settle_delay must not be negative")
	}
	return cfg, nil
}

// NewLogger builds the process logger from the configured level.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
	return log
}

func configHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}
