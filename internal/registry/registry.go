// Package registry persists the known-device table and per-device
// preferences as JSON under the XDG data and config directories.
//
// devices.json maps a device MAC to its name, kind and the advertisement
// keys captured over AACP. preferences.json holds user toggles keyed by
// MAC; every preference has a default, so the file may be absent.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	appDir      = "aacpd"
	devicesFile = "devices.json"
	prefsFile   = "preferences.json"

	prefAutoConnect = "autoConnect"
)

var ErrUnknownDevice = errors.New("unknown device")

// LEKeys holds the advertisement keys captured from the accessory, hex
// encoded. EncKey stays empty until the accessory has answered a proximity
// keys request.
type LEKeys struct {
	IRK    string `json:"irk"`
	EncKey string `json:"enc_key"`
}

// Record is one known device.
type Record struct {
	Name string `json:"name"`
	Type string `json:"type"`
	LE   LEKeys `json:"le"`
}

// Store is the on-disk registry. All methods are safe for concurrent use;
// mutating calls persist before returning.
type Store struct {
	mu          sync.Mutex
	log         logrus.FieldLogger
	devicesPath string
	prefsPath   string

	devices map[string]Record
	prefs   map[string]map[string]bool
}

// Open loads the registry from the standard XDG locations.
func Open(log logrus.FieldLogger) (*Store, error) {
	return OpenAt(log,
		filepath.Join(dataHome(), appDir, devicesFile),
		filepath.Join(configHome(), appDir, prefsFile))
}

// OpenAt loads the registry from explicit file paths. Missing files mean an
// empty registry; unreadable ones are an error rather than silently starting
// over, since every mutation writes the table back.
func OpenAt(log logrus.FieldLogger, devicesPath, prefsPath string) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{
		log:         log,
		devicesPath: devicesPath,
		prefsPath:   prefsPath,
		devices:     make(map[string]Record),
		prefs:       make(map[string]map[string]bool),
	}

	if err := loadJSON(devicesPath, &s.devices); err != nil {
		return nil, fmt.Errorf("load %s: %w", devicesPath, err)
	}
	if err := loadJSON(prefsPath, &s.prefs); err != nil {
		return nil, fmt.Errorf("load %s: %w", prefsPath, err)
	}

	normalized := make(map[string]Record, len(s.devices))
	for mac, rec := range s.devices {
		normalized[normalizeMAC(mac)] = rec
	}
	s.devices = normalized

	return s, nil
}

// Records returns a copy of the device table keyed by MAC.
func (s *Store) Records() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.devices))
	for mac, rec := range s.devices {
		out[mac] = rec
	}
	return out
}

// Lookup finds one device by MAC.
func (s *Store) Lookup(mac string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[normalizeMAC(mac)]
	return rec, ok
}

// Remember creates or updates a device record and persists the table.
// An empty name or key field keeps whatever was stored before.
func (s *Store) Remember(mac, name string, keys LEKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeMAC(mac)
	rec := s.devices[key]
	if rec.Type == "" {
		rec.Type = "AirPods"
	}
	if name != "" {
		rec.Name = name
	}
	if keys.IRK != "" {
		rec.LE.IRK = keys.IRK
	}
	if keys.EncKey != "" {
		rec.LE.EncKey = keys.EncKey
	}
	s.devices[key] = rec

	s.log.WithField("mac", key).Debug("device record updated")
	return saveJSON(s.devicesPath, s.devices)
}

// SetName renames a known device.
func (s *Store) SetName(mac, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeMAC(mac)
	rec, ok := s.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	rec.Name = name
	s.devices[key] = rec
	return saveJSON(s.devicesPath, s.devices)
}

// AutoConnect reports whether the daemon may connect to a device on its own
// when an advertisement says it is disconnected. Defaults to true.
func (s *Store) AutoConnect(mac string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prefs, ok := s.prefs[normalizeMAC(mac)]; ok {
		if v, ok := prefs[prefAutoConnect]; ok {
			return v
		}
	}
	return true
}

// SetAutoConnect persists the auto-connect preference for one device.
func (s *Store) SetAutoConnect(mac string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeMAC(mac)
	if s.prefs[key] == nil {
		s.prefs[key] = make(map[string]bool)
	}
	s.prefs[key][prefAutoConnect] = enabled
	return saveJSON(s.prefsPath, s.prefs)
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

func loadJSON(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// saveJSON writes through a temp file in the same directory so a crash
// mid-write never leaves a truncated table. Files hold key material and are
// created user-only.
func saveJSON(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".registry-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func dataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func configHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}
