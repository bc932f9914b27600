package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/tunnelctl/internal/util"
)

const (
	settingsFile    = "settings.yaml"
	deviceFile      = "device.yaml"
	lastAccountFile = "last-account"
)

// Store persists settings and device state.
type Store interface {
	LoadSettings() (Settings, error)
	SaveSettings(Settings) error
	LoadDeviceState() (DeviceState, error)
	SaveDeviceState(DeviceState) error
	LastUsedAccount() (string, error)
	SetLastUsedAccount(account string) error
	RemoveLastUsedAccount() error
}

// FileStore keeps each value in its own file under a directory. Every write
// replaces the file atomically.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string { return s.dir }

// LoadSettings reads the settings file. A missing file yields Default().
func (s *FileStore) LoadSettings() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Default()
	if err := s.readYAML(settingsFile, &out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Settings{}, err
	}
	return out, nil
}

// SaveSettings writes the settings file.
func (s *FileStore) SaveSettings(v Settings) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeYAML(settingsFile, v)
}

// LoadDeviceState reads the device file. A missing file yields LoggedOut().
func (s *FileStore) LoadDeviceState() (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out DeviceState
	if err := s.readYAML(deviceFile, &out); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoggedOut(), nil
		}
		return DeviceState{}, err
	}
	return out, nil
}

// SaveDeviceState writes the device file.
func (s *FileStore) SaveDeviceState(v DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeYAML(deviceFile, v)
}

// LastUsedAccount returns the last account number used to log in, or "".
func (s *FileStore) LastUsedAccount() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, lastAccountFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read last used account: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetLastUsedAccount records the account number.
func (s *FileStore) SetLastUsedAccount(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := util.WriteFileAtomic(filepath.Join(s.dir, lastAccountFile), []byte(account+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to save last used account: %w", err)
	}
	return nil
}

// RemoveLastUsedAccount forgets the account number. Removing an absent
// record is not an error.
func (s *FileStore) RemoveLastUsedAccount() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, lastAccountFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove last used account: %w", err)
	}
	return nil
}

func (s *FileStore) readYAML(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) writeYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := util.WriteFileAtomic(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}
