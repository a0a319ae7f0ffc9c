// Package devicestore persists the list of known irrigation controllers and
// the one most recently connected.
package devicestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/util"
)

const fileName = "known_devices.json"

// Device is a known peripheral
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LastSeen int64  `json:"last_seen,omitempty"` // unix seconds
}

type storeFile struct {
	Devices       []Device `json:"devices"`
	LastConnected string   `json:"last_connected,omitempty"`
}

// Store is a JSON file of known devices
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store under dir. Nothing is written until the first change.
func New(dir string) *Store {
	return &Store{path: filepath.Join(dir, fileName)}
}

// NewDefault creates a store in the data directory
func NewDefault() *Store {
	return New(util.GetDataDir())
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// Load returns the known devices in the order they were added
func (s *Store) Load() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	return f.Devices, nil
}

// Save replaces the device list. The last-connected id is kept if that
// device is still listed.
func (s *Store) Save(devices []Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	f.Devices = append([]Device(nil), devices...)
	if !contains(f.Devices, f.LastConnected) {
		f.LastConnected = ""
	}
	return s.write(f)
}

// Add inserts or updates a device by id
func (s *Store) Add(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.LastSeen == 0 {
		d.LastSeen = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range f.Devices {
		if f.Devices[i].ID == d.ID {
			f.Devices[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		f.Devices = append(f.Devices, d)
		logger.Info("Store", "💾 Remembering %s (%s)", util.ShortID(d.ID), d.Name)
	}
	return s.write(f)
}

// Remove forgets a device. Removing an unknown id is not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	kept := f.Devices[:0]
	for _, d := range f.Devices {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	f.Devices = kept
	if f.LastConnected == id {
		f.LastConnected = ""
	}
	return s.write(f)
}

// IDs returns the known device ids, for scan filters
func (s *Store) IDs() ([]string, error) {
	devices, err := s.Load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return ids, nil
}

// LastConnected returns the id to reconnect to at startup, or ""
func (s *Store) LastConnected() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return "", err
	}
	return f.LastConnected, nil
}

// SetLastConnected records id as the startup reconnect target. The id must
// be known; "" clears it.
func (s *Store) SetLastConnected(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if id != "" && !contains(f.Devices, id) {
		return fmt.Errorf("device %s is not known", id)
	}
	f.LastConnected = id
	return s.write(f)
}

func (s *Store) read() (*storeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &storeFile{Devices: []Device{}}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", fileName, err)
	}
	if f.Devices == nil {
		f.Devices = []Device{}
	}
	return &f, nil
}

func (s *Store) write(f *storeFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", fileName, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", fileName, err)
	}
	return nil
}

func contains(devices []Device, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
