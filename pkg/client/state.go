package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is what the client persists between runs: the current key and the
// last-known-good token from the most recent accepted online validation.
type State struct {
	LicenseKey  string    `json:"license_key"`
	Token       string    `json:"token,omitempty"`
	ValidatedAt time.Time `json:"validated_at,omitempty"`
}

// FileStore keeps State in a JSON file readable only by the owner.
type FileStore struct {
	path string
}

// NewFileStore stores state at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the saved state, or an empty state when none exists.
func (f *FileStore) Load() (State, error) {
	var s State
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read license state: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode license state: %w", err)
	}
	return s, nil
}

// Save replaces the state file atomically.
func (f *FileStore) Save(s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".license-*")
	if err != nil {
		return fmt.Errorf("write license state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write license state: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
