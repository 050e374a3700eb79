package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Snapshot is the persisted client state written by the login flow.
type Snapshot struct {
	Token    string `yaml:"token"`
	Locality string `yaml:"city"`
}

// FileStore reads the client state file on every call so that a fresh login is
// picked up without restarting. It never writes the file.
type FileStore struct {
	path            string
	defaultLocality string
}

func NewFileStore(path, defaultLocality string) *FileStore {
	return &FileStore{path: path, defaultLocality: defaultLocality}
}

// Load returns the current token and locality. A missing file yields an empty token.
func (s *FileStore) Load() (Snapshot, error) {
	snap := Snapshot{}
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Snapshot{Locality: s.defaultLocality}, fmt.Errorf("read client state: %w", err)
		default:
			if err := yaml.Unmarshal(data, &snap); err != nil {
				return Snapshot{Locality: s.defaultLocality}, fmt.Errorf("parse client state: %w", err)
			}
		}
	}
	snap.Token = strings.TrimSpace(snap.Token)
	snap.Locality = strings.TrimSpace(snap.Locality)
	if snap.Locality == "" {
		snap.Locality = s.defaultLocality
	}
	return snap, nil
}

// Static is a fixed snapshot, handy for tests and single-user setups.
type Static Snapshot

func (s Static) Load() (Snapshot, error) { return Snapshot(s), nil }
