// Package session persists the agent runtime's opaque session identifier so a
// later run can resume the same conversation.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSession reports that no identifier has been persisted yet.
var ErrNoSession = errors.New("no persisted session id")

// Store reads and writes the session-id file.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Save overwrites the file with exactly id.
func (s *Store) Save(id string) error {
	if s == nil || s.path == "" {
		return errors.New("session store path is empty")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("session id must not be empty")
	}

	// Write through a sibling temp file so readers never see a partial id.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(id); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Load returns the persisted identifier or ErrNoSession.
func (s *Store) Load() (string, error) {
	if s == nil || s.path == "" {
		return "", ErrNoSession
	}
	// #nosec G304 -- path is derived from the configured workdir.
	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoSession
		}
		return "", fmt.Errorf("read session file: %w", err)
	}
	id := strings.TrimSpace(string(content))
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}
