// Package credential provides the access key sent with every session request.
//
// The key is read from local storage at call time, never cached, so a key
// rotated by another process is picked up by the next request.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrNoKey is returned when no key has been stored.
var ErrNoKey = errors.New("no access key stored")

// Store supplies the current access key.
type Store interface {
	Key() (string, error)
}

// Static is a Store holding a fixed key.
type Static string

// Key returns the fixed key, or ErrNoKey if it is empty.
func (s Static) Key() (string, error) {
	if s == "" {
		return "", ErrNoKey
	}
	return string(s), nil
}

// fileContents is the on-disk layout of a credentials file.
type fileContents struct {
	Key string `yaml:"key"`
}

// FileStore reads the key from a YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for path. A leading "~/" is expanded to
// the user's home directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("credentials path is required")
	}
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: expanded}, nil
}

// Path returns the resolved file path.
func (s *FileStore) Path() string {
	return s.path
}

// Key reads the key from disk.
func (s *FileStore) Key() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("read credentials file: %w", err)
	}

	var fc fileContents
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return "", fmt.Errorf("parse credentials file: %w", err)
	}
	if fc.Key == "" {
		return "", ErrNoKey
	}
	return fc.Key, nil
}

// Save writes key to disk, readable by the owner only.
func (s *FileStore) Save(key string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	data, err := yaml.Marshal(fileContents{Key: key})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

// Clear removes the stored key.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials file: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
