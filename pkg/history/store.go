package history

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"shelfscan/pkg/config"
)

// KeyValue is the local state storage the history lives in.
type KeyValue interface {
	// Get reports false when key was never set.
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// NewStore returns the in-memory store for the Core camera and the disk store
// otherwise, mirroring whether the scanner touches the filesystem at all.
func NewStore(cfg *config.Config) (KeyValue, error) {
	if cfg.CameraType == config.CamCore {
		return NewCoreStore(), nil
	}
	return NewDiskStore(cfg.StatePath)
}

// CoreStore keeps values in memory.
type CoreStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewCoreStore() *CoreStore {
	return &CoreStore{values: make(map[string][]byte)}
}

func (s *CoreStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return append([]byte(nil), v...), ok, nil
}

func (s *CoreStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// DiskStore keeps one JSON file per key in a directory.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the directory if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create state directory %s: %w", dir, err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("invalid state key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *DiskStore) Get(key string) ([]byte, bool, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set replaces the file atomically so a crash never leaves half a list behind.
func (s *DiskStore) Set(key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}
