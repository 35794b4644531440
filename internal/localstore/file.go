package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// FileStore keeps every key in one JSON document. Each operation re-reads the
// file under a flock so several processes can share it.
type FileStore struct {
	path     string
	lockPath string

	mu     sync.Mutex
	closed bool
}

type fileStoreState struct {
	Values map[string]string `json:"values"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{path: path, lockPath: path + ".lock"}
	// Surface a corrupt file at open time rather than on first use.
	if err := s.withLock(unix.LOCK_SH, func() error {
		_, err := s.load()
		return err
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.withLock(unix.LOCK_SH, func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		raw, ok := state.Values[key]
		if !ok {
			return ErrNotFound
		}
		value = []byte(raw)
		return nil
	})
	return value, err
}

func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.withLock(unix.LOCK_EX, func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		state.Values[key] = string(value)
		return s.saveLocked(state)
	})
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.withLock(unix.LOCK_EX, func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		if _, ok := state.Values[key]; !ok {
			return nil
		}
		delete(state.Values, key)
		return s.saveLocked(state)
	})
}

func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.withLock(unix.LOCK_SH, func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		keys = make([]string, 0, len(state.Values))
		for key := range state.Values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return nil
	})
	return keys, err
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) withLock(how int, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lockFile.Close()
	if err := unix.Flock(int(lockFile.Fd()), how); err != nil {
		return err
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()
	return fn()
}

func (s *FileStore) load() (fileStoreState, error) {
	state := fileStoreState{Values: map[string]string{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	if state.Values == nil {
		state.Values = map[string]string{}
	}
	return state, nil
}

func (s *FileStore) saveLocked(state fileStoreState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
