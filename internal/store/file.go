package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// FileStore keeps the state document in a single YAML file. Writes go to a
// temp file in the same directory and are renamed into place; the previous
// version is kept as <path>.bak.
type FileStore struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{path: path, log: logger.Named("store.file")}, nil
}

// Path is the location of the state file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*schemas.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := readStateFile(s.path)
	switch {
	case err == nil:
		return state, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	}

	// A torn or hand-edited file falls back to the last good backup.
	s.log.Warn("State file unreadable, trying backup.", zap.String("path", s.path), zap.Error(err))
	backup, bakErr := readStateFile(s.path + ".bak")
	if bakErr != nil {
		return nil, fmt.Errorf("failed to load state file %s: %w", s.path, err)
	}
	return backup, nil
}

func (s *FileStore) Save(ctx context.Context, state *schemas.PersistedState) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}
	content, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWrite(s.path, content)
}

func (s *FileStore) Close() error { return nil }

func readStateFile(path string) (*schemas.PersistedState, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state schemas.PersistedState
	if err := yaml.Unmarshal(content, &state); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return &state, nil
}

func atomicWrite(path string, content []byte) error {
	// 1. Write and sync a temp file next to the target.
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".autoreg-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// 2. Re-read and validate what landed on disk.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var probe schemas.PersistedState
	if err := yaml.Unmarshal(written, &probe); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	// 3. Keep the previous version.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	// 4. Rename into place.
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
