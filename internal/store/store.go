// Package store persists the run state document. Three backends are
// available: a YAML file, an embedded SQLite database and PostgreSQL. The SQL
// backends also keep an append-only history of every resolved task, keyed by
// run id, which survives the reset that starts a new run.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultStateFile = "state.yaml"
	defaultDBFile    = "autoreg.db"
)

// Store is the persistence port for the run state.
type Store interface {
	// Load returns the last saved document, or nil when nothing was saved yet.
	Load(ctx context.Context) (*schemas.PersistedState, error)
	Save(ctx context.Context, state *schemas.PersistedState) error
	Close() error
}

// HistoryStore is implemented by backends that retain results across runs.
type HistoryStore interface {
	Store
	// History returns every result recorded for runID in resolution order.
	History(ctx context.Context, runID string) ([]*schemas.RegistrationTask, error)
}

// Open builds the backend selected by cfg.Store.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "file", "":
		path, err := resolvePath(cfg.Store, defaultStateFile)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path, logger)

	case "sqlite":
		path, err := resolvePath(cfg.Store, defaultDBFile)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(ctx, path, logger)

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		s, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// resolvePath returns the explicit path, or name inside the state dir.
func resolvePath(cfg config.StoreConfig, name string) (string, error) {
	p := cfg.Path
	if p == "" {
		p = filepath.Join(cfg.StateDir, name)
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand store path %q: %w", p, err)
	}
	return expanded, nil
}

// StateDir returns the expanded state directory.
func StateDir(cfg config.StoreConfig) (string, error) {
	dir := cfg.StateDir
	if dir == "" && cfg.Path != "" {
		dir = filepath.Dir(cfg.Path)
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("failed to expand state dir %q: %w", dir, err)
	}
	return expanded, nil
}

func encodeSnapshot(state *schemas.PersistedState) ([]byte, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state snapshot: %w", err)
	}
	return b, nil
}

func decodeSnapshot(b []byte) (*schemas.PersistedState, error) {
	var state schemas.PersistedState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}
	return &state, nil
}
