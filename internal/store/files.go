package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// JSONFiles stores each collection as <dir>/<collection>.json.
type JSONFiles struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewJSONFiles creates the data directory if needed.
func NewJSONFiles(dir string, logger zerolog.Logger) (*JSONFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	logger.Info().Str("dir", dir).Msg("JSON file store initialized")
	return &JSONFiles{
		dir:    dir,
		logger: logger.With().Str("component", "store.files").Logger(),
	}, nil
}

// Dir returns the data directory.
func (j *JSONFiles) Dir() string {
	return j.dir
}

func (j *JSONFiles) path(collection string) string {
	return filepath.Join(j.dir, collection+".json")
}

// Load reads <collection>.json.
func (j *JSONFiles) Load(_ context.Context, collection string) ([]byte, error) {
	data, err := os.ReadFile(j.path(collection))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}
	return data, nil
}

// Save writes to a temp file and renames it over <collection>.json.
func (j *JSONFiles) Save(_ context.Context, collection string, data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp, err := os.CreateTemp(j.dir, collection+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", collection, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", collection, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", collection, err)
	}
	if err := os.Rename(tmpName, j.path(collection)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", collection, err)
	}
	return nil
}

// Ping checks that the data directory exists.
func (j *JSONFiles) Ping(_ context.Context) error {
	info, err := os.Stat(j.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", j.dir)
	}
	return nil
}

// Close is a no-op.
func (j *JSONFiles) Close() error { return nil }
