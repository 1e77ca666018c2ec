// Package store provides the persistence backends behind the project store.
// Every backend stores the same three collections as opaque JSON documents,
// each read and written as a whole and independently of the others.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/awm/internal/config"
)

// Collection names.
const (
	CollectionProjects = "projects"
	CollectionSessions = "sessions"
	CollectionEvents   = "events"
)

// Collections lists every collection in load/save order.
var Collections = []string{CollectionProjects, CollectionSessions, CollectionEvents}

// ErrNotExist is returned by Load when a collection has never been written.
var ErrNotExist = errors.New("collection does not exist")

// Backend reads and writes whole collections.
type Backend interface {
	// Load returns the stored document, or ErrNotExist.
	Load(ctx context.Context, collection string) ([]byte, error)
	// Save replaces the stored document.
	Save(ctx context.Context, collection string, data []byte) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend selected by cfg.StoreBackend.
func Open(cfg *config.Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendJSON, "":
		return NewJSONFiles(cfg.DataDir, logger)
	case config.BackendSQLite:
		return NewSQLite(cfg.SQLitePath, logger)
	case config.BackendRedis:
		return NewRedis(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
