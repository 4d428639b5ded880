// Package backend opens the Directory named by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/directory/mongodb"
	"github.com/dkeye/peercall/internal/directory/remote"
	"github.com/dkeye/peercall/internal/directory/sqlite"
)

const (
	Memory  = "memory"
	SQLite  = "sqlite"
	MongoDB = "mongodb"
	Remote  = "remote"
)

// Open returns the configured backend. The caller closes it.
func Open(ctx context.Context, cfg config.DirectoryConfig) (directory.Directory, error) {
	logger := log.With().Str("module", "directory.backend").Str("backend", cfg.Backend).Logger()
	var (
		dir directory.Directory
		err error
	)
	switch cfg.Backend {
	case Memory:
		dir = directory.NewMemory()
	case SQLite:
		dir, err = sqlite.Open(cfg.SQLitePath, sqlite.Options{PollInterval: cfg.PollInterval})
		logger = logger.With().Str("path", cfg.SQLitePath).Logger()
	case MongoDB:
		dir, err = mongodb.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		logger = logger.With().Str("database", cfg.MongoDatabase).Logger()
	case Remote:
		dir, err = remote.New(cfg.URL, remote.Options{})
		logger = logger.With().Str("url", cfg.URL).Logger()
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s directory: %w", cfg.Backend, err)
	}
	logger.Info().Msg("directory opened")
	return dir, nil
}
