// Package commands holds the dicomirror subcommands and the runtime wiring
// shared between them.
package commands

import (
	"context"

	"github.com/dicomirror/dicomirror/pkg/config"
	"github.com/dicomirror/dicomirror/pkg/store"
	"gitlab.com/tozd/go/errors"
)

// RootOpts carries the persistent flag values into every subcommand.
type RootOpts struct {
	ConfigPath string
	Debug      bool
	Quiet      bool
}

// LoadConfig reads and validates the configured file.
func (o *RootOpts) LoadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, o.ConfigPath)
	if err != nil {
		return nil, errors.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// connectSource opens the source store and its image DAO.
func connectSource(ctx context.Context, cfg *config.Config) (*store.Connector, *store.ImageMetadataDao, error) {
	conn, err := store.Connect(ctx, cfg.Source)
	if err != nil {
		return nil, nil, errors.Errorf("connecting source store: %w", err)
	}
	dao := store.NewImageMetadataDao(conn)
	if err := dao.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, nil, errors.Errorf("preparing source schema: %w", err)
	}
	return conn, dao, nil
}

// connectDestination opens the destination store and its image DAO.
func connectDestination(ctx context.Context, cfg *config.Config) (*store.Connector, *store.ImageMetadataDao, error) {
	conn, err := store.Connect(ctx, cfg.Destination)
	if err != nil {
		return nil, nil, errors.Errorf("connecting destination store: %w", err)
	}
	dao := store.NewImageMetadataDao(conn)
	if err := dao.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, nil, errors.Errorf("preparing destination schema: %w", err)
	}
	return conn, dao, nil
}
