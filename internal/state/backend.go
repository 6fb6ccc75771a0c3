package state

import (
	"context"
	"fmt"
)

// Config selects and configures a snapshot store backend.
type Config struct {
	Backend string `mapstructure:"backend"` // "local", "sqlite", "s3"
	Path    string `mapstructure:"path"`    // local directory or sqlite file

	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Region  string `mapstructure:"region"`
	Table   string `mapstructure:"table"`
	Profile string `mapstructure:"profile"`
	Encrypt bool   `mapstructure:"encrypt"`
}

// New creates a snapshot store from configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.Path)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = ".strata/state.db"
		}
		return NewSQLiteStore(ctx, path)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:  cfg.Bucket,
			Prefix:  cfg.Prefix,
			Region:  cfg.Region,
			Table:   cfg.Table,
			Profile: cfg.Profile,
			Encrypt: cfg.Encrypt,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}
