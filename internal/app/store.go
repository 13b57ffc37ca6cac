package app

import (
	"context"
	"fmt"

	"castsync/internal/config"
	"castsync/internal/observability"
	"castsync/internal/storage"
	"castsync/internal/storage/airtable"
	"castsync/internal/storage/mssql"
	"castsync/internal/storage/postgres"
	"castsync/internal/storage/sqlite"
)

// OpenStore connects the backend selected by storage.driver.
func OpenStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (storage.Store, error) {
	sc := cfg.Storage

	var (
		store storage.Store
		err   error
	)
	switch sc.Driver {
	case "airtable":
		store = airtable.NewStore(cfg, logger)
	case "mssql":
		store, err = mssql.NewRepository(sc.DSN, sc.CommandTimeoutMS, logger)
	case "postgres":
		store, err = postgres.New(ctx, sc.DSN, sc.CommandTimeoutMS, logger)
	case "sqlite":
		store, err = sqlite.NewRepository(sc.DSN, sc.CommandTimeoutMS, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
