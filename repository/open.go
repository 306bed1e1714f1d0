package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/mapleleafu/tabletop/tabletop-backend/pkg/config"
)

// Open connects the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return ConnectToPostgreSQL(ctx, cfg.PostgresDSN(), cfg.DatabaseConnections)
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.DriverBolt:
		return OpenBolt(cfg.BoltPath)
	case config.DriverMongo:
		return ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DriverMemory:
		log.Println("Using in-memory store, entities are lost on restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.StoreDriver)
	}
}
