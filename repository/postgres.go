package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/lib/pq"

	"github.com/mapleleafu/tabletop/tabletop-backend/repository/migrations"
)

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (postgresDialect) keyFilter(games []int, uids []string) (string, []any) {
	ids := make([]int64, len(games))
	for i, g := range games {
		ids[i] = int64(g)
	}
	return "game = ANY($1) AND uid = ANY($2)", []any{pq.Array(ids), pq.Array(uids)}
}

// PostgresStore persists entities in PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// ConnectToPostgreSQL opens the database, checks the connection and applies
// the embedded migrations.
func ConnectToPostgreSQL(ctx context.Context, dsn string, maxConnections int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConnections > 0 {
		db.SetMaxOpenConns(maxConnections)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := applyMigrations(ctx, db, postgresDialect{}, migrations.Postgres, "postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL")
	return &PostgresStore{sqlStore{db: db, dialect: postgresDialect{}}}, nil
}
