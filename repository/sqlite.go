package repository

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mapleleafu/tabletop/tabletop-backend/repository/migrations"
)

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string {
	return "?"
}

func (sqliteDialect) keyFilter(games []int, uids []string) (string, []any) {
	args := make([]any, 0, len(games)+len(uids))
	for _, g := range games {
		args = append(args, g)
	}
	for _, u := range uids {
		args = append(args, u)
	}
	return fmt.Sprintf("game IN (%s) AND uid IN (%s)", questionMarks(len(games)), questionMarks(len(uids))), args
}

func questionMarks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// SQLiteStore persists entities in a single SQLite file.
type SQLiteStore struct {
	sqlStore
}

// OpenSQLite opens a SQLite entity store and applies embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and this keeps
	// flush transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, sqliteDialect{}, migrations.SQLite, "sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlStore{db: db, dialect: sqliteDialect{}}}, nil
}
