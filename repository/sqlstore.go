package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

// upsertBatchRows bounds the rows per INSERT so the statement stays under the
// bind parameter limits of both Postgres and SQLite.
const upsertBatchRows = 500

type dialect interface {
	placeholder(n int) string
	// keyFilter renders a WHERE clause narrowing rows to the given games and
	// uids, numbering placeholders from 1.
	keyFilter(games []int, uids []string) (string, []any)
}

// sqlStore holds the database/sql logic shared by the Postgres and SQLite
// stores. Both speak INSERT ... ON CONFLICT (uid, game) DO UPDATE.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) Begin(ctx context.Context) (Tx, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

const selectEntityColumns = `SELECT uid, game, "timestamp", kind, data FROM entity`

func (t *sqlTx) FindByKeys(ctx context.Context, keys []models.GameEntityKey) ([]models.CompressedEntity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	games, uids := splitKeys(keys)
	where, args := t.dialect.keyFilter(games, uids)
	records, err := t.query(ctx, selectEntityColumns+" WHERE "+where+" ORDER BY game, uid", args...)
	if err != nil {
		return nil, fmt.Errorf("find entities by key: %w", err)
	}
	return keepExact(records, keys), nil
}

func (t *sqlTx) FindAllByGame(ctx context.Context, game int) ([]models.CompressedEntity, error) {
	records, err := t.query(ctx, selectEntityColumns+" WHERE game = "+t.dialect.placeholder(1)+" ORDER BY uid", game)
	if err != nil {
		return nil, fmt.Errorf("find entities by game: %w", err)
	}
	return records, nil
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) ([]models.CompressedEntity, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.CompressedEntity
	for rows.Next() {
		var r models.CompressedEntity
		if err := rows.Scan(&r.UID, &r.Game, &r.Timestamp, &r.Kind, &r.Data); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (t *sqlTx) UpsertMany(ctx context.Context, records []models.CompressedEntity) error {
	for start := 0; start < len(records); start += upsertBatchRows {
		end := start + upsertBatchRows
		if end > len(records) {
			end = len(records)
		}
		if err := t.upsertBatch(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) upsertBatch(ctx context.Context, records []models.CompressedEntity) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO entity (uid, game, "timestamp", kind, data) VALUES `)
	args := make([]any, 0, len(records)*5)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "(%s, %s, %s, %s, %s)",
			t.dialect.placeholder(base+1),
			t.dialect.placeholder(base+2),
			t.dialect.placeholder(base+3),
			t.dialect.placeholder(base+4),
			t.dialect.placeholder(base+5),
		)
		args = append(args, r.UID, r.Game, r.Timestamp, r.Kind, r.Data)
	}
	sb.WriteString(` ON CONFLICT (uid, game) DO UPDATE SET "timestamp" = excluded."timestamp", kind = excluded.kind, data = excluded.data`)

	if _, err := t.tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert entities: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteMany(ctx context.Context, keys []models.GameEntityKey) error {
	query := "DELETE FROM entity WHERE uid = " + t.dialect.placeholder(1) + " AND game = " + t.dialect.placeholder(2)
	for _, k := range keys {
		if _, err := t.tx.ExecContext(ctx, query, k.UID, k.Game); err != nil {
			return fmt.Errorf("delete entity %s: %w", k, err)
		}
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if err == sql.ErrTxDone {
			return ErrTxDone
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if err == sql.ErrTxDone {
			return ErrTxDone
		}
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}
