package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

var (
	ErrStoreClosed   = errors.New("store is closed")
	ErrTxDone        = errors.New("transaction already committed or rolled back")
	ErrUnknownDriver = errors.New("unknown store driver")
)

// Store persists compressed entity records keyed by (uid, game).
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a store transaction. Every method other than Commit and Rollback
// fails with ErrTxDone once the transaction has finished.
type Tx interface {
	// FindByKeys returns the persisted records matching any of keys.
	FindByKeys(ctx context.Context, keys []models.GameEntityKey) ([]models.CompressedEntity, error)
	// UpsertMany inserts records, replacing timestamp, kind and data of rows
	// that already exist for the same (uid, game).
	UpsertMany(ctx context.Context, records []models.CompressedEntity) error
	DeleteMany(ctx context.Context, keys []models.GameEntityKey) error
	// FindAllByGame returns every record of a game ordered by uid.
	FindAllByGame(ctx context.Context, game int) ([]models.CompressedEntity, error)
	Commit() error
	Rollback() error
}

// LoadGame reads every persisted record of a game in its own transaction.
func LoadGame(ctx context.Context, store Store, game int) ([]models.CompressedEntity, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin load transaction: %w", err)
	}
	records, err := tx.FindAllByGame(ctx, game)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("load game %d: %w", game, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit load transaction: %w", err)
	}
	return records, nil
}

func sortByUID(records []models.CompressedEntity) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Game != records[j].Game {
			return records[i].Game < records[j].Game
		}
		return records[i].UID < records[j].UID
	})
}

// splitKeys returns the distinct games and uids of keys, which stores use to
// narrow a query before matching exact pairs.
func splitKeys(keys []models.GameEntityKey) (games []int, uids []string) {
	seenGame := make(map[int]struct{})
	seenUID := make(map[string]struct{})
	for _, k := range keys {
		if _, ok := seenGame[k.Game]; !ok {
			seenGame[k.Game] = struct{}{}
			games = append(games, k.Game)
		}
		if _, ok := seenUID[k.UID]; !ok {
			seenUID[k.UID] = struct{}{}
			uids = append(uids, k.UID)
		}
	}
	return games, uids
}

// keepExact drops records whose (game, uid) pair is not in keys. Queries by
// game IN (...) AND uid IN (...) can match cross pairs.
func keepExact(records []models.CompressedEntity, keys []models.GameEntityKey) []models.CompressedEntity {
	want := make(map[models.GameEntityKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	out := records[:0]
	for _, r := range records {
		if _, ok := want[r.Key()]; ok {
			out = append(out, r)
		}
	}
	return out
}
