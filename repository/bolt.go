package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

var bucketEntities = []byte("entity")

// BoltStore keeps entities in a bbolt file: one nested bucket per game under
// "entity", keyed by uid.
type BoltStore struct {
	db *bbolt.DB
}

type boltRecord struct {
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Data      []byte `json:"data"`
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntities)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create entity bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, ErrStoreClosed
		}
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &boltTx{tx: tx}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func gameBucketName(game int) []byte {
	name := make([]byte, 8)
	binary.BigEndian.PutUint64(name, uint64(int64(game)))
	return name
}

func (t *boltTx) gameBucket(game int, create bool) (*bbolt.Bucket, error) {
	root := t.tx.Bucket(bucketEntities)
	if root == nil {
		return nil, errors.New("entity bucket not found")
	}
	if create {
		return root.CreateBucketIfNotExists(gameBucketName(game))
	}
	return root.Bucket(gameBucketName(game)), nil
}

func decodeBoltRecord(game int, uid, raw []byte) (models.CompressedEntity, error) {
	var rec boltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.CompressedEntity{}, fmt.Errorf("decode record %d/%s: %w", game, uid, err)
	}
	return models.CompressedEntity{
		UID:       string(uid),
		Game:      game,
		Timestamp: rec.Timestamp,
		Kind:      rec.Kind,
		Data:      rec.Data,
	}, nil
}

func (t *boltTx) FindByKeys(ctx context.Context, keys []models.GameEntityKey) ([]models.CompressedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.CompressedEntity
	for _, k := range keys {
		b, err := t.gameBucket(k.Game, false)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		raw := b.Get([]byte(k.UID))
		if raw == nil {
			continue
		}
		r, err := decodeBoltRecord(k.Game, []byte(k.UID), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortByUID(out)
	return out, nil
}

func (t *boltTx) UpsertMany(ctx context.Context, records []models.CompressedEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range records {
		b, err := t.gameBucket(r.Game, true)
		if err != nil {
			return fmt.Errorf("game bucket %d: %w", r.Game, err)
		}
		raw, err := json.Marshal(boltRecord{Timestamp: r.Timestamp, Kind: r.Kind, Data: r.Data})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(r.UID), raw); err != nil {
			return fmt.Errorf("put %s: %w", r.Key(), err)
		}
	}
	return nil
}

func (t *boltTx) DeleteMany(ctx context.Context, keys []models.GameEntityKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		b, err := t.gameBucket(k.Game, false)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		if err := b.Delete([]byte(k.UID)); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

func (t *boltTx) FindAllByGame(ctx context.Context, game int) ([]models.CompressedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := t.gameBucket(game, false)
	if err != nil || b == nil {
		return nil, err
	}
	var out []models.CompressedEntity
	err = b.ForEach(func(k, v []byte) error {
		r, err := decodeBoltRecord(game, k, v)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *boltTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, bbolt.ErrTxClosed) {
			return ErrTxDone
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *boltTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, bbolt.ErrTxClosed) {
			return ErrTxDone
		}
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}
