package repository

import (
	"context"
	"sync"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

// MemoryStore keeps records in process memory. Transactions read a private
// copy and replay their writes onto the shared state on Commit. It backs
// development runs and tests; the exported hooks let tests inject failures
// and observe calls.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[models.GameEntityKey]models.CompressedEntity
	closed bool

	// BeginErr, UpsertErr and CommitErr, when set, are returned by the
	// corresponding operation.
	BeginErr  error
	UpsertErr error
	CommitErr error
	// BeforeCommit runs inside Commit before the writes are applied.
	BeforeCommit func()

	begins  int
	upserts [][]models.CompressedEntity
	deletes [][]models.GameEntityKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[models.GameEntityKey]models.CompressedEntity)}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.BeginErr != nil {
		return nil, s.BeginErr
	}
	s.begins++
	work := make(map[models.GameEntityKey]models.CompressedEntity, len(s.rows))
	for k, v := range s.rows {
		work[k] = v
	}
	return &memoryTx{store: s, rows: work, writes: make(map[models.GameEntityKey]*models.CompressedEntity)}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Put writes a record directly, outside any transaction.
func (s *MemoryStore) Put(records ...models.CompressedEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r.Action = ""
		s.rows[r.Key()] = r
	}
}

// Get returns the committed record for key.
func (s *MemoryStore) Get(key models.GameEntityKey) (models.CompressedEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key]
	return r, ok
}

// Begins returns how many transactions were opened.
func (s *MemoryStore) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

// Upserts returns the batches passed to UpsertMany, committed or not.
func (s *MemoryStore) Upserts() [][]models.CompressedEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]models.CompressedEntity(nil), s.upserts...)
}

// Deletes returns the key sets passed to DeleteMany, committed or not.
func (s *MemoryStore) Deletes() [][]models.GameEntityKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]models.GameEntityKey(nil), s.deletes...)
}

type memoryTx struct {
	store *MemoryStore
	rows  map[models.GameEntityKey]models.CompressedEntity
	// writes holds the upserted record per key, or nil for a deletion.
	writes map[models.GameEntityKey]*models.CompressedEntity
	done   bool
}

func (tx *memoryTx) FindByKeys(ctx context.Context, keys []models.GameEntityKey) ([]models.CompressedEntity, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.CompressedEntity
	for _, k := range keys {
		if r, ok := tx.rows[k]; ok {
			out = append(out, r)
		}
	}
	sortByUID(out)
	return out, nil
}

func (tx *memoryTx) UpsertMany(ctx context.Context, records []models.CompressedEntity) error {
	if tx.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.store.mu.Lock()
	tx.store.upserts = append(tx.store.upserts, append([]models.CompressedEntity(nil), records...))
	upsertErr := tx.store.UpsertErr
	tx.store.mu.Unlock()
	if upsertErr != nil {
		return upsertErr
	}
	for _, r := range records {
		r.Action = ""
		tx.rows[r.Key()] = r
		stored := r
		tx.writes[r.Key()] = &stored
	}
	return nil
}

func (tx *memoryTx) DeleteMany(ctx context.Context, keys []models.GameEntityKey) error {
	if tx.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.store.mu.Lock()
	tx.store.deletes = append(tx.store.deletes, append([]models.GameEntityKey(nil), keys...))
	tx.store.mu.Unlock()
	for _, k := range keys {
		delete(tx.rows, k)
		tx.writes[k] = nil
	}
	return nil
}

func (tx *memoryTx) FindAllByGame(ctx context.Context, game int) ([]models.CompressedEntity, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.CompressedEntity
	for k, r := range tx.rows {
		if k.Game == game {
			out = append(out, r)
		}
	}
	sortByUID(out)
	return out, nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.store.mu.Lock()
	hook := tx.store.BeforeCommit
	tx.store.mu.Unlock()
	if hook != nil {
		hook()
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.CommitErr != nil {
		return tx.store.CommitErr
	}
	if tx.store.closed {
		return ErrStoreClosed
	}
	for k, r := range tx.writes {
		if r == nil {
			delete(tx.store.rows, k)
			continue
		}
		tx.store.rows[k] = *r
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return nil
}
