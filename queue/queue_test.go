package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleleafu/tabletop/tabletop-backend/codec"
	"github.com/mapleleafu/tabletop/tabletop-backend/models"
	"github.com/mapleleafu/tabletop/tabletop-backend/repository"
)

var quiet = log.New(io.Discard, "", 0)

func entity(game int, uid string, ts int64, action models.Action, payload map[string]any) models.Entity {
	return models.Entity{UID: uid, Game: game, Kind: "token", Timestamp: ts, Payload: payload, Action: action}
}

func persisted(t *testing.T, game int, uid string, ts int64) models.CompressedEntity {
	t.Helper()
	rec, err := codec.Encode(entity(game, uid, ts, "", map[string]any{"x": "persisted"}))
	require.NoError(t, err)
	return rec
}

func newTestQueue(store repository.Store) *Queue {
	return New(store, WithLogger(quiet))
}

func syncQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Sync(ctx))
}

func decodedPayload(t *testing.T, rec models.CompressedEntity) map[string]any {
	t.Helper()
	e, err := codec.Decode(rec)
	require.NoError(t, err)
	return e.Payload
}

func TestPushLastWriterWins(t *testing.T) {
	q := newTestQueue(repository.NewMemoryStore())

	require.NoError(t, q.Push(entity(1, "a", 100, models.ActionUpdate, map[string]any{"v": "first"})))
	require.NoError(t, q.Push(entity(1, "a", 150, models.ActionUpdate, map[string]any{"v": "second"})))
	snap := q.Snapshot(1)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(150), snap[0].Timestamp)

	// Older and equal timestamps do not replace the buffered entry.
	require.NoError(t, q.Push(entity(1, "a", 90, models.ActionUpdate, map[string]any{"v": "stale"})))
	require.NoError(t, q.Push(entity(1, "a", 150, models.ActionUpdate, map[string]any{"v": "tie"})))
	snap = q.Snapshot(1)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(150), snap[0].Timestamp)
	assert.Equal(t, "second", decodedPayload(t, snap[0])["v"])
}

func TestPushKeysByGame(t *testing.T) {
	q := newTestQueue(repository.NewMemoryStore())

	require.NoError(t, q.Push(entity(1, "a", 1, models.ActionUpdate, nil)))
	require.NoError(t, q.Push(entity(2, "a", 1, models.ActionUpdate, nil)))

	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Contains(models.GameEntityKey{Game: 1, UID: "a"}))
	assert.True(t, q.Contains(models.GameEntityKey{Game: 2, UID: "a"}))
	assert.False(t, q.Contains(models.GameEntityKey{Game: 3, UID: "a"}))
	assert.Len(t, q.Snapshot(2), 1)
}

func TestPushEncodeError(t *testing.T) {
	q := newTestQueue(repository.NewMemoryStore())

	err := q.Push(entity(1, "a", 1, models.ActionUpdate, map[string]any{"bad": math.Inf(1)}))
	assert.ErrorIs(t, err, codec.ErrCompressionFailed)
	assert.Equal(t, 0, q.Len())
}

func TestFlushEmptyIsNoop(t *testing.T) {
	store := repository.NewMemoryStore()
	q := newTestQueue(store)

	assert.Nil(t, q.Flush(context.Background()))
	assert.Nil(t, q.Flush(context.Background()))
	syncQueue(t, q)
	assert.Zero(t, store.Begins())
}

func TestFlushPersistsByAction(t *testing.T) {
	store := repository.NewMemoryStore()
	store.Put(persisted(t, 1, "gone", 10))
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "new", 5, models.ActionCreate, map[string]any{"x": 1.5})))
	require.NoError(t, q.Push(entity(1, "moved", 5, models.ActionUpdate, map[string]any{"x": 2.5})))
	require.NoError(t, q.Push(entity(1, "gone", 20, models.ActionDelete, nil)))

	h := q.Flush(context.Background())
	require.NotNil(t, h)
	require.NoError(t, h.Wait(context.Background()))
	assert.NoError(t, h.Err())
	assert.Equal(t, 0, q.Len())

	_, ok := store.Get(models.GameEntityKey{Game: 1, UID: "new"})
	assert.True(t, ok)
	_, ok = store.Get(models.GameEntityKey{Game: 1, UID: "moved"})
	assert.True(t, ok)
	_, ok = store.Get(models.GameEntityKey{Game: 1, UID: "gone"})
	assert.False(t, ok)

	require.Len(t, store.Upserts(), 1)
	assert.Len(t, store.Upserts()[0], 2)
	assert.Equal(t, [][]models.GameEntityKey{{{Game: 1, UID: "gone"}}}, store.Deletes())
}

func TestFlushFiltersOutdated(t *testing.T) {
	store := repository.NewMemoryStore()
	store.Put(persisted(t, 1, "a", 100))
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "a", 100, models.ActionUpdate, nil)))
	syncQueue(t, q)
	assert.Empty(t, store.Upserts())

	require.NoError(t, q.Push(entity(1, "a", 50, models.ActionDelete, nil)))
	syncQueue(t, q)
	assert.Empty(t, store.Deletes())

	require.NoError(t, q.Push(entity(1, "a", 101, models.ActionUpdate, map[string]any{"x": "fresh"})))
	syncQueue(t, q)
	require.Len(t, store.Upserts(), 1)
	rec, ok := store.Get(models.GameEntityKey{Game: 1, UID: "a"})
	require.True(t, ok)
	assert.Equal(t, int64(101), rec.Timestamp)
	assert.Equal(t, "fresh", decodedPayload(t, rec)["x"])
}

func TestFlushDropsUnknownActions(t *testing.T) {
	store := repository.NewMemoryStore()
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "a", 1, models.ParseAction("ping"), nil)))
	require.NoError(t, q.Push(entity(1, "b", 1, models.ActionUpdate, nil)))
	syncQueue(t, q)

	_, ok := store.Get(models.GameEntityKey{Game: 1, UID: "a"})
	assert.False(t, ok)
	_, ok = store.Get(models.GameEntityKey{Game: 1, UID: "b"})
	assert.True(t, ok)
}

func TestScenarioStalePushThenNewer(t *testing.T) {
	store := repository.NewMemoryStore()
	store.Put(persisted(t, 7, "tok-1", 100))
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(7, "tok-1", 90, models.ActionUpdate, nil)))
	require.NoError(t, q.Push(entity(7, "tok-1", 150, models.ActionUpdate, nil)))
	syncQueue(t, q)

	rec, ok := store.Get(models.GameEntityKey{Game: 7, UID: "tok-1"})
	require.True(t, ok)
	assert.Equal(t, int64(150), rec.Timestamp)
}

func TestFlushErrorIsReportedOnHandle(t *testing.T) {
	store := repository.NewMemoryStore()
	boom := errors.New("disk on fire")
	store.UpsertErr = boom
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "a", 1, models.ActionUpdate, nil)))
	h := q.Flush(context.Background())
	require.NotNil(t, h)
	assert.ErrorIs(t, h.Wait(context.Background()), boom)
	assert.ErrorIs(t, h.Err(), boom)

	// The failed batch is not retried, and later flushes still run.
	assert.Equal(t, 0, q.Len())
	_, ok := store.Get(models.GameEntityKey{Game: 1, UID: "a"})
	assert.False(t, ok)

	store.UpsertErr = nil
	syncQueue(t, q)
	require.NoError(t, q.Push(entity(1, "b", 1, models.ActionUpdate, nil)))
	syncQueue(t, q)
	_, ok = store.Get(models.GameEntityKey{Game: 1, UID: "b"})
	assert.True(t, ok)
}

func TestFlushBeginError(t *testing.T) {
	store := repository.NewMemoryStore()
	store.BeginErr = errors.New("no connection")
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "a", 1, models.ActionUpdate, nil)))
	err := q.Sync(context.Background())
	assert.ErrorContains(t, err, "no connection")
}

func TestFlushOutlivesCallerContext(t *testing.T) {
	store := repository.NewMemoryStore()
	q := newTestQueue(store)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(entity(1, "a", 1, models.ActionUpdate, nil)))
	h := q.Flush(ctx)
	cancel()

	require.NoError(t, h.Wait(context.Background()))
	_, ok := store.Get(models.GameEntityKey{Game: 1, UID: "a"})
	assert.True(t, ok)
}

func TestSyncWaitsForInFlightFlush(t *testing.T) {
	store := repository.NewMemoryStore()
	release := make(chan struct{})
	store.BeforeCommit = func() { <-release }
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "a", 1, models.ActionUpdate, nil)))
	h := q.Flush(context.Background())
	require.NotNil(t, h)

	synced := make(chan error, 1)
	go func() { synced <- q.Sync(context.Background()) }()

	select {
	case <-synced:
		t.Fatal("sync returned before the in-flight flush committed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Nil(t, h.Err())

	close(release)
	select {
	case err := <-synced:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not return")
	}
	_, ok := store.Get(models.GameEntityKey{Game: 1, UID: "a"})
	assert.True(t, ok)
}

func TestSyncWaitsForFlushStartedElsewhere(t *testing.T) {
	store := repository.NewMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.BeforeCommit = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(7, "tok-1", 150, models.ActionUpdate, nil)))
	go q.Flush(context.Background())
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never reached commit")
	}

	synced := make(chan error, 1)
	go func() { synced <- q.Sync(context.Background()) }()
	select {
	case <-synced:
		t.Fatal("sync returned while another flush still held the buffered update")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-synced:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not return")
	}
	_, ok := store.Get(models.GameEntityKey{Game: 7, UID: "tok-1"})
	assert.True(t, ok)
}

func TestSyncRacingFlushAlwaysSeesPersistedUpdate(t *testing.T) {
	store := repository.NewMemoryStore()
	q := newTestQueue(store)

	for i := 0; i < 500; i++ {
		key := models.GameEntityKey{Game: 7, UID: fmt.Sprintf("tok-%d", i)}
		require.NoError(t, q.Push(entity(key.Game, key.UID, 1, models.ActionUpdate, nil)))

		started := make(chan struct{})
		go func() {
			close(started)
			q.Flush(context.Background())
		}()
		<-started
		syncQueue(t, q)

		_, ok := store.Get(key)
		require.True(t, ok, "sync returned before %s was persisted", key)
	}
}

func TestSyncHonorsContext(t *testing.T) {
	store := repository.NewMemoryStore()
	release := make(chan struct{})
	defer close(release)
	store.BeforeCommit = func() { <-release }
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "a", 1, models.ActionUpdate, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Sync(ctx), context.DeadlineExceeded)
}

func TestFlushesApplyInOrder(t *testing.T) {
	store := repository.NewMemoryStore()
	release := make(chan struct{})
	var once sync.Once
	store.BeforeCommit = func() { once.Do(func() { <-release }) }
	q := newTestQueue(store)

	require.NoError(t, q.Push(entity(1, "a", 100, models.ActionUpdate, nil)))
	first := q.Flush(context.Background())
	require.NoError(t, q.Push(entity(1, "a", 200, models.ActionDelete, nil)))
	second := q.Flush(context.Background())
	require.NotNil(t, first)
	require.NotNil(t, second)

	close(release)
	require.NoError(t, second.Wait(context.Background()))
	require.NoError(t, first.Err())

	_, ok := store.Get(models.GameEntityKey{Game: 1, UID: "a"})
	assert.False(t, ok, "the later delete must win over the earlier update")
}

// spyStore records the keys of every batch a flush loads, which is exactly
// the swapped-out buffer.
type spyStore struct {
	repository.Store
	mu      sync.Mutex
	batches [][]models.GameEntityKey
}

type spyTx struct {
	repository.Tx
	store *spyStore
}

func (s *spyStore) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &spyTx{Tx: tx, store: s}, nil
}

func (tx *spyTx) FindByKeys(ctx context.Context, keys []models.GameEntityKey) ([]models.CompressedEntity, error) {
	tx.store.mu.Lock()
	tx.store.batches = append(tx.store.batches, append([]models.GameEntityKey(nil), keys...))
	tx.store.mu.Unlock()
	return tx.Tx.FindByKeys(ctx, keys)
}

func TestSwapIsAtomicUnderConcurrentPushes(t *testing.T) {
	const writers, perWriter = 8, 250
	spy := &spyStore{Store: repository.NewMemoryStore()}
	q := newTestQueue(spy)

	stop := make(chan struct{})
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		for {
			select {
			case <-stop:
				return
			default:
				q.Flush(context.Background())
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				uid := fmt.Sprintf("w%d-%d", w, i)
				assert.NoError(t, q.Push(entity(1, uid, 1, models.ActionUpdate, nil)))
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-flusherDone
	syncQueue(t, q)

	seen := make(map[models.GameEntityKey]int)
	spy.mu.Lock()
	for _, batch := range spy.batches {
		for _, k := range batch {
			seen[k]++
		}
	}
	spy.mu.Unlock()

	require.Len(t, seen, writers*perWriter)
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %s flushed %d times", k, n)
	}
	assert.Equal(t, 0, q.Len())
}
