// Package queue buffers entity updates in memory and writes them to the
// store in batches.
//
// Pushes are resolved last-writer-wins by entity timestamp. A flush swaps the
// buffer for an empty one and persists the old contents in the background;
// pushes that race with the swap land in exactly one of the two buffers.
package queue

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mapleleafu/tabletop/tabletop-backend/codec"
	"github.com/mapleleafu/tabletop/tabletop-backend/models"
	"github.com/mapleleafu/tabletop/tabletop-backend/repository"
	"github.com/mapleleafu/tabletop/tabletop-backend/telemetry"
)

type buffer = xsync.MapOf[models.GameEntityKey, models.CompressedEntity]

func newBuffer() *buffer {
	return xsync.NewMapOf[models.GameEntityKey, models.CompressedEntity]()
}

type Option func(*Queue)

func WithLogger(logger *log.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(q *Queue) {
		if tracer != nil {
			q.tracer = tracer
		}
	}
}

// Queue is a concurrent write-behind buffer bound to a store.
type Queue struct {
	store  repository.Store
	logger *log.Logger
	tracer trace.Tracer

	// swapMu is held shared by pushes and exclusively by the flush swap.
	swapMu sync.RWMutex
	buf    *buffer

	lastMu sync.Mutex
	last   *FlushHandle
}

func New(store repository.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		logger: log.Default(),
		tracer: telemetry.Tracer("queue"),
		buf:    newBuffer(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push buffers e unless an entry with the same key and an equal or newer
// timestamp is already buffered. Encoding errors are returned and leave the
// buffer untouched.
func (q *Queue) Push(e models.Entity) error {
	key := e.Key()

	q.swapMu.RLock()
	cur, ok := q.buf.Load(key)
	q.swapMu.RUnlock()
	if ok && e.Timestamp <= cur.Timestamp {
		return nil
	}

	rec, err := codec.Encode(e)
	if err != nil {
		return err
	}

	q.swapMu.RLock()
	defer q.swapMu.RUnlock()
	q.buf.Compute(key, func(old models.CompressedEntity, loaded bool) (models.CompressedEntity, bool) {
		if loaded && rec.Timestamp <= old.Timestamp {
			return old, false
		}
		return rec, false
	})
	return nil
}

// Len returns the number of buffered entities.
func (q *Queue) Len() int {
	q.swapMu.RLock()
	defer q.swapMu.RUnlock()
	return q.buf.Size()
}

// Contains reports whether an entry for key is buffered.
func (q *Queue) Contains(key models.GameEntityKey) bool {
	q.swapMu.RLock()
	defer q.swapMu.RUnlock()
	_, ok := q.buf.Load(key)
	return ok
}

// Snapshot returns the buffered records of a game ordered by uid.
func (q *Queue) Snapshot(game int) []models.CompressedEntity {
	q.swapMu.RLock()
	var out []models.CompressedEntity
	q.buf.Range(func(k models.GameEntityKey, v models.CompressedEntity) bool {
		if k.Game == game {
			out = append(out, v)
		}
		return true
	})
	q.swapMu.RUnlock()
	sortRecords(out)
	return out
}

// Flush swaps out the buffer and persists its contents in the background.
// It returns nil without touching the store when nothing is buffered.
//
// Flush tasks run one at a time in the order they were started. They are not
// canceled with ctx.
func (q *Queue) Flush(ctx context.Context) *FlushHandle {
	q.swapMu.Lock()
	if q.buf.Size() == 0 {
		q.swapMu.Unlock()
		return nil
	}
	batch := q.buf
	q.buf = newBuffer()
	// The handle is published before the swap lock is released so a Sync
	// that finds the buffer empty always waits on it.
	q.lastMu.Lock()
	prev := q.last
	h := newFlushHandle()
	q.last = h
	q.lastMu.Unlock()
	q.swapMu.Unlock()

	go q.run(context.WithoutCancel(ctx), prev, batch, h)
	return h
}

// Sync flushes the buffer and waits until it and every earlier flush has
// finished. It returns the error of the flush it waited on.
func (q *Queue) Sync(ctx context.Context) error {
	h := q.Flush(ctx)
	if h == nil {
		q.lastMu.Lock()
		h = q.last
		q.lastMu.Unlock()
	}
	if h == nil {
		return nil
	}
	return h.Wait(ctx)
}

func (q *Queue) run(ctx context.Context, prev *FlushHandle, batch *buffer, h *FlushHandle) {
	if prev != nil {
		<-prev.Done()
	}

	err := q.persist(ctx, batch)
	if err != nil {
		q.logger.Printf("queue: flush failed: %v", err)
	}
	h.finish(err)

	q.lastMu.Lock()
	if q.last == h {
		q.last = nil
	}
	q.lastMu.Unlock()
}

func (q *Queue) persist(ctx context.Context, batch *buffer) (err error) {
	records := make([]models.CompressedEntity, 0, batch.Size())
	batch.Range(func(_ models.GameEntityKey, v models.CompressedEntity) bool {
		records = append(records, v)
		return true
	})
	sortRecords(records)

	ctx, span := q.tracer.Start(ctx, "queue.flush", trace.WithAttributes(
		attribute.Int("queue.batch_size", len(records)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := q.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flush transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	keys := make([]models.GameEntityKey, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	persisted, err := tx.FindByKeys(ctx, keys)
	if err != nil {
		return err
	}
	stored := make(map[models.GameEntityKey]int64, len(persisted))
	for _, p := range persisted {
		stored[p.Key()] = p.Timestamp
	}

	var (
		upserts           []models.CompressedEntity
		deletes           []models.GameEntityKey
		outdated, dropped int
		size              uint64
	)
	for _, r := range records {
		if !r.Action.Known() {
			dropped++
			continue
		}
		if ts, ok := stored[r.Key()]; ok && ts >= r.Timestamp {
			outdated++
			continue
		}
		if r.Action == models.ActionDelete {
			deletes = append(deletes, r.Key())
			continue
		}
		upserts = append(upserts, r)
		size += uint64(len(r.Data))
	}

	if len(upserts) > 0 {
		if err = tx.UpsertMany(ctx, upserts); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		if err = tx.DeleteMany(ctx, deletes); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit flush transaction: %w", err)
	}

	span.SetAttributes(
		attribute.Int("queue.upserts", len(upserts)),
		attribute.Int("queue.deletes", len(deletes)),
		attribute.Int("queue.outdated", outdated),
		attribute.Int("queue.dropped", dropped),
	)
	q.logger.Printf("queue: flushed %d entities upserts=%d deletes=%d outdated=%d dropped=%d size=%s",
		len(records), len(upserts), len(deletes), outdated, dropped, humanize.Bytes(size))
	return nil
}

func sortRecords(records []models.CompressedEntity) {
	slices.SortFunc(records, func(a, b models.CompressedEntity) int {
		if c := cmp.Compare(a.Game, b.Game); c != 0 {
			return c
		}
		return cmp.Compare(a.UID, b.UID)
	})
}
