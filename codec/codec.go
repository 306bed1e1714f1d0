// Package codec converts entities between the form clients send and the
// compressed record kept in the store.
package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

var (
	ErrCompressionFailed   = errors.New("failed to compress entity")
	ErrDecompressionFailed = errors.New("failed to decompress entity")
	ErrPayloadParse        = errors.New("failed to parse entity payload")
)

// Encode serializes the entity payload to JSON and compresses it. The routing
// fields are copied as they are.
func Encode(e models.Entity) (models.CompressedEntity, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.CompressedEntity{}, fmt.Errorf("%w: %w", ErrCompressionFailed, err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return models.CompressedEntity{}, fmt.Errorf("%w: %w", ErrCompressionFailed, err)
	}
	if err := zw.Close(); err != nil {
		return models.CompressedEntity{}, fmt.Errorf("%w: %w", ErrCompressionFailed, err)
	}

	return models.CompressedEntity{
		UID:       e.UID,
		Game:      e.Game,
		Timestamp: e.Timestamp,
		Kind:      e.Kind,
		Data:      buf.Bytes(),
		Action:    e.Action,
	}, nil
}

// Decode reverses Encode. The payload comes back in the form a wire entity
// decodes to, with numbers as json.Number and an empty payload as nil.
func Decode(c models.CompressedEntity) (models.Entity, error) {
	zr, err := zlib.NewReader(bytes.NewReader(c.Data))
	if err != nil {
		return models.Entity{}, fmt.Errorf("%w: %s: %w", ErrDecompressionFailed, c.Key(), err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return models.Entity{}, fmt.Errorf("%w: %s: %w", ErrDecompressionFailed, c.Key(), err)
	}
	if err := zr.Close(); err != nil {
		return models.Entity{}, fmt.Errorf("%w: %s: %w", ErrDecompressionFailed, c.Key(), err)
	}

	payload, err := models.DecodePayload(raw)
	if err != nil {
		return models.Entity{}, fmt.Errorf("%w: %s: %w", ErrPayloadParse, c.Key(), err)
	}
	if payload == nil {
		return models.Entity{}, fmt.Errorf("%w: %s: payload is not an object", ErrPayloadParse, c.Key())
	}
	if len(payload) == 0 {
		payload = nil
	}

	return models.Entity{
		UID:       c.UID,
		Game:      c.Game,
		Kind:      c.Kind,
		Timestamp: c.Timestamp,
		Payload:   payload,
		Action:    c.Action,
	}, nil
}

// Codec runs decoding of large record sets on a bounded pool of goroutines so
// a big replay does not monopolize the scheduler.
type Codec struct {
	workers int
}

// New returns a Codec with the given worker limit. A non-positive limit uses
// GOMAXPROCS.
func New(workers int) *Codec {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Codec{workers: workers}
}

// DecodeAll decodes records in parallel and keeps their order. Records that
// fail to decode are skipped; their errors are joined and returned together
// with the entities that did decode.
func (c *Codec) DecodeAll(ctx context.Context, records []models.CompressedEntity) ([]models.Entity, error) {
	decoded := make([]models.Entity, len(records))
	failures := make([]error, len(records))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range records {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			decoded[i], failures[i] = Decode(records[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entities := make([]models.Entity, 0, len(records))
	for i := range records {
		if failures[i] != nil {
			continue
		}
		entities = append(entities, decoded[i])
	}
	return entities, errors.Join(failures...)
}
