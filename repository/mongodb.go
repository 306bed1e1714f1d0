package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

const mongoCommitTimeout = 10 * time.Second

// MongoStore keeps entities in a MongoDB collection. Transactions need the
// server to run as a replica set.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoEntityID struct {
	Game int    `bson:"game"`
	UID  string `bson:"uid"`
}

type mongoEntity struct {
	ID        mongoEntityID `bson:"_id"`
	Game      int           `bson:"game"`
	UID       string        `bson:"uid"`
	Timestamp int64         `bson:"timestamp"`
	Kind      string        `bson:"kind"`
	Data      []byte        `bson:"data"`
}

func (e mongoEntity) record() models.CompressedEntity {
	return models.CompressedEntity{
		UID:       e.UID,
		Game:      e.Game,
		Timestamp: e.Timestamp,
		Kind:      e.Kind,
		Data:      e.Data,
	}
}

func ConnectMongoDB(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	collection := client.Database(database).Collection("entity")
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "game", Value: 1}, {Key: "uid", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create game index: %w", err)
	}

	log.Println("Successfully connected to MongoDB")
	return &MongoStore{client: client, collection: collection}, nil
}

func (s *MongoStore) Begin(ctx context.Context) (Tx, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	return &mongoTx{sess: sess, collection: s.collection}, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type mongoTx struct {
	sess       mongo.Session
	collection *mongo.Collection
	done       bool
}

func (t *mongoTx) ctx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, t.sess)
}

func (t *mongoTx) find(ctx context.Context, filter any) ([]models.CompressedEntity, error) {
	if t.done {
		return nil, ErrTxDone
	}
	opts := options.Find().SetSort(bson.D{{Key: "game", Value: 1}, {Key: "uid", Value: 1}})
	cursor, err := t.collection.Find(t.ctx(ctx), filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoEntity
	if err := cursor.All(t.ctx(ctx), &docs); err != nil {
		return nil, err
	}
	records := make([]models.CompressedEntity, 0, len(docs))
	for _, d := range docs {
		records = append(records, d.record())
	}
	return records, nil
}

func (t *mongoTx) FindByKeys(ctx context.Context, keys []models.GameEntityKey) ([]models.CompressedEntity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ids := make(bson.A, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, mongoEntityID{Game: k.Game, UID: k.UID})
	}
	records, err := t.find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find entities by key: %w", err)
	}
	return records, nil
}

func (t *mongoTx) FindAllByGame(ctx context.Context, game int) ([]models.CompressedEntity, error) {
	records, err := t.find(ctx, bson.M{"game": game})
	if err != nil {
		return nil, fmt.Errorf("find entities by game: %w", err)
	}
	return records, nil
}

func (t *mongoTx) UpsertMany(ctx context.Context, records []models.CompressedEntity) error {
	if t.done {
		return ErrTxDone
	}
	if len(records) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": mongoEntityID{Game: r.Game, UID: r.UID}}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"timestamp": r.Timestamp,
					"kind":      r.Kind,
					"data":      r.Data,
				},
				"$setOnInsert": bson.M{
					"game": r.Game,
					"uid":  r.UID,
				},
			}).
			SetUpsert(true))
	}
	if _, err := t.collection.BulkWrite(t.ctx(ctx), writes, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("upsert entities: %w", err)
	}
	return nil
}

func (t *mongoTx) DeleteMany(ctx context.Context, keys []models.GameEntityKey) error {
	if t.done {
		return ErrTxDone
	}
	for _, k := range keys {
		_, err := t.collection.DeleteOne(t.ctx(ctx), bson.M{"_id": mongoEntityID{Game: k.Game, UID: k.UID}})
		if err != nil {
			return fmt.Errorf("delete entity %s: %w", k, err)
		}
	}
	return nil
}

func (t *mongoTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	ctx, cancel := context.WithTimeout(context.Background(), mongoCommitTimeout)
	defer cancel()
	defer t.sess.EndSession(ctx)
	if err := t.sess.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *mongoTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	ctx, cancel := context.WithTimeout(context.Background(), mongoCommitTimeout)
	defer cancel()
	defer t.sess.EndSession(ctx)
	if err := t.sess.AbortTransaction(ctx); err != nil {
		return fmt.Errorf("abort transaction: %w", err)
	}
	return nil
}
