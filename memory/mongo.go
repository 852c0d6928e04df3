package memory

import (
	"context"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
)

// ============================================================================
// MONGODB STORE
// ============================================================================

// MongoStore keeps records as documents keyed by _id in a single collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ KVStore = (*MongoStore)(nil)

type mongoDoc struct {
	Key   string `bson:"_id"`
	Value []byte `bson:"v"`
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, cfg *config.MongoConfig) (*MongoStore, error) {
	cfg.SetDefaults()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo ping failed", err)
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func prefixFilter(prefix string) bson.M {
	return bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
}

// Put upserts value under key.
func (s *MongoStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": key},
		mongoDoc{Key: key, Value: value},
		options.Replace().SetUpsert(true))
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo upsert", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo find", err)
	}
	return doc.Value, true, nil
}

// Range returns pairs under prefix with key > fromKey in ascending key order.
func (s *MongoStore) Range(ctx context.Context, prefix, fromKey string, limit int) ([]KV, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix), "$gt": fromKey}}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo range", err)
	}
	var docs []mongoDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo cursor", err)
	}
	out := make([]KV, 0, len(docs))
	for _, d := range docs {
		out = append(out, KV{Key: d.Key, Value: d.Value})
	}
	return out, nil
}

// Delete removes every key under prefix.
func (s *MongoStore) Delete(ctx context.Context, prefix string) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"_id": prefixFilter(prefix)})
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo delete", err)
	}
	return nil
}

// ScanKeys returns all keys under prefix in ascending order.
func (s *MongoStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	cursor, err := s.collection.Find(ctx, bson.M{"_id": prefixFilter(prefix)}, opts)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo scan", err)
	}
	var docs []mongoDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "mongo cursor", err)
	}
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.Key)
	}
	return keys, nil
}

// Kind identifies the backend.
func (s *MongoStore) Kind() string {
	return "mongodb"
}

// Close disconnects from the server.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
