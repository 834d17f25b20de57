package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on top of a single "links" collection,
// mirroring the original implementation's Motor/MongoDB layout: a unique
// index on editor_public_key, secondary indexes on info_hash and
// expiration, and a change stream opened with both pre- and post-images
// enabled.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Ping confirms the underlying MongoDB connection is reachable; used by
// the /health endpoint.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type linkDoc struct {
	EditorPublicKey []byte `bson:"editor_public_key"`
	InfoHash        []byte `bson:"info_hash"`
	Counter         int64  `bson:"counter"`
	Expiration      int64  `bson:"expiration"`
	ContainerSigned []byte `bson:"container_signed"`
}

func toRecord(d linkDoc) Record {
	rec := Record{
		Counter:         d.Counter,
		Expiration:      d.Expiration,
		ContainerSigned: d.ContainerSigned,
	}
	copy(rec.EditorPublicKey[:], d.EditorPublicKey)
	copy(rec.InfoHash[:], d.InfoHash)
	return rec
}

// Open connects to MongoDB, ensures the "links" collection exists with
// changeStreamPreAndPostImages enabled, and builds the indexes the store
// contract requires. It is the Go analogue of db.py's db_initialize.
func Open(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)

	names, err := db.ListCollectionNames(ctx, bson.M{"name": "links"})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if len(names) == 0 {
		createOpts := options.CreateCollection().
			SetChangeStreamPreAndPostImages(bson.M{"enabled": true})
		if err := db.CreateCollection(ctx, "links", createOpts); err != nil {
			return nil, fmt.Errorf("create links collection: %w", err)
		}
	}

	collection := db.Collection("links")

	_, err = collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "editor_public_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "info_hash", Value: 1}}},
		{Keys: bson.D{{Key: "expiration", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return &MongoStore{client: client, collection: collection}, nil
}

func (s *MongoStore) Get(ctx context.Context, editorPublicKey [32]byte) (*Record, error) {
	var d linkDoc
	err := s.collection.FindOne(ctx, bson.M{"editor_public_key": editorPublicKey[:]}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := toRecord(d)
	return &rec, nil
}

// conditionalField builds the aggregation-pipeline $set stage fragment
// that only applies newValue when the monotonicity predicate holds,
// directly mirroring rest.py's conditional_field helper: the replace
// condition is evaluated server-side, inside the same atomic update.
func conditionalField(field string, newValue any) bson.M {
	return bson.M{
		field: bson.M{
			"$cond": bson.M{
				"if": bson.M{
					"$and": bson.A{
						bson.M{"$lt": bson.A{"$counter", "$$new_counter"}},
						bson.M{"$lte": bson.A{"$expiration", "$$new_expiration"}},
					},
				},
				"then": newValue,
				"else": "$" + field,
			},
		},
	}
}

func (s *MongoStore) UpsertIfMonotonic(ctx context.Context, rec Record) (UpsertResult, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: mergeSet(
			conditionalField("editor_public_key", rec.EditorPublicKey[:]),
			conditionalField("counter", rec.Counter),
			conditionalField("expiration", rec.Expiration),
			conditionalField("info_hash", rec.InfoHash[:]),
			conditionalField("container_signed", rec.ContainerSigned),
		)}},
	}

	// $$new_counter / $$new_expiration are bound via the let option so the
	// predicate can compare against the incoming values without needing
	// to splice them into every conditionalField call site.
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before).
		SetLet(bson.M{"new_counter": rec.Counter, "new_expiration": rec.Expiration})

	var existing linkDoc
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"editor_public_key": rec.EditorPublicKey[:]},
		pipeline, opts).Decode(&existing)

	if err == mongo.ErrNoDocuments {
		return UpsertResult{Outcome: Inserted}, nil
	}
	if err != nil {
		return UpsertResult{}, err
	}

	prev := toRecord(existing)
	switch {
	case existing.Counter >= rec.Counter:
		return UpsertResult{Outcome: RejectedCounter, Previous: &prev}, nil
	case existing.Expiration > rec.Expiration:
		return UpsertResult{Outcome: RejectedExpiration, Previous: &prev}, nil
	default:
		return UpsertResult{Outcome: Replaced, Previous: &prev}, nil
	}
}

func mergeSet(fragments ...bson.M) bson.M {
	out := bson.M{}
	for _, f := range fragments {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}

func (s *MongoStore) FindByInfoHashLive(ctx context.Context, infoHashes [][32]byte, now time.Time, yield func(Record) error) error {
	hashBytes := make(bson.A, len(infoHashes))
	for i, h := range infoHashes {
		hashBytes[i] = h[:]
	}

	cursor, err := s.collection.Find(ctx, bson.M{
		"info_hash":  bson.M{"$in": hashBytes},
		"expiration": bson.M{"$gt": now.Unix()},
	})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var d linkDoc
		if err := cursor.Decode(&d); err != nil {
			return err
		}
		if err := yield(toRecord(d)); err != nil {
			return err
		}
	}
	return cursor.Err()
}

func (s *MongoStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"expiration": bson.M{"$lte": now.Unix()},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

type changeStreamDoc struct {
	OperationType           string   `bson:"operationType"`
	FullDocument            *linkDoc `bson:"fullDocument"`
	FullDocumentBeforeChange *linkDoc `bson:"fullDocumentBeforeChange"`
}

func (s *MongoStore) ChangeFeed(ctx context.Context) (<-chan ChangeEvent, error) {
	streamOpts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)

	stream, err := s.collection.Watch(ctx, mongo.Pipeline{}, streamOpts)
	if err != nil {
		return nil, fmt.Errorf("open change stream: %w", err)
	}

	out := make(chan ChangeEvent)
	go func() {
		defer close(out)
		defer stream.Close(ctx)

		for stream.Next(ctx) {
			var raw changeStreamDoc
			if err := stream.Decode(&raw); err != nil {
				continue
			}

			ev := ChangeEvent{}
			if raw.FullDocumentBeforeChange != nil {
				before := toRecord(*raw.FullDocumentBeforeChange)
				ev.Before = &before
			}
			if raw.FullDocument != nil {
				after := toRecord(*raw.FullDocument)
				ev.After = &after
			}

			switch {
			case ev.Before == nil && ev.After != nil:
				ev.Kind = ChangeInsert
			case ev.After == nil:
				ev.Kind = ChangeDelete
			default:
				ev.Kind = ChangeReplace
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
