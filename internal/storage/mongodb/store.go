// Package mongodb persists processing modes and duplicate detection
// state in MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/phax/phase4-sub011/pkg/dedup"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
}

// Store owns the MongoDB connection and exposes the collection-backed
// stores through PModes and Seen.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	pmodes *PModeStore
	seen   *SeenStore
}

// NewStore connects to MongoDB and prepares the collections.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client: client,
		db:     db,
		pmodes: &PModeStore{coll: db.Collection("pmodes")},
		seen:   &SeenStore{coll: db.Collection("seen_messages")},
	}
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.pmodes.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "pmode.legs.businessinfo.service", Value: 1},
			{Key: "pmode.legs.businessinfo.action", Value: 1},
		}},
	})
	if err != nil {
		return fmt.Errorf("creating pmode indexes: %w", err)
	}

	_, err = s.seen.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "received_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating seen_messages indexes: %w", err)
	}
	return nil
}

// PModes returns the processing mode store.
func (s *Store) PModes() *PModeStore { return s.pmodes }

// Seen returns the duplicate detection store.
func (s *Store) Seen() *SeenStore { return s.seen }

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

var (
	_ pmode.Store = (*PModeStore)(nil)
	_ dedup.Store = (*SeenStore)(nil)
)

// PModeStore implements pmode.Store over the pmodes collection.
type PModeStore struct {
	coll *mongo.Collection
}

// pmodeDoc wraps a processing mode with its id as the document key.
type pmodeDoc struct {
	ID    string                `bson:"_id"`
	PMode *pmode.ProcessingMode `bson:"pmode"`
}

func (s *PModeStore) Create(ctx context.Context, pm *pmode.ProcessingMode) error {
	if err := pm.Validate(); err != nil {
		return err
	}
	_, err := s.coll.InsertOne(ctx, pmodeDoc{ID: pm.ID, PMode: pm})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", pmode.ErrDuplicateID, pm.ID)
	}
	return err
}

func (s *PModeStore) Update(ctx context.Context, pm *pmode.ProcessingMode) error {
	if err := pm.Validate(); err != nil {
		return err
	}
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": pm.ID}, pmodeDoc{ID: pm.ID, PMode: pm})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", pmode.ErrNotFound, pm.ID)
	}
	return nil
}

func (s *PModeStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", pmode.ErrNotFound, id)
	}
	return nil
}

func (s *PModeStore) Get(ctx context.Context, id string) (*pmode.ProcessingMode, error) {
	var doc pmodeDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", pmode.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return doc.PMode, nil
}

func (s *PModeStore) List(ctx context.Context) ([]*pmode.ProcessingMode, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*pmode.ProcessingMode
	for cur.Next(ctx) {
		var doc pmodeDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.PMode)
	}
	return out, cur.Err()
}

func (s *PModeStore) Find(ctx context.Context, service, action string) (*pmode.ProcessingMode, error) {
	var doc pmodeDoc
	err := s.coll.FindOne(ctx, bson.M{
		"pmode.legs.businessinfo.service": service,
		"pmode.legs.businessinfo.action":  action,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: service %s action %s", pmode.ErrNotFound, service, action)
	}
	if err != nil {
		return nil, err
	}
	return doc.PMode, nil
}

func (s *PModeStore) GetOrCreate(ctx context.Context, id string, build func() *pmode.ProcessingMode) (*pmode.ProcessingMode, error) {
	pm, err := s.Get(ctx, id)
	if err == nil {
		return pm, nil
	}
	if !errors.Is(err, pmode.ErrNotFound) {
		return nil, err
	}

	pm = build()
	if err := pm.Validate(); err != nil {
		return nil, err
	}
	_, err = s.coll.InsertOne(ctx, pmodeDoc{ID: id, PMode: pm})
	if mongo.IsDuplicateKeyError(err) {
		// Another instance won the race.
		return s.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return pm, nil
}

// SeenStore implements dedup.Store over the seen_messages collection. The
// unique _id key gives first-insert-wins semantics across instances.
type SeenStore struct {
	coll *mongo.Collection
}

type seenDoc struct {
	ID         string    `bson:"_id"`
	ReceivedAt time.Time `bson:"received_at"`
}

func (s *SeenStore) Insert(ctx context.Context, id string, now time.Time) (bool, error) {
	_, err := s.coll.InsertOne(ctx, seenDoc{ID: id, ReceivedAt: now})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SeenStore) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	filter := bson.M{"received_at": bson.M{"$lt": cutoff}}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc seenDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	if _, err := s.coll.DeleteMany(ctx, filter); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SeenStore) List(ctx context.Context) ([]dedup.Entry, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []dedup.Entry
	for cur.Next(ctx) {
		var doc seenDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, dedup.Entry{MessageID: doc.ID, ReceivedAt: doc.ReceivedAt})
	}
	return out, cur.Err()
}

func (s *SeenStore) Clear(ctx context.Context) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{})
	return err
}
