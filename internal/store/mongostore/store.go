package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store"
)

// Store persists job records in a MongoDB collection. Retention uses a TTL
// index on expiresAt; reads additionally filter on it since Mongo's TTL
// monitor only sweeps periodically.
type Store struct {
	coll *mongo.Collection
	ttl  time.Duration
}

type document struct {
	entity.Job `bson:",inline"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

func New(coll *mongo.Collection, ttl time.Duration) *Store {
	return &Store{coll: coll, ttl: ttl}
}

// EnsureIndexes creates the TTL index backing record expiry.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return err
}

func (s *Store) Put(ctx context.Context, job *entity.Job) error {
	doc := document{Job: *job, ExpiresAt: time.Now().Add(s.ttl)}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": job.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo upsert %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*entity.Job, error) {
	filter := bson.M{"_id": id, "expiresAt": bson.M{"$gt": time.Now()}}

	var doc document
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get %s: %w", id, err)
	}
	return &doc.Job, nil
}

func (s *Store) List(ctx context.Context, f store.Filter, p store.Page) ([]*entity.Job, int, error) {
	filter := bson.M{"expiresAt": bson.M{"$gt": time.Now()}}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongo count: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(p.Offset))
	if p.Limit > 0 {
		opts.SetLimit(int64(p.Limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("mongo list: %w", err)
	}
	defer cur.Close(ctx)

	var jobs []*entity.Job
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		job := doc.Job
		jobs = append(jobs, &job)
	}
	return jobs, int(total), cur.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo delete %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
