// Package mongostore keeps delivery history in a MongoDB collection,
// for setups where several courier hosts share one history log.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/juno-kyojin/testcase-app/internal/history"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
)

var _ history.Store = (*Store)(nil)

type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// document is the collection's shape. The result summary is stored as
// its JSON text so both backends record the same bytes.
type document struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Timestamp  time.Time          `bson:"timestamp"`
	TestID     string             `bson:"test_id"`
	FileName   string             `bson:"file_name"`
	Status     string             `bson:"status"`
	Result     string             `bson:"result,omitempty"`
	Details    string             `bson:"details,omitempty"`
	ConnStatus string             `bson:"connection_status,omitempty"`
}

func New(uri, dbName, collName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Store{
		client:     client,
		collection: client.Database(dbName).Collection(collName),
	}, nil
}

func (s *Store) Append(ctx context.Context, rec *testjob.HistoryRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("refusing to append record with status %q", rec.Status)
	}

	doc := document{
		Timestamp:  time.Now().UTC(),
		TestID:     rec.TestID.String(),
		FileName:   rec.FileName,
		Status:     rec.Status.String(),
		Details:    rec.Details,
		ConnStatus: rec.ConnStatus.String(),
	}
	if rec.Result != nil {
		raw, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("encoding result summary: %w", err)
		}
		doc.Result = string(raw)
	}

	res, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("appending history record: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	rec.ID = oid.Hex()
	rec.Timestamp = doc.Timestamp
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]testjob.HistoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer cur.Close(ctx)

	var recs []testjob.HistoryRecord
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding history document: %w", err)
		}
		rec := testjob.HistoryRecord{
			ID:         doc.ID.Hex(),
			Timestamp:  doc.Timestamp,
			FileName:   doc.FileName,
			Details:    doc.Details,
			ConnStatus: testjob.ConnStatus(doc.ConnStatus),
		}
		if rec.TestID, err = uuid.Parse(doc.TestID); err != nil {
			return nil, fmt.Errorf("document %s: parsing test id: %w", rec.ID, err)
		}
		if rec.Status, err = testjob.ParseStatus(doc.Status); err != nil {
			return nil, fmt.Errorf("document %s: %w", rec.ID, err)
		}
		if doc.Result != "" {
			var sum testjob.ResultSummary
			if err := json.Unmarshal([]byte(doc.Result), &sum); err != nil {
				return nil, fmt.Errorf("document %s: decoding result summary: %w", rec.ID, err)
			}
			rec.Result = &sum
		}
		recs = append(recs, rec)
	}
	return recs, cur.Err()
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
