// Copyright 2025-2026 The OpSentra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists log records in a MongoDB time-series collection
// and tracks which records the archiver has already exported.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/opsentra/opsentra/internal/record"
)

const (
	databaseName   = "opsentra"
	collectionName = "logs"

	// records expire from the hot store after 30 days; archival to the
	// object store happens long before that
	retentionSeconds = 30 * 24 * 60 * 60

	connectTimeout = 10 * time.Second
)

var ErrNotFound = errors.New("store: record not found")

// Document is a LogRecord as persisted, with the store-assigned identifier
// and the archival bookkeeping fields.
type Document struct {
	ID               primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	record.LogRecord `bson:",inline"`

	Synced   bool       `json:"-" bson:"synced"`
	SyncedAt *time.Time `json:"-" bson:"syncedAt,omitempty"`

	Enrichment *record.Enrichment `json:"enrichment,omitempty" bson:"enrichment,omitempty"`
	EnrichedAt *time.Time         `json:"enrichedAt,omitempty" bson:"enrichedAt,omitempty"`
}

// Store wraps the logs collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
}

// Connect dials MongoDB and verifies the server is reachable.
func Connect(ctx context.Context, uri string, logger zerolog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	return &Store{
		client: client,
		coll:   client.Database(databaseName).Collection(collectionName),
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// EnsureCollection creates the time-series collection and its indexes if
// they do not exist yet. Safe to call on every startup.
func (s *Store) EnsureCollection(ctx context.Context) error {
	db := s.client.Database(databaseName)

	names, err := db.ListCollectionNames(ctx, bson.M{"name": collectionName})
	if err != nil {
		return err
	}

	if len(names) == 0 {
		tsOpts := options.TimeSeries().
			SetTimeField("timestamp").
			SetMetaField("service").
			SetGranularity("minutes")
		createOpts := options.CreateCollection().
			SetTimeSeriesOptions(tsOpts).
			SetExpireAfterSeconds(retentionSeconds)

		if err := db.CreateCollection(ctx, collectionName, createOpts); err != nil {
			return err
		}
		s.logger.Info().Str("collection", collectionName).Msg("created time-series collection")
	}

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "service", Value: 1}}},
		{Keys: bson.D{{Key: "level", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "synced", Value: 1}, {Key: "timestamp", Value: 1}}},
	}
	_, err = s.coll.Indexes().CreateMany(ctx, indexes)
	return err
}

// Insert persists one record unsynced and returns its assigned identifier
// as a hex string.
func (s *Store) Insert(ctx context.Context, rec record.LogRecord) (string, error) {
	doc := Document{LogRecord: rec, Synced: false}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", err
	}

	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", errors.New("store: unexpected inserted id type")
	}
	return oid.Hex(), nil
}

// ApplyEnrichment merges an analysis payload onto the record it identifies.
func (s *Store) ApplyEnrichment(ctx context.Context, enr record.Enrichment) error {
	oid, err := primitive.ObjectIDFromHex(enr.Identifier)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.coll.UpdateByID(ctx, oid, bson.M{
		"$set": bson.M{
			"enrichment": enr,
			"enrichedAt": now,
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Fetch returns the most recent records, newest first, optionally filtered
// by service and level.
func (s *Store) Fetch(ctx context.Context, service string, level record.Level, limit int) ([]Document, error) {
	filter := bson.M{}
	if service != "" {
		filter["service"] = service
	}
	if level != "" {
		filter["level"] = level
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	docs := []Document{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Services returns the distinct service names seen so far, for subscriber
// filter discovery.
func (s *Store) Services(ctx context.Context) ([]string, error) {
	values, err := s.coll.Distinct(ctx, "service", bson.M{})
	if err != nil {
		return nil, err
	}

	services := make([]string, 0, len(values))
	for _, v := range values {
		if name, ok := v.(string); ok {
			services = append(services, name)
		}
	}
	return services, nil
}

// UnsyncedSince returns up to limit unarchived records with timestamps at
// or after the window start, oldest first.
func (s *Store) UnsyncedSince(ctx context.Context, since time.Time, limit int) ([]Document, error) {
	filter := bson.M{
		"synced":    false,
		"timestamp": bson.M{"$gte": since},
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	docs := []Document{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// MarkSynced flags the given records as archived. Called only after the
// archive object has been stored, so a crash in between re-archives rather
// than loses records.
func (s *Store) MarkSynced(ctx context.Context, ids []primitive.ObjectID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"synced": true, "syncedAt": at}},
	)
	return err
}

// Ping reports whether the server is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close releases the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
