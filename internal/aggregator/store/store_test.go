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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/opsentra/opsentra/internal/record"
)

func newMockStore(mt *mtest.T) *Store {
	return &Store{client: mt.Client, coll: mt.Coll, logger: zerolog.Nop()}
}

func TestInsertAssignsIdentifier(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		s := newMockStore(mt)

		id, err := s.Insert(context.Background(), record.LogRecord{
			Timestamp: time.Now().UTC(),
			Level:     record.LevelInfo,
			Service:   "nginx",
			Message:   "started",
		})
		require.NoError(mt, err)

		// ids are generated client-side, so a valid hex id comes back
		_, err = primitive.ObjectIDFromHex(id)
		assert.NoError(mt, err)
	})
}

func TestApplyEnrichment(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("matched", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		s := newMockStore(mt)

		err := s.ApplyEnrichment(context.Background(), record.Enrichment{
			Identifier: primitive.NewObjectID().Hex(),
			Analysis:   "connection pool exhausted",
			Confidence: 0.9,
		})
		assert.NoError(mt, err)
	})

	mt.Run("unknown identifier", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))
		s := newMockStore(mt)

		err := s.ApplyEnrichment(context.Background(), record.Enrichment{
			Identifier: primitive.NewObjectID().Hex(),
		})
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("malformed identifier", func(mt *mtest.T) {
		s := newMockStore(mt)

		err := s.ApplyEnrichment(context.Background(), record.Enrichment{
			Identifier: "not-a-hex-id",
		})
		assert.Error(mt, err)
	})
}

func TestFetchDecodesDocuments(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("fetch", func(mt *mtest.T) {
		ts := time.Now().UTC().Truncate(time.Millisecond)
		first := mtest.CreateCursorResponse(1, "opsentra.logs", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: primitive.NewObjectID()},
			{Key: "timestamp", Value: ts},
			{Key: "level", Value: "error"},
			{Key: "service", Value: "mysql"},
			{Key: "message", Value: "deadlock detected"},
			{Key: "synced", Value: false},
		})
		end := mtest.CreateCursorResponse(0, "opsentra.logs", mtest.NextBatch)
		mt.AddMockResponses(first, end)

		s := newMockStore(mt)
		docs, err := s.Fetch(context.Background(), "mysql", record.LevelError, 100)
		require.NoError(mt, err)
		require.Len(mt, docs, 1)
		assert.Equal(mt, "mysql", docs[0].Service)
		assert.Equal(mt, record.LevelError, docs[0].Level)
		assert.Equal(mt, "deadlock detected", docs[0].Message)
		assert.False(mt, docs[0].Synced)
	})
}

func TestMarkSyncedNoIDsIsNoop(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("empty", func(mt *mtest.T) {
		// no mock responses registered: a round trip would fail
		s := newMockStore(mt)
		err := s.MarkSynced(context.Background(), nil, time.Now())
		assert.NoError(mt, err)
	})
}
