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

// Package app is the aggregator's HTTP surface: the SSE stream, the
// filtered fetch endpoints and the health check.
package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"github.com/opsentra/opsentra/internal/aggregator/hub"
	"github.com/opsentra/opsentra/internal/aggregator/store"
	"github.com/opsentra/opsentra/internal/record"
)

// LogStore is the read-side view of the persistence layer.
type LogStore interface {
	Fetch(ctx context.Context, service string, level record.Level, limit int) ([]store.Document, error)
	Services(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Counters tracks pipeline totals for the health endpoint.
type Counters struct {
	Received  atomic.Uint64
	Persisted atomic.Uint64
	Enriched  atomic.Uint64
	Archived  atomic.Uint64
}

// Options wires the app to the rest of the aggregator.
type Options struct {
	Store            LogStore
	Hub              *hub.Hub
	Counters         *Counters
	Version          string
	BrokerState      func() string
	ObjectStoreState func() string
}

type App struct {
	*gin.Engine

	store            LogStore
	hub              *hub.Hub
	counters         *Counters
	version          string
	brokerState      func() string
	objectStoreState func() string
	startedAt        time.Time
}

// Create new gin app
func NewApp(opts Options) *App {
	app := &App{
		Engine:           gin.New(),
		store:            opts.Store,
		hub:              opts.Hub,
		counters:         opts.Counters,
		version:          opts.Version,
		brokerState:      opts.BrokerState,
		objectStoreState: opts.ObjectStoreState,
		startedAt:        time.Now(),
	}

	if gin.Mode() != gin.TestMode {
		app.Use(gin.Recovery())
	}

	// Add request-id middleware
	app.Use(requestid.New())

	// Add logging middleware
	app.Use(loggingMiddleware(true))

	// Routes
	api := app.Group("/api")
	{
		api.GET("/logs", app.handleFetchLogs)
		api.GET("/logs/stream", app.handleStreamLogs)
		api.GET("/services", app.handleListServices)
	}

	// Health endpoint
	app.GET("/healthz", app.handleHealthz)

	return app
}
