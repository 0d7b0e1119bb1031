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

// Package aggregator runs the central service: it consumes records off
// the broker, persists them, fans them out to live subscribers, archives
// them to the object store and serves the HTTP surface.
package aggregator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"

	"github.com/opsentra/opsentra/internal/aggregator/app"
	"github.com/opsentra/opsentra/internal/aggregator/archive"
	"github.com/opsentra/opsentra/internal/aggregator/consume"
	"github.com/opsentra/opsentra/internal/aggregator/hub"
	"github.com/opsentra/opsentra/internal/aggregator/store"
	"github.com/opsentra/opsentra/internal/config"
	"github.com/opsentra/opsentra/internal/identity"
	"github.com/opsentra/opsentra/internal/logging"
	"github.com/opsentra/opsentra/internal/record"
)

const (
	version = "3.0.0"

	httpShutdownTimeout = 10 * time.Second
)

// streamRecord is the fan-out shape: the persisted record plus its
// store-assigned identifier, which enrichment payloads refer back to.
type streamRecord struct {
	ID string `json:"id"`
	record.LogRecord
}

// Aggregator supervises the service's components for the process lifetime.
type Aggregator struct {
	cfg      config.Aggregator
	resolver *identity.Resolver
}

func NewAggregator(cfg config.Aggregator) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{cfg: cfg, resolver: identity.NewResolver()}, nil
}

// Run starts every component and blocks until ctx is canceled or one of
// them fails fatally. Startup order is store, object store, broker, then
// the HTTP surface; shutdown runs in reverse.
func (a *Aggregator) Run(ctx context.Context) error {
	logger := logging.ComponentLogger("aggregator")

	// store first: without persistence nothing else can run
	st, err := store.Connect(ctx, a.cfg.StoreURI, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st.Close(shutdownCtx)
	}()

	if err := st.EnsureCollection(ctx); err != nil {
		return err
	}
	logger.Info().Msg("store ready")

	objects, err := minio.New(a.cfg.ObjectStore.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(a.cfg.ObjectStore.AccessKey, a.cfg.ObjectStore.SecretKey, ""),
		Secure: a.cfg.ObjectStore.Secure,
		Region: a.cfg.ObjectStore.Region,
	})
	if err != nil {
		return err
	}

	// background connectivity probe for the health endpoint
	stopHealthCheck, err := objects.HealthCheck(30 * time.Second)
	if err == nil {
		defer stopHealthCheck()
	}
	objectStoreState := func() string {
		if objects.IsOnline() {
			return "ok"
		}
		return "unavailable"
	}

	subscribers := hub.NewHub(a.cfg.SubscriberBufferSize, logger)
	counters := &app.Counters{}

	consumer := consume.NewConsumer(a.cfg.BrokerURL, consume.Handlers{
		Record:     a.recordHandler(st, subscribers, counters),
		Enrichment: a.enrichmentHandler(st, subscribers, counters, logger),
	}, logger)

	archiver := archive.NewArchiver(objects, st, archive.Options{
		BucketPrefix: a.cfg.BucketPrefix,
		HostIP:       a.resolver.IP(),
		Region:       a.cfg.ObjectStore.Region,
		Interval:     time.Duration(a.cfg.ArchiveIntervalMinutes) * time.Minute,
		BatchLimit:   a.cfg.ArchiveBatchLimit,
		OnArchived:   func(n int) { counters.Archived.Add(uint64(n)) },
	}, logger)

	httpApp := app.NewApp(app.Options{
		Store:            st,
		Hub:              subscribers,
		Counters:         counters,
		Version:          version,
		BrokerState:      consumer.State,
		ObjectStoreState: objectStoreState,
	})

	srv := &http.Server{
		Addr:    a.cfg.ListenAddress,
		Handler: httpApp,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return subscribers.Run(gctx) })
	g.Go(func() error { return archiver.Run(gctx) })

	g.Go(func() error {
		logger.Info().Str("addr", a.cfg.ListenAddress).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// stop accepting requests as soon as shutdown begins
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	logger.Info().
		Uint64("received", counters.Received.Load()).
		Uint64("persisted", counters.Persisted.Load()).
		Uint64("archived", counters.Archived.Load()).
		Msg("aggregator stopped")

	return err
}

// recordHandler persists one record then fans it out. An insert failure
// propagates so the delivery is redelivered.
func (a *Aggregator) recordHandler(st *store.Store, subscribers *hub.Hub, counters *app.Counters) func(context.Context, record.LogRecord) error {
	return func(ctx context.Context, rec record.LogRecord) error {
		counters.Received.Add(1)

		id, err := st.Insert(ctx, rec)
		if err != nil {
			return err
		}
		counters.Persisted.Add(1)

		subscribers.Publish(hub.Event{
			Type:    hub.EventRecord,
			Service: rec.Service,
			Data:    streamRecord{ID: id, LogRecord: rec},
		})
		return nil
	}
}

// enrichmentHandler merges an analysis payload onto its record. A payload
// for an unknown record is dropped rather than redelivered forever.
func (a *Aggregator) enrichmentHandler(st *store.Store, subscribers *hub.Hub, counters *app.Counters, logger zerolog.Logger) func(context.Context, record.Enrichment) error {
	return func(ctx context.Context, enr record.Enrichment) error {
		err := st.ApplyEnrichment(ctx, enr)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, primitive.ErrInvalidHex) {
			logger.Warn().Str("identifier", enr.Identifier).Msg("enrichment for unknown record, dropping")
			return nil
		}
		if err != nil {
			return err
		}
		counters.Enriched.Add(1)

		subscribers.Publish(hub.Event{
			Type: hub.EventEnrichment,
			Data: enr,
		})
		return nil
	}
}
