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

// Package shipper runs the per-host collection agent: it discovers log
// sources, tails each one through rotation, turns raw lines into records
// and hands them to the broker publisher.
package shipper

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsentra/opsentra/internal/config"
	"github.com/opsentra/opsentra/internal/identity"
	"github.com/opsentra/opsentra/internal/logging"
	"github.com/opsentra/opsentra/internal/record"
	"github.com/opsentra/opsentra/internal/shipper/discovery"
	"github.com/opsentra/opsentra/internal/shipper/publish"
	"github.com/opsentra/opsentra/internal/shipper/tail"
)

// Shipper supervises the agent's pipeline for the lifetime of the process.
type Shipper struct {
	cfg      config.Shipper
	resolver *identity.Resolver
}

func NewShipper(cfg config.Shipper) (*Shipper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Shipper{cfg: cfg, resolver: identity.NewResolver()}, nil
}

// Run blocks until ctx is canceled or the broker stays unreachable past
// the publisher's reconnect budget. A source that disappears mid-run is
// logged and dropped without affecting the rest of the pipeline.
func (s *Shipper) Run(ctx context.Context) error {
	logger := logging.ComponentLogger("shipper")

	host := s.resolver.Host()
	ip := s.resolver.IP()
	logger.Info().Str("host", host).Str("ip", ip).Msg("starting shipper")

	discoverer := discovery.NewDiscoverer(discovery.Options{
		LogPaths:         s.cfg.LogPaths,
		ContainerEnabled: s.cfg.ContainerEnabled,
		ContainerRoot:    s.cfg.ContainerRoot,
		PodEnabled:       s.cfg.PodEnabled,
		PodRoot:          s.cfg.PodRoot,
		CIEnabled:        s.cfg.CIEnabled,
		CIRoots:          s.cfg.CIRoots,
		CustomPaths:      s.cfg.CustomPaths,
	}, logger)

	sources := discoverer.Discover()
	if len(sources) == 0 {
		logger.Warn().Msg("no log sources discovered, shipper is idle")
	}

	builder := record.NewBuilder(host, ip)
	queue := publish.NewQueue(s.cfg.BatchSize)
	publisher := publish.NewPublisher(s.cfg.BrokerURL, queue,
		time.Duration(s.cfg.BatchTimeoutMs)*time.Millisecond, logger)

	handler := func(line string, src record.Source) {
		if rec, ok := builder.Build(line, src); ok {
			publisher.Enqueue(rec)
		}
	}

	retryWindow := time.Duration(s.cfg.RetryWindowSeconds) * time.Second

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return publisher.Run(gctx)
	})

	for _, src := range sources {
		src := src
		tailer := tail.NewTailer(src, handler, retryWindow, logger)
		g.Go(func() error {
			err := tailer.Run(gctx)
			if errors.Is(err, tail.ErrSourceAbandoned) {
				logger.Warn().Str("path", src.Path).Msg("source abandoned")
				return nil
			}
			return err
		})
	}

	err := g.Wait()

	logger.Info().
		Uint64("dropped", publisher.Dropped()).
		Int("queued", publisher.QueueDepth()).
		Msg("shipper stopped")

	return err
}
