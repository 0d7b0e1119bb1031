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

// Package consume reads records and enrichment payloads off the broker,
// hands them to the persistence layer and acknowledges only after the
// handler succeeds.
package consume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/opsentra/opsentra/internal/broker"
	"github.com/opsentra/opsentra/internal/record"
)

const (
	prefetchCount = 10

	// a message that fails this many deliveries is dropped instead of
	// requeued, so one bad record cannot wedge the queue
	maxDeliveries = 3

	defaultMaxConnectAttempts = 10

	defaultReconnectBase = 5 * time.Second
	defaultReconnectMax  = 30 * time.Second
)

var errConnectionLost = errors.New("consume: broker connection lost")

// Handlers receives decoded payloads. A returned error triggers redelivery.
type Handlers struct {
	Record     func(ctx context.Context, rec record.LogRecord) error
	Enrichment func(ctx context.Context, enr record.Enrichment) error
}

// Consumer owns one broker connection with one channel consuming both the
// raw-logs and enriched queues.
type Consumer struct {
	url      string
	handlers Handlers
	dial     broker.DialFunc
	logger   zerolog.Logger

	maxConnectAttempts int
	reconnectBase      time.Duration
	reconnectMax       time.Duration

	connected atomic.Bool

	mu       sync.Mutex
	attempts map[uint64]int
}

// State reports the broker connection for the health endpoint.
func (c *Consumer) State() string {
	if c.connected.Load() {
		return "connected"
	}
	return "disconnected"
}

func NewConsumer(url string, handlers Handlers, logger zerolog.Logger) *Consumer {
	return &Consumer{
		url:                url,
		handlers:           handlers,
		dial:               broker.Dial,
		logger:             logger.With().Str("component", "consumer").Logger(),
		maxConnectAttempts: defaultMaxConnectAttempts,
		reconnectBase:      defaultReconnectBase,
		reconnectMax:       defaultReconnectMax,
		attempts:           make(map[uint64]int),
	}
}

// Run consumes until ctx is canceled, reconnecting with backoff whenever
// the broker connection drops. A broker that stays unreachable past the
// connect attempt budget is fatal; an established connection that later
// drops resets the budget.
func (c *Consumer) Run(ctx context.Context) error {
	delay := c.reconnectBase
	attempt := 0

	for {
		established, err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if established {
			attempt = 0
			delay = c.reconnectBase
		} else {
			attempt++
			if attempt >= c.maxConnectAttempts {
				return fmt.Errorf("broker unreachable after %d attempts: %w", attempt, err)
			}
		}

		c.logger.Warn().Err(err).Dur("retryIn", delay).Int("attempt", attempt).
			Msg("consumer disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * 1.5)
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

// consumeOnce reports whether consumption was established before the
// returned error, so Run can tell a dead broker from a dropped connection.
func (c *Consumer) consumeOnce(ctx context.Context) (bool, error) {
	conn, err := c.dial(c.url)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// one channel per queue so a slow handler on one queue cannot
	// stall prefetch on the other
	rawLogs, rawCh, err := c.openQueue(conn, broker.RawLogsQueue, broker.RawLogsBinding, true)
	if err != nil {
		return false, err
	}
	defer rawCh.Close()

	enriched, enrCh, err := c.openQueue(conn, broker.EnrichedQueue, broker.EnrichedBinding, false)
	if err != nil {
		return false, err
	}
	defer enrCh.Close()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.connected.Store(true)
	defer c.connected.Store(false)

	// redelivery tallies are scoped to this connection: the broker resets
	// delivery state when the connection drops
	defer c.clearAttempts()

	c.logger.Info().Msg("consuming")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-closed:
			return true, errConnectionLost
		case d, ok := <-rawLogs:
			if !ok {
				return true, errConnectionLost
			}
			c.handleRecord(ctx, d)
		case d, ok := <-enriched:
			if !ok {
				return true, errConnectionLost
			}
			c.handleEnrichment(ctx, d)
		}
	}
}

// openQueue declares the exchange and one queue on a dedicated channel and
// starts consuming from it. Declarations are idempotent, so shipper and
// aggregator can start in either order.
func (c *Consumer) openQueue(conn broker.Connection, queue, binding string, declareExchange bool) (<-chan amqp.Delivery, broker.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	if declareExchange {
		if err := ch.ExchangeDeclare(broker.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, nil, err
		}
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, nil, err
	}
	if err := ch.QueueBind(queue, binding, broker.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, err
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, nil, err
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return deliveries, ch, nil
}

func (c *Consumer) handleRecord(ctx context.Context, d amqp.Delivery) {
	var rec record.LogRecord
	if err := json.Unmarshal(d.Body, &rec); err != nil {
		c.logger.Error().Err(err).Str("routingKey", d.RoutingKey).Msg("dropping malformed record")
		c.drop(d)
		return
	}

	if err := c.handlers.Record(ctx, rec); err != nil {
		c.retryOrDrop(d, err)
		return
	}
	c.ack(d)
}

func (c *Consumer) handleEnrichment(ctx context.Context, d amqp.Delivery) {
	var enr record.Enrichment
	if err := json.Unmarshal(d.Body, &enr); err != nil {
		c.logger.Error().Err(err).Msg("dropping malformed enrichment")
		c.drop(d)
		return
	}

	if err := c.handlers.Enrichment(ctx, enr); err != nil {
		c.retryOrDrop(d, err)
		return
	}
	c.ack(d)
}

// retryOrDrop requeues a failed delivery until it exhausts its attempt
// budget, then drops it.
func (c *Consumer) retryOrDrop(d amqp.Delivery, cause error) {
	attempt := c.recordAttempt(d)
	if attempt >= maxDeliveries {
		c.logger.Error().Err(cause).Int("deliveries", attempt).Str("routingKey", d.RoutingKey).
			Msg("handler kept failing, dropping message")
		c.drop(d)
		return
	}

	c.logger.Warn().Err(cause).Int("delivery", attempt).Str("routingKey", d.RoutingKey).
		Msg("handler failed, requeueing")
	if err := d.Nack(false, true); err != nil {
		c.logger.Error().Err(err).Msg("nack failed")
	}
}

// recordAttempt counts deliveries per message body. The broker reports a
// death count once a dead-letter cycle is configured; without one the
// in-memory tally covers redeliveries on this connection.
func (c *Consumer) recordAttempt(d amqp.Delivery) int {
	if n, ok := deathCount(d); ok {
		return n + 1
	}

	key := bodyHash(d.Body)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[key]++
	return c.attempts[key]
}

func (c *Consumer) ack(d amqp.Delivery) {
	c.forget(d)
	if err := d.Ack(false); err != nil {
		c.logger.Error().Err(err).Msg("ack failed")
	}
}

func (c *Consumer) drop(d amqp.Delivery) {
	c.forget(d)
	if err := d.Nack(false, false); err != nil {
		c.logger.Error().Err(err).Msg("nack failed")
	}
}

func (c *Consumer) forget(d amqp.Delivery) {
	key := bodyHash(d.Body)
	c.mu.Lock()
	delete(c.attempts, key)
	c.mu.Unlock()
}

func (c *Consumer) clearAttempts() {
	c.mu.Lock()
	c.attempts = make(map[uint64]int)
	c.mu.Unlock()
}

func deathCount(d amqp.Delivery) (int, bool) {
	raw, ok := d.Headers["x-death"]
	if !ok {
		return 0, false
	}
	deaths, ok := raw.([]interface{})
	if !ok || len(deaths) == 0 {
		return 0, false
	}
	entry, ok := deaths[0].(amqp.Table)
	if !ok {
		return 0, false
	}
	switch count := entry["count"].(type) {
	case int64:
		return int(count), true
	case int32:
		return int(count), true
	case int:
		return count, true
	}
	return 0, false
}

func bodyHash(body []byte) uint64 {
	h := fnv.New64a()
	h.Write(body)
	return h.Sum64()
}
