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

// Package publish delivers records to the broker with at-least-once
// semantics and bounded memory under broker outage.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/opsentra/opsentra/internal/broker"
	"github.com/opsentra/opsentra/internal/record"
)

var errConnectionLost = errors.New("publish: broker connection lost")

const (
	defaultMaxConnectAttempts = 10
	defaultFlushTimeout       = 10 * time.Second
	defaultSendRetries        = 3
	defaultSendRetryDelay     = 250 * time.Millisecond
	defaultBatchTimeout       = 500 * time.Millisecond

	// cap on how many records one batch window may collect, so a hot
	// source cannot starve the connection-loss check
	maxBatchSize = 500
)

// Publisher owns one broker connection and one channel. It drains the
// bounded queue and publishes persistent messages to the topic exchange,
// reconnecting through the state machine on any channel or connection error.
type Publisher struct {
	url   string
	queue *Queue
	dial  broker.DialFunc

	maxConnectAttempts int
	flushTimeout       time.Duration
	sendRetries        int
	sendRetryDelay     time.Duration
	batchTimeout       time.Duration
	bo                 *backoff

	state  atomic.Int32
	logger zerolog.Logger
}

// NewPublisher builds a publisher draining queue. batchTimeout is how long
// the pump lingers after the first record to collect a burst into one batch;
// zero or negative selects the default.
func NewPublisher(url string, queue *Queue, batchTimeout time.Duration, logger zerolog.Logger) *Publisher {
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	return &Publisher{
		url:                url,
		queue:              queue,
		dial:               broker.Dial,
		maxConnectAttempts: defaultMaxConnectAttempts,
		flushTimeout:       defaultFlushTimeout,
		sendRetries:        defaultSendRetries,
		sendRetryDelay:     defaultSendRetryDelay,
		batchTimeout:       batchTimeout,
		bo:                 newBackoff(),
		logger:             logger.With().Str("component", "publisher").Logger(),
	}
}

// Enqueue hands a record to the publisher. Never blocks; the queue's
// drop-oldest policy applies under backlog.
func (p *Publisher) Enqueue(rec record.LogRecord) {
	p.queue.Push(rec)
}

// State reports the current reconnection state.
func (p *Publisher) State() State {
	return State(p.state.Load())
}

// QueueDepth returns the number of locally queued records.
func (p *Publisher) QueueDepth() int {
	return p.queue.Len()
}

// Dropped returns the number of records discarded under backlog.
func (p *Publisher) Dropped() uint64 {
	return p.queue.Dropped()
}

// Run owns the connection lifecycle until ctx is canceled. On shutdown the
// local queue is flushed with a bounded deadline. Returns an error only when
// the broker stays unreachable past the connect attempt budget.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		conn, ch, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		err = p.pump(ctx, ch, closed)

		ch.Close()
		conn.Close()

		if ctx.Err() != nil {
			p.setState(StateDisconnected)
			return nil
		}

		p.logger.Warn().Err(err).Msg("broker channel lost, reconnecting")
		p.setState(StateErrored)
		p.setState(StateDisconnected)
	}
}

// connect walks Disconnected -> Connecting -> Connected -> Channeling ->
// Ready, backing off between failed attempts.
func (p *Publisher) connect(ctx context.Context) (broker.Connection, broker.Channel, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		p.setState(StateConnecting)

		conn, err := p.dial(p.url)
		if err == nil {
			p.setState(StateConnected)
			p.setState(StateChanneling)

			ch, cerr := conn.Channel()
			if cerr == nil {
				derr := ch.ExchangeDeclare(broker.Exchange, "topic", true, false, false, false, nil)
				if derr == nil {
					p.setState(StateReady)
					p.bo.reset()
					return conn, ch, nil
				}
				lastErr = derr
				ch.Close()
			} else {
				lastErr = cerr
			}
			conn.Close()
		} else {
			lastErr = err
		}

		p.setState(StateErrored)

		if p.maxConnectAttempts > 0 && attempt >= p.maxConnectAttempts {
			return nil, nil, fmt.Errorf("broker unreachable after %d attempts: %w", attempt, lastErr)
		}

		p.setState(StateDisconnected)
		delay := p.bo.next()
		p.logger.Warn().Err(lastErr).Dur("retryIn", delay).Int("attempt", attempt).Msg("broker connect failed")

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// pump moves records from the queue onto the wire until the connection
// drops or ctx is canceled.
func (p *Publisher) pump(ctx context.Context, ch broker.Channel, closed <-chan *amqp.Error) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-closed:
			cancel()
		case <-pumpCtx.Done():
		}
	}()

	for {
		batch, err := p.nextBatch(pumpCtx)
		if err != nil {
			if ctx.Err() != nil {
				p.flush(ch)
				return ctx.Err()
			}
			return errConnectionLost
		}

		for i, rec := range batch {
			if err := p.send(ch, rec); err != nil {
				// requeue the unsent tail at the head, preserving
				// order, and trigger reconnect
				for j := len(batch) - 1; j >= i; j-- {
					p.queue.PushFront(batch[j])
				}
				return err
			}
		}
	}
}

// nextBatch blocks for the first record, then lingers for the batch window
// collecting whatever else arrives so a burst goes out back to back.
func (p *Publisher) nextBatch(ctx context.Context) ([]record.LogRecord, error) {
	first, err := p.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}
	batch := []record.LogRecord{first}

	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for len(batch) < maxBatchSize {
		if rec, ok := p.queue.TryPop(); ok {
			batch = append(batch, rec)
			continue
		}
		select {
		case <-ctx.Done():
			return batch, nil
		case <-timer.C:
			return batch, nil
		case <-p.queue.signal:
		}
	}
	return batch, nil
}

// send publishes one record, retrying individual failures with fixed
// spacing before giving up.
func (p *Publisher) send(ch broker.Channel, rec record.LogRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error().Err(err).Str("service", rec.Service).Msg("dropping unencodable record")
		return nil
	}

	hostOrIP := rec.IP
	if hostOrIP == "" {
		hostOrIP = rec.Host
	}
	key := broker.RoutingKey(rec.Service, hostOrIP)

	var lastErr error
	for attempt := 0; attempt < p.sendRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.sendRetryDelay)
		}
		lastErr = ch.Publish(broker.Exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    rec.Timestamp,
			Body:         body,
		})
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// flush drains the local queue at shutdown, bounded by the flush timeout.
func (p *Publisher) flush(ch broker.Channel) {
	deadline := time.Now().Add(p.flushTimeout)

	for time.Now().Before(deadline) {
		rec, ok := p.queue.TryPop()
		if !ok {
			return
		}
		if err := p.send(ch, rec); err != nil {
			p.queue.PushFront(rec)
			p.logger.Warn().Err(err).Int("remaining", p.queue.Len()).Msg("flush aborted")
			return
		}
	}

	if remaining := p.queue.Len(); remaining > 0 {
		p.logger.Warn().Int("remaining", remaining).Msg("flush deadline reached")
	}
}

func (p *Publisher) setState(s State) {
	p.state.Store(int32(s))
}
