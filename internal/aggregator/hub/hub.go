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

// Package hub fans persisted records out to live subscribers. Each
// subscriber gets a bounded buffer; one that stops draining is
// disconnected rather than allowed to stall the rest.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType discriminates the payloads sent down a subscriber stream.
type EventType string

const (
	EventRecord     EventType = "record"
	EventEnrichment EventType = "enrichment"
	EventHeartbeat  EventType = "heartbeat"
)

// Event is one unit of fan-out. Data is already shaped for the wire.
type Event struct {
	Type    EventType
	Service string
	Data    any
}

// Subscriber is one live stream consumer. Events is closed when the
// subscriber is disconnected, either by Unsubscribe or by overflow.
type Subscriber struct {
	ID      string
	Service string // empty means all services
	Events  chan Event

	lastEvent time.Time
	closed    bool
}

const defaultHeartbeatInterval = 30 * time.Second

// Hub is a linearizable subscriber registry: subscribe, unsubscribe and
// publish all serialize on one mutex, so a subscriber never receives an
// event after its channel is closed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*Subscriber

	bufferSize        int
	heartbeatInterval time.Duration
	now               func() time.Time

	logger zerolog.Logger
}

func NewHub(bufferSize int, logger zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Hub{
		subs:              make(map[string]*Subscriber),
		bufferSize:        bufferSize,
		heartbeatInterval: defaultHeartbeatInterval,
		now:               time.Now,
		logger:            logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers a new stream consumer. An empty service subscribes
// to everything.
func (h *Hub) Subscribe(service string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Service: service,
		Events:  make(chan Event, h.bufferSize),
	}

	h.mu.Lock()
	sub.lastEvent = h.now()
	h.subs[sub.ID] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug().Str("subscriber", sub.ID).Str("service", service).Int("total", count).Msg("subscribed")
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids
// are ignored, so disconnect paths can race harmlessly.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubscriber_UNSAFE(id)
}

// Publish fans one event out to every subscriber whose filter matches.
// A subscriber with a full buffer is disconnected.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if sub.Service != "" && ev.Service != "" && sub.Service != ev.Service {
			continue
		}
		h.deliver_UNSAFE(id, sub, ev)
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run emits keep-alive heartbeats to subscribers that have been idle for
// a full interval, then closes every stream on shutdown. The ticker runs
// at half the interval so a subscriber that goes idle right after a tick
// still sees an event within 1.5x the interval.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.heartbeatIdle()
		}
	}
}

func (h *Hub) heartbeatIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, sub := range h.subs {
		if now.Sub(sub.lastEvent) < h.heartbeatInterval {
			continue
		}
		h.deliver_UNSAFE(id, sub, Event{Type: EventHeartbeat})
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.subs {
		h.removeSubscriber_UNSAFE(id)
	}
}

// deliver_UNSAFE sends nonblocking; callers hold h.mu.
func (h *Hub) deliver_UNSAFE(id string, sub *Subscriber, ev Event) {
	select {
	case sub.Events <- ev:
		sub.lastEvent = h.now()
	default:
		h.logger.Warn().Str("subscriber", id).Msg("subscriber buffer full, disconnecting")
		h.removeSubscriber_UNSAFE(id)
	}
}

// removeSubscriber_UNSAFE deletes and closes; callers hold h.mu.
func (h *Hub) removeSubscriber_UNSAFE(id string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.Events)
	}
}
