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

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	h := NewHub(10, zerolog.Nop())

	s1 := h.Subscribe("")
	s2 := h.Subscribe("")

	h.Publish(Event{Type: EventRecord, Service: "nginx", Data: "payload"})

	for _, sub := range []*Subscriber{s1, s2} {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, EventRecord, ev.Type)
			assert.Equal(t, "payload", ev.Data)
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishRespectsServiceFilter(t *testing.T) {
	h := NewHub(10, zerolog.Nop())

	nginxOnly := h.Subscribe("nginx")
	all := h.Subscribe("")

	h.Publish(Event{Type: EventRecord, Service: "redis"})

	assert.Len(t, nginxOnly.Events, 0)
	assert.Len(t, all.Events, 1)

	h.Publish(Event{Type: EventRecord, Service: "nginx"})
	assert.Len(t, nginxOnly.Events, 1)
}

func TestHeartbeatBypassesFilter(t *testing.T) {
	h := NewHub(10, zerolog.Nop())
	sub := h.Subscribe("nginx")

	// heartbeats carry no service, so every subscriber gets them
	h.Publish(Event{Type: EventHeartbeat})

	require.Len(t, sub.Events, 1)
	ev := <-sub.Events
	assert.Equal(t, EventHeartbeat, ev.Type)
}

func TestOverflowDisconnectsSubscriber(t *testing.T) {
	h := NewHub(2, zerolog.Nop())

	slow := h.Subscribe("")
	healthy := h.Subscribe("")

	for i := 0; i < 3; i++ {
		h.Publish(Event{Type: EventRecord, Service: "a", Data: i})
		// keep the healthy subscriber drained
		<-healthy.Events
	}

	assert.Equal(t, 1, h.SubscriberCount())

	// the slow subscriber's channel holds its buffered events then closes
	<-slow.Events
	<-slow.Events
	_, open := <-slow.Events
	assert.False(t, open)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(10, zerolog.Nop())
	sub := h.Subscribe("")

	h.Unsubscribe(sub.ID)
	h.Unsubscribe(sub.ID) // idempotent

	_, open := <-sub.Events
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHeartbeatOnlyReachesIdleSubscribers(t *testing.T) {
	h := NewHub(10, zerolog.Nop())

	current := time.Now()
	h.now = func() time.Time { return current }

	idle := h.Subscribe("redis")
	busy := h.Subscribe("nginx")

	// past the interval, only busy sees traffic
	current = current.Add(h.heartbeatInterval + time.Second)
	h.Publish(Event{Type: EventRecord, Service: "nginx"})
	require.Len(t, busy.Events, 1)
	require.Len(t, idle.Events, 0)
	<-busy.Events

	h.heartbeatIdle()

	require.Len(t, idle.Events, 1)
	ev := <-idle.Events
	assert.Equal(t, EventHeartbeat, ev.Type)
	assert.Len(t, busy.Events, 0)
}

func TestHeartbeatGapStaysUnderLivenessBound(t *testing.T) {
	h := NewHub(10, zerolog.Nop())
	h.heartbeatInterval = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	sub := h.Subscribe("")

	// wait for a heartbeat so we know a tick just fired
	select {
	case <-sub.Events:
	case <-time.After(time.Second):
		t.Fatal("no initial heartbeat")
	}

	// a record delivered right after a tick resets the idle clock at the
	// worst possible moment; the next framed event must still arrive
	// within 1.5x the interval
	h.Publish(Event{Type: EventRecord, Service: "a"})
	<-sub.Events
	quietSince := time.Now()

	select {
	case <-sub.Events:
		gap := time.Since(quietSince)
		assert.LessOrEqual(t, gap, 17*h.heartbeatInterval/10,
			"gap between framed events exceeded the liveness bound")
	case <-time.After(2 * h.heartbeatInterval):
		t.Fatal("no framed event within 2x the heartbeat interval")
	}
}

func TestRunClosesAllOnShutdown(t *testing.T) {
	h := NewHub(10, zerolog.Nop())
	sub := h.Subscribe("")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	require.NoError(t, <-done)

	_, open := <-sub.Events
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount())
}
