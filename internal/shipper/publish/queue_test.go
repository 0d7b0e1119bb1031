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

package publish

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsentra/opsentra/internal/record"
)

func rec(msg string) record.LogRecord {
	return record.LogRecord{Message: msg, Service: "test", Host: "host"}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)
	q.Push(rec("a"))
	q.Push(rec("b"))
	q.Push(rec("c"))

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Message)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 5; i++ {
		q.Push(rec(fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	// most recent activity survives
	got, _ := q.TryPop()
	assert.Equal(t, "m2", got.Message)
}

func TestQueuePushFront(t *testing.T) {
	q := NewQueue(10)
	q.Push(rec("b"))
	q.PushFront(rec("a"))

	got, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "a", got.Message)
}

func TestQueuePushFrontAtCapacityEvictsHead(t *testing.T) {
	q := NewQueue(2)
	q.Push(rec("x"))
	q.Push(rec("y"))
	q.PushFront(rec("requeued"))

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	got, _ := q.TryPop()
	assert.Equal(t, "x", got.Message)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(10)

	got := make(chan record.LogRecord, 1)
	go func() {
		r, err := q.Pop(context.Background())
		if err == nil {
			got <- r
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(rec("late"))

	select {
	case r := <-got:
		assert.Equal(t, "late", r.Message)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueuePopHonorsContext(t *testing.T) {
	q := NewQueue(10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff()

	assert.Equal(t, 5*time.Second, b.next())
	assert.Equal(t, 7500*time.Millisecond, b.next())
	assert.Equal(t, 11250*time.Millisecond, b.next())

	// capped at the max
	for i := 0; i < 10; i++ {
		b.next()
	}
	assert.Equal(t, 30*time.Second, b.next())

	b.reset()
	assert.Equal(t, 5*time.Second, b.next())
}
