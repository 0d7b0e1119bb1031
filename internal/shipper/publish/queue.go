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
	"sync"

	"github.com/opsentra/opsentra/internal/record"
)

// Queue is the bounded buffer between builders and the publisher. On
// overflow the oldest record is discarded so the most recent activity
// survives a backlog.
type Queue struct {
	mu       sync.Mutex
	items    []record.LogRecord
	capacity int
	dropped  uint64
	signal   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push appends a record at the tail, evicting from the head on overflow.
func (q *Queue) Push(rec record.LogRecord) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.trim()
	q.mu.Unlock()
	q.notify()
}

// PushFront requeues a record at the head after a failed send. The eviction
// policy still applies: at capacity, the head is the first to go.
func (q *Queue) PushFront(rec record.LogRecord) {
	q.mu.Lock()
	q.items = append([]record.LogRecord{rec}, q.items...)
	q.trim()
	q.mu.Unlock()
	q.notify()
}

// Pop removes and returns the head record, blocking until one is available
// or ctx is canceled.
func (q *Queue) Pop(ctx context.Context) (record.LogRecord, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return rec, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return record.LogRecord{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// TryPop removes and returns the head record without blocking.
func (q *Queue) TryPop() (record.LogRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return record.LogRecord{}, false
	}
	rec := q.items[0]
	q.items = q.items[1:]
	return rec, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of records discarded due to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// caller must hold q.mu
func (q *Queue) trim() {
	for len(q.items) > q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
