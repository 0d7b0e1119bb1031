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

import "time"

// State is a stop on the publisher's reconnection state machine:
//
//	Disconnected -> Connecting -> Connected -> Channeling -> Ready
//	                     ^                                     |
//	                     +------------- Errored <--------------+
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateChanneling
	StateReady
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateChanneling:
		return "channeling"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

const (
	backoffBase       = 5 * time.Second
	backoffMax        = 30 * time.Second
	backoffMultiplier = 1.5
)

// backoff computes reconnect delays: base, multiplied by 1.5 per failed
// attempt, capped. Reset on a successful transition to Ready.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff() *backoff {
	return &backoff{base: backoffBase, max: backoffMax}
}

func (b *backoff) next() time.Duration {
	delay := float64(b.base)
	for i := 0; i < b.attempt; i++ {
		delay *= backoffMultiplier
	}
	b.attempt++
	if delay > float64(b.max) {
		return b.max
	}
	return time.Duration(delay)
}

func (b *backoff) reset() {
	b.attempt = 0
}
