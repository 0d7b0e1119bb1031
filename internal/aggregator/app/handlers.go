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

package app

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/opsentra/opsentra/internal/record"
)

const (
	defaultFetchLimit = 100
	maxFetchLimit     = 1000

	// clients reconnect after 3s if the stream drops
	sseRetryMs = 3000
)

var validLevels = map[record.Level]bool{
	record.LevelTrace: true,
	record.LevelDebug: true,
	record.LevelInfo:  true,
	record.LevelWarn:  true,
	record.LevelError: true,
	record.LevelFatal: true,
}

// GET /api/logs
func (a *App) handleFetchLogs(c *gin.Context) {
	limit := defaultFetchLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	level := record.Level(c.Query("level"))
	if level != "" && !validLevels[level] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level"})
		return
	}

	docs, err := a.store.Fetch(c.Request.Context(), c.Query("service"), level, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  docs,
		"count": len(docs),
	})
}

// GET /api/services
func (a *App) handleListServices(c *gin.Context) {
	services, err := a.store.Services(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"services": services})
}

// GET /api/logs/stream
func (a *App) handleStreamLogs(c *gin.Context) {
	service := c.Query("service")

	sub := a.hub.Subscribe(service)
	defer a.hub.Unsubscribe(sub.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// opening event carries the reconnect hint
	sse.Encode(c.Writer, sse.Event{
		Event: "connected",
		Retry: sseRetryMs,
		Data:  gin.H{"subscriber": sub.ID},
	})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events:
			if !ok {
				// disconnected by the hub (overflow or shutdown)
				return false
			}
			sse.Encode(w, sse.Event{Event: string(ev.Type), Data: ev.Data})
			return true
		}
	})
}

// GET /healthz
func (a *App) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"

	storeStatus := "ok"
	if err := a.store.Ping(ctx); err != nil {
		storeStatus = "unavailable"
		status = "degraded"
	}

	brokerStatus := "unknown"
	if a.brokerState != nil {
		brokerStatus = a.brokerState()
		if brokerStatus != "connected" {
			status = "degraded"
		}
	}

	objectStoreStatus := "unknown"
	if a.objectStoreState != nil {
		objectStoreStatus = a.objectStoreState()
		if objectStoreStatus != "ok" {
			status = "degraded"
		}
	}

	body := gin.H{
		"status":        status,
		"version":       a.version,
		"uptimeSeconds": int(time.Since(a.startedAt).Seconds()),
		"store":         storeStatus,
		"broker":        brokerStatus,
		"objectStore":   objectStoreStatus,
		"subscribers":   a.hub.SubscriberCount(),
	}
	if a.counters != nil {
		body["counters"] = gin.H{
			"received":  a.counters.Received.Load(),
			"persisted": a.counters.Persisted.Load(),
			"enriched":  a.counters.Enriched.Load(),
			"archived":  a.counters.Archived.Load(),
		}
	}

	// only a dead store makes the service unusable
	code := http.StatusOK
	if storeStatus != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}
