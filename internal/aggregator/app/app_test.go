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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsentra/opsentra/internal/aggregator/hub"
	"github.com/opsentra/opsentra/internal/aggregator/store"
	"github.com/opsentra/opsentra/internal/record"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	docs     []store.Document
	services []string
	pingErr  error

	lastService string
	lastLevel   record.Level
	lastLimit   int
}

func (f *fakeStore) Fetch(ctx context.Context, service string, level record.Level, limit int) ([]store.Document, error) {
	f.lastService = service
	f.lastLevel = level
	f.lastLimit = limit
	return f.docs, nil
}

func (f *fakeStore) Services(ctx context.Context) ([]string, error) {
	return f.services, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.pingErr
}

func newTestApp(fs *fakeStore) (*App, *hub.Hub) {
	h := hub.NewHub(10, zerolog.Nop())
	a := NewApp(Options{
		Store:            fs,
		Hub:              h,
		Counters:         &Counters{},
		Version:          "test",
		BrokerState:      func() string { return "connected" },
		ObjectStoreState: func() string { return "ok" },
	})
	return a, h
}

func getJSON(t *testing.T, a *App, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	a.ServeHTTP(w, r)

	body := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestFetchLogsDefaults(t *testing.T) {
	fs := &fakeStore{docs: []store.Document{{LogRecord: record.LogRecord{Service: "nginx"}}}}
	a, _ := newTestApp(fs)

	code, body := getJSON(t, a, "/api/logs")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, 100, fs.lastLimit)
	assert.Equal(t, "", fs.lastService)
}

func TestFetchLogsFilters(t *testing.T) {
	fs := &fakeStore{}
	a, _ := newTestApp(fs)

	code, _ := getJSON(t, a, "/api/logs?service=mysql&level=error&limit=50")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "mysql", fs.lastService)
	assert.Equal(t, record.LevelError, fs.lastLevel)
	assert.Equal(t, 50, fs.lastLimit)
}

func TestFetchLogsClampsLimit(t *testing.T) {
	fs := &fakeStore{}
	a, _ := newTestApp(fs)

	code, _ := getJSON(t, a, "/api/logs?limit=99999")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1000, fs.lastLimit)
}

func TestFetchLogsRejectsBadParams(t *testing.T) {
	fs := &fakeStore{}
	a, _ := newTestApp(fs)

	code, _ := getJSON(t, a, "/api/logs?limit=banana")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = getJSON(t, a, "/api/logs?limit=-1")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = getJSON(t, a, "/api/logs?level=loud")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListServices(t *testing.T) {
	fs := &fakeStore{services: []string{"nginx", "redis"}}
	a, _ := newTestApp(fs)

	code, body := getJSON(t, a, "/api/services")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"nginx", "redis"}, body["services"])
}

func TestHealthz(t *testing.T) {
	fs := &fakeStore{}
	a, h := newTestApp(fs)
	h.Subscribe("")
	a.counters.Persisted.Add(7)

	code, body := getJSON(t, a, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "ok", body["store"])
	assert.Equal(t, "connected", body["broker"])
	assert.Equal(t, "ok", body["objectStore"])
	assert.Equal(t, float64(1), body["subscribers"])

	counters, ok := body["counters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), counters["persisted"])
}

func TestHealthzDegradedWhenStoreDown(t *testing.T) {
	fs := &fakeStore{pingErr: errors.New("no reachable servers")}
	a, _ := newTestApp(fs)

	code, body := getJSON(t, a, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["store"])
}

func TestStreamDeliversEvents(t *testing.T) {
	fs := &fakeStore{}
	a, h := newTestApp(fs)

	srv := httptest.NewServer(a)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs/stream?service=nginx", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, _ := readEvent()
	assert.Equal(t, "connected", event)

	// wait for the subscriber to register, then publish
	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.Publish(hub.Event{Type: hub.EventRecord, Service: "nginx", Data: map[string]string{"message": "hi"}})

	event, data := readEvent()
	assert.Equal(t, "record", event)
	assert.Contains(t, data, `"message":"hi"`)

	// filtered out: different service
	h.Publish(hub.Event{Type: hub.EventRecord, Service: "redis", Data: map[string]string{"message": "nope"}})
	h.Publish(hub.Event{Type: hub.EventRecord, Service: "nginx", Data: map[string]string{"message": "again"}})

	event, data = readEvent()
	assert.Equal(t, "record", event)
	assert.Contains(t, data, `"again"`)

	cancel()
	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}
