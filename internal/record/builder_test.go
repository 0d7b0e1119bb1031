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

package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLevel(t *testing.T) {
	tests := []struct {
		name      string
		setLine   string
		wantLevel Level
	}{
		{
			name:      "bracketed level",
			setLine:   "[ERROR] upstream timed out",
			wantLevel: LevelError,
		},
		{
			name:      "level with colon",
			setLine:   "2025-09-17 10:30:00 INFO: starting worker",
			wantLevel: LevelInfo,
		},
		{
			name:      "iso date followed by level",
			setLine:   "2025-09-17T10:30:00.123Z WARN something looks off",
			wantLevel: LevelWarn,
		},
		{
			name:      "warning normalized to warn",
			setLine:   "[WARNING] disk filling up",
			wantLevel: LevelWarn,
		},
		{
			name:      "critical normalized to error",
			setLine:   "CRITICAL: out of memory",
			wantLevel: LevelError,
		},
		{
			name:      "bracketed fatal",
			setLine:   "[FATAL] cannot bind port",
			wantLevel: LevelFatal,
		},
		{
			name:      "keyword fallback err",
			setLine:   "request failed with err connection reset",
			wantLevel: LevelError,
		},
		{
			name:      "keyword fallback warn",
			setLine:   "warn threshold exceeded",
			wantLevel: LevelWarn,
		},
		{
			name:      "keyword fallback debug",
			setLine:   "trace id assigned",
			wantLevel: LevelDebug,
		},
		{
			name:      "no level defaults to info",
			setLine:   "listening on :8080",
			wantLevel: LevelInfo,
		},
		{
			name:      "bracketed pattern wins over keyword",
			setLine:   "[DEBUG] error counter reset",
			wantLevel: LevelDebug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantLevel, ExtractLevel(tt.setLine))
		})
	}
}

func TestBuilderPlainLine(t *testing.T) {
	builder := NewBuilder("host-1", "10.0.0.5")
	builder.now = func() time.Time {
		return time.Date(2025, 9, 17, 10, 30, 0, 123456789, time.UTC)
	}

	src := Source{
		Path:    "/var/log/app.log",
		Type:    SourceTypeSystem,
		Service: "app",
	}

	rec, ok := builder.Build("2025-09-17 10:30:00 INFO: starting worker\n", src)
	require.True(t, ok)

	assert.Equal(t, "2025-09-17 10:30:00 INFO: starting worker", rec.Message)
	assert.Equal(t, LevelInfo, rec.Level)
	assert.Equal(t, "app", rec.Service)
	assert.Equal(t, "host-1", rec.Host)
	assert.Equal(t, "10.0.0.5", rec.IP)
	assert.Equal(t, "/var/log/app.log", rec.Source)
	assert.Equal(t, SourceTypeSystem, rec.SourceType)
	assert.Equal(t, time.Date(2025, 9, 17, 10, 30, 0, 123000000, time.UTC), rec.Timestamp)
}

func TestBuilderContainerUnwrap(t *testing.T) {
	builder := NewBuilder("host-1", "10.0.0.5")

	src := Source{
		Path:     "/var/lib/docker/containers/abc123/abc123-json.log",
		Type:     SourceTypeContainer,
		Service:  "container-abc123",
		Metadata: map[string]string{"containerId": "abc123"},
	}

	line := `{"log":"[WARN] disk 90% full\n","stream":"stderr","time":"2025-09-17T10:30:00Z"}`
	rec, ok := builder.Build(line, src)
	require.True(t, ok)

	assert.Equal(t, "[WARN] disk 90% full", rec.Message)
	assert.Equal(t, LevelWarn, rec.Level)
	assert.Equal(t, SourceTypeContainer, rec.SourceType)
	assert.Equal(t, "abc123", rec.Metadata["containerId"])
	assert.Equal(t, time.Date(2025, 9, 17, 10, 30, 0, 0, time.UTC), rec.Timestamp)
}

func TestBuilderContainerParseFailure(t *testing.T) {
	builder := NewBuilder("host-1", "10.0.0.5")

	src := Source{
		Path:    "/var/lib/docker/containers/abc123/abc123-json.log",
		Type:    SourceTypeContainer,
		Service: "container-abc123",
	}

	// not valid json: treated as a plain line
	rec, ok := builder.Build("{not json at all", src)
	require.True(t, ok)
	assert.Equal(t, "{not json at all", rec.Message)
	assert.Equal(t, LevelInfo, rec.Level)
}

func TestBuilderDropsEmptyLines(t *testing.T) {
	builder := NewBuilder("host-1", "10.0.0.5")
	src := Source{Path: "/var/log/app.log", Type: SourceTypeSystem, Service: "app"}

	_, ok := builder.Build("\n", src)
	assert.False(t, ok)

	_, ok = builder.Build("   \r\n", src)
	assert.False(t, ok)

	// container line whose unwrapped message is empty
	_, ok = builder.Build(`{"log":"\n","stream":"stdout","time":"2025-09-17T10:30:00Z"}`, Source{
		Path: "/var/lib/docker/containers/abc/abc-json.log", Type: SourceTypeContainer, Service: "c",
	})
	assert.False(t, ok)
}

func TestBuilderIsIdempotent(t *testing.T) {
	builder := NewBuilder("host-1", "10.0.0.5")
	builder.now = func() time.Time {
		return time.Date(2025, 9, 17, 10, 30, 0, 0, time.UTC)
	}
	src := Source{Path: "/var/log/nginx/error.log", Type: SourceTypeSystem, Service: "nginx"}

	rec1, ok1 := builder.Build("[ERROR] upstream timed out", src)
	rec2, ok2 := builder.Build("[ERROR] upstream timed out", src)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, rec1, rec2)
}

func TestBuilderDoesNotShareMetadata(t *testing.T) {
	builder := NewBuilder("host-1", "10.0.0.5")
	src := Source{
		Path: "/var/log/pods/ns/web/app.log", Type: SourceTypePod, Service: "k8s-web",
		Metadata: map[string]string{"namespace": "ns"},
	}

	rec, ok := builder.Build("hello", src)
	require.True(t, ok)

	rec.Metadata["namespace"] = "mutated"
	assert.Equal(t, "ns", src.Metadata["namespace"])
}
