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
	"time"
)

// Level is a normalized log severity.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SourceType classifies where a log source was discovered.
type SourceType string

const (
	SourceTypeSystem    SourceType = "system"
	SourceTypeContainer SourceType = "container"
	SourceTypePod       SourceType = "pod"
	SourceTypeCI        SourceType = "ci"
	SourceTypeCustom    SourceType = "custom"
)

// Source describes a discovered log source. It is created by the discoverer
// and consumed by exactly one tailer.
type Source struct {
	Path     string
	Type     SourceType
	Service  string
	Metadata map[string]string
}

// LogRecord is the universal structured log unit. The same shape travels over
// the broker (JSON) and into the store (BSON).
type LogRecord struct {
	Timestamp  time.Time         `json:"timestamp" bson:"timestamp"`
	Level      Level             `json:"level" bson:"level"`
	Service    string            `json:"service" bson:"service"`
	Host       string            `json:"host" bson:"host"`
	IP         string            `json:"ip" bson:"ip"`
	Source     string            `json:"source" bson:"source"`
	Message    string            `json:"message" bson:"message"`
	SourceType SourceType        `json:"sourceType" bson:"sourceType"`
	Metadata   map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Enrichment is the asynchronous analysis payload keyed by record identifier.
// It arrives on the enriched queue and is merged onto the persisted record.
type Enrichment struct {
	Identifier  string   `json:"identifier"`
	Analysis    string   `json:"analysis"`
	Suggestions []string `json:"suggestions"`
	Confidence  float64  `json:"confidence"`
}
