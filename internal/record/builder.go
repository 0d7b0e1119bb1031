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
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Ordered level-extraction patterns. The first pattern with a match wins:
//
//  1. [LEVEL]
//  2. LEVEL:
//  3. leading ISO-like date followed by LEVEL
var levelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[(error|warn|warning|info|debug|trace|fatal|critical)\]`),
	regexp.MustCompile(`(?i)\b(error|warn|warning|info|debug|trace|fatal|critical):`),
	regexp.MustCompile(`(?i)^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}\S*\s+(error|warn|warning|info|debug|trace|fatal|critical)\b`),
}

// Keyword fallback, checked in order when no pattern matches.
var levelKeywords = []struct {
	re    *regexp.Regexp
	level Level
}{
	{regexp.MustCompile(`(?i)\b(error|err|fatal|critical)\b`), LevelError},
	{regexp.MustCompile(`(?i)\b(warn|warning)\b`), LevelWarn},
	{regexp.MustCompile(`(?i)\binfo\b`), LevelInfo},
	{regexp.MustCompile(`(?i)\b(debug|trace)\b`), LevelDebug},
}

// ExtractLevel derives a severity from a raw line. Defaults to info.
func ExtractLevel(line string) Level {
	for _, re := range levelPatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			return normalizeLevel(m[1])
		}
	}
	for _, kw := range levelKeywords {
		if kw.re.MatchString(line) {
			return kw.level
		}
	}
	return LevelInfo
}

func normalizeLevel(raw string) Level {
	switch strings.ToLower(raw) {
	case "warning":
		return LevelWarn
	case "critical":
		return LevelError
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// containerLine is the shape the container runtime's json-file driver writes,
// one object per line:
//
//	{"log":"message\n","stream":"stderr","time":"2025-09-17T10:30:00Z"}
type containerLine struct {
	Log    string `json:"log"`
	Stream string `json:"stream"`
	Time   string `json:"time"`
}

// Builder turns raw tailed lines into fully populated log records.
type Builder struct {
	host string
	ip   string
	now  func() time.Time
}

func NewBuilder(host, ip string) *Builder {
	return &Builder{host: host, ip: ip, now: time.Now}
}

// Build returns one record per non-empty trimmed line. The second return
// value is false when the line should be dropped.
func (b *Builder) Build(rawLine string, src Source) (LogRecord, bool) {
	message := strings.TrimRight(rawLine, "\r\n")
	if strings.TrimSpace(message) == "" {
		return LogRecord{}, false
	}

	timestamp := b.now().UTC().Truncate(time.Millisecond)

	// Unwrap container-runtime json-file lines. Parse failures fall through
	// to plain-line handling.
	if src.Type == SourceTypeContainer && strings.HasPrefix(message, "{") {
		var cl containerLine
		if err := json.Unmarshal([]byte(message), &cl); err == nil && cl.Log != "" {
			message = strings.TrimRight(cl.Log, "\r\n")
			if strings.TrimSpace(message) == "" {
				return LogRecord{}, false
			}
			if ts, err := time.Parse(time.RFC3339Nano, cl.Time); err == nil {
				timestamp = ts.UTC().Truncate(time.Millisecond)
			}
		}
	}

	var metadata map[string]string
	if len(src.Metadata) > 0 {
		metadata = make(map[string]string, len(src.Metadata))
		for k, v := range src.Metadata {
			metadata[k] = v
		}
	}

	return LogRecord{
		Timestamp:  timestamp,
		Level:      ExtractLevel(message),
		Service:    src.Service,
		Host:       b.host,
		IP:         b.ip,
		Source:     src.Path,
		Message:    message,
		SourceType: src.Type,
		Metadata:   metadata,
	}, true
}
