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
	"strings"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Log HTTP requests
func loggingMiddleware(hideHealthChecks bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hideHealthChecks && strings.HasSuffix(c.Request.URL.Path, "/healthz") {
			c.Next()
			return
		}

		// the stream endpoint holds its connection open; log it on the
		// way in rather than at completion
		isStream := strings.HasSuffix(c.Request.URL.Path, "/logs/stream")

		t0 := time.Now().UTC()

		// create contextual sub-logger
		requestId := requestid.Get(c)
		logger := log.With().Str("request_id", requestId).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		if isStream {
			logger.Info().
				Str("event_type", "StreamOpen").
				Str("remote_addr", c.Request.RemoteAddr).
				Str("path", c.Request.URL.Path).
				Str("raw_query", c.Request.URL.RawQuery).
				Send()
		}

		// execute request
		c.Next()

		// record `Access` event using contextual logger
		m := logger.Info()
		m.Str("event_type", "Access")
		m.Time("request_ts", t0)
		m.Str("remote_addr", c.Request.RemoteAddr)
		m.Str("method", c.Request.Method)
		m.Str("host", c.Request.Host)
		m.Str("path", c.Request.URL.Path)
		m.Str("raw_query", c.Request.URL.RawQuery)
		m.Str("user_agent", c.Request.Header.Get("User-Agent"))
		m.Str("x_forwarded_for", c.Request.Header.Get("X-Forwarded-For"))
		m.Int("status_code", c.Writer.Status())
		m.Dur("duration_ms", time.Since(t0))
		m.Send()
	}
}
