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

// Package identity resolves the capture host's stable name and best-effort
// network identity. The IP lookup hits the cloud metadata service once, with
// a hard deadline, and caches the result for the process lifetime.
package identity

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// Address of the instance metadata service on the major clouds.
	defaultMetadataURL = "http://169.254.169.254/latest/meta-data/local-ipv4"

	metadataTimeout = 2 * time.Second
)

// Resolver resolves and caches host identity.
type Resolver struct {
	metadataURL string
	client      *http.Client

	once sync.Once
	host string
	ip   string
}

func NewResolver() *Resolver {
	return &Resolver{
		metadataURL: defaultMetadataURL,
		client:      &http.Client{Timeout: metadataTimeout},
	}
}

// Host returns the capture host's stable name.
func (r *Resolver) Host() string {
	r.resolve()
	return r.host
}

// IP returns the cloud-metadata IP when reachable, else the host name.
func (r *Resolver) IP() string {
	r.resolve()
	return r.ip
}

func (r *Resolver) resolve() {
	r.once.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-host"
		}
		r.host = host
		r.ip = host

		ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.metadataURL, nil)
		if err != nil {
			return
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err != nil {
			return
		}

		if ip := strings.TrimSpace(string(body)); ip != "" {
			r.ip = ip
		}
	})
}
