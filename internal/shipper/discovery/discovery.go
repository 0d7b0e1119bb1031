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

// Package discovery enumerates and classifies log sources from filesystem
// roots. Discovery runs once at startup; a failure in one source type never
// aborts the others.
package discovery

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	set "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/opsentra/opsentra/internal/record"
)

// Well-known service names recognized anywhere in a source path.
var wellKnownServices = []string{"nginx", "apache", "mysql", "postgres", "redis", "mongo"}

// Log file extensions stripped during service-name derivation.
var logExtensions = []string{".log", ".txt", ".out"}

// Options selects which source types to discover and where to look.
type Options struct {
	LogPaths         []string
	ContainerEnabled bool
	ContainerRoot    string
	PodEnabled       bool
	PodRoot          string
	CIEnabled        bool
	CIRoots          []string
	CustomPaths      []string
}

// Discoverer expands configured roots into a flat set of source descriptors.
type Discoverer struct {
	opts   Options
	logger zerolog.Logger
}

func NewDiscoverer(opts Options, logger zerolog.Logger) *Discoverer {
	return &Discoverer{opts: opts, logger: logger}
}

// Discover enumerates all enabled source types. Each returned source is
// consumed by exactly one tailer.
func (d *Discoverer) Discover() []record.Source {
	var sources []record.Source
	seen := set.NewSet[string]()

	add := func(src record.Source) {
		if seen.ContainsOne(src.Path) {
			return
		}
		if !isReadable(src.Path) {
			d.logger.Debug().Str("path", src.Path).Msg("skipping unreadable source")
			return
		}
		seen.Add(src.Path)
		sources = append(sources, src)
	}

	for _, src := range d.globSources(d.opts.LogPaths, record.SourceTypeSystem) {
		add(src)
	}

	if d.opts.ContainerEnabled {
		for _, src := range d.containerSources() {
			add(src)
		}
	}

	if d.opts.PodEnabled {
		for _, src := range d.podSources() {
			add(src)
		}
	}

	if d.opts.CIEnabled {
		for _, src := range d.ciSources() {
			add(src)
		}
	}

	for _, src := range d.globSources(d.opts.CustomPaths, record.SourceTypeCustom) {
		add(src)
	}

	d.logger.Info().Int("count", len(sources)).Msg("source discovery complete")
	return sources
}

// Expand glob patterns into system/custom sources.
func (d *Discoverer) globSources(patterns []string, sourceType record.SourceType) []record.Source {
	var out []record.Source
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			d.logger.Warn().Err(err).Str("pattern", pattern).Msg("bad glob pattern")
			continue
		}
		for _, match := range matches {
			abs, err := filepath.Abs(match)
			if err != nil {
				continue
			}
			if info, err := os.Stat(abs); err != nil || info.IsDir() {
				continue
			}
			out = append(out, record.Source{
				Path:    abs,
				Type:    sourceType,
				Service: DeriveService(abs),
			})
		}
	}
	return out
}

// containerConfig is the slice of the container runtime's per-container
// config document we care about.
type containerConfig struct {
	Name   string `json:"Name"`
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
}

// Enumerate the container runtime's per-container log root. Layout is
// <root>/<container-id>/<container-id>-json.log with an adjacent config
// document that carries the friendly name.
func (d *Discoverer) containerSources() []record.Source {
	var out []record.Source

	entries, err := os.ReadDir(d.opts.ContainerRoot)
	if err != nil {
		d.logger.Warn().Err(err).Str("root", d.opts.ContainerRoot).Msg("container log root unavailable")
		return nil
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		containerID := entry.Name()
		logPath := filepath.Join(d.opts.ContainerRoot, containerID, containerID+"-json.log")
		if _, err := os.Stat(logPath); err != nil {
			continue
		}

		out = append(out, record.Source{
			Path:    logPath,
			Type:    record.SourceTypeContainer,
			Service: d.containerService(containerID),
			Metadata: map[string]string{
				"containerId": containerID,
			},
		})
	}
	return out
}

// Derive a friendly service name from the container config document, falling
// back to container-<first-12-chars-of-id>.
func (d *Discoverer) containerService(containerID string) string {
	fallback := "container-" + truncateID(containerID)

	configPath := filepath.Join(d.opts.ContainerRoot, containerID, "config.v2.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fallback
	}

	var cfg containerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fallback
	}

	if name := strings.TrimPrefix(cfg.Name, "/"); name != "" {
		return name
	}
	if image := imageBase(cfg.Config.Image); image != "" {
		return image
	}
	return fallback
}

// Walk the pod log tree: <root>/<namespace>/<pod>/<container>.log.
func (d *Discoverer) podSources() []record.Source {
	var out []record.Source

	namespaces, err := os.ReadDir(d.opts.PodRoot)
	if err != nil {
		d.logger.Warn().Err(err).Str("root", d.opts.PodRoot).Msg("pod log root unavailable")
		return nil
	}

	for _, nsEntry := range namespaces {
		if !nsEntry.IsDir() {
			continue
		}
		namespace := nsEntry.Name()

		pods, err := os.ReadDir(filepath.Join(d.opts.PodRoot, namespace))
		if err != nil {
			continue
		}
		for _, podEntry := range pods {
			if !podEntry.IsDir() {
				continue
			}
			pod := podEntry.Name()

			containers, err := os.ReadDir(filepath.Join(d.opts.PodRoot, namespace, pod))
			if err != nil {
				continue
			}
			for _, cEntry := range containers {
				if cEntry.IsDir() || !strings.HasSuffix(cEntry.Name(), ".log") {
					continue
				}
				container := strings.TrimSuffix(cEntry.Name(), ".log")
				out = append(out, record.Source{
					Path:    filepath.Join(d.opts.PodRoot, namespace, pod, cEntry.Name()),
					Type:    record.SourceTypePod,
					Service: "k8s-" + pod,
					Metadata: map[string]string{
						"namespace": namespace,
						"pod":       pod,
						"container": container,
					},
				})
			}
		}
	}
	return out
}

// Walk CI roots for *.log files, deriving the job identifier from the path
// segment following "jobs/".
func (d *Discoverer) ciSources() []record.Source {
	var out []record.Source

	for _, root := range d.opts.CIRoots {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable subtrees
			}
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
				return nil
			}

			src := record.Source{
				Path:    path,
				Type:    record.SourceTypeCI,
				Service: DeriveService(path),
			}
			if job := jobSegment(path); job != "" {
				src.Service = job
				src.Metadata = map[string]string{"jobName": job}
			}
			out = append(out, src)
			return nil
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("root", root).Msg("ci log root walk failed")
		}
	}
	return out
}

// DeriveService returns the service name for a generic log path: well-known
// names recognized anywhere in the path win, else the base name with log
// extensions stripped.
func DeriveService(path string) string {
	lower := strings.ToLower(path)
	for _, known := range wellKnownServices {
		if strings.Contains(lower, known) {
			return known
		}
	}

	base := filepath.Base(path)
	for _, ext := range logExtensions {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		return "unknown"
	}
	return base
}

// jobSegment returns the path segment following "jobs", or "".
func jobSegment(path string) string {
	segments := strings.Split(filepath.ToSlash(path), "/")
	for i, segment := range segments {
		if segment == "jobs" && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func imageBase(image string) string {
	if image == "" {
		return ""
	}
	base := image
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.Index(base, ":"); idx >= 0 {
		base = base[:idx]
	}
	return base
}

func isReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
