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

// Package tail follows a single log file across rotation and truncation and
// delivers newline-terminated lines in file order. One tailer runs per
// source; failures in one tailer never affect another.
package tail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opsentra/opsentra/internal/record"
)

// ErrSourceAbandoned is returned when a source stays unreadable past the
// retry window.
var ErrSourceAbandoned = errors.New("tail: source abandoned")

const (
	defaultPollInterval = 250 * time.Millisecond
	reopenBackoff       = 250 * time.Millisecond
	readBufferSize      = 32 * 1024
)

// LineHandler receives every complete line in file order.
type LineHandler func(line string, src record.Source)

// Tailer follows one file. Lines are handed off synchronously, so per-source
// ordering is preserved end to end.
type Tailer struct {
	src          record.Source
	handler      LineHandler
	retryWindow  time.Duration
	pollInterval time.Duration
	fromStart    bool // read from offset zero instead of EOF (tests)
	logger       zerolog.Logger
}

func NewTailer(src record.Source, handler LineHandler, retryWindow time.Duration, logger zerolog.Logger) *Tailer {
	if retryWindow < 5*time.Second {
		retryWindow = 5 * time.Second
	}
	return &Tailer{
		src:          src,
		handler:      handler,
		retryWindow:  retryWindow,
		pollInterval: defaultPollInterval,
		logger:       logger.With().Str("source", src.Path).Logger(),
	}
}

// Run tails the file until ctx is canceled or the source is abandoned. Any
// buffered partial line is finalized on shutdown.
func (t *Tailer) Run(ctx context.Context) error {
	file, info, err := t.reopen(ctx)
	if err != nil {
		return err
	}
	defer func() { file.Close() }()

	var offset int64
	if !t.fromStart {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
	}

	// fsnotify wakes the loop early on writes; the poll ticker is the
	// fallback that keeps rotation detection working regardless.
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(t.src.Path)
	} else {
		t.logger.Debug().Err(werr).Msg("fsnotify unavailable, polling only")
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var partial bytes.Buffer
	buf := make([]byte, readBufferSize)

	for {
		// drain everything currently readable
		for {
			n, rerr := file.Read(buf)
			if n > 0 {
				offset += int64(n)
				t.consume(buf[:n], &partial)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				t.logger.Warn().Err(rerr).Msg("read error, reopening source")
				file.Close()
				file, info, err = t.reopen(ctx)
				if err != nil {
					t.finalize(&partial)
					return err
				}
				offset = 0
				partial.Reset()
				t.rewatch(watcher)
			}
		}

		// rotation and truncation checks
		statInfo, serr := os.Stat(t.src.Path)
		switch {
		case serr != nil:
			// file gone: retry reopening for up to the retry window
			file.Close()
			file, info, err = t.reopen(ctx)
			if err != nil {
				t.finalize(&partial)
				if ctx.Err() != nil {
					return nil
				}
				t.logger.Warn().Err(err).Dur("retryWindow", t.retryWindow).Msg("source abandoned")
				return err
			}
			offset = 0
			partial.Reset()
			t.rewatch(watcher)
			continue
		case !os.SameFile(info, statInfo):
			// inode changed: rotated file, reopen at offset zero
			t.logger.Debug().Msg("rotation detected")
			file.Close()
			file, info, err = t.reopen(ctx)
			if err != nil {
				t.finalize(&partial)
				return err
			}
			offset = 0
			partial.Reset()
			t.rewatch(watcher)
			continue
		case statInfo.Size() < offset:
			// file shrank: truncated in place, rewind
			t.logger.Debug().Msg("truncation detected")
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return err
			}
			offset = 0
			partial.Reset()
			continue
		}

		// wait for new content
		if watcher != nil {
			select {
			case <-ctx.Done():
				t.finalize(&partial)
				return nil
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-ticker.C:
			}
		} else {
			select {
			case <-ctx.Done():
				t.finalize(&partial)
				return nil
			case <-ticker.C:
			}
		}
	}
}

// consume appends a chunk to the partial-line buffer and emits every
// complete line.
func (t *Tailer) consume(chunk []byte, partial *bytes.Buffer) {
	partial.Write(chunk)
	for {
		data := partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := string(data[:idx])
		partial.Next(idx + 1)
		t.handler(line, t.src)
	}
}

// finalize flushes any buffered partial line at shutdown.
func (t *Tailer) finalize(partial *bytes.Buffer) {
	if partial.Len() > 0 {
		t.handler(partial.String(), t.src)
		partial.Reset()
	}
}

// reopen opens the source file, retrying for up to the retry window.
func (t *Tailer) reopen(ctx context.Context) (*os.File, os.FileInfo, error) {
	deadline := time.Now().Add(t.retryWindow)
	for {
		file, err := os.Open(t.src.Path)
		if err == nil {
			info, serr := file.Stat()
			if serr == nil {
				return file, info, nil
			}
			file.Close()
			err = serr
		}

		if time.Now().After(deadline) {
			return nil, nil, ErrSourceAbandoned
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(reopenBackoff):
		}
	}
}

func (t *Tailer) rewatch(watcher *fsnotify.Watcher) {
	if watcher == nil {
		return
	}
	_ = watcher.Remove(t.src.Path)
	_ = watcher.Add(t.src.Path)
}
