// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package run

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"exec-engine/pkg/metrics"
	"exec-engine/pkg/services"

	"github.com/sirupsen/logrus"
)

const defaultFlushInterval = time.Second

// logBuffer collects job log lines until the flusher forwards them.
type logBuffer struct {
	mu    sync.Mutex
	lines []services.LogLine
}

func (b *logBuffer) add(line string, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, services.NewLogLine(line, isError))
}

func (b *logBuffer) drain() []services.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines
	b.lines = nil
	return out
}

// requeue puts lines back in front of anything logged since they were
// drained.
func (b *logBuffer) requeue(lines []services.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(slices.Clone(lines), b.lines...)
}

func (b *logBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// logSink receives a batch of lines, in order.
type logSink func(ctx context.Context, lines []services.LogLine) error

// flusher periodically forwards the buffer to a sink.
type flusher struct {
	buf      *logBuffer
	sink     logSink
	interval time.Duration

	// sendMu keeps batches in order when an explicit flush races the loop.
	sendMu  sync.Mutex
	stopped atomic.Bool
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
}

func newFlusher(buf *logBuffer, sink logSink, interval time.Duration) *flusher {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &flusher{
		buf:      buf,
		sink:     sink,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start runs the flush loop until stop is called. It is a no-op after the
// first call.
func (f *flusher) start(ctx context.Context) {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(f.done)
		t := time.NewTicker(f.interval)
		defer t.Stop()
		for {
			select {
			case <-f.quit:
				return
			case <-t.C:
			}
			if f.stopped.Load() {
				return
			}
			if err := f.flush(ctx); err != nil {
				logrus.Warnf("Failed to send job log lines, will retry: %v", err)
			}
		}
	}()
}

// flush sends everything buffered. A failed batch goes back to the front
// of the buffer.
func (f *flusher) flush(ctx context.Context) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	lines := f.buf.drain()
	if len(lines) == 0 {
		return nil
	}
	if err := f.sink(ctx, lines); err != nil {
		f.buf.requeue(lines)
		return err
	}
	metrics.FlushedLogLines.Add(float64(len(lines)))
	return nil
}

// stop ends the loop, waits for it, and flushes what is left.
func (f *flusher) stop(ctx context.Context) error {
	if f.stopped.CompareAndSwap(false, true) {
		close(f.quit)
	}
	if f.started.Load() {
		<-f.done
	}
	return f.flush(ctx)
}
