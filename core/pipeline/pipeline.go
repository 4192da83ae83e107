//
// Copyright (C) 2023 Andrew Grigorev.
//
// Authors:
// Andrew Grigorev <andrew@ei-grad.ru>
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

// Package pipeline moves parsed documents from the follower to the index
// sink through a bounded buffer shared by two workers: a filler that parses
// and appends, and a flusher that ships chunks.  Chunks are bounded in size
// by ChunkSize and in age by MaxDelay.
package pipeline

import (
	"context"
	"expvar"
	"sync"
	"time"

	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/core/parser"
	"github.com/ei-grad/nginx2es/driver/tail"
)

var (
	// docsProduced counts documents that passed parsing and filtering.
	docsProduced = expvar.NewInt("pipeline_documents_total")
	// docsFiltered counts documents dropped by the timestamp cut-offs.
	docsFiltered = expvar.NewInt("pipeline_filtered_total")
	// flushes counts bulk flushes handed to the sink.
	flushes = expvar.NewInt("pipeline_flushes_total")
)

// Action is one pending index operation: the document and its identifier.
type Action struct {
	ID  string
	Doc parser.Document
}

// Sink receives chunks of actions.  Implementations own their own error
// policy; a returned error means the chunk was dropped.
type Sink interface {
	SendBulk(ctx context.Context, actions []Action) error
}

// Stat receives every document that passes the filler, for time-windowed
// aggregation.  Hit must be non-blocking and thread-safe.
type Stat interface {
	Hit(doc parser.Document)
}

const (
	defaultChunkSize = 500
	defaultMaxDelay  = 10 * time.Second
)

// Config holds the pipeline configuration.
type Config struct {
	// ChunkSize bounds the buffer and the bulk request size.
	ChunkSize int
	// MaxDelay bounds how long a non-empty buffer may wait before a flush.
	MaxDelay time.Duration
	// Hostname is used for deterministic document identifiers.
	Hostname string
	// MinTimestamp drops records older than it when non-zero.
	MinTimestamp time.Time
	// MaxTimestamp drops records at or past it when non-zero.
	MaxTimestamp time.Time
}

// Pipeline is the filler/flusher pair around one shared bounded buffer.
type Pipeline struct {
	config Config
	parser *parser.Parser
	sink   Sink
	stat   Stat

	mu       sync.Mutex // protects buffer and the counters below.
	buffer   []Action
	produced int64
	flushed  int64

	filled  chan struct{} // buffer reached ChunkSize
	drained chan struct{} // flusher took everything, producer may resume
	eof     chan struct{} // producer reached end of input
}

// New creates a pipeline.  stat may be nil.
func New(config Config, p *parser.Parser, sink Sink, stat Stat) *Pipeline {
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaultChunkSize
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaultMaxDelay
	}
	return &Pipeline{
		config:  config,
		parser:  p,
		sink:    sink,
		stat:    stat,
		filled:  make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		eof:     make(chan struct{}),
	}
}

// Run consumes entries until the channel closes, delivering every surviving
// document to the sink at least once.  It returns after the final flush.
func (p *Pipeline) Run(ctx context.Context, entries <-chan tail.Entry) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.fill(ctx, entries)
	}()
	go func() {
		defer wg.Done()
		p.flush(ctx)
	}()
	wg.Wait()
}

// Counts returns how many documents entered the buffer and how many were
// handed to the sink.  At shutdown the two are equal.
func (p *Pipeline) Counts() (produced, flushed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.produced, p.flushed
}

// buffered reports the current buffer length, for tests.
func (p *Pipeline) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// fill is the producer: it parses entries, applies the timestamp cut-offs,
// feeds the aggregator and appends to the buffer, blocking when the buffer
// is full until the flusher drains it.
func (p *Pipeline) fill(ctx context.Context, entries <-chan tail.Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error.Printf("panic in filler: %v", r)
		}
		// Unblock the flusher for the final drain.
		close(p.eof)
		signal(p.filled)
	}()

	for entry := range entries {
		doc := p.parser.Parse(entry.Line)
		if doc == nil {
			continue
		}
		ts := doc.Timestamp()
		if !p.config.MinTimestamp.IsZero() && ts.Before(p.config.MinTimestamp) {
			docsFiltered.Add(1)
			continue
		}
		if !p.config.MaxTimestamp.IsZero() && !ts.Before(p.config.MaxTimestamp) {
			docsFiltered.Add(1)
			continue
		}
		if p.stat != nil {
			p.stat.Hit(doc)
		}
		id, ok := doc.PopString("request_id")
		if !ok {
			id = parser.DocumentID(p.config.Hostname, entry.Inode, entry.Offset, ts)
		}
		docsProduced.Add(1)

		p.mu.Lock()
		p.buffer = append(p.buffer, Action{ID: id, Doc: doc})
		p.produced++
		if len(p.buffer) >= p.config.ChunkSize {
			signal(p.filled)
			p.mu.Unlock()
			select {
			case <-p.drained:
			case <-ctx.Done():
				return
			}
		} else {
			p.mu.Unlock()
		}
	}
}

// flush is the consumer: it waits for a filled buffer or the MaxDelay
// timeout, snapshots the buffer under the lock, and ships the snapshot.
// After eof one final drain guarantees a loss-free shutdown.
func (p *Pipeline) flush(ctx context.Context) {
	for {
		select {
		case <-p.filled:
			p.drainAndSend(ctx)
		case <-time.After(p.config.MaxDelay):
			p.drainAndSend(ctx)
		case <-p.eof:
			p.drainAndSend(ctx)
			return
		}
	}
}

func (p *Pipeline) drainAndSend(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	snapshot := p.buffer
	p.buffer = nil
	p.mu.Unlock()
	signal(p.drained)

	// The in-flight chunk may finish even when shutdown was triggered by a
	// signal, but not later than one more MaxDelay.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), p.config.MaxDelay)
		defer cancel()
	}

	logger.Info.Printf("flushing %d records", len(snapshot))
	flushes.Add(1)
	if err := p.sink.SendBulk(ctx, snapshot); err != nil {
		logger.Error.Printf("dropping chunk of %d records: %v", len(snapshot), err)
	}
	p.mu.Lock()
	p.flushed += int64(len(snapshot))
	p.mu.Unlock()
}

// signal sets an event channel without blocking; a pending signal is enough.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
