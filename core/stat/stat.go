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

// Package stat aggregates traffic statistics over fixed time buckets and
// ships them to a carbon-compatible metrics backend.  Emission of a bucket
// is delayed until its window has fully passed plus a grace period, so that
// out-of-order and late records still land in the right bucket.
package stat

import (
	"expvar"
	"sync"
	"time"

	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/core/parser"
)

var (
	// bucketsEmitted counts emitted statistics buckets.
	bucketsEmitted = expvar.NewInt("stat_buckets_emitted_total")
	// lateHits counts records that arrived after their bucket was emitted.
	lateHits = expvar.NewInt("stat_late_hits_total")
)

// alreadySentCapacity bounds the FIFO of emitted bucket keys remembered for
// late-record detection.
const alreadySentCapacity = 100

// MetricsSink receives one batch of rendered metrics per emitted bucket.
type MetricsSink interface {
	Send(metrics []Metric, timestamp int64) error
	Close() error
}

// record is the per-hit projection kept in a bucket: only the dimensions and
// measures the metrics computation needs.
type record struct {
	status      int64
	host        string
	path1       string
	path2       string
	cacheStatus string
	requestTime float64
	// last element of upstream_response_time, when any upstream was tried
	upstreamTime    float64
	hasUpstreamTime bool
	bytesSent       int64
}

// Config holds the aggregator configuration.
type Config struct {
	// Prefix is the leading part of every metric name.
	Prefix string
	// Interval is the bucket width.
	Interval time.Duration
	// Delay is the grace period after the end of a bucket, and after the
	// last record landing in it, before the bucket is emitted.
	Delay time.Duration
}

// Stat is the windowed aggregator.  Hit is called from the pipeline filler
// for every parsed document; a dedicated emitter goroutine scans for ready
// buckets on a cadence aligned to bucket boundaries.
type Stat struct {
	config Config
	sink   MetricsSink

	mu       sync.Mutex // protects buffers, lastSeen and the sent FIFO.
	buffers  map[int64][]record
	lastSeen map[int64]time.Time
	sentKeys []int64
	sentSet  map[int64]struct{}
	eof      chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	timeNow  func() time.Time // stubbed in tests
}

// New creates an aggregator shipping to sink.
func New(config Config, sink MetricsSink) *Stat {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Delay <= 0 {
		config.Delay = config.Interval
	}
	return &Stat{
		config:   config,
		sink:     sink,
		buffers:  make(map[int64][]record),
		lastSeen: make(map[int64]time.Time),
		sentSet:  make(map[int64]struct{}),
		eof:      make(chan struct{}),
		done:     make(chan struct{}),
		timeNow:  time.Now,
	}
}

// Bucket maps a record timestamp to the start of its bucket in UNIX seconds.
func (s *Stat) Bucket(ts time.Time) int64 {
	interval := int64(s.config.Interval / time.Second)
	epoch := ts.Unix()
	return epoch - epoch%interval
}

// Hit folds one document into its bucket.  Non-HTTP connections (status 0)
// are ignored.  A hit for a bucket that has already been emitted is partial
// statistics: it is logged and discarded, and the operator is advised to
// increase the delay.
func (s *Stat) Hit(doc parser.Document) {
	status, ok := doc["status"].(int64)
	if !ok || status == 0 {
		return
	}
	bucket := s.Bucket(doc.Timestamp())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, sent := s.sentSet[bucket]; sent {
		lateHits.Add(1)
		logger.Error.Printf("partial statistics: record for already emitted bucket %d, increase the carbon delay", bucket)
		return
	}
	s.buffers[bucket] = append(s.buffers[bucket], project(doc, status))
	s.lastSeen[bucket] = s.timeNow()
}

// project keeps only the fields the metrics computation uses.
func project(doc parser.Document, status int64) record {
	r := record{status: status}
	r.host, _ = doc["host"].(string)
	r.path1, _ = doc["request_path_1"].(string)
	r.path2, _ = doc["request_path_2"].(string)
	r.cacheStatus, _ = doc["upstream_cache_status"].(string)
	r.requestTime, _ = doc["request_time"].(float64)
	if times, ok := doc["upstream_response_time"].([]float64); ok && len(times) > 0 {
		// nginx may try several upstreams per request; only the last one
		// answered, so only its time is shipped
		r.upstreamTime = times[len(times)-1]
		r.hasUpstreamTime = true
	}
	r.bytesSent, _ = doc["bytes_sent"].(int64)
	return r
}

// Start launches the emitter goroutine.
func (s *Stat) Start() {
	go s.run()
}

// Stop signals end of input, flushes all remaining buckets and waits for the
// emitter to finish.
func (s *Stat) Stop() {
	s.stopOnce.Do(func() { close(s.eof) })
	<-s.done
}

// run scans for ready buckets on a cadence aligned to bucket boundaries, so
// that scans land just after each boundary instead of drifting through it.
func (s *Stat) run() {
	defer close(s.done)
	defer func() {
		if err := s.sink.Close(); err != nil {
			logger.Warn.Printf("close metrics sink: %v", err)
		}
	}()
	for {
		now := s.timeNow()
		sleep := s.config.Interval - time.Duration(now.UnixNano())%s.config.Interval
		select {
		case <-s.eof:
			s.flush(true)
			return
		case <-time.After(sleep):
			s.flush(false)
		}
	}
}

// flush emits every ready bucket; with force set it emits everything left.
//
// A bucket is ready when its window has fully passed plus the grace delay,
// and no record has landed in it for at least the delay.
func (s *Stat) flush(force bool) {
	interval := int64(s.config.Interval / time.Second)

	s.mu.Lock()
	now := s.timeNow()
	ready := make(map[int64][]record)
	for bucket, records := range s.buffers {
		if !force {
			if now.Unix() < bucket+interval+int64(s.config.Delay/time.Second) {
				continue
			}
			if now.Before(s.lastSeen[bucket].Add(s.config.Delay)) {
				continue
			}
		}
		ready[bucket] = records
		delete(s.buffers, bucket)
		delete(s.lastSeen, bucket)
		s.markSent(bucket)
	}
	s.mu.Unlock()

	for bucket, records := range ready {
		s.process(bucket, records)
	}
}

// markSent remembers an emitted bucket key in the bounded FIFO.
// Callers must guard.
func (s *Stat) markSent(bucket int64) {
	s.sentKeys = append(s.sentKeys, bucket)
	s.sentSet[bucket] = struct{}{}
	if len(s.sentKeys) > alreadySentCapacity {
		delete(s.sentSet, s.sentKeys[0])
		s.sentKeys = s.sentKeys[1:]
	}
}

// process renders and ships one bucket.  Metrics are allowed to be lossy:
// failures are logged and the bucket is dropped.
func (s *Stat) process(bucket int64, records []record) {
	if len(records) == 0 {
		return
	}
	metrics := Metrics(s.config.Prefix, records)
	if err := s.sink.Send(metrics, bucket); err != nil {
		logger.Error.Printf("can't send metrics for bucket %d: %v", bucket, err)
		return
	}
	bucketsEmitted.Add(1)
}
