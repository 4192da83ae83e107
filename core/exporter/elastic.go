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

// Package exporter ships document chunks to the index sink over the
// Elasticsearch streaming bulk protocol, and provides the stdout sink used
// for dry runs.  Per-document rejections are logged and never re-raised; a
// transport fault drops the chunk, relying on deterministic document IDs to
// make a later replay an upsert.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/pkg/errors"
	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/core/pipeline"
)

var (
	// docsIndexed counts documents acknowledged by the sink.
	docsIndexed = expvar.NewInt("exporter_indexed_total")
	// docsRejected counts per-document rejections reported by the sink.
	docsRejected = expvar.NewInt("exporter_rejected_total")
	// chunksDropped counts chunks lost to transport faults.
	chunksDropped = expvar.NewInt("exporter_dropped_chunks_total")
)

const defaultIndexPattern = "nginx-%Y.%m.%d"

// Config holds the index sink configuration.
type Config struct {
	// URLs are the cluster node addresses, tried in order.
	URLs []string
	// Index is the strftime-style index name pattern.
	Index string
	// MaxRetries bounds per-document retries on the sink's "too many
	// requests" signal.
	MaxRetries int
	// Timeout bounds a single bulk round trip.
	Timeout time.Duration
}

// NewClient builds the cluster client shared by the sink and the template
// assertion.
func NewClient(config Config) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses:     config.URLs,
		RetryOnStatus: []int{502, 503, 504},
		MaxRetries:    config.MaxRetries,
	}
	if config.Timeout > 0 {
		cfg.Transport = &http.Transport{ResponseHeaderTimeout: config.Timeout}
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create elasticsearch client")
	}
	return client, nil
}

// Elastic is the pipeline.Sink backed by the bulk API.
type Elastic struct {
	client     *elasticsearch.Client
	layout     string
	maxRetries int
}

// NewElastic creates the bulk sink.
func NewElastic(client *elasticsearch.Client, config Config) *Elastic {
	pattern := config.Index
	if pattern == "" {
		pattern = defaultIndexPattern
	}
	return &Elastic{
		client:     client,
		layout:     strftimeLayout(pattern),
		maxRetries: config.MaxRetries,
	}
}

// SendBulk ships one chunk.  Documents rejected with 429 are retried up to
// MaxRetries times; other rejections are logged with the sink's error
// payload and skipped.  A transport fault drops the rest of the chunk.
func (e *Elastic) SendBulk(ctx context.Context, actions []pipeline.Action) error {
	pending := actions
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		retry, err := e.sendOnce(ctx, pending)
		if err != nil {
			chunksDropped.Add(1)
			return err
		}
		if attempt >= e.maxRetries {
			if len(retry) > 0 {
				docsRejected.Add(int64(len(retry)))
				logger.Error.Printf("giving up on %d throttled documents after %d retries", len(retry), e.maxRetries)
			}
			return nil
		}
		pending = retry
	}
	return nil
}

func (e *Elastic) sendOnce(ctx context.Context, actions []pipeline.Action) ([]pipeline.Action, error) {
	var (
		mu           sync.Mutex
		retry        []pipeline.Action
		transportErr error
	)
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     e.client,
		NumWorkers: 1,
		OnError: func(_ context.Context, err error) {
			mu.Lock()
			transportErr = err
			mu.Unlock()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create bulk indexer")
	}

	for i := range actions {
		action := actions[i]
		body, err := json.Marshal(action.Doc)
		if err != nil {
			logger.Error.Printf("can't serialize document %s: %v", action.ID, err)
			continue
		}
		item := esutil.BulkIndexerItem{
			Index:      action.Doc.Timestamp().Format(e.layout),
			Action:     "index",
			DocumentID: action.ID,
			Body:       bytes.NewReader(body),
			OnSuccess: func(context.Context, esutil.BulkIndexerItem, esutil.BulkIndexerResponseItem) {
				docsIndexed.Add(1)
			},
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					mu.Lock()
					transportErr = err
					mu.Unlock()
					return
				}
				if res.Status == http.StatusTooManyRequests {
					mu.Lock()
					retry = append(retry, action)
					mu.Unlock()
					return
				}
				docsRejected.Add(1)
				logger.Error.Printf("index request %d for %s: %s: %s",
					res.Status, item.DocumentID, res.Error.Type, res.Error.Reason)
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return nil, errors.Wrap(err, "add to bulk indexer")
		}
	}
	if err := bi.Close(ctx); err != nil {
		return nil, errors.Wrap(err, "flush bulk indexer")
	}
	mu.Lock()
	defer mu.Unlock()
	if transportErr != nil {
		return nil, errors.Wrap(transportErr, "bulk request")
	}
	return retry, nil
}
