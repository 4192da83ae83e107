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

package exporter

import (
	"bytes"
	"context"
	"net/http"
	"os"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
	"github.com/sysflow-telemetry/sf-apis/go/logger"
)

// DefaultTemplate declares the target index settings and mappings: dynamic
// strings become keywords, @timestamp is a date, remote_addr an ip, the geo
// fields geo-points, and the request fields searchable text with a raw
// keyword sub-field.
const DefaultTemplate = `{
  "index_patterns": ["nginx-*"],
  "settings": {
    "index.refresh_interval": "10s",
    "index.unassigned.node_left.delayed_timeout": "5m"
  },
  "mappings": {
    "date_detection": false,
    "dynamic_templates": [
      {
        "string_fields": {
          "match": "*",
          "match_mapping_type": "string",
          "mapping": {"type": "keyword", "norms": false}
        }
      },
      {
        "long_fields": {
          "match": "*",
          "match_mapping_type": "long",
          "mapping": {"type": "long", "norms": false}
        }
      }
    ],
    "properties": {
      "@timestamp": {"type": "date", "format": "date_optional_time"},
      "remote_addr": {"type": "ip"},
      "geoip": {"type": "geo_point"},
      "query_geo": {"type": "geo_point"},
      "status": {"type": "long"},
      "request": {
        "type": "text",
        "fields": {"raw": {"type": "keyword", "norms": false}}
      },
      "request_path": {
        "type": "text",
        "fields": {"raw": {"type": "keyword", "norms": false}}
      },
      "request_qs": {
        "type": "text",
        "fields": {"raw": {"type": "keyword", "norms": false}}
      }
    }
  }
}`

// AssertTemplate makes sure the index template exists, creating it from
// templatePath (or the built-in default) when missing or when force is set.
// Inability to reach the cluster here is a startup failure.
func AssertTemplate(ctx context.Context, client *elasticsearch.Client, name, templatePath string, force bool) error {
	if !force {
		res, err := client.Indices.ExistsTemplate(
			[]string{name},
			client.Indices.ExistsTemplate.WithContext(ctx),
		)
		if err != nil {
			return errors.Wrap(err, "check index template")
		}
		defer res.Body.Close()
		if res.StatusCode == http.StatusOK {
			logger.Trace.Printf("index template %s already exists", name)
			return nil
		}
	}

	body := []byte(DefaultTemplate)
	if templatePath != "" {
		var err error
		body, err = os.ReadFile(templatePath)
		if err != nil {
			return errors.Wrap(err, "read index template")
		}
	}

	res, err := client.Indices.PutTemplate(
		name,
		bytes.NewReader(body),
		client.Indices.PutTemplate.WithContext(ctx),
	)
	if err != nil {
		return errors.Wrap(err, "create index template")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("create index template %s: %s", name, res.String())
	}
	logger.Info.Printf("created index template %s", name)
	return nil
}
