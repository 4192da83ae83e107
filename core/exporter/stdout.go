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
	"context"
	"encoding/json"
	"io"

	"github.com/ei-grad/nginx2es/core/pipeline"
)

// Stdout prints the would-be bulk actions as JSON lines instead of sending
// them anywhere.  It implements pipeline.Sink.
type Stdout struct {
	enc    *json.Encoder
	layout string
}

// NewStdout creates the dry-run sink writing to w.
func NewStdout(w io.Writer, config Config) *Stdout {
	pattern := config.Index
	if pattern == "" {
		pattern = defaultIndexPattern
	}
	return &Stdout{enc: json.NewEncoder(w), layout: strftimeLayout(pattern)}
}

// SendBulk writes one JSON object per action.
func (s *Stdout) SendBulk(_ context.Context, actions []pipeline.Action) error {
	for _, action := range actions {
		envelope := map[string]interface{}{
			"_id":     action.ID,
			"_index":  action.Doc.Timestamp().Format(s.layout),
			"_source": action.Doc,
		}
		if err := s.enc.Encode(envelope); err != nil {
			return err
		}
	}
	return nil
}
