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

package parser

import (
	"fmt"
	"time"
)

// Reserved document keys.
const (
	TimestampKey = "@timestamp"
	HostnameKey  = "@hostname"
)

// Document is the structured form of one access-log record: an open mapping
// from field names to heterogeneous values.  The @timestamp key always holds
// a timezone-aware time.Time; everything else is whatever the transformations
// produced (string, int64, float64, []string, []int64, []float64 or a nested
// map).
type Document map[string]interface{}

// Timestamp returns the record instant.  The parser guarantees the key is
// present on every document it emits.
func (d Document) Timestamp() time.Time {
	ts, _ := d[TimestampKey].(time.Time)
	return ts
}

// PopString removes key from the document and returns its string value, if it
// was present and a string.
func (d Document) PopString(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	delete(d, key)
	return s, true
}

// DocumentID builds the deterministic per-line identifier from the hostname
// stamped on the document and the position the line was read from.  Replaying
// the same file produces identical IDs, so the sink treats replays as
// upserts.
func DocumentID(hostname string, inode uint64, offset int64, ts time.Time) string {
	return fmt.Sprintf("%s-%d-%d-%d", hostname, inode, offset, ts.Unix())
}
