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

// Package parser converts raw access-log lines into structured documents.
// The input is JSON-per-line as produced by an nginx log_format with
// escape=json; malformed lines are dropped with a warning, never raised.
package parser

import (
	"encoding/json"
	"expvar"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sysflow-telemetry/sf-apis/go/logger"
)

// parseErrors counts dropped lines and skipped fields per reason.
var parseErrors = expvar.NewMap("parse_errors_total")

// Location is the result of a geo-IP lookup.
type Location struct {
	Lat        float64
	Lon        float64
	City       string
	RegionName string
}

// GeoIP resolves a remote address to a location.  A nil result means the
// address was not found.
type GeoIP interface {
	Lookup(addr string) *Location
}

// Extension is a user post-processing hook applied to every parsed document.
// Returning nil drops the document.
type Extension interface {
	GetName() string
	Apply(doc Document) Document
}

// intFields and floatFields are the scalar fields coerced to numbers.
var (
	intFields   = []string{"request_length", "connection_requests", "bytes_sent", "connection", "status", "body_bytes_sent"}
	floatFields = []string{"request_time", "gzip_ratio"}
)

// multiFields arrive as "a, b : c" where "," separates retries of one
// upstream and ":" separates consecutive upstreams.
var multiFields = []string{
	"forwarded_for", "upstream_addr", "upstream_status",
	"upstream_response_time", "upstream_response_length", "upstream_connect_time",
}

// timestampLayouts are tried in order against the record timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"02/Jan/2006:15:04:05 -0700", // nginx $time_local
}

// Parser is a pure line-to-document transformer.  It never blocks and never
// fails for malformed input; unparseable lines come back as nil.
type Parser struct {
	hostname   string
	geoip      GeoIP
	extensions []Extension
}

// New creates a parser.  hostname, when non-empty, is stamped on every
// document as @hostname.  geoip may be nil.  Extensions run in order after
// all built-in transformations.
func New(hostname string, geoip GeoIP, extensions ...Extension) *Parser {
	return &Parser{hostname: hostname, geoip: geoip, extensions: extensions}
}

// Parse converts one raw line into a document, or nil if the line is
// malformed or filtered out by an extension.
func (p *Parser) Parse(line string) Document {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\r\n")), &raw); err != nil {
		parseErrors.Add("json", 1)
		logger.Warn.Printf("[no match] %s", strings.TrimRight(line, "\n"))
		return nil
	}

	doc := Document(raw)

	if !p.promoteTimestamp(doc) {
		parseErrors.Add("timestamp", 1)
		logger.Warn.Printf("[no timestamp] %s", strings.TrimRight(line, "\n"))
		return nil
	}

	if p.hostname != "" {
		doc[HostnameKey] = p.hostname
	}

	// Drop the dash sentinels nginx uses for absent values.
	for k, v := range doc {
		if s, ok := v.(string); ok && (s == "-" || s == "") {
			delete(doc, k)
		}
	}

	if request, ok := doc["request"].(string); ok {
		if parts := strings.Split(request, " "); len(parts) == 3 {
			doc["request_uri"] = parts[1]
			doc["server_protocol"] = parts[2]
			delete(doc, "request")
		}
	}

	if uri, ok := doc["request_uri"].(string); ok {
		p.splitURI(doc, uri)
	}

	if path, ok := doc["request_path"].(string); ok {
		for n, component := range strings.Split(path, "/") {
			if component != "" {
				doc[fmt.Sprintf("request_path_%d", n)] = component
			}
		}
	}

	for _, k := range intFields {
		coerceInt(doc, k)
	}
	for _, k := range floatFields {
		coerceFloat(doc, k)
	}

	for _, k := range multiFields {
		normalizeMulti(doc, k)
	}

	if p.geoip != nil {
		if addr, ok := doc["remote_addr"].(string); ok {
			if loc := p.geoip.Lookup(addr); loc != nil {
				doc["geoip"] = map[string]float64{"lat": loc.Lat, "lon": loc.Lon}
				if loc.City != "" {
					doc["city"] = loc.City
				}
				if loc.RegionName != "" {
					doc["region_name"] = loc.RegionName
				}
			}
		}
	}

	for _, ext := range p.extensions {
		doc = ext.Apply(doc)
		if doc == nil {
			return nil
		}
	}

	return doc
}

// promoteTimestamp moves the record timestamp to @timestamp, parsed with
// time-zone awareness.  It reports false when no usable timestamp is present.
func (p *Parser) promoteTimestamp(doc Document) bool {
	for _, key := range []string{"timestamp", "time_iso8601", "time_local"} {
		s, ok := doc[key].(string)
		if !ok {
			continue
		}
		for _, layout := range timestampLayouts {
			ts, err := time.Parse(layout, s)
			if err != nil {
				continue
			}
			delete(doc, key)
			doc[TimestampKey] = ts
			return true
		}
	}
	return false
}

// splitURI splits request_uri into request_path and request_qs, decodes the
// query string and synthesizes query_geo when coordinates are present.
func (p *Parser) splitURI(doc Document, uri string) {
	path, qs, found := strings.Cut(uri, "?")
	doc["request_path"] = path
	if !found || qs == "" {
		return
	}
	doc["request_qs"] = qs
	values, err := url.ParseQuery(qs)
	if err != nil {
		// best effort: keep whatever decoded cleanly
		logger.Trace.Printf("malformed query string %q: %v", qs, err)
	}
	if len(values) == 0 {
		return
	}
	query := make(map[string][]string, len(values))
	for k, v := range values {
		// the index rejects dots in dynamic keys
		query[strings.ReplaceAll(k, ".", "_")] = v
	}
	doc["query"] = query

	lonKey := "lon"
	if _, ok := query["lng"]; ok {
		lonKey = "lng"
	}
	latValues, okLat := query["lat"]
	lonValues, okLon := query[lonKey]
	if okLat && okLon && len(latValues) > 0 && len(lonValues) > 0 {
		lat, errLat := strconv.ParseFloat(latValues[0], 64)
		lon, errLon := strconv.ParseFloat(lonValues[0], 64)
		if errLat == nil && errLon == nil {
			doc["query_geo"] = map[string]float64{"lat": lat, "lon": lon}
		}
	}
}

// coerceInt converts doc[key] to an int64.  A value that does not parse is
// removed rather than left to poison the index mapping.
func coerceInt(doc Document, key string) {
	switch v := doc[key].(type) {
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			parseErrors.Add(key, 1)
			delete(doc, key)
			return
		}
		doc[key] = n
	case float64:
		doc[key] = int64(v)
	}
}

// coerceFloat converts doc[key] to a float64.
func coerceFloat(doc Document, key string) {
	switch v := doc[key].(type) {
	case string:
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors.Add(key, 1)
			delete(doc, key)
			return
		}
		doc[key] = x
	}
}

// normalizeMulti rewrites a multi-upstream field into a list.  Both "," (a
// retry of the same upstream) and " : " (the next upstream tried) become the
// same separator; empty and dash members are dropped, and an empty result
// removes the field.  Time fields become []float64, length and status fields
// []int64, the rest []string.
func normalizeMulti(doc Document, key string) {
	s, ok := doc[key].(string)
	if !ok {
		return
	}
	var members []string
	for _, m := range strings.Split(strings.ReplaceAll(s, ", ", " : "), " : ") {
		m = strings.TrimSpace(m)
		if m == "" || m == "-" {
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		delete(doc, key)
		return
	}
	switch key {
	case "upstream_response_time", "upstream_connect_time":
		floats := make([]float64, 0, len(members))
		for _, m := range members {
			if x, err := strconv.ParseFloat(m, 64); err == nil {
				floats = append(floats, x)
			}
		}
		if len(floats) == 0 {
			delete(doc, key)
			return
		}
		doc[key] = floats
	case "upstream_response_length", "upstream_status":
		ints := make([]int64, 0, len(members))
		for _, m := range members {
			if n, err := strconv.ParseInt(m, 10, 64); err == nil {
				ints = append(ints, n)
			}
		}
		if len(ints) == 0 {
			delete(doc, key)
			return
		}
		doc[key] = ints
	default:
		doc[key] = members
	}
}
