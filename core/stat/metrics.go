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

package stat

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/influxdata/tdigest"
)

// Metric is one rendered line-protocol sample, minus the timestamp which is
// the bucket key.
type Metric struct {
	Name  string
	Value string
}

// uuidRE matches path components that are UUIDs, which would otherwise
// explode the metric namespace.
var uuidRE = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)

// quantiles shipped per host.
var quantiles = []struct {
	q     float64
	label string
}{
	{0.50, "p50"},
	{0.75, "p75"},
	{0.90, "p90"},
	{0.99, "p99"},
}

type timeKey struct {
	host, path1, path2 string
	status             int64
	cacheStatus        string
	interval           string
}

type upstreamKey struct {
	host, path1, path2 string
	status             int64
	interval           string
}

type bytesKey struct {
	host, path1, path2 string
	status             int64
}

type sumCount struct {
	sum   float64
	count int64
}

// Metrics computes the per-bucket metric batch: grouped request_time and
// upstream_response_time sums and counts, grouped bytes_sent, and per-host
// percentiles.  Rows without a host are not aggregated.
func Metrics(prefix string, records []record) []Metric {
	requestTimes := make(map[timeKey]*sumCount)
	upstreamTimes := make(map[upstreamKey]*sumCount)
	bytesSent := make(map[bytesKey]int64)
	requestDigests := make(map[string]*tdigest.TDigest)
	upstreamDigests := make(map[string]*tdigest.TDigest)

	for _, r := range records {
		if r.host == "" {
			continue
		}
		host := replaceUUID(r.host)
		path1 := replaceUUID(defaultString(r.path1, "#"))
		path2 := replaceUUID(defaultString(r.path2, "#"))
		cacheStatus := replaceUUID(defaultString(r.cacheStatus, "NONE"))

		tk := timeKey{host, path1, path2, r.status, cacheStatus, binLabel(r.requestTime)}
		acc := requestTimes[tk]
		if acc == nil {
			acc = &sumCount{}
			requestTimes[tk] = acc
		}
		acc.sum += r.requestTime
		acc.count++

		if d := requestDigests[host]; d == nil {
			requestDigests[host] = tdigest.New()
		}
		requestDigests[host].Add(r.requestTime, 1)

		bk := bytesKey{host, path1, path2, r.status}
		bytesSent[bk] += r.bytesSent

		if r.hasUpstreamTime {
			uk := upstreamKey{host, path1, path2, r.status, binLabel(r.upstreamTime)}
			uacc := upstreamTimes[uk]
			if uacc == nil {
				uacc = &sumCount{}
				upstreamTimes[uk] = uacc
			}
			uacc.sum += r.upstreamTime
			uacc.count++
			if d := upstreamDigests[host]; d == nil {
				upstreamDigests[host] = tdigest.New()
			}
			upstreamDigests[host].Add(r.upstreamTime, 1)
		}
	}

	var out []Metric

	for _, k := range sortedTimeKeys(requestTimes) {
		acc := requestTimes[k]
		dims := []string{k.host, k.path1, k.path2, strconv.FormatInt(k.status, 10), k.cacheStatus, k.interval}
		out = append(out,
			Metric{metricName(prefix, append([]string{"request_time", "sum"}, dims...)...), formatFloat(acc.sum)},
			Metric{metricName(prefix, append([]string{"request_time", "count"}, dims...)...), strconv.FormatInt(acc.count, 10)},
		)
	}

	for _, k := range sortedUpstreamKeys(upstreamTimes) {
		acc := upstreamTimes[k]
		dims := []string{k.host, k.path1, k.path2, strconv.FormatInt(k.status, 10), k.interval}
		out = append(out,
			Metric{metricName(prefix, append([]string{"upstream_response_time", "sum"}, dims...)...), formatFloat(acc.sum)},
			Metric{metricName(prefix, append([]string{"upstream_response_time", "count"}, dims...)...), strconv.FormatInt(acc.count, 10)},
		)
	}

	for _, k := range sortedBytesKeys(bytesSent) {
		out = append(out, Metric{
			metricName(prefix, "bytes_sent", k.host, k.path1, k.path2, strconv.FormatInt(k.status, 10)),
			strconv.FormatInt(bytesSent[k], 10),
		})
	}

	// Exact percentiles deeper than host can't be re-aggregated, so they are
	// only shipped per host; per-path approximations can be derived from the
	// histogram bins instead.
	for _, host := range sortedDigestKeys(requestDigests) {
		d := requestDigests[host]
		for _, q := range quantiles {
			out = append(out, Metric{
				metricName(prefix, "request_time", "percentiles", host, q.label),
				formatFloat(d.Quantile(q.q)),
			})
		}
	}
	for _, host := range sortedDigestKeys(upstreamDigests) {
		d := upstreamDigests[host]
		for _, q := range quantiles {
			out = append(out, Metric{
				metricName(prefix, "upstream_response_time", "percentiles", host, q.label),
				formatFloat(d.Quantile(q.q)),
			})
		}
	}

	return out
}

// binLabel renders the histogram bucket label for a non-negative value: the
// value is snapped to a tenth-of-a-decade grid and scaled to an integer
// number of milliseconds.  Zero and NaN fall into a sentinel bin.
func binLabel(v float64) string {
	pow10 := -31
	if v > 0 && !math.IsNaN(v) {
		pow10 = int(math.Round(10 * math.Log10(v)))
	}
	return strconv.Itoa(int(math.Pow(10, float64(pow10)/10) * 1000))
}

// metricName joins the prefix and parts with dots; dots inside a part would
// create phantom hierarchy levels, so they become underscores.
func metricName(prefix string, parts ...string) string {
	all := strings.Split(prefix, ".")
	for _, p := range parts {
		all = append(all, strings.ReplaceAll(p, ".", "_"))
	}
	return strings.Join(all, ".")
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func replaceUUID(s string) string {
	if uuidRE.MatchString(s) {
		return "<uuid>"
	}
	return s
}

func sortedTimeKeys(m map[timeKey]*sumCount) []timeKey {
	keys := make([]timeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.host != b.host {
			return a.host < b.host
		}
		if a.path1 != b.path1 {
			return a.path1 < b.path1
		}
		if a.path2 != b.path2 {
			return a.path2 < b.path2
		}
		if a.status != b.status {
			return a.status < b.status
		}
		if a.cacheStatus != b.cacheStatus {
			return a.cacheStatus < b.cacheStatus
		}
		return a.interval < b.interval
	})
	return keys
}

func sortedUpstreamKeys(m map[upstreamKey]*sumCount) []upstreamKey {
	keys := make([]upstreamKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.host != b.host {
			return a.host < b.host
		}
		if a.path1 != b.path1 {
			return a.path1 < b.path1
		}
		if a.path2 != b.path2 {
			return a.path2 < b.path2
		}
		if a.status != b.status {
			return a.status < b.status
		}
		return a.interval < b.interval
	})
	return keys
}

func sortedBytesKeys(m map[bytesKey]int64) []bytesKey {
	keys := make([]bytesKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.host != b.host {
			return a.host < b.host
		}
		if a.path1 != b.path1 {
			return a.path1 < b.path1
		}
		if a.path2 != b.path2 {
			return a.path2 < b.path2
		}
		return a.status < b.status
	})
	return keys
}

func sortedDigestKeys(m map[string]*tdigest.TDigest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
