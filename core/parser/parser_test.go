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
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/internal/testutil"
)

func TestMain(m *testing.M) {
	logger.InitLoggers(logger.TRACE)
	os.Exit(m.Run())
}

const cleanLine = `{"timestamp":"2023-01-02T03:04:05+00:00","request":"GET /a/b?lat=10&lng=20 HTTP/1.1","status":"200","bytes_sent":"5","request_time":"0.010","remote_addr":"1.2.3.4"}`

func TestSingleCleanLine(t *testing.T) {
	doc := New("test", nil).Parse(cleanLine + "\n")
	if doc == nil {
		t.Fatal("clean line did not parse")
	}

	if got := doc.Timestamp().Unix(); got != 1672628645 {
		t.Errorf("@timestamp epoch %d, want 1672628645", got)
	}
	if doc.Timestamp().Location() == nil {
		t.Error("@timestamp is not timezone-aware")
	}
	if got := doc[HostnameKey]; got != "test" {
		t.Errorf("@hostname %v, want test", got)
	}

	for key, want := range map[string]interface{}{
		"request_path":    "/a/b",
		"request_path_1":  "a",
		"request_path_2":  "b",
		"request_uri":     "/a/b?lat=10&lng=20",
		"server_protocol": "HTTP/1.1",
		"status":          int64(200),
		"bytes_sent":      int64(5),
		"request_time":    0.010,
		"remote_addr":     "1.2.3.4",
	} {
		if got := doc[key]; got != want {
			t.Errorf("doc[%q] = %v (%T), want %v (%T)", key, got, got, want, want)
		}
	}
	if _, ok := doc["request"]; ok {
		t.Error("request was not dropped after splitting")
	}

	geo, ok := doc["query_geo"].(map[string]float64)
	if !ok {
		t.Fatalf("query_geo is %T, want map", doc["query_geo"])
	}
	testutil.ExpectNoDiff(t, map[string]float64{"lat": 10.0, "lon": 20.0}, geo)

	id := DocumentID("test", 42, 100, doc.Timestamp())
	if id != "test-42-100-1672628645" {
		t.Errorf("document ID %q, want test-42-100-1672628645", id)
	}
	if !strings.HasSuffix(id, "-1672628645") {
		t.Errorf("document ID %q lacks epoch suffix", id)
	}
}

func TestGeoAlias(t *testing.T) {
	line := strings.Replace(cleanLine, "lng=20", "lon=20", 1)
	doc := New("test", nil).Parse(line)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	geo, ok := doc["query_geo"].(map[string]float64)
	if !ok {
		t.Fatalf("query_geo is %T, want map", doc["query_geo"])
	}
	testutil.ExpectNoDiff(t, map[string]float64{"lat": 10.0, "lon": 20.0}, geo)
}

func TestDocumentIDDeterminism(t *testing.T) {
	p := New("test", nil)
	a := p.Parse(cleanLine)
	b := p.Parse(cleanLine)
	idA := DocumentID("test", 7, 0, a.Timestamp())
	idB := DocumentID("test", 7, 0, b.Timestamp())
	if idA != idB {
		t.Errorf("replay produced different IDs: %q vs %q", idA, idB)
	}
}

func TestMultiUpstream(t *testing.T) {
	line := `{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","upstream_response_time":"0.10, 0.20 : 0.30"}`
	doc := New("", nil).Parse(line)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	testutil.ExpectNoDiff(t, []float64{0.10, 0.20, 0.30}, doc["upstream_response_time"])
}

func TestMultiUpstreamStrings(t *testing.T) {
	line := `{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","upstream_addr":"10.0.0.1:8080, 10.0.0.2:8080 : 10.0.0.3:8080"}`
	doc := New("", nil).Parse(line)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	testutil.ExpectNoDiff(t, []string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"}, doc["upstream_addr"])
}

func TestDashSentinel(t *testing.T) {
	line := `{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","upstream_status":"-","http_referer":"","gzip_ratio":"-"}`
	doc := New("", nil).Parse(line)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	for _, key := range []string{"upstream_status", "http_referer", "gzip_ratio"} {
		if _, ok := doc[key]; ok {
			t.Errorf("%s sentinel value was not deleted", key)
		}
	}
}

func TestPathComponents(t *testing.T) {
	line := `{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","request_uri":"/api/v1/users/"}`
	doc := New("", nil).Parse(line)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	for key, want := range map[string]string{
		"request_path_1": "api",
		"request_path_2": "v1",
		"request_path_3": "users",
	} {
		if got := doc[key]; got != want {
			t.Errorf("doc[%q] = %v, want %v", key, got, want)
		}
	}
	if _, ok := doc["request_path_0"]; ok {
		t.Error("empty 0-th path component was emitted")
	}
	if _, ok := doc["request_path_4"]; ok {
		t.Error("empty trailing path component was emitted")
	}
	if _, ok := doc["request_qs"]; ok {
		t.Error("request_qs present without a query string")
	}
}

func TestQueryKeyDots(t *testing.T) {
	line := `{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","request_uri":"/a?user.name=x&user.name=y"}`
	doc := New("", nil).Parse(line)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	query, ok := doc["query"].(map[string][]string)
	if !ok {
		t.Fatalf("query is %T, want map", doc["query"])
	}
	testutil.ExpectNoDiff(t, map[string][]string{"user_name": {"x", "y"}}, query)
}

func TestCoercionFailureSkipsField(t *testing.T) {
	line := `{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","bytes_sent":"lots","request_time":"fast"}`
	doc := New("", nil).Parse(line)
	if doc == nil {
		t.Fatal("record was dropped instead of skipping the field")
	}
	if _, ok := doc["bytes_sent"]; ok {
		t.Error("unparseable bytes_sent was kept")
	}
	if _, ok := doc["request_time"]; ok {
		t.Error("unparseable request_time was kept")
	}
	if got := doc["status"]; got != int64(200) {
		t.Errorf("status = %v, want 200", got)
	}
}

func TestMalformedJSON(t *testing.T) {
	if doc := New("", nil).Parse("not json at all\n"); doc != nil {
		t.Errorf("malformed line parsed to %v", doc)
	}
}

func TestMissingTimestamp(t *testing.T) {
	if doc := New("", nil).Parse(`{"status":"200"}`); doc != nil {
		t.Errorf("line without timestamp parsed to %v", doc)
	}
}

func TestTimeLocalTimestamp(t *testing.T) {
	line := `{"time_local":"02/Jan/2023:03:04:05 +0000","status":"200"}`
	doc := New("", nil).Parse(line)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	if got := doc.Timestamp().Unix(); got != 1672628645 {
		t.Errorf("@timestamp epoch %d, want 1672628645", got)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	doc := New("test", nil).Parse(cleanLine)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	encoded, err := json.Marshal(doc)
	testutil.FatalIfErr(t, err)

	var decoded map[string]interface{}
	testutil.FatalIfErr(t, json.Unmarshal(encoded, &decoded))

	ts, err := time.Parse(time.RFC3339, decoded["@timestamp"].(string))
	testutil.FatalIfErr(t, err)
	if !ts.Equal(doc.Timestamp()) {
		t.Errorf("@timestamp %v does not survive the round trip, got %v", doc.Timestamp(), ts)
	}
	for _, key := range []string{"request_path", "request_path_1", "request_path_2", "remote_addr", HostnameKey} {
		if decoded[key] != doc[key] {
			t.Errorf("key %q does not survive the round trip: %v != %v", key, decoded[key], doc[key])
		}
	}
}

type dropBots struct{}

func (dropBots) GetName() string { return "dropbots" }

func (dropBots) Apply(doc Document) Document {
	if ua, ok := doc["http_user_agent"].(string); ok && strings.Contains(ua, "Bot") {
		return nil
	}
	doc["checked"] = true
	return doc
}

func TestExtensions(t *testing.T) {
	p := New("", nil, dropBots{})

	doc := p.Parse(`{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","http_user_agent":"GoodBot/1.0"}`)
	if doc != nil {
		t.Error("extension returning nil did not drop the document")
	}

	doc = p.Parse(`{"timestamp":"2023-01-02T03:04:05+00:00","status":"200","http_user_agent":"Mozilla/5.0"}`)
	if doc == nil {
		t.Fatal("line did not parse")
	}
	if doc["checked"] != true {
		t.Error("extension was not applied")
	}
}

func TestPopString(t *testing.T) {
	doc := Document{"request_id": "abc123"}
	id, ok := doc.PopString("request_id")
	if !ok || id != "abc123" {
		t.Errorf("PopString = %q, %v", id, ok)
	}
	if _, ok := doc["request_id"]; ok {
		t.Error("popped key still present")
	}
	if _, ok := doc.PopString("request_id"); ok {
		t.Error("PopString on absent key reported ok")
	}
}
