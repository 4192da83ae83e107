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

package extensions

import (
	"os"
	"testing"

	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/core/parser"
)

func TestMain(m *testing.M) {
	logger.InitLoggers(logger.TRACE)
	os.Exit(m.Run())
}

type stamp struct{}

func (stamp) GetName() string { return "stamp" }

func (stamp) Apply(doc parser.Document) parser.Document {
	doc["stamped"] = true
	return doc
}

func TestRegisterAndLookup(t *testing.T) {
	Register("stamp", func() parser.Extension { return stamp{} })

	exts, err := Lookup("stamp", "useragent")
	if err != nil {
		t.Fatal(err)
	}
	if len(exts) != 2 || exts[0].GetName() != "stamp" || exts[1].GetName() != "useragent" {
		t.Errorf("Lookup returned %v", exts)
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("no-such-extension"); err == nil {
		t.Error("unknown extension name did not fail")
	}
}

func TestUserAgentClassify(t *testing.T) {
	ext, err := Lookup("useragent")
	if err != nil {
		t.Fatal(err)
	}
	for ua, want := range map[string]string{
		"Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0":  "browser",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)":       "mobile",
		"Mozilla/5.0 (compatible; Googlebot/2.1)":        "bot",
		"curl/8.4.0":                                     "bot",
		"SomethingElse/1.0":                              "other",
	} {
		doc := parser.Document{"http_user_agent": ua}
		doc = ext[0].Apply(doc)
		if got := doc["user_agent_class"]; got != want {
			t.Errorf("classify(%q) = %v, want %v", ua, got, want)
		}
	}

	doc := ext[0].Apply(parser.Document{})
	if _, ok := doc["user_agent_class"]; ok {
		t.Error("classified a document without http_user_agent")
	}
}
