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
	"strings"

	"github.com/ei-grad/nginx2es/core/parser"
)

func init() {
	Register("useragent", func() parser.Extension { return &UserAgent{} })
}

// UserAgent classifies http_user_agent into a coarse user_agent_class
// dimension: bot, mobile, browser or other.
type UserAgent struct{}

// botMarkers are checked first: crawlers routinely impersonate browsers but
// still carry one of these tokens.
var botMarkers = []string{"bot", "crawler", "spider", "slurp", "curl", "wget", "python-requests", "go-http-client"}

var mobileMarkers = []string{"android", "iphone", "ipad", "mobile"}

var browserMarkers = []string{"mozilla", "opera"}

// GetName returns the extension name.
func (e *UserAgent) GetName() string {
	return "useragent"
}

// Apply stamps user_agent_class on documents that carry http_user_agent.
func (e *UserAgent) Apply(doc parser.Document) parser.Document {
	ua, ok := doc["http_user_agent"].(string)
	if !ok {
		return doc
	}
	doc["user_agent_class"] = classify(strings.ToLower(ua))
	return doc
}

func classify(ua string) string {
	for _, m := range botMarkers {
		if strings.Contains(ua, m) {
			return "bot"
		}
	}
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			return "mobile"
		}
	}
	for _, m := range browserMarkers {
		if strings.Contains(ua, m) {
			return "browser"
		}
	}
	return "other"
}
