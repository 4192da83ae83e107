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
	"strings"
	"time"
)

// strftime conversions supported in index name patterns.
var strftimeConversions = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'j': "002",
	'%': "%",
}

// strftimeLayout translates an strftime-style pattern such as
// "nginx-%Y.%m.%d" into a Go time layout.  Unknown conversions are kept
// verbatim.
func strftimeLayout(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' || i+1 == len(pattern) {
			b.WriteByte(pattern[i])
			continue
		}
		i++
		if repl, ok := strftimeConversions[pattern[i]]; ok {
			b.WriteString(repl)
		} else {
			b.WriteByte('%')
			b.WriteByte(pattern[i])
		}
	}
	return b.String()
}

// FormatIndex renders the index name for a document timestamp.
func FormatIndex(pattern string, ts time.Time) string {
	return ts.Format(strftimeLayout(pattern))
}
