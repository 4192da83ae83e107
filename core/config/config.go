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

// Package config holds the process configuration bound from flags and
// NGINX2ES_* environment variables.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultFilename is the access log followed when no positional argument is
// given.  "-" means standard input.
const DefaultFilename = "/var/log/nginx/access.json"

// Config is the full process configuration.
type Config struct {
	Filename string `mapstructure:"filename"`
	Mode     string `mapstructure:"mode"`

	ChunkSize  int     `mapstructure:"chunk-size"`
	MaxDelay   float64 `mapstructure:"max-delay"`
	MaxRetries int     `mapstructure:"max-retries"`
	Timeout    float64 `mapstructure:"timeout"`

	Index               string   `mapstructure:"index"`
	Template            string   `mapstructure:"template"`
	TemplateName        string   `mapstructure:"template-name"`
	ForceCreateTemplate bool     `mapstructure:"force-create-template"`
	ElasticURL          []string `mapstructure:"elastic-url"`

	Hostname     string `mapstructure:"hostname"`
	MinTimestamp string `mapstructure:"min-timestamp"`
	MaxTimestamp string `mapstructure:"max-timestamp"`

	GeoIP string   `mapstructure:"geoip"`
	Ext   []string `mapstructure:"ext"`

	Carbon         string  `mapstructure:"carbon"`
	CarbonUDP      bool    `mapstructure:"carbon-udp"`
	CarbonInterval float64 `mapstructure:"carbon-interval"`
	CarbonDelay    float64 `mapstructure:"carbon-delay"`
	CarbonPrefix   string  `mapstructure:"carbon-prefix"`

	Stdout    bool   `mapstructure:"stdout"`
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	Sentry    string `mapstructure:"sentry"`
}

// Load unmarshals the bound configuration.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}
	if c.Filename == "" {
		c.Filename = DefaultFilename
	}
	if c.ChunkSize <= 0 {
		return nil, errors.New("chunk-size must be positive")
	}
	return &c, nil
}

// Seconds converts a float seconds flag value to a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ParseTimestamp parses an ISO timestamp flag value; an empty value yields
// the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("can't parse timestamp %q", s)
}
