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

// Package geoip resolves client addresses against a MaxMind City database.
package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/pkg/errors"
	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/core/parser"
)

// DefaultPath is the conventional location of the City database.
const DefaultPath = "/usr/share/GeoIP/GeoLite2-City.mmdb"

// Provider implements parser.GeoIP over a MaxMind database file.
type Provider struct {
	reader *geoip2.Reader
}

// Open loads the database at path.
func Open(path string) (*Provider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open geoip database")
	}
	return &Provider{reader: reader}, nil
}

// Lookup resolves addr to a location, or nil when the address does not parse
// or is not in the database.
func (p *Provider) Lookup(addr string) *parser.Location {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	rec, err := p.reader.City(ip)
	if err != nil {
		logger.Trace.Printf("geoip lookup %s: %v", addr, err)
		return nil
	}
	// The reader returns an empty record, not an error, for unknown
	// addresses.
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 && len(rec.City.Names) == 0 {
		return nil
	}
	loc := &parser.Location{
		Lat:  rec.Location.Latitude,
		Lon:  rec.Location.Longitude,
		City: rec.City.Names["en"],
	}
	if len(rec.Subdivisions) > 0 {
		loc.RegionName = rec.Subdivisions[0].Names["en"]
	}
	return loc
}

// Close releases the database.
func (p *Provider) Close() error {
	return p.reader.Close()
}
