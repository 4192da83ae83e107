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
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sysflow-telemetry/sf-apis/go/logger"
)

const (
	defaultCarbonPort = "2003"
	carbonDialTimeout = 5 * time.Second
)

// Carbon ships rendered metrics over the plaintext carbon line protocol:
// one "<dotted.metric.name> <value> <unix_seconds>" line per sample.  The
// connection is owned by the emitter goroutine; on a send failure it
// reconnects and retries once, after which the batch is dropped (metrics are
// allowed to be lossy).
type Carbon struct {
	host string
	port string
	udp  bool

	conn net.Conn
	w    *bufio.Writer
}

// NewCarbon creates a carbon sink for addr ("host" or "host:port").
func NewCarbon(addr string, udp bool) *Carbon {
	host, port := addr, defaultCarbonPort
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host, port = h, p
	}
	return &Carbon{host: host, port: port, udp: udp}
}

// connect resolves the address and tries each candidate in order until one
// accepts the connection.
func (c *Carbon) connect() error {
	network := "tcp"
	if c.udp {
		network = "udp"
	}
	addrs, err := net.LookupHost(c.host)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", c.host)
	}
	var lastErr error
	for _, addr := range addrs {
		conn, err := net.DialTimeout(network, net.JoinHostPort(addr, c.port), carbonDialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		c.conn = conn
		c.w = bufio.NewWriter(conn)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.Errorf("no addresses for %s", c.host)
	}
	return errors.Wrap(lastErr, "can't connect to carbon")
}

func (c *Carbon) reset() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			logger.Warn.Printf("close carbon connection: %v", err)
		}
		c.conn = nil
		c.w = nil
	}
}

// Send writes one batch and flushes it.  On failure the connection is
// re-established and the batch retried once.
func (c *Carbon) Send(metrics []Metric, timestamp int64) error {
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return err
		}
	}
	err := c.write(metrics, timestamp)
	if err == nil {
		return nil
	}
	logger.Warn.Printf("carbon send failed, reconnecting: %v", err)
	c.reset()
	if err := c.connect(); err != nil {
		return err
	}
	return c.write(metrics, timestamp)
}

func (c *Carbon) write(metrics []Metric, timestamp int64) error {
	for _, m := range metrics {
		if strings.ContainsAny(m.Name, " \n") {
			logger.Warn.Printf("skipping metric with malformed name %q", m.Name)
			continue
		}
		if _, err := fmt.Fprintf(c.w, "%s %s %d\n", m.Name, m.Value, timestamp); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Close flushes and closes the connection.
func (c *Carbon) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		logger.Warn.Printf("flush carbon connection: %v", err)
	}
	err := c.conn.Close()
	c.conn = nil
	c.w = nil
	return err
}
