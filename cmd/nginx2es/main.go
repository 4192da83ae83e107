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

// nginx2es follows an nginx access log, indexes every record into
// Elasticsearch and, in parallel, ships time-windowed traffic statistics to
// carbon.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/core/config"
	"github.com/ei-grad/nginx2es/core/exporter"
	"github.com/ei-grad/nginx2es/core/extensions"
	"github.com/ei-grad/nginx2es/core/geoip"
	"github.com/ei-grad/nginx2es/core/parser"
	"github.com/ei-grad/nginx2es/core/pipeline"
	"github.com/ei-grad/nginx2es/core/stat"
	"github.com/ei-grad/nginx2es/driver/tail"
	"github.com/ei-grad/nginx2es/driver/tail/waker"
)

// pollInterval is the fallback poll cadence for filesystems where change
// notifications are unreliable.
const pollInterval = 250 * time.Millisecond

// errInterrupted makes an interrupt exit non-zero after a clean shutdown.
var errInterrupted = errors.New("interrupted")

func main() {
	logger.InitLoggers(logger.INFO)
	cmd := newCommand()
	if err := cmd.Execute(); err != nil {
		logger.Error.Println(err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "nginx2es [filename]",
		Short:         "put nginx logs to Elasticsearch and send stats to carbon",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				v.Set("filename", args[0])
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	hostname, _ := os.Hostname()

	flags := cmd.Flags()
	flags.String("mode", "tail", "records read mode: tail, from-start or one-shot")
	flags.Int("chunk-size", 500, "chunk size for bulk requests")
	flags.Float64("max-delay", 10, "maximum seconds to wait before flushing an incomplete chunk")
	flags.Int("max-retries", 3, "per-document retries on 429, 0 disables")
	flags.Float64("timeout", 30, "elasticsearch request timeout in seconds")
	flags.String("index", "nginx-%Y.%m.%d", "index name strftime pattern")
	flags.String("template", "", "index template filename, empty uses the built-in template")
	flags.String("template-name", "nginx", "index template name")
	flags.Bool("force-create-template", false, "create the index template even if it already exists")
	flags.StringSlice("elastic-url", []string{"http://localhost:9200"}, "elasticsearch node URL, repeatable")
	flags.String("hostname", hostname, "hostname to stamp on documents")
	flags.String("min-timestamp", "", "drop records older than this ISO timestamp")
	flags.String("max-timestamp", "", "drop records at or past this ISO timestamp")
	flags.String("geoip", geoip.DefaultPath, "GeoIP City database path")
	flags.StringSlice("ext", nil, "post-processing extension name, repeatable")
	flags.String("carbon", "", "carbon address host[:port], enables traffic statistics")
	flags.Bool("carbon-udp", false, "send metrics over UDP instead of TCP")
	flags.Float64("carbon-interval", 10, "statistics bucket width in seconds")
	flags.Float64("carbon-delay", 10, "grace period in seconds before a bucket is emitted")
	flags.String("carbon-prefix", "nginx2es", "metric name prefix")
	flags.Bool("stdout", false, "print documents as JSON instead of sending them")
	flags.String("log-level", "info", "log level: trace, info, warn or error")
	flags.String("log-format", "plain", "log output format")
	flags.String("sentry", "", "sentry DSN for crash reporting")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("NGINX2ES")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	logger.InitLoggers(logger.GetLogLevelFromValue(cfg.LogLevel))
	if cfg.LogFormat != "" && cfg.LogFormat != "plain" {
		logger.Warn.Printf("log format %q is not supported, using plain", cfg.LogFormat)
	}

	if cfg.Sentry != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry}); err != nil {
			return errors.Wrap(err, "initialize sentry")
		}
		defer sentry.Flush(2 * time.Second)
		defer sentry.Recover()
	}

	mode, err := tail.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	minTS, err := config.ParseTimestamp(cfg.MinTimestamp)
	if err != nil {
		return errors.Wrap(err, "min-timestamp")
	}
	maxTS, err := config.ParseTimestamp(cfg.MaxTimestamp)
	if err != nil {
		return errors.Wrap(err, "max-timestamp")
	}

	p, closeGeoIP, err := buildParser(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeGeoIP()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)
	defer stop()

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}

	var st *stat.Stat
	var statSink pipeline.Stat
	if cfg.Carbon != "" {
		st = stat.New(stat.Config{
			Prefix:   cfg.CarbonPrefix,
			Interval: config.Seconds(cfg.CarbonInterval),
			Delay:    config.Seconds(cfg.CarbonDelay),
		}, stat.NewCarbon(cfg.Carbon, cfg.CarbonUDP))
		st.Start()
		statSink = st
	}

	pipe := pipeline.New(pipeline.Config{
		ChunkSize:    cfg.ChunkSize,
		MaxDelay:     config.Seconds(cfg.MaxDelay),
		Hostname:     cfg.Hostname,
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
	}, p, sink, statSink)

	var follower *tail.Follower
	var entries <-chan tail.Entry
	if cfg.Filename == "-" {
		// standard input: rotation tracking does not apply
		if cmd.Flags().Changed("mode") {
			logger.Warn.Println("using --mode while reading from a stream is incorrect")
		}
		entries = tail.FollowReader(ctx, os.Stdin, cfg.ChunkSize)
	} else {
		follower = tail.New(tail.Config{
			Filename:   cfg.Filename,
			Mode:       mode,
			Waker:      waker.NewTimed(ctx, pollInterval),
			BufferSize: cfg.ChunkSize,
		})
		entries = follower.Follow(ctx)
	}

	pipe.Run(ctx, entries)

	if st != nil {
		st.Stop()
	}
	if follower != nil {
		if err := follower.Err(); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	produced, flushed := pipe.Counts()
	logger.Info.Printf("done: %d documents produced, %d flushed", produced, flushed)
	return nil
}

// buildParser wires geoip and the configured extensions into the parser.
// A geoip database that was requested explicitly must load; the default one
// is optional.
func buildParser(cmd *cobra.Command, cfg *config.Config) (*parser.Parser, func(), error) {
	closeGeoIP := func() {}

	var provider parser.GeoIP
	if cfg.GeoIP != "" {
		g, err := geoip.Open(cfg.GeoIP)
		switch {
		case err == nil:
			provider = g
			closeGeoIP = func() {
				if cerr := g.Close(); cerr != nil {
					logger.Warn.Printf("close geoip database: %v", cerr)
				}
			}
		case cmd.Flags().Changed("geoip"):
			return nil, nil, err
		default:
			logger.Warn.Printf("geoip disabled: %v", err)
		}
	}

	exts, err := extensions.Lookup(cfg.Ext...)
	if err != nil {
		return nil, nil, err
	}

	return parser.New(cfg.Hostname, provider, exts...), closeGeoIP, nil
}

// buildSink selects the stdout dry-run sink or the Elasticsearch bulk sink.
// With the real sink the index template is asserted first; an unreachable
// cluster at this point is a startup failure.
func buildSink(ctx context.Context, cfg *config.Config) (pipeline.Sink, error) {
	esConfig := exporter.Config{
		URLs:       cfg.ElasticURL,
		Index:      cfg.Index,
		MaxRetries: cfg.MaxRetries,
		Timeout:    config.Seconds(cfg.Timeout),
	}
	if cfg.Stdout {
		return exporter.NewStdout(os.Stdout, esConfig), nil
	}
	client, err := exporter.NewClient(esConfig)
	if err != nil {
		return nil, err
	}
	if err := exporter.AssertTemplate(ctx, client, cfg.TemplateName, cfg.Template, cfg.ForceCreateTemplate); err != nil {
		return nil, err
	}
	return exporter.NewElastic(client, esConfig), nil
}
