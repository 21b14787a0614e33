// Copyright 2023 LiveKit, Inc.
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

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/config"
	"github.com/livekit/media-engine/pkg/simulation"
	"github.com/livekit/media-engine/pkg/telemetry/prometheus"
	"github.com/livekit/media-engine/pkg/utils"
	"github.com/livekit/media-engine/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to media engine config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "media engine config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MEDIA_ENGINE_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "report",
		Usage: "write the simulation report to `file`",
	},
	// debugging flags
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

const nodeStatsInterval = 10 * time.Second

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "media-engine",
		Usage:       "Echo control and RTP/RTCP receive pipeline",
		Description: "run without subcommands to simulate a full call",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      simulate,
		Commands: []*cli.Command{
			{
				Name:   "aec-sim",
				Usage:  "runs only the echo control part of the simulation",
				Action: simulateAEC,
			},
			{
				Name:      "rtcp-dump",
				Usage:     "prints the sub-blocks of a compound RTCP packet",
				ArgsUsage: "<file>",
				Action:    dumpRTCP,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "non-compound",
						Usage: "accept packets that do not start with a sender or receiver report",
					},
				},
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.NodeID == "" {
		conf.NodeID = utils.NewGuid(utils.NodePrefix)
	}
	if c.String("config") == "" && c.String("config-body") == "" && conf.Development {
		logger.Infow("starting in development mode", "nodeID", conf.NodeID)
	}
	return conf, nil
}

func simulate(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	sim, err := simulation.NewSimulator(simulation.Params{Config: conf})
	if err != nil {
		return err
	}

	prometheus.Init(conf.NodeID)

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		report, err := sim.Run(ctx)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	})

	g.Go(func() error {
		return reportNodeStats(ctx, done)
	})

	if conf.PrometheusPort > 0 {
		srv := &http.Server{
			Handler:     promhttp.Handler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.PrometheusPort))
			if err != nil {
				return err
			}
			logger.Infow("serving metrics", "port", conf.PrometheusPort)
			if err := srv.Serve(ln); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			// keep serving until interrupted so the final counters can be scraped
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	go func() {
		<-ctx.Done()
		sim.Stop()
	}()

	return g.Wait()
}

func simulateAEC(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	sim, err := simulation.NewSimulator(simulation.Params{Config: conf})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	report, err := sim.RunAEC(ctx)
	if err != nil {
		return err
	}
	printReport(&simulation.Report{AEC: report})
	return nil
}

func reportNodeStats(ctx context.Context, done <-chan struct{}) error {
	stats := &prometheus.NodeStats{StartedAt: time.Now().Unix()}
	ticker := time.NewTicker(nodeStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			updated, err := prometheus.GetUpdatedNodeStats(stats)
			if err != nil {
				logger.Warnw("could not update node stats", err)
				continue
			}
			stats = updated
			logger.Debugw("node stats",
				"cpuLoad", stats.CPULoad,
				"memoryLoad", stats.MemoryLoad,
				"packetsInPerSec", stats.PacketsInPerSec,
			)
		}
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
