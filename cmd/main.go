// Copyright © 2021 Kris Nóva <kris@nivenly.com>
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
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ████████╗██╗    ██╗██╗███╗   ██╗██╗  ██╗
//  ╚══██╔══╝██║    ██║██║████╗  ██║╚██╗██╔╝
//     ██║   ██║ █╗ ██║██║██╔██╗ ██║ ╚███╔╝
//     ██║   ██║███╗██║██║██║╚██╗██║ ██╔██╗
//     ██║   ╚███╔███╔╝██║██║ ╚████║██╔╝ ██╗
//     ╚═╝    ╚══╝╚══╝ ╚═╝╚═╝  ╚═══╝╚═╝  ╚═╝
//
// ────────────────────────────────────────────────────────────────────────────

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay"
	"github.com/kris-nova/relay/health"
	"github.com/kris-nova/relay/live"
	"github.com/kris-nova/relay/rtmp"
	"github.com/kris-nova/relay/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	relay.PrintBanner()
	err := RunWithOptions(instanceOptions)
	if err != nil {
		logger.Critical("%v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

type RuntimeOptions struct {
}

var instanceOptions = &RuntimeOptions{}

// Global Flags
var (

	// verbose sets log verbosity
	verbose bool

	// configPath is an optional yaml, toml or json config file
	configPath string

	// listenAddress overrides the config's RTMP listen address
	listenAddress string

	// grpcAddress overrides the config's health address
	grpcAddress string

	// watchDuration bounds how long watch plays a stream
	watchDuration time.Duration

	globalFlags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Value:       false,
			Usage:       "toggle verbose mode for logger",
			Destination: &verbose,
		},
	}
)

func RunWithOptions(opt *RuntimeOptions) error {

	// cli assumes "-v" for version.
	// override that here
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "Print the version",
	}

	// ********************************************************
	// [ Relay Application ]
	// ********************************************************

	app := &cli.App{
		Name:      "relay",
		Usage:     "Live media relay. Publishers push RTMP streams, players pull them.",
		UsageText: ``,
		Version:   relay.Version,
		Action: func(c *cli.Context) error {
			cli.ShowSubcommandHelp(c)
			return nil
		},
		Flags: globalFlags,
		Commands: []*cli.Command{

			// ********************************************************
			// [ serve ]
			// ********************************************************

			{
				Name:      "serve",
				Aliases:   []string{"s"},
				Usage:     "Run the RTMP relay with its health endpoint and stats reporter.",
				UsageText: `relay serve [--config relay.yaml] [--listen :1935] [--grpc :1936]`,
				Flags: allFlags([]cli.Flag{
					&cli.StringFlag{
						Name:        "config",
						Aliases:     []string{"c"},
						Value:       "",
						Usage:       "config file, yaml toml or json. RELAY_* environment variables override it.",
						Destination: &configPath,
					},
					&cli.StringFlag{
						Name:        "listen",
						Aliases:     []string{"l"},
						Value:       "",
						Usage:       "RTMP listen address such as ':1935'",
						Destination: &listenAddress,
					},
					&cli.StringFlag{
						Name:        "grpc",
						Aliases:     []string{"g"},
						Value:       "",
						Usage:       "gRPC health listen address such as ':1936'",
						Destination: &grpcAddress,
					},
				}),
				Action: func(c *cli.Context) error {
					allInit()
					config, err := relay.LoadConfig(configPath)
					if err != nil {
						return err
					}
					if listenAddress != "" {
						config.ListenAddress = listenAddress
					}
					if grpcAddress != "" {
						config.GRPCAddress = grpcAddress
					}
					return serve(config)
				},
			},

			// ********************************************************
			// [ watch ]
			// ********************************************************

			{
				Name:      "watch",
				Aliases:   []string{"w"},
				Usage:     "Play a stream and report what arrives.",
				UsageText: `relay watch [--duration 10s] rtmp://host:port/app/stream`,
				Flags: allFlags([]cli.Flag{
					&cli.DurationFlag{
						Name:        "duration",
						Aliases:     []string{"d"},
						Value:       10 * time.Second,
						Usage:       "how long to play the stream",
						Destination: &watchDuration,
					},
				}),
				Action: func(c *cli.Context) error {
					allInit()
					args := c.Args()
					if args.Len() != 1 {
						return fmt.Errorf("usage: relay watch <rtmp://host:port/app/stream>")
					}
					return watch(args.Get(0), watchDuration)
				},
			},
		},
	}

	app.Flags = globalFlags
	return app.Run(os.Args)
}

// serve runs the RTMP server, the health endpoint and the stats reporter
// until one fails or a signal arrives.
func serve(config *relay.Config) error {
	healthServer := health.NewServer()
	collector := stats.NewCollector(config.StatsRetention)

	opts := config.Options()
	opts.Interceptors = []live.Interceptor{collector}
	opts.Hooks = healthServer.Hooks()
	service := live.NewService(opts)
	defer service.Close()
	server := rtmp.NewServer(service, config.ServerConfig())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(ctx, config.ListenAddress)
	})
	if config.GRPCAddress != "" {
		group.Go(func() error {
			return healthServer.ListenAndServe(ctx, config.GRPCAddress)
		})
	}
	group.Go(func() error {
		return collector.Report(ctx, config.StatsInterval)
	})

	logger.Always("Relay listening on %s", config.ListenAddress)
	err := group.Wait()
	if err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	logger.Always("Graceful shutdown...")
	return nil
}

// watchReport counts the media a watch received.
type watchReport struct {
	packets   [3]int
	bytes     [3]int
	keyframes int
	first     uint32
	last      uint32
}

func watch(url string, duration time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, duration)
	defer cancelTimeout()

	client, err := rtmp.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Play(); err != nil {
		return err
	}
	logger.Always("Probing %s for %s", client.Addr().SafeURL(), duration)

	// ctx bounds the watch, not the read deadline.
	client.Conn().SetReadTimeout(0)
	stop := context.AfterFunc(ctx, client.Conn().Disconnect)
	defer stop()

	var report watchReport
	for {
		msg, err := client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return errors.Wrap(err, "watch read")
		}
		media, ok := live.MediaTypeOf(msg.TypeID)
		if !ok {
			msg.Discard()
			continue
		}
		if report.packets[0]+report.packets[1]+report.packets[2] == 0 {
			report.first = msg.Timestamp
		}
		report.last = msg.Timestamp
		report.packets[media]++
		report.bytes[media] += msg.Payload.Len()
		if kind, err := rtmp.Classify(media, msg.Bytes()); err == nil && kind == live.SampleKeyframe {
			report.keyframes++
		}
		msg.Discard()
	}

	for media := live.MediaAudio; media <= live.MediaData; media++ {
		logger.Always("%5s : %d packets %d bytes", media, report.packets[media], report.bytes[media])
	}
	logger.Always("keyframes : %d", report.keyframes)
	logger.Always("timeline  : %dms to %dms", report.first, report.last)
	return nil
}

func allInit() {
	if verbose {
		logger.BitwiseLevel = logger.LogEverything
		logger.Info("VERBOSE MODE ENABLED")
	} else {
		logger.BitwiseLevel = logger.LogAlways | logger.LogCritical | logger.LogDeprecated | logger.LogSuccess | logger.LogWarning
	}
}

func allFlags(flags []cli.Flag) []cli.Flag {
	return append(globalFlags, flags...)
}
