// Command loadtest drives simulated users against the chat gateway.
//
//   - saturate: opens N idle connections and holds them
//   - chat:     pairs of users open a conversation and exchange messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "loadtest",
		Usage: "load test the chat gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws", Usage: "gateway WebSocket URL"},
			&cli.IntFlag{Name: "concurrency", Value: 50, Usage: "maximum simultaneous connection attempts"},
			&cli.DurationFlag{Name: "ramp", Value: 10 * time.Second, Usage: "ramp-up duration"},
			&cli.BoolFlag{Name: "verbose", Usage: "log individual client failures"},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level := zerolog.InfoLevel
			if c.Bool("verbose") {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Logger.Level(level)
			return ctx, nil
		},
		Commands: []*cli.Command{
			saturateCommand(),
			chatCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("loadtest failed")
		stop()
		os.Exit(1)
	}
}
