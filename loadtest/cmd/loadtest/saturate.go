package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tourchat/chat-core/loadtest/client"
	"github.com/tourchat/chat-core/loadtest/stats"
)

func saturateCommand() *cli.Command {
	return &cli.Command{
		Name:  "saturate",
		Usage: "open N idle connections and hold them",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "connections", Value: 1000, Usage: "number of connections to open"},
			&cli.DurationFlag{Name: "hold", Value: 30 * time.Second, Usage: "hold duration after ramp-up"},
		},
		Action: runSaturate,
	}
}

// runSaturate finds how many idle connections the gateway keeps before it
// starts rejecting or dropping them.
func runSaturate(ctx context.Context, c *cli.Command) error {
	n := int(c.Int("connections"))
	url := c.String("url")
	hold := c.Duration("hold")
	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s)\n", n, url, c.Duration("ramp"), hold)

	ids := make([]identity, n)
	for i := range ids {
		ids[i] = identity{UserID: fmt.Sprintf("load-user-%d", i), Name: fmt.Sprintf("Load User %d", i)}
	}

	collector := stats.NewCollector()
	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	clients := rampUp(ctx, url, ids, c.Duration("ramp"), int(c.Int("concurrency")), collector)
	defer closeAll(clients)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdConnections(ctx, clients, hold)
	}

	collector.Report(os.Stdout)
	return nil
}

func holdConnections(ctx context.Context, clients []*client.Client, hold time.Duration) {
	initial := alive(clients)
	fmt.Printf("Holding %d connections for %s...\n", initial, hold)

	timer := time.NewTimer(hold)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			if d := initial - alive(clients); d > 0 {
				fmt.Printf("\nConnections dropped during hold: %d\n", d)
			}
			return
		case <-status.C:
			n := alive(clients)
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, initial, initial-n)
		}
	}
}

func alive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		if c == nil {
			continue
		}
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}
