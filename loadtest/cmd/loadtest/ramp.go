package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tourchat/chat-core/loadtest/client"
	"github.com/tourchat/chat-core/loadtest/stats"
)

const connectTimeout = 10 * time.Second

// identity is one simulated user.
type identity struct {
	UserID string
	Name   string
}

// rampUp connects every identity, spreading the attempts over ramp with at
// most concurrency in flight. The result is indexed like ids; failed
// connections are left nil. It stops launching when ctx is cancelled.
func rampUp(ctx context.Context, url string, ids []identity, ramp time.Duration, concurrency int, collector *stats.Collector) []*client.Client {
	clients := make([]*client.Client, len(ids))
	if len(ids) == 0 {
		return clients
	}

	interval := ramp / time.Duration(len(ids))
	if interval <= 0 {
		interval = time.Millisecond
	}
	if concurrency < 1 {
		concurrency = 1
	}

	stopProgress := progress(collector, len(ids))
	defer stopProgress()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := range ids {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()

			c, err := client.New(connCtx, url, ids[i].UserID, ids[i].Name)
			if err != nil {
				log.Debug().Err(err).Str("user_id", ids[i].UserID).Msg("connect failed")
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i)
	}
	wg.Wait()
	return clients
}

// progress prints the connection count every second until the returned
// function is called.
func progress(collector *stats.Collector, target int) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastTime := 0, time.Now()
		for {
			select {
			case now := <-ticker.C:
				n := collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					n, target, collector.ErrorCount(), rate)
				last, lastTime = n, now
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			_ = c.Close()
		}
	}
}
