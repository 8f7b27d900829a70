package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/tourchat/chat-core/internal/protocol"
	"github.com/tourchat/chat-core/loadtest/client"
	"github.com/tourchat/chat-core/loadtest/stats"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "pairs of users open a conversation and exchange messages",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "pairs", Value: 100, Usage: "number of traveller/company pairs"},
			&cli.DurationFlag{Name: "chat-duration", Value: 30 * time.Second, Usage: "how long each pair chats"},
			&cli.DurationFlag{Name: "msg-interval", Value: 2 * time.Second, Usage: "interval between messages per user"},
			&cli.IntFlag{Name: "msg-size", Value: 128, Usage: "size of each message in bytes"},
			&cli.StringFlag{Name: "metrics-url", Value: "http://localhost:8080/metrics", Usage: "gateway metrics endpoint"},
			&cli.DurationFlag{Name: "scrape-interval", Value: 2 * time.Second, Usage: "interval between metrics scrapes"},
		},
		Action: runChat,
	}
}

// pairResult is the outcome of one pair's conversation.
type pairResult struct {
	opened bool
	sent   int64
	recv   int64
	closed bool
}

// runChat connects pairs of users, opens their conversation from both sides,
// exchanges messages for the chat duration and closes the conversations.
func runChat(ctx context.Context, c *cli.Command) error {
	pairs := int(c.Int("pairs"))
	url := c.String("url")
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (chat=%s, interval=%s, msg-size=%d)\n",
		pairs, pairs*2, url, c.Duration("chat-duration"), c.Duration("msg-interval"), c.Int("msg-size"))

	collector := stats.NewCollector()
	scraper := stats.NewScraper(c.String("metrics-url"), c.Duration("scrape-interval"))
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	// Even indexes are travellers, odd indexes the companies they talk to.
	ids := make([]identity, 0, pairs*2)
	for i := 0; i < pairs; i++ {
		ids = append(ids,
			identity{UserID: fmt.Sprintf("load-traveller-%d", i), Name: fmt.Sprintf("Traveller %d", i)},
			identity{UserID: fmt.Sprintf("load-company-%d", i), Name: fmt.Sprintf("Tour Company %d", i)},
		)
	}

	fmt.Println("\n--- Phase 1: Connect ---")
	clients := rampUp(ctx, url, ids, c.Duration("ramp"), int(c.Int("concurrency")), collector)
	defer closeAll(clients)
	if ctx.Err() != nil {
		collector.Report(os.Stdout)
		return nil
	}

	fmt.Println("\n--- Phase 2: Chat ---")
	payload := strings.Repeat("abcdefgh", int(c.Int("msg-size"))/8+1)[:c.Int("msg-size")]

	var (
		wg       sync.WaitGroup
		resMu    sync.Mutex
		results  []pairResult
		inflight atomic.Int64
	)
	for i := 0; i+1 < len(clients); i += 2 {
		a, b := clients[i], clients[i+1]
		if a == nil || b == nil {
			continue
		}
		wg.Add(1)
		inflight.Add(1)
		go func() {
			defer wg.Done()
			defer inflight.Add(-1)
			r := runPair(ctx, a, b, ids[i].Name, ids[i+1].Name, c.Duration("chat-duration"), c.Duration("msg-interval"), payload, collector)
			resMu.Lock()
			results = append(results, r)
			resMu.Unlock()
		}()
	}

	stopStatus := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] pairs running: %d  errors: %d\n", inflight.Load(), collector.ErrorCount())
			case <-stopStatus:
				return
			}
		}
	}()
	wg.Wait()
	close(stopStatus)

	var opened, closed int
	var sent, recv int64
	for _, r := range results {
		if r.opened {
			opened++
		}
		if r.closed {
			closed++
		}
		sent += r.sent
		recv += r.recv
	}
	fmt.Printf("\nPairs opened: %d/%d  closed cleanly: %d\n", opened, len(results), closed)
	fmt.Printf("Messages sent: %d  delivered: %d\n", sent, recv)

	collector.Report(os.Stdout)
	return nil
}

// runPair opens the conversation from both sides and lets both users send
// until the chat duration ends. Delivery latency is taken from the send
// timestamp carried at the start of each text.
func runPair(ctx context.Context, a, b *client.Client, aName, bName string, duration, interval time.Duration, payload string, collector *stats.Collector) pairResult {
	var r pairResult

	openCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	for _, side := range []struct {
		c               *client.Client
		counterpart     *client.Client
		counterpartName string
	}{{a, b, bName}, {b, a, aName}} {
		if _, err := side.c.Open(openCtx, side.counterpart.UserID(), side.counterpartName); err != nil {
			log.Debug().Err(err).Str("user_id", side.c.UserID()).Msg("open failed")
			collector.AddError()
			return r
		}
		collector.Observe(stats.SeriesOpen, side.c.GetMetrics().OpenLatency)
	}
	r.opened = true

	var sent, recv atomic.Int64
	for _, c := range []*client.Client{a, b} {
		track(c, collector, &recv)
	}

	chatCtx, stop := context.WithTimeout(ctx, duration)
	defer stop()
	var wg sync.WaitGroup
	for _, c := range []*client.Client{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendLoop(chatCtx, c, interval, payload, &sent, collector)
		}()
	}
	wg.Wait()

	// Let the last messages arrive.
	time.Sleep(interval / 2)
	r.sent, r.recv = sent.Load(), recv.Load()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), connectTimeout)
	defer cancelClose()
	r.closed = a.CloseConversation(closeCtx) == nil && b.CloseConversation(closeCtx) == nil
	return r
}

// pending maps a send ref to its send time for ack latency.
type pending struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

func sendLoop(ctx context.Context, c *client.Client, interval time.Duration, payload string, sent *atomic.Int64, collector *stats.Collector) {
	p := &pending{sent: make(map[string]time.Time)}
	c.On(protocol.TypeSent, func(raw json.RawMessage) {
		var m protocol.SentMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		p.mu.Lock()
		at, ok := p.sent[m.Ref]
		delete(p.sent, m.Ref)
		p.mu.Unlock()
		if ok {
			collector.Observe(stats.SeriesAck, time.Since(at))
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
		}

		ref := strconv.Itoa(seq)
		now := time.Now()
		p.mu.Lock()
		p.sent[ref] = now
		p.mu.Unlock()
		if err := c.SendText(ref, strconv.FormatInt(now.UnixNano(), 10)+" "+payload); err != nil {
			collector.AddError()
			return
		}
		sent.Add(1)
	}
}

// track records delivery latency for messages that c receives from its
// counterpart.
func track(c *client.Client, collector *stats.Collector, recv *atomic.Int64) {
	c.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var m protocol.ServerMessageMsg
		if json.Unmarshal(raw, &m) != nil || m.Message.SenderID == c.UserID() {
			return
		}
		stamp, _, ok := strings.Cut(m.Message.Text, " ")
		if !ok {
			return
		}
		ns, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			return
		}
		recv.Add(1)
		collector.Observe(stats.SeriesDelivery, time.Since(time.Unix(0, ns)))
	})
	c.On(protocol.TypeError, func(raw json.RawMessage) {
		collector.AddError()
	})
}
