// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency series recorded by the scenarios.
const (
	SeriesConnect  = "connect"
	SeriesOpen     = "open"
	SeriesAck      = "ack"
	SeriesDelivery = "delivery"
)

// Collector aggregates metrics from concurrent clients.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a metrics scraper. Report then includes the server
// side view.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
	c.Observe(SeriesConnect, d)
}

// Observe appends d to the named latency series.
func (c *Collector) Observe(series string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the percentile distribution of one latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize returns the distribution of the named series. ok is false when
// nothing was observed.
func (c *Collector) Summarize(series string) (Summary, bool) {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.series[series]...)
	c.mu.Unlock()
	if len(samples) == 0 {
		return Summary{}, false
	}
	return summarize(samples), true
}

// Report writes the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	connections, errors := c.connections, c.errors
	order := append([]string(nil), c.order...)
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", connections)
	fmt.Fprintf(w, "Errors:       %d\n", errors)
	if connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(errors)/float64(connections)*100)
	}

	for _, name := range order {
		s, ok := c.Summarize(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n--- %s latency ---\n", name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}

	if scraper != nil {
		scraper.Report(w)
	}
	fmt.Fprintln(w)
}

func summarize(samples []time.Duration) Summary {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: samples[percentileIndex(n, 0.95)],
		P99: samples[percentileIndex(n, 0.99)],
		Max: samples[n-1],
	}
}

func percentileIndex(n int, p float64) int {
	return int(math.Ceil(float64(n)*p)) - 1
}
