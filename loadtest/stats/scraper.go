package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server metric names read from the gateway's /metrics endpoint.
const (
	metricConnections   = "chatcore_connections_total"
	metricSessions      = "chatcore_active_sessions"
	metricSubscriptions = "chatcore_active_subscriptions"
	metricMessages      = "chatcore_messages_total"
	metricSendSum       = "chatcore_send_latency_seconds_sum"
	metricSendCount     = "chatcore_send_latency_seconds_count"
	metricOpenSum       = "chatcore_session_open_seconds_sum"
	metricOpenCount     = "chatcore_session_open_seconds_count"
)

// snapshot holds the tracked server metrics at one point in time. Labeled
// series are summed.
type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper periodically fetches the gateway's Prometheus metrics and keeps
// the snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final snapshot so the report reflects the end state.
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The gateway may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("metrics: unexpected status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body)
}

// parseSnapshot reads the text exposition format and sums the values of the
// tracked metrics.
func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now(), values: make(map[string]float64)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case metricConnections, metricSessions, metricSubscriptions, metricMessages,
			metricSendSum, metricSendCount, metricOpenSum, metricOpenCount:
			snap.values[name] += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits "name{labels} value" or "name value" into the bare
// name and its value.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.IndexByte(line[i:], '}')
		if j == -1 {
			return "", 0, false
		}
		name, rest = line[:i], line[i+j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes the initial, final, delta and peak value of each tracked
// gauge and counter to w, followed by histogram averages.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct{ label, metric string }{
		{"Connections", metricConnections},
		{"Sessions", metricSessions},
		{"Subscriptions", metricSubscriptions},
		{"Send attempts", metricMessages},
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		initial, final := first.values[r.metric], last.values[r.metric]
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.metric))
	}

	fmt.Fprintln(w)
	printAverage(w, "Send latency", first, last, metricSendSum, metricSendCount)
	printAverage(w, "Session open", first, last, metricOpenSum, metricOpenCount)
}

func printAverage(w io.Writer, label string, first, last snapshot, sumName, countName string) {
	n := last.values[countName] - first.values[countName]
	if n <= 0 {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", label)
		return
	}
	avg := (last.values[sumName] - first.values[sumName]) / n
	fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", label, avg, n)
}

func peak(snaps []snapshot, metric string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, s.values[metric])
	}
	return p
}
