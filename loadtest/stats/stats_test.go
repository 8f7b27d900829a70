package stats

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Summarize(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.Observe(SeriesAck, time.Duration(i)*time.Millisecond)
	}

	s, ok := c.Summarize(SeriesAck)
	require.True(t, ok)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)

	_, ok = c.Summarize(SeriesDelivery)
	assert.False(t, ok)
}

func TestCollector_Report(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddConnect(4 * time.Millisecond)
	c.AddError()
	c.Observe(SeriesDelivery, time.Millisecond)

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()

	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Errors:       1")
	assert.Contains(t, out, "Error rate:   50.00%")
	assert.Contains(t, out, "--- connect latency ---")
	assert.Contains(t, out, "--- delivery latency ---")
	assert.Less(t, strings.Index(out, "connect latency"), strings.Index(out, "delivery latency"), "series keep first-seen order")
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"chatcore_active_sessions 3", "chatcore_active_sessions", 3, true},
		{`chatcore_messages_total{outcome="sent"} 12`, "chatcore_messages_total", 12, true},
		{`chatcore_send_latency_seconds_sum 0.25 1700000000`, "chatcore_send_latency_seconds_sum", 0.25, true},
		{`broken{outcome="sent" 1`, "", 0, false},
		{"lonely", "", 0, false},
		{"name NaNish", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, value, ok := parseMetricLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestScraper_Report(t *testing.T) {
	exposition := []string{
		"# HELP chatcore_active_sessions Current number of active chat sessions\n" +
			"chatcore_active_sessions 1\n" +
			`chatcore_messages_total{outcome="sent"} 1` + "\n" +
			"chatcore_send_latency_seconds_sum 0\nchatcore_send_latency_seconds_count 0\n",
		"chatcore_active_sessions 4\n" +
			`chatcore_messages_total{outcome="sent"} 9` + "\n" +
			`chatcore_messages_total{outcome="throttled"} 1` + "\n" +
			"chatcore_send_latency_seconds_sum 0.5\nchatcore_send_latency_seconds_count 10\n",
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(exposition) {
			i = len(exposition) - 1
		}
		_, _ = w.Write([]byte(exposition[i]))
	}))
	defer srv.Close()

	s := NewScraper(srv.URL, time.Hour)
	s.scrapeOnce(t.Context())
	s.scrapeOnce(t.Context())

	var buf bytes.Buffer
	s.Report(&buf)
	out := buf.String()

	assert.Contains(t, out, "2 snapshots")
	assert.Regexp(t, `Sessions\s+1\s+4\s+3\s+4`, out)
	assert.Regexp(t, `Send attempts\s+1\s+10\s+9\s+10`, out)
	assert.Contains(t, out, "avg: 0.0500s  (10 observations)")
	assert.Contains(t, out, "Session open     avg: N/A")
}
