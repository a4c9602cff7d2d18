package telemetry_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inferload/inferload/internal/telemetry"
)

func metricsServer(gauge *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# TYPE gpu_utilization gauge\n")
		fmt.Fprintf(w, "gpu_utilization{gpu=\"0\"} %d\n", gauge.Load())
		fmt.Fprintf(w, "# TYPE requests_total counter\n")
		fmt.Fprintf(w, "requests_total 100\n")
		fmt.Fprintf(w, "# TYPE latency_seconds histogram\n")
		fmt.Fprintf(w, "latency_seconds_bucket{le=\"+Inf\"} 3\n")
		fmt.Fprintf(w, "latency_seconds_sum 1.5\n")
		fmt.Fprintf(w, "latency_seconds_count 3\n")
	}))
}

func TestNewCollectorRequiresEndpoint(t *testing.T) {
	if _, err := telemetry.NewCollector(telemetry.Options{}); err == nil {
		t.Error("Expected error without endpoint")
	}
}

func TestStartFailsFastOnDeadEndpoint(t *testing.T) {
	c, err := telemetry.NewCollector(telemetry.Options{
		Endpoint: "http://127.0.0.1:1/metrics",
		Interval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("Expected Start to fail against a dead endpoint")
	}
}

func TestCollectorScrapesGaugesAndCounters(t *testing.T) {
	var gauge atomic.Int64
	gauge.Store(40)
	server := metricsServer(&gauge)
	defer server.Close()

	c, err := telemetry.NewCollector(telemetry.Options{
		Endpoint: server.URL,
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	gauge.Store(80)
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	series := c.Snapshot()
	byName := make(map[string]telemetry.Series)
	for _, s := range series {
		byName[s.Name] = s
	}

	g, ok := byName["gpu_utilization"]
	if !ok {
		t.Fatal("Expected the gpu_utilization gauge to be collected")
	}
	if g.Labels != "gpu=0" {
		t.Errorf("Expected labels gpu=0, got %q", g.Labels)
	}
	if g.Min != 40 || g.Max != 80 {
		t.Errorf("Expected min 40 and max 80, got %f and %f", g.Min, g.Max)
	}
	if g.Avg < 40 || g.Avg > 80 {
		t.Errorf("Average %f outside sampled range", g.Avg)
	}

	counter, ok := byName["requests_total"]
	if !ok {
		t.Fatal("Expected the requests_total counter to be collected")
	}
	if counter.Avg != 100 {
		t.Errorf("Expected constant counter value 100, got %f", counter.Avg)
	}

	// Histograms carry no scalar value and are skipped.
	if _, ok := byName["latency_seconds"]; ok {
		t.Error("Histogram families should not be collected")
	}

	if c.ScrapeErrors() != 0 {
		t.Errorf("Expected no scrape errors, got %d", c.ScrapeErrors())
	}
}

func TestCollectorFiltersMetricNames(t *testing.T) {
	var gauge atomic.Int64
	server := metricsServer(&gauge)
	defer server.Close()

	c, err := telemetry.NewCollector(telemetry.Options{
		Endpoint: server.URL,
		Interval: time.Second,
		Metrics:  []string{"requests_total"},
	})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c.Stop()

	series := c.Snapshot()
	if len(series) != 1 {
		t.Fatalf("Expected a single filtered series, got %d", len(series))
	}
	if series[0].Name != "requests_total" {
		t.Errorf("Expected requests_total, got %s", series[0].Name)
	}
}

func TestCollectorCountsScrapeErrors(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "up 1\n")
	}))
	defer server.Close()

	c, err := telemetry.NewCollector(telemetry.Options{
		Endpoint: server.URL,
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fail.Store(true)
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	if c.ScrapeErrors() == 0 {
		t.Error("Expected failed polls to be counted")
	}
}
