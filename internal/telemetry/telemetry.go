// Package telemetry polls a Prometheus-format metrics endpoint on the
// serving backend while a run is in flight, so GPU and scheduler
// gauges can be reported next to client-side latencies.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// Sample is one scraped value of one metric series.
type Sample struct {
	At    time.Time
	Value float64
}

// Series holds every sample collected for a single metric over the
// run, keyed by its name and flattened label set.
type Series struct {
	Name    string   `json:"name"`
	Labels  string   `json:"labels,omitempty"`
	Samples []Sample `json:"-"`
	Avg     float64  `json:"avg"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	P50     float64  `json:"p50"`
	P90     float64  `json:"p90"`
	P99     float64  `json:"p99"`
}

// Options configure the scraper.
type Options struct {
	// Endpoint is the full metrics URL, e.g. "http://localhost:8002/metrics".
	Endpoint string
	Interval time.Duration
	// Metrics restricts collection to the named families. Empty means
	// collect every gauge and counter the endpoint exposes.
	Metrics []string
	Logger  *zap.Logger
}

// Collector scrapes the endpoint at a fixed interval between Start
// and Stop.
type Collector struct {
	opt    Options
	client *http.Client
	logger *zap.Logger

	mu     sync.Mutex
	series map[string]*Series
	errs   int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCollector(opt Options) (*Collector, error) {
	if strings.TrimSpace(opt.Endpoint) == "" {
		return nil, fmt.Errorf("telemetry: endpoint is required")
	}
	if opt.Interval <= 0 {
		opt.Interval = time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Collector{
		opt:    opt,
		client: &http.Client{Timeout: opt.Interval},
		logger: opt.Logger,
		series: make(map[string]*Series),
	}, nil
}

// Start begins scraping in the background. It fetches once up front
// so a dead endpoint is reported before the load begins.
func (c *Collector) Start(ctx context.Context) error {
	if err := c.scrape(ctx); err != nil {
		return fmt.Errorf("telemetry endpoint unreachable: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opt.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := c.scrape(runCtx); err != nil && runCtx.Err() == nil {
					c.mu.Lock()
					c.errs++
					c.mu.Unlock()
					c.logger.Warn("telemetry scrape failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts scraping and waits for the poll loop to exit.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *Collector) scrape(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opt.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("parse metrics: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, family := range families {
		if !c.wanted(name) {
			continue
		}
		for _, metric := range family.GetMetric() {
			value, ok := scalarValue(family.GetType(), metric)
			if !ok {
				continue
			}
			key := name + "{" + labelString(metric) + "}"
			s := c.series[key]
			if s == nil {
				s = &Series{Name: name, Labels: labelString(metric)}
				c.series[key] = s
			}
			s.Samples = append(s.Samples, Sample{At: now, Value: value})
		}
	}
	return nil
}

func (c *Collector) wanted(name string) bool {
	if len(c.opt.Metrics) == 0 {
		return true
	}
	for _, m := range c.opt.Metrics {
		if m == name {
			return true
		}
	}
	return false
}

func scalarValue(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	default:
		return 0, false
	}
}

func labelString(m *dto.Metric) string {
	pairs := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		pairs = append(pairs, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// Snapshot summarizes every collected series. Counters are reduced to
// their rate-free sample statistics; interpreting deltas is left to
// the reader of the export.
func (c *Collector) Snapshot() []Series {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Series, 0, len(c.series))
	for _, s := range c.series {
		if len(s.Samples) == 0 {
			continue
		}
		summary := *s
		values := make([]float64, len(s.Samples))
		for i, smp := range s.Samples {
			values[i] = smp.Value
		}
		sort.Float64s(values)
		var sum float64
		for _, v := range values {
			sum += v
		}
		summary.Avg = sum / float64(len(values))
		summary.Min = values[0]
		summary.Max = values[len(values)-1]
		summary.P50 = quantile(values, 0.50)
		summary.P90 = quantile(values, 0.90)
		summary.P99 = quantile(values, 0.99)
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out
}

// ScrapeErrors reports how many polls failed after Start succeeded.
func (c *Collector) ScrapeErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
