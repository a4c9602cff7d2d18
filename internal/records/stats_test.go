package records_test

import (
	"errors"
	"testing"
	"time"

	"github.com/inferload/inferload/internal/records"
)

var base = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func success(sent time.Time, latency time.Duration, tokens int) records.RequestRecord {
	return records.RequestRecord{
		Sent:     sent,
		Received: []time.Time{sent.Add(latency)},
		Tokens:   tokens,
	}
}

func TestRecordLatencyAndTimeToFirst(t *testing.T) {
	r := records.RequestRecord{
		Sent: base,
		Received: []time.Time{
			base.Add(20 * time.Millisecond),
			base.Add(50 * time.Millisecond),
			base.Add(90 * time.Millisecond),
		},
	}
	if r.Latency() != 90*time.Millisecond {
		t.Errorf("Expected latency 90ms, got %v", r.Latency())
	}
	if r.TimeToFirst() != 20*time.Millisecond {
		t.Errorf("Expected time-to-first 20ms, got %v", r.TimeToFirst())
	}
	gaps := r.ResponseGaps()
	if len(gaps) != 2 {
		t.Fatalf("Expected 2 gaps, got %d", len(gaps))
	}
	if gaps[0] != 30*time.Millisecond || gaps[1] != 40*time.Millisecond {
		t.Errorf("Expected gaps [30ms 40ms], got %v", gaps)
	}
}

func TestRecordWithoutResponsesHasZeroLatency(t *testing.T) {
	r := records.RequestRecord{Sent: base}
	if r.Latency() != 0 {
		t.Errorf("Expected zero latency, got %v", r.Latency())
	}
	if r.ResponseGaps() != nil {
		t.Errorf("Expected nil gaps, got %v", r.ResponseGaps())
	}
}

func TestFailedExcludesAbandoned(t *testing.T) {
	failed := records.RequestRecord{Err: errors.New("boom")}
	if !failed.Failed() {
		t.Error("Record with error should be failed")
	}
	abandoned := records.RequestRecord{Err: errors.New("boom"), Abandoned: true}
	if abandoned.Failed() {
		t.Error("Abandoned record should not count as failed")
	}
}

func TestComputeStatsCounts(t *testing.T) {
	recs := []records.RequestRecord{
		success(base, 50*time.Millisecond, 10),
		success(base.Add(time.Second), 100*time.Millisecond, 30),
		{Sent: base.Add(2 * time.Second), Err: errors.New("boom"), ErrorType: "boom"},
		{Sent: base.Add(3 * time.Second), Abandoned: true},
	}

	stats := records.ComputeStats(recs, 4, time.Time{}, time.Time{}, 10*time.Second)
	if stats.Total != 3 {
		t.Errorf("Expected 3 total (abandoned excluded), got %d", stats.Total)
	}
	if stats.Successes != 2 || stats.Failures != 1 || stats.Abandoned != 1 {
		t.Errorf("Expected 2/1/1 successes/failures/abandoned, got %d/%d/%d",
			stats.Successes, stats.Failures, stats.Abandoned)
	}
	if stats.Errors["boom"] != 1 {
		t.Errorf("Expected one boom error, got %v", stats.Errors)
	}
	if stats.ErrorRate < 0.33 || stats.ErrorRate > 0.34 {
		t.Errorf("Expected error rate around 1/3, got %f", stats.ErrorRate)
	}
	if stats.RequestsPerSec != 0.3 {
		t.Errorf("Expected 0.3 req/s, got %f", stats.RequestsPerSec)
	}
	if stats.TokensPerSec != 4.0 {
		t.Errorf("Expected 4 tokens/s, got %f", stats.TokensPerSec)
	}
	if stats.Level != 4 {
		t.Errorf("Expected level 4, got %f", stats.Level)
	}
}

func TestComputeStatsLatencyRange(t *testing.T) {
	recs := []records.RequestRecord{
		success(base, 10*time.Millisecond, 0),
		success(base, 20*time.Millisecond, 0),
		success(base, 30*time.Millisecond, 0),
	}
	stats := records.ComputeStats(recs, 1, time.Time{}, time.Time{}, time.Second)
	if stats.MinLatency != 10*time.Millisecond {
		t.Errorf("Expected min 10ms, got %v", stats.MinLatency)
	}
	if stats.MaxLatency != 30*time.Millisecond {
		t.Errorf("Expected max 30ms, got %v", stats.MaxLatency)
	}
	if stats.MeanLatency != 20*time.Millisecond {
		t.Errorf("Expected mean 20ms, got %v", stats.MeanLatency)
	}
	// The histogram keeps 3 significant figures, so allow a little slack.
	if stats.P50Latency < 19*time.Millisecond || stats.P50Latency > 21*time.Millisecond {
		t.Errorf("P50 should be around 20ms, got %v", stats.P50Latency)
	}
	if stats.P99Latency < 29*time.Millisecond || stats.P99Latency > 31*time.Millisecond {
		t.Errorf("P99 should be around 30ms, got %v", stats.P99Latency)
	}
}

func TestComputeStatsWindowBounds(t *testing.T) {
	start := base.Add(time.Second)
	end := base.Add(2 * time.Second)
	recs := []records.RequestRecord{
		success(base, 10*time.Millisecond, 0),                       // before window
		success(start, 10*time.Millisecond, 0),                      // at start, included
		success(start.Add(500*time.Millisecond), 10*time.Millisecond, 0), // inside
		success(end, 10*time.Millisecond, 0),                        // at end, excluded
	}
	stats := records.ComputeStats(recs, 1, start, end, time.Second)
	if stats.Total != 2 {
		t.Errorf("Expected 2 records inside [start, end), got %d", stats.Total)
	}
}

func TestComputeStatsEmptyInput(t *testing.T) {
	stats := records.ComputeStats(nil, 1, time.Time{}, time.Time{}, time.Second)
	if stats.Total != 0 || stats.RequestsPerSec != 0 || stats.ErrorRate != 0 {
		t.Errorf("Empty input should yield zero stats, got %+v", stats)
	}
}

func TestPercentileSelection(t *testing.T) {
	s := records.WindowStats{
		MeanLatency: 1 * time.Millisecond,
		P50Latency:  2 * time.Millisecond,
		P90Latency:  3 * time.Millisecond,
		P95Latency:  4 * time.Millisecond,
		P99Latency:  5 * time.Millisecond,
	}
	cases := []struct {
		q    float64
		want time.Duration
	}{
		{0, 1 * time.Millisecond},
		{50, 2 * time.Millisecond},
		{90, 3 * time.Millisecond},
		{95, 4 * time.Millisecond},
		{99, 5 * time.Millisecond},
		{87, 5 * time.Millisecond}, // unknown quantiles fall back to p99
	}
	for _, tc := range cases {
		if got := s.Percentile(tc.q); got != tc.want {
			t.Errorf("Percentile(%v) = %v, want %v", tc.q, got, tc.want)
		}
	}
}

func TestCollectorDrainSwapsBuffer(t *testing.T) {
	c := records.NewCollector()
	for i := 0; i < 5; i++ {
		c.Record(records.RequestRecord{Slot: i, Sent: base})
	}
	if c.Pending() != 5 {
		t.Errorf("Expected 5 pending, got %d", c.Pending())
	}

	out := c.Drain()
	if len(out) != 5 {
		t.Errorf("Expected 5 drained records, got %d", len(out))
	}
	if c.Pending() != 0 {
		t.Errorf("Expected empty collector after drain, got %d pending", c.Pending())
	}

	c.Record(records.RequestRecord{Slot: 9, Sent: base})
	out = c.Drain()
	if len(out) != 1 || out[0].Slot != 9 {
		t.Errorf("Expected the post-drain record only, got %+v", out)
	}
	if c.Total() != 6 {
		t.Errorf("Expected total 6, got %d", c.Total())
	}
}

func TestCollectorNamesErrorTypes(t *testing.T) {
	c := records.NewCollector()
	c.Record(records.RequestRecord{Sent: base, Err: errors.New("boom")})
	out := c.Drain()
	if len(out) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(out))
	}
	if out[0].ErrorType == "" {
		t.Error("Collector should fill ErrorType from the error")
	}
}
