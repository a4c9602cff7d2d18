package records

import (
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// WindowStats are the aggregate statistics of one measurement window.
// A window is immutable once computed.
type WindowStats struct {
	Level float64 `json:"level"` // concurrency count or target rate

	Total     int64 `json:"total"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Abandoned int64 `json:"abandoned"`

	MinLatency  time.Duration `json:"-"`
	MaxLatency  time.Duration `json:"-"`
	MeanLatency time.Duration `json:"-"`
	P50Latency  time.Duration `json:"-"`
	P90Latency  time.Duration `json:"-"`
	P95Latency  time.Duration `json:"-"`
	P99Latency  time.Duration `json:"-"`

	// Streaming metrics: time to first response unit and the gap
	// between consecutive units, meaningful for token streams.
	MeanTimeToFirst time.Duration `json:"-"`
	P99TimeToFirst  time.Duration `json:"-"`
	MeanGap         time.Duration `json:"-"`

	Duration       time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	TokensPerSec   float64       `json:"tokens_per_sec,omitempty"`
	ErrorRate      float64       `json:"error_rate"`

	// JSON-friendly millisecond fields.
	MinLatencyMs      float64 `json:"min_latency_ms"`
	MaxLatencyMs      float64 `json:"max_latency_ms"`
	MeanLatencyMs     float64 `json:"mean_latency_ms"`
	P50LatencyMs      float64 `json:"p50_latency_ms"`
	P90LatencyMs      float64 `json:"p90_latency_ms"`
	P95LatencyMs      float64 `json:"p95_latency_ms"`
	P99LatencyMs      float64 `json:"p99_latency_ms"`
	MeanTimeToFirstMs float64 `json:"mean_ttfr_ms,omitempty"`
	P99TimeToFirstMs  float64 `json:"p99_ttfr_ms,omitempty"`
	MeanGapMs         float64 `json:"mean_gap_ms,omitempty"`
	DurationMs        float64 `json:"duration_ms"`

	Errors map[string]int `json:"errors,omitempty"`
}

// Percentile returns the latency at the given quantile (50, 90, 95,
// 99 or "mean" via 0). Unknown quantiles return the p99.
func (s WindowStats) Percentile(q float64) time.Duration {
	switch q {
	case 0:
		return s.MeanLatency
	case 50:
		return s.P50Latency
	case 90:
		return s.P90Latency
	case 95:
		return s.P95Latency
	default:
		return s.P99Latency
	}
}

// ComputeStats aggregates the records of one measurement window.
// Only records whose send timestamp lies inside [start, end) count;
// requests spanning the boundary belong to no window. A zero start
// and end disables the bounds check.
func ComputeStats(recs []RequestRecord, level float64, start, end time.Time, elapsed time.Duration) WindowStats {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	hist := hdrhistogram.New(1, 60_000_000, 3)
	ttfr := hdrhistogram.New(1, 60_000_000, 3)

	stats := WindowStats{Level: level}
	var sumLatency, sumTTFR, sumGap time.Duration
	var gapCount, sumTokens int64

	bounded := !start.IsZero() || !end.IsZero()
	for i := range recs {
		r := &recs[i]
		if bounded {
			if r.Sent.Before(start) || !r.Sent.Before(end) {
				continue
			}
		}
		if r.Abandoned {
			stats.Abandoned++
			continue
		}
		stats.Total++
		if r.Err != nil {
			stats.Failures++
			name := r.ErrorType
			if name == "" {
				name = errorTypeName(r.Err)
			}
			if stats.Errors == nil {
				stats.Errors = make(map[string]int)
			}
			stats.Errors[name]++
			continue
		}
		stats.Successes++
		sumTokens += int64(r.Tokens)

		lat := r.Latency()
		recordClamped(hist, lat)
		sumLatency += lat
		if stats.MinLatency == 0 || lat < stats.MinLatency {
			stats.MinLatency = lat
		}
		if lat > stats.MaxLatency {
			stats.MaxLatency = lat
		}

		if first := r.TimeToFirst(); first > 0 {
			recordClamped(ttfr, first)
			sumTTFR += first
		}
		for _, gap := range r.ResponseGaps() {
			sumGap += gap
			gapCount++
		}
	}

	if stats.Successes > 0 {
		stats.MeanLatency = sumLatency / time.Duration(stats.Successes)
		stats.MeanTimeToFirst = sumTTFR / time.Duration(stats.Successes)
	}
	if gapCount > 0 {
		stats.MeanGap = sumGap / time.Duration(gapCount)
	}
	if hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P95Latency = time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond
		stats.P99Latency = time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond
	}
	if ttfr.TotalCount() > 0 {
		stats.P99TimeToFirst = time.Duration(ttfr.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.Duration = elapsed
	if elapsed > 0 && stats.Total > 0 {
		stats.RequestsPerSec = float64(stats.Total) / elapsed.Seconds()
		stats.TokensPerSec = float64(sumTokens) / elapsed.Seconds()
	}
	if stats.Total > 0 {
		stats.ErrorRate = float64(stats.Failures) / float64(stats.Total)
	}

	stats.MinLatencyMs = ms(stats.MinLatency)
	stats.MaxLatencyMs = ms(stats.MaxLatency)
	stats.MeanLatencyMs = ms(stats.MeanLatency)
	stats.P50LatencyMs = ms(stats.P50Latency)
	stats.P90LatencyMs = ms(stats.P90Latency)
	stats.P95LatencyMs = ms(stats.P95Latency)
	stats.P99LatencyMs = ms(stats.P99Latency)
	stats.MeanTimeToFirstMs = ms(stats.MeanTimeToFirst)
	stats.P99TimeToFirstMs = ms(stats.P99TimeToFirst)
	stats.MeanGapMs = ms(stats.MeanGap)
	stats.DurationMs = ms(elapsed)

	return stats
}

func recordClamped(h *hdrhistogram.Histogram, d time.Duration) {
	if d <= 0 {
		return
	}
	us := d.Microseconds()
	if us < h.LowestTrackableValue() {
		us = h.LowestTrackableValue()
	}
	if us > h.HighestTrackableValue() {
		us = h.HighestTrackableValue()
	}
	_ = h.RecordValue(us)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func errorTypeName(err error) string {
	name := fmt.Sprintf("%T", err)
	if len(name) > 40 {
		name = name[len(name)-40:]
	}
	return name
}
