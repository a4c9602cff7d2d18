package profiler

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/inferload/inferload/internal/records"
)

// measureLevel runs measurement windows at one level until a window
// is judged stable, the retry budget runs out, or a fatal condition
// appears. The accepted result is appended to p.results.
func (p *Profiler) measureLevel(ctx context.Context, level float64) (LevelResult, error) {
	var (
		prev    *records.WindowStats
		allRecs []records.RequestRecord
		windows int
		total   time.Duration
	)

	// Records sent before this window belong to the previous level's
	// ramp and are discarded by the boundary rule below; the drain
	// here just clears the pipe.
	p.opt.Collector.Drain()

	for attempt := 0; ; attempt++ {
		stats, recs, start, end, err := p.runWindow(ctx, level)
		if err != nil {
			return LevelResult{}, err
		}
		windows++
		total += end.Sub(start)
		allRecs = append(allRecs, recs...)

		if err := p.fatalCheck(stats); err != nil {
			return LevelResult{}, err
		}

		if stats.Total < int64(p.opt.MinRequests) {
			p.log.Debug("window under-filled, rerunning",
				zap.Float64("level", level),
				zap.Int64("requests", stats.Total),
				zap.Int("min", p.opt.MinRequests),
			)
		} else if prev != nil && p.withinTolerance(*prev, stats) {
			p.log.Info("window stable",
				zap.Float64("level", level),
				zap.Int("windows", windows),
				zap.Float64("rps", stats.RequestsPerSec),
				zap.Duration("p99", stats.P99Latency),
			)
			res := LevelResult{
				Level:   level,
				Stats:   stats,
				Windows: windows,
				Stable:  true,
				Records: allRecs,
			}
			p.finishResult(&res)
			return res, nil
		}
		prev = &stats

		if attempt >= p.opt.MaxWindowRetries {
			// Retry budget exhausted: average the repeated windows
			// instead of chasing the noise further.
			// The repeated windows are contiguous, so the merge is one
			// long window and needs no boundary filter.
			merged := records.ComputeStats(allRecs, level, time.Time{}, time.Time{}, total)
			p.log.Warn("stability not reached, accepting best-effort window",
				zap.Float64("level", level),
				zap.Int("windows", windows),
			)
			res := LevelResult{
				Level:   level,
				Stats:   merged,
				Windows: windows,
				Stable:  false,
				Records: allRecs,
			}
			p.finishResult(&res)
			return res, nil
		}
	}
}

// runWindow waits out one measurement window and computes statistics
// from the records whose send timestamp lies fully inside its bounds.
func (p *Profiler) runWindow(ctx context.Context, level float64) (records.WindowStats, []records.RequestRecord, time.Time, time.Time, error) {
	start := time.Now()
	timer := time.NewTimer(p.opt.WindowDuration)
	defer timer.Stop()

	// Poll for fatal conditions while the window elapses so an
	// unreachable server aborts promptly instead of after the window.
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			return records.WindowStats{}, nil, start, time.Now(), ctx.Err()
		case <-timer.C:
			waiting = false
		case <-p.opt.Manager.Finished():
			waiting = false
		case <-poll.C:
			if err := p.opt.Manager.FatalError(); err != nil {
				return records.WindowStats{}, nil, start, time.Now(), err
			}
		}
	}
	end := time.Now()

	recs := p.opt.Collector.Drain()
	stats := records.ComputeStats(recs, level, start, end, end.Sub(start))
	return stats, recs, start, end, nil
}

// withinTolerance reports whether two consecutive windows at the same
// level agree within the stability tolerance, judged on throughput
// and the constraint's latency aggregate (p99 when unconstrained).
func (p *Profiler) withinTolerance(prev, cur records.WindowStats) bool {
	if !relativeClose(prev.RequestsPerSec, cur.RequestsPerSec, p.opt.StabilityTolerance) {
		return false
	}
	q := 99.0
	if p.opt.Constraint != nil {
		q = p.opt.Constraint.Percentile()
	}
	return relativeClose(
		float64(prev.Percentile(q)),
		float64(cur.Percentile(q)),
		p.opt.StabilityTolerance,
	)
}

func relativeClose(a, b, tol float64) bool {
	if a == b {
		return true
	}
	base := math.Max(math.Abs(a), math.Abs(b))
	if base == 0 {
		return true
	}
	return math.Abs(a-b)/base <= tol
}

func (p *Profiler) finishResult(res *LevelResult) {
	res.Satisfied = true
	if p.opt.Constraint != nil {
		res.Satisfied = p.opt.Constraint.Satisfied(res.Stats)
	}
	p.results = append(p.results, *res)
	if p.opt.OnLevel != nil {
		p.opt.OnLevel(res)
	}
}
