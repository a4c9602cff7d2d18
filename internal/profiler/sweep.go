package profiler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inferload/inferload/internal/records"
)

// sweep runs the fixed-sweep policy: every configured level for one
// stability-gated window, or a single window spanning a replayed
// timeline / periodic-step run.
func (p *Profiler) sweep(ctx context.Context) error {
	if len(p.opt.Levels) == 0 {
		return p.sweepRun(ctx)
	}

	for _, level := range p.opt.Levels {
		if err := p.changeLevel(ctx, level); err != nil {
			return err
		}
		p.log.Info("sweeping level", zap.Float64("level", level))
		if _, err := p.measureLevel(ctx, level); err != nil {
			return err
		}
	}
	return nil
}

// sweepRun collects one window over an entire timeline or step run.
// The window closes when the manager finishes (timeline exhausted) or
// the sweep duration elapses, whichever comes first.
func (p *Profiler) sweepRun(ctx context.Context) error {
	p.opt.Collector.Drain()
	start := time.Now()

	var bound <-chan time.Time
	if p.opt.SweepDuration > 0 {
		timer := time.NewTimer(p.opt.SweepDuration)
		defer timer.Stop()
		bound = timer.C
	}

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.opt.Manager.Finished():
			waiting = false
		case <-bound:
			waiting = false
		case <-poll.C:
			if err := p.opt.Manager.FatalError(); err != nil {
				return err
			}
		}
	}
	end := time.Now()

	recs := p.opt.Collector.Drain()
	level := p.opt.Manager.Level().Value()
	stats := records.ComputeStats(recs, level, start, end, end.Sub(start))
	if err := p.fatalCheck(stats); err != nil {
		return err
	}

	res := LevelResult{
		Level:   level,
		Stats:   stats,
		Windows: 1,
		Stable:  true,
		Records: recs,
	}
	p.finishResult(&res)
	return nil
}
