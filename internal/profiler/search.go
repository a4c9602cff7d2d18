package profiler

import (
	"context"
	"math"

	"go.uber.org/zap"
)

// search runs the boundary-search policy: a linear ascent from the
// minimum level while the latency constraint holds, then bisection
// between the last satisfying and first violating level. Without a
// constraint it degrades to a stability-gated walk of the full range.
//
// The search assumes a monotonic latency-vs-level relationship;
// residual noise is absorbed by the window averaging in measureLevel,
// not by revisiting levels.
func (p *Profiler) search(ctx context.Context) error {
	trials := 0
	tryLevel := func(level float64) (LevelResult, error) {
		trials++
		if err := p.changeLevel(ctx, level); err != nil {
			return LevelResult{}, err
		}
		p.log.Info("measuring level",
			zap.Float64("level", level),
			zap.Int("trial", trials),
		)
		return p.measureLevel(ctx, level)
	}

	// Linear ascent.
	var lastGood, firstBad float64
	violated := false
	for level := p.opt.MinLevel; level <= p.opt.MaxLevel && trials < p.opt.MaxTrials; level += p.opt.StepLevel {
		res, err := tryLevel(level)
		if err != nil {
			return err
		}
		if !res.Satisfied {
			violated = true
			firstBad = level
			break
		}
		lastGood = level
	}

	if p.opt.Constraint == nil || !violated {
		// Whole range satisfied (or no constraint): nothing to bisect.
		return nil
	}
	if lastGood == 0 {
		p.log.Warn("constraint violated at the minimum level",
			zap.Float64("level", firstBad),
			zap.String("constraint", p.opt.Constraint.String()),
		)
		return nil
	}

	// Bisection toward the boundary.
	for firstBad-lastGood > p.opt.Precision && trials < p.opt.MaxTrials {
		mid := p.roundLevel(lastGood + (firstBad-lastGood)/2)
		if mid <= lastGood || mid >= firstBad {
			break
		}
		res, err := tryLevel(mid)
		if err != nil {
			return err
		}
		if res.Satisfied {
			lastGood = mid
		} else {
			firstBad = mid
		}
	}

	p.log.Info("boundary search converged",
		zap.Float64("last_satisfying", lastGood),
		zap.Float64("first_violating", firstBad),
		zap.Int("trials", trials),
	)
	return nil
}

// roundLevel snaps concurrency searches to whole users; rate searches
// stay continuous.
func (p *Profiler) roundLevel(v float64) float64 {
	if p.opt.RateDimension {
		return v
	}
	return math.Round(v)
}
