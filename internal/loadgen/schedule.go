package loadgen

import (
	"math"
	"time"
)

// Step is one wall-clock segment of a periodic-step schedule.
type Step struct {
	Level    float64
	ToLevel  float64 // optional ramp target; zero holds Level flat
	Duration time.Duration
}

// Schedule is a compiled plan of load levels over elapsed time, used
// by the periodic-step manager independently of the search algorithm.
type Schedule struct {
	segments []scheduleSegment
	duration time.Duration
	maxLevel float64
}

type scheduleSegment struct {
	start     time.Duration
	duration  time.Duration
	fromLevel float64
	toLevel   float64
}

// CompileSchedule flattens steps into addressable segments. Steps with
// non-positive durations are skipped. Returns nil when nothing remains.
func CompileSchedule(steps []Step) *Schedule {
	if len(steps) == 0 {
		return nil
	}
	plan := &Schedule{}
	var offset time.Duration
	for _, step := range steps {
		if step.Duration <= 0 {
			continue
		}
		to := step.ToLevel
		if to <= 0 {
			to = step.Level
		}
		seg := scheduleSegment{
			start:     offset,
			duration:  step.Duration,
			fromLevel: step.Level,
			toLevel:   to,
		}
		plan.segments = append(plan.segments, seg)
		plan.maxLevel = math.Max(plan.maxLevel, math.Max(seg.fromLevel, seg.toLevel))
		offset += step.Duration
	}
	if len(plan.segments) == 0 {
		return nil
	}
	plan.duration = offset
	return plan
}

// LevelAt returns the scheduled level at the given elapsed time, with
// linear interpolation inside ramp segments. The second return is
// false once the schedule has run out.
func (p *Schedule) LevelAt(elapsed time.Duration) (float64, bool) {
	if p == nil || len(p.segments) == 0 {
		return 0, false
	}
	if elapsed < 0 {
		elapsed = 0
	}
	for _, seg := range p.segments {
		if elapsed < seg.start {
			continue
		}
		end := seg.start + seg.duration
		if elapsed >= end {
			continue
		}
		if seg.fromLevel == seg.toLevel {
			return seg.fromLevel, true
		}
		progress := float64(elapsed-seg.start) / float64(seg.duration)
		if progress < 0 {
			progress = 0
		} else if progress > 1 {
			progress = 1
		}
		return seg.fromLevel + (seg.toLevel-seg.fromLevel)*progress, true
	}
	return 0, false
}

// MaxLevel returns the highest level the schedule reaches.
func (p *Schedule) MaxLevel() float64 {
	if p == nil {
		return 0
	}
	return p.maxLevel
}

// TotalDuration returns the wall-clock length of the schedule.
func (p *Schedule) TotalDuration() time.Duration {
	if p == nil {
		return 0
	}
	return p.duration
}
