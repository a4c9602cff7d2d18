package profiler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/inferload/inferload/internal/constraint"
	"github.com/inferload/inferload/internal/loadgen"
	"github.com/inferload/inferload/internal/records"
)

// Mode selects the profiling policy.
type Mode string

const (
	// ModeSearch walks load levels adaptively: linear ascent while a
	// latency constraint holds, then bisection to the boundary.
	ModeSearch Mode = "search"
	// ModeSweep runs each configured level once, collecting
	// statistics without searching.
	ModeSweep Mode = "sweep"
)

// LevelResult is the outcome of one load level: its accepted window
// statistics plus the raw records behind them.
type LevelResult struct {
	Level     float64                 `json:"level"`
	Stats     records.WindowStats     `json:"stats"`
	Windows   int                     `json:"windows"` // measurement windows consumed, including discarded
	Stable    bool                    `json:"stable"`
	Satisfied bool                    `json:"satisfied"` // latency constraint held (true when none configured)
	Records   []records.RequestRecord `json:"-"`
}

// Options configure a profiling run.
type Options struct {
	Mode Mode

	// RateDimension searches/sweeps over request rate instead of
	// concurrency. It must match the manager kind.
	RateDimension bool

	// Search space for ModeSearch: [MinLevel, MaxLevel] stepped by
	// StepLevel during the ascent.
	MinLevel  float64
	MaxLevel  float64
	StepLevel float64
	// Precision bounds the bisection: the search stops once the
	// bracket width is at or below it.
	Precision float64
	// MaxTrials bounds the total number of levels tried.
	MaxTrials int

	// Levels is the explicit list for ModeSweep. Empty with a
	// timeline or step manager means one window spanning the run.
	Levels []float64
	// SweepDuration bounds a timeline/step sweep window; zero waits
	// for the manager to finish.
	SweepDuration time.Duration

	WindowDuration time.Duration
	MinRequests    int
	// StabilityTolerance is the maximum relative delta between two
	// consecutive windows at the same level for the second to count
	// as stable.
	StabilityTolerance float64
	// MaxWindowRetries bounds reruns of an unstable window before the
	// best-effort average is accepted.
	MaxWindowRetries int

	Constraint       *constraint.Constraint
	ErrorRateCeiling float64

	Manager   loadgen.Manager
	Collector *records.Collector
	Logger    *zap.Logger

	// OnLevel, when set, observes each accepted level result while the
	// run is still going.
	OnLevel func(*LevelResult)
}

func (o *Options) normalize() error {
	if o.Manager == nil || o.Collector == nil {
		return errors.New("profiler: manager and collector are required")
	}
	if o.Mode == "" {
		o.Mode = ModeSearch
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.WindowDuration <= 0 {
		o.WindowDuration = 10 * time.Second
	}
	if o.StabilityTolerance <= 0 {
		o.StabilityTolerance = 0.05
	}
	if o.MaxWindowRetries <= 0 {
		o.MaxWindowRetries = 3
	}
	if o.MaxTrials <= 0 {
		o.MaxTrials = 30
	}
	if o.Mode == ModeSearch {
		if o.MinLevel <= 0 {
			o.MinLevel = 1
		}
		if o.MaxLevel < o.MinLevel {
			return fmt.Errorf("profiler: max level %g below min level %g", o.MaxLevel, o.MinLevel)
		}
		if o.StepLevel <= 0 {
			o.StepLevel = 1
		}
		if o.Precision <= 0 {
			o.Precision = 1
		}
	}
	if o.ErrorRateCeiling <= 0 {
		o.ErrorRateCeiling = 1
	}
	return nil
}

// Profiler runs measurement windows against a load manager, judges
// their stability and converges on target load levels.
type Profiler struct {
	opt     Options
	log     *zap.Logger
	results []LevelResult
}

func New(opt Options) (*Profiler, error) {
	if err := opt.normalize(); err != nil {
		return nil, err
	}
	return &Profiler{opt: opt, log: opt.Logger}, nil
}

// Profile executes the configured policy and returns per-level
// results in execution order. On a fatal condition the results
// gathered so far accompany the error, and the diagnostic names the
// last successfully completed window.
func (p *Profiler) Profile(ctx context.Context) ([]LevelResult, error) {
	var err error
	switch p.opt.Mode {
	case ModeSweep:
		err = p.sweep(ctx)
	default:
		err = p.search(ctx)
	}
	if err != nil {
		return p.results, p.describeFatal(err)
	}
	return p.results, nil
}

// Outcome bundles the results of a finished run.
type Outcome struct {
	Mode          Mode
	RateDimension bool
	Constraint    *constraint.Constraint
	Levels        []*LevelResult
	// Boundary is the highest stable level that satisfied the
	// constraint, nil when no level qualified.
	Boundary   *LevelResult
	FatalError error
}

// Run profiles and assembles the outcome, including the boundary
// determination.
func (p *Profiler) Run(ctx context.Context) *Outcome {
	results, err := p.Profile(ctx)
	out := &Outcome{
		Mode:          p.opt.Mode,
		RateDimension: p.opt.RateDimension,
		Constraint:    p.opt.Constraint,
		FatalError:    err,
	}
	for i := range results {
		out.Levels = append(out.Levels, &results[i])
	}
	for _, lr := range out.Levels {
		if !lr.Satisfied || !lr.Stable {
			continue
		}
		if out.Boundary == nil || lr.Level > out.Boundary.Level {
			out.Boundary = lr
		}
	}
	return out
}

// levelOf maps a numeric level onto the manager's driving dimension.
func (p *Profiler) levelOf(value float64) loadgen.Level {
	if p.opt.RateDimension {
		return loadgen.Level{Rate: value}
	}
	return loadgen.Level{Concurrency: int(math.Round(value))}
}

func (p *Profiler) changeLevel(ctx context.Context, value float64) error {
	return p.opt.Manager.ChangeLoad(ctx, p.levelOf(value))
}

// describeFatal wraps a fatal error with the last complete window, so
// operators know how far the run got.
func (p *Profiler) describeFatal(err error) error {
	if errors.Is(err, context.Canceled) && len(p.results) > 0 {
		// An interrupted run still yields its completed levels.
		return nil
	}
	if len(p.results) == 0 {
		return fmt.Errorf("profiling aborted before any complete window: %w", err)
	}
	last := p.results[len(p.results)-1]
	return fmt.Errorf("profiling aborted after level %g (%d requests, p99 %s): %w",
		last.Level, last.Stats.Total, last.Stats.P99Latency, err)
}

// fatalCheck surfaces conditions that must abort the whole run.
func (p *Profiler) fatalCheck(stats records.WindowStats) error {
	if err := p.opt.Manager.FatalError(); err != nil {
		return err
	}
	if stats.Total > 0 && stats.ErrorRate > p.opt.ErrorRateCeiling {
		return fmt.Errorf("error rate %.2f%% exceeded ceiling %.2f%%",
			stats.ErrorRate*100, p.opt.ErrorRateCeiling*100)
	}
	return nil
}
