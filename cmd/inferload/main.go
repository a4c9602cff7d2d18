package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/inferload/inferload/internal/client"
	"github.com/inferload/inferload/internal/config"
	"github.com/inferload/inferload/internal/constraint"
	"github.com/inferload/inferload/internal/dataset"
	"github.com/inferload/inferload/internal/export"
	"github.com/inferload/inferload/internal/loadgen"
	"github.com/inferload/inferload/internal/profiler"
	"github.com/inferload/inferload/internal/records"
	"github.com/inferload/inferload/internal/sequence"
	"github.com/inferload/inferload/internal/slots"
	"github.com/inferload/inferload/internal/telemetry"
	"github.com/inferload/inferload/internal/tracing"
)

const version = "0.3.0"

const (
	defaultMaxConcurrency = 256
	defaultMaxRate        = 1024
	errorPollInterval     = time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var target *constraint.Constraint
	if cfg.Constraint != "" {
		parsed, err := constraint.Parse(cfg.Constraint)
		if err != nil {
			return err
		}
		target = &parsed
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
		Propagate:   cfg.Tracing.Propagate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracer.Shutdown(shutdownCtx)
	}()

	backend, err := buildClient(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	source, err := buildSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	seqs, err := buildSequences(cfg)
	if err != nil {
		return err
	}

	collector := records.NewCollector()

	manager, initial, err := buildManager(cfg, backend, source, seqs, collector, tracer, logger)
	if err != nil {
		return err
	}

	prof, err := buildProfiler(cfg, target, manager, collector, logger)
	if err != nil {
		return err
	}

	var scraper *telemetry.Collector
	if cfg.Telemetry.Endpoint != "" {
		scraper, err = telemetry.NewCollector(telemetry.Options{
			Endpoint: cfg.Telemetry.Endpoint,
			Interval: cfg.Telemetry.Interval,
			Metrics:  cfg.Telemetry.Metrics,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := scraper.Start(ctx); err != nil {
			return err
		}
		defer scraper.Stop()
	}

	runID := export.NewRunID()
	logger.Info("starting run",
		zap.String("run_id", runID),
		zap.String("target", cfg.Target),
		zap.String("backend", string(cfg.Backend)),
		zap.String("mode", string(cfg.Mode)),
		zap.String("initial", initial.String()),
	)

	started := time.Now()
	if err := manager.Start(ctx); err != nil {
		return err
	}

	var outcome *profiler.Outcome
	g, runCtx := errgroup.WithContext(ctx)
	profileDone := make(chan struct{})
	g.Go(func() error {
		defer close(profileDone)
		outcome = prof.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		drainWorkerErrors(runCtx, profileDone, manager, logger)
		return nil
	})
	g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.GracePeriod+10*time.Second)
	defer stopCancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Warn("manager stop incomplete", zap.Error(err))
	}
	if scraper != nil {
		scraper.Stop()
	}
	finished := time.Now()

	var series []telemetry.Series
	if scraper != nil {
		series = scraper.Snapshot()
		if n := scraper.ScrapeErrors(); n > 0 {
			logger.Warn("telemetry scrapes failed during the run", zap.Int("count", n))
		}
	}

	art := export.BuildArtifact(runID, version, outcome, series, started, finished)
	if cfg.JSONOutput {
		if err := export.PrintJSON(os.Stdout, art); err != nil {
			return err
		}
	} else {
		export.PrintReport(os.Stdout, art)
	}
	if cfg.ArtifactPath != "" {
		if err := export.WriteArtifact(cfg.ArtifactPath, art); err != nil {
			return err
		}
		logger.Info("artifact written", zap.String("path", cfg.ArtifactPath))
	}

	if outcome.FatalError != nil {
		return outcome.FatalError
	}
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.Verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	if cfg.JSONOutput {
		// Keep stdout parseable; logs already go to stderr, but drop
		// the decorated console encoding too.
		zcfg.Encoding = "json"
	}
	return zcfg.Build()
}

func buildClient(cfg *config.Config) (client.Client, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return client.NewOpenAI(client.OpenAIOptions{
			BaseURL: cfg.Target,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout,
		})
	case config.BackendGRPC:
		return client.NewGRPCInfer(client.GRPCOptions{
			Target:    cfg.Target,
			ProtoFile: cfg.GRPC.ProtoFile,
			Service:   cfg.GRPC.Service,
			Method:    cfg.GRPC.Method,
			Template:  cfg.GRPC.Template,
			Metadata:  cfg.GRPC.Metadata,
			Timeout:   cfg.Timeout,
			UseTLS:    cfg.GRPC.TLS,
			Insecure:  cfg.GRPC.Insecure,
		})
	case config.BackendWebSocket:
		headers := http.Header{}
		for k, v := range cfg.Headers {
			headers.Set(k, v)
		}
		return client.NewWSInfer(client.WSOptions{
			URL:              cfg.Target,
			Model:            cfg.Model,
			Headers:          headers,
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			Timeout:          cfg.Timeout,
			MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func buildSource(cfg *config.Config) (dataset.Source, error) {
	if cfg.Dataset.Path != "" {
		return dataset.NewReplay(cfg.Dataset.Path, cfg.Dataset.Rewind)
	}
	return dataset.NewSynthetic(dataset.SyntheticOptions{
		MeanWords:   int(cfg.Dataset.MeanWords),
		StdDevWords: cfg.Dataset.StdDevWords,
		MaxTokens:   cfg.Dataset.MaxTokens,
		Seed:        cfg.Dataset.Seed,
	}), nil
}

func buildSequences(cfg *config.Config) (*sequence.Manager, error) {
	if !cfg.Sequence.Enabled {
		return nil, nil
	}
	maxLive := cfg.Sequence.MaxLive
	if maxLive <= 0 {
		maxLive = poolCeiling(cfg)
	}
	dist := sequence.Distribution{Mean: cfg.Sequence.LengthMean}
	switch cfg.Sequence.LengthDist {
	case "uniform":
		dist.Kind = sequence.DistUniform
		dist.Min = 1
		dist.Max = int(math.Round(2*cfg.Sequence.LengthMean)) - 1
	case "normal":
		dist.Kind = sequence.DistNormal
		dist.StdDev = cfg.Sequence.LengthStdDev
	default:
		dist.Kind = sequence.DistConstant
	}
	return sequence.NewManager(sequence.Options{
		MaxLive: maxLive,
		Block:   cfg.Sequence.Block,
		Length:  dist,
		Seed:    cfg.Sequence.Seed,
	})
}

// poolCeiling estimates the largest slot pool the run can reach, used
// to size the correlation-id table.
func poolCeiling(cfg *config.Config) int {
	if cfg.Dimension == config.DimensionRate || len(cfg.Schedule) > 0 {
		if cfg.MaxInFlight > 0 {
			return cfg.MaxInFlight
		}
		return defaultMaxConcurrency
	}
	max := cfg.MaxLevel
	if max <= 0 {
		max = defaultMaxConcurrency
	}
	if len(cfg.Levels) > 0 {
		for _, l := range cfg.Levels {
			if l > max {
				max = l
			}
		}
	}
	return int(math.Ceil(max))
}

func buildManager(
	cfg *config.Config,
	backend client.Client,
	source dataset.Source,
	seqs *sequence.Manager,
	collector *records.Collector,
	provider *tracing.Provider,
	logger *zap.Logger,
) (loadgen.Manager, loadgen.Level, error) {
	kind := loadgen.KindConcurrency
	if cfg.Dimension == config.DimensionRate {
		kind = loadgen.KindRate
	}

	var schedule *loadgen.Schedule
	if len(cfg.Schedule) > 0 {
		kind = loadgen.KindStep
		steps := make([]loadgen.Step, 0, len(cfg.Schedule))
		for _, s := range cfg.Schedule {
			steps = append(steps, loadgen.Step{
				Level:    s.Level,
				ToLevel:  s.ToLevel,
				Duration: s.Duration,
			})
		}
		schedule = loadgen.CompileSchedule(steps)
	}

	initial := initialLevel(cfg, schedule)

	opt := loadgen.Options{
		Kind:                   kind,
		Initial:                initial,
		Pacing:                 loadgen.PacingModel(cfg.Pacing),
		MaxInFlight:            cfg.MaxInFlight,
		OpenWorkers:            cfg.OpenWorkers,
		Schedule:               schedule,
		TrackerPolicy:          slots.Policy(cfg.Slots.Policy),
		TrackerWindow:          cfg.Slots.Window,
		Seed:                   cfg.Slots.Seed,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		GracePeriod:            cfg.GracePeriod,
		Client:                 backend,
		Source:                 source,
		Sequences:              seqs,
		Collector:              collector,
		Logger:                 logger,
	}
	if provider.Enabled() {
		opt.Tracer = provider.Tracer()
	}

	m, err := loadgen.NewManager(opt)
	if err != nil {
		return nil, loadgen.Level{}, err
	}
	return m, initial, nil
}

func initialLevel(cfg *config.Config, schedule *loadgen.Schedule) loadgen.Level {
	first := cfg.MinLevel
	if cfg.Mode == config.ModeSweep && len(cfg.Levels) > 0 {
		first = cfg.Levels[0]
	}
	if schedule != nil {
		if v, ok := schedule.LevelAt(0); ok {
			first = v
		}
	}
	if first <= 0 {
		first = 1
	}
	if cfg.Dimension == config.DimensionRate {
		return loadgen.Level{Rate: first}
	}
	return loadgen.Level{Concurrency: int(math.Round(first))}
}

func buildProfiler(
	cfg *config.Config,
	target *constraint.Constraint,
	manager loadgen.Manager,
	collector *records.Collector,
	logger *zap.Logger,
) (*profiler.Profiler, error) {
	maxLevel := cfg.MaxLevel
	if maxLevel <= 0 {
		if cfg.Dimension == config.DimensionRate {
			maxLevel = defaultMaxRate
		} else {
			maxLevel = defaultMaxConcurrency
		}
	}
	rateDim := cfg.Dimension == config.DimensionRate
	return profiler.New(profiler.Options{
		Mode:               profiler.Mode(cfg.Mode),
		RateDimension:      rateDim,
		MinLevel:           cfg.MinLevel,
		MaxLevel:           maxLevel,
		StepLevel:          cfg.StepLevel,
		Precision:          cfg.Precision,
		MaxTrials:          cfg.MaxTrials,
		Levels:             cfg.Levels,
		SweepDuration:      cfg.SweepDuration,
		WindowDuration:     cfg.WindowDuration,
		MinRequests:        cfg.MinRequests,
		StabilityTolerance: cfg.StabilityTolerance,
		MaxWindowRetries:   cfg.MaxWindowRetries,
		Constraint:         target,
		ErrorRateCeiling:   cfg.ErrorRateCeiling,
		Manager:            manager,
		Collector:          collector,
		Logger:             logger,
		OnLevel: func(lr *profiler.LevelResult) {
			logger.Info("level measured", zap.String("result", export.Describe(lr, rateDim)))
		},
	})
}

// drainWorkerErrors keeps the manager's transient-error channel from
// filling and surfaces failures at debug level while the run goes on.
func drainWorkerErrors(ctx context.Context, done <-chan struct{}, manager loadgen.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(errorPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			for _, err := range manager.PollErrors() {
				logger.Debug("request failed", zap.Error(err))
			}
		}
	}
}
