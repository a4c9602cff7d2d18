package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "inferload",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Target flags
	flags.String("target", "", "Inference server base URL (http(s):// or ws(s):// or host:port for grpc)")
	flags.String("backend", string(BackendOpenAI), "Backend protocol: 'openai', 'grpc' or 'websocket'")
	flags.StringP("model", "m", "", "Model name to request")
	flags.String("api-key", "", "Bearer token for the target (or INFERLOAD_API_KEY)")
	flags.StringSlice("header", nil, "Additional request header in key=value form")
	flags.Duration("timeout", 120*time.Second, "Per-request timeout")

	// Profiling flags
	flags.String("mode", string(ModeSearch), "Profiling mode: 'search' or 'sweep'")
	flags.String("dimension", string(DimensionConcurrency), "Load dimension: 'concurrency' or 'rate'")
	flags.Float64("min-level", 1, "Lowest load level to try")
	flags.Float64("max-level", 0, "Highest load level to try (0 picks a default)")
	flags.Float64("step-level", 1, "Ascent step between levels")
	flags.Float64("precision", 1, "Stop the boundary search once the bracket is this narrow")
	flags.Int("max-trials", 30, "Upper bound on distinct levels tried")
	flags.Float64Slice("levels", nil, "Explicit levels for sweep mode (repeatable)")
	flags.String("constraint", "", "Latency target, e.g. 'p99<250ms' or 'avg<=1s'")
	flags.Float64("error-rate-ceiling", 0, "Abort when a window's error rate exceeds this fraction")

	// Measurement window flags
	flags.DurationP("window", "w", 10*time.Second, "Measurement window length")
	flags.Int("min-requests", 0, "Minimum completed requests for a window to count")
	flags.Float64("stability-tolerance", 0.05, "Max relative delta between consecutive windows")
	flags.Int("window-retries", 3, "Reruns of an unstable window before accepting best effort")
	flags.Duration("sweep-duration", 0, "Bound on a timeline sweep (0 waits for the schedule)")

	// Pacing flags
	flags.String("pacing", string(PacingUniform), "Open-loop arrival model: 'uniform' or 'poisson'")
	flags.Int("open-workers", 0, "Issuing goroutines in open-loop mode (0 picks a default)")
	flags.Int("max-in-flight", 0, "Cap on concurrent requests in open-loop mode (0 picks a default)")
	flags.Int("max-consecutive-failures", 0, "Worker halts after this many consecutive failures (0=never)")
	flags.Duration("grace-period", 5*time.Second, "Max wait for in-flight requests during shutdown")
	flags.String("schedule-file", "", "YAML file of timeline steps (level, to_level, duration)")

	// Slot and sequence flags
	flags.String("slot-policy", string(SlotPolicyFIFO), "Slot reuse policy: 'fifo', 'sliding' or 'random'")
	flags.Int("slot-window", 0, "Sliding window size for the 'sliding' policy")
	flags.Bool("sequences", false, "Attach correlation ids so requests form stateful sequences")
	flags.Int("sequence-max-live", 0, "Cap on concurrently live sequences (0=pool size)")
	flags.String("sequence-length-dist", "constant", "Sequence length distribution: 'constant', 'uniform' or 'normal'")
	flags.Float64("sequence-length-mean", 1, "Mean requests per sequence")
	flags.Float64("sequence-length-stddev", 0, "Stddev of requests per sequence")
	flags.Bool("sequence-block", false, "Block for a free correlation id instead of failing")

	// Dataset flags
	flags.String("dataset", "", "JSONL prompt file to replay; empty synthesizes prompts")
	flags.Bool("dataset-rewind", false, "Restart the replay file when exhausted")
	flags.Float64("prompt-mean-words", 64, "Mean words per synthetic prompt")
	flags.Float64("prompt-stddev-words", 0, "Stddev of words per synthetic prompt")
	flags.Int("max-tokens", 128, "max_tokens requested per completion")
	flags.Int64("seed", 0, "Seed for synthetic data and random policies (0=time-based)")

	// gRPC flags
	flags.String("grpc-proto-file", "", "Path to .proto file describing the inference service")
	flags.String("grpc-service", "", "gRPC service name (e.g., inference.GPTService)")
	flags.String("grpc-method", "", "gRPC method name (e.g., Generate)")
	flags.String("grpc-template", "", "JSON request template with {{prompt}} and {{max_tokens}}")
	flags.StringToString("grpc-metadata", nil, "gRPC metadata key=value pairs")
	flags.Bool("grpc-tls", false, "Use TLS for gRPC connection")
	flags.Bool("grpc-insecure", false, "Skip TLS verification for gRPC")

	// Telemetry flags
	flags.String("telemetry-endpoint", "", "Prometheus metrics URL on the server to scrape during the run")
	flags.Duration("telemetry-interval", time.Second, "Telemetry scrape interval")
	flags.StringSlice("telemetry-metric", nil, "Restrict scraping to the named metric families (repeatable)")

	// Output flags
	flags.String("artifact", "", "Write the run artifact JSON to this path")
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.BoolP("verbose", "v", false, "Log each window as it completes")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Tracing flags
	flags.Bool("trace", false, "Export OTLP spans for dispatched requests")
	flags.String("trace-endpoint", "", "OTLP collector endpoint")
	flags.String("trace-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Bool("trace-insecure", false, "Skip TLS for the OTLP exporter")
	flags.Float64("trace-sample-rate", 1, "Trace sampling ratio in [0, 1]")
	flags.Bool("trace-propagate", false, "Inject W3C trace context into outgoing requests")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config,
// overriding values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("target") {
		val, err := fs.GetString("target")
		if err != nil {
			return err
		}
		cfg.Target = strings.TrimSpace(val)
	}
	if fs.Changed("backend") {
		val, err := fs.GetString("backend")
		if err != nil {
			return err
		}
		cfg.Backend = Backend(strings.ToLower(val))
	}
	if fs.Changed("model") {
		val, err := fs.GetString("model")
		if err != nil {
			return err
		}
		cfg.Model = val
	}
	if fs.Changed("api-key") {
		val, err := fs.GetString("api-key")
		if err != nil {
			return err
		}
		cfg.APIKey = val
	}
	if fs.Changed("header") {
		vals, err := fs.GetStringSlice("header")
		if err != nil {
			return err
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, header := range vals {
			key, value, found := strings.Cut(header, "=")
			if !found {
				return fmt.Errorf("invalid header %q, expected key=value", header)
			}
			cfg.Headers[http.CanonicalHeaderKey(strings.TrimSpace(key))] = strings.TrimSpace(value)
		}
	}
	if fs.Changed("timeout") {
		val, err := fs.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = val
	}

	if fs.Changed("mode") {
		val, err := fs.GetString("mode")
		if err != nil {
			return err
		}
		cfg.Mode = Mode(strings.ToLower(val))
	}
	if fs.Changed("dimension") {
		val, err := fs.GetString("dimension")
		if err != nil {
			return err
		}
		cfg.Dimension = Dimension(strings.ToLower(val))
	}
	if err := overrideFloat(fs, "min-level", &cfg.MinLevel); err != nil {
		return err
	}
	if err := overrideFloat(fs, "max-level", &cfg.MaxLevel); err != nil {
		return err
	}
	if err := overrideFloat(fs, "step-level", &cfg.StepLevel); err != nil {
		return err
	}
	if err := overrideFloat(fs, "precision", &cfg.Precision); err != nil {
		return err
	}
	if err := overrideInt(fs, "max-trials", &cfg.MaxTrials); err != nil {
		return err
	}
	if fs.Changed("levels") {
		vals, err := fs.GetFloat64Slice("levels")
		if err != nil {
			return err
		}
		cfg.Levels = vals
	}
	if fs.Changed("constraint") {
		val, err := fs.GetString("constraint")
		if err != nil {
			return err
		}
		cfg.Constraint = val
	}
	if err := overrideFloat(fs, "error-rate-ceiling", &cfg.ErrorRateCeiling); err != nil {
		return err
	}

	if err := overrideDuration(fs, "window", &cfg.WindowDuration); err != nil {
		return err
	}
	if err := overrideInt(fs, "min-requests", &cfg.MinRequests); err != nil {
		return err
	}
	if err := overrideFloat(fs, "stability-tolerance", &cfg.StabilityTolerance); err != nil {
		return err
	}
	if err := overrideInt(fs, "window-retries", &cfg.MaxWindowRetries); err != nil {
		return err
	}
	if err := overrideDuration(fs, "sweep-duration", &cfg.SweepDuration); err != nil {
		return err
	}

	if fs.Changed("pacing") {
		val, err := fs.GetString("pacing")
		if err != nil {
			return err
		}
		cfg.Pacing = PacingModel(strings.ToLower(val))
	}
	if err := overrideInt(fs, "open-workers", &cfg.OpenWorkers); err != nil {
		return err
	}
	if err := overrideInt(fs, "max-in-flight", &cfg.MaxInFlight); err != nil {
		return err
	}
	if err := overrideInt(fs, "max-consecutive-failures", &cfg.MaxConsecutiveFailures); err != nil {
		return err
	}
	if err := overrideDuration(fs, "grace-period", &cfg.GracePeriod); err != nil {
		return err
	}
	if fs.Changed("schedule-file") {
		val, err := fs.GetString("schedule-file")
		if err != nil {
			return err
		}
		cfg.ScheduleFile = val
	}

	if fs.Changed("slot-policy") {
		val, err := fs.GetString("slot-policy")
		if err != nil {
			return err
		}
		cfg.Slots.Policy = SlotPolicy(strings.ToLower(val))
	}
	if err := overrideInt(fs, "slot-window", &cfg.Slots.Window); err != nil {
		return err
	}
	if fs.Changed("sequences") {
		val, err := fs.GetBool("sequences")
		if err != nil {
			return err
		}
		cfg.Sequence.Enabled = val
	}
	if err := overrideInt(fs, "sequence-max-live", &cfg.Sequence.MaxLive); err != nil {
		return err
	}
	if fs.Changed("sequence-length-dist") {
		val, err := fs.GetString("sequence-length-dist")
		if err != nil {
			return err
		}
		cfg.Sequence.LengthDist = strings.ToLower(val)
	}
	if err := overrideFloat(fs, "sequence-length-mean", &cfg.Sequence.LengthMean); err != nil {
		return err
	}
	if err := overrideFloat(fs, "sequence-length-stddev", &cfg.Sequence.LengthStdDev); err != nil {
		return err
	}
	if fs.Changed("sequence-block") {
		val, err := fs.GetBool("sequence-block")
		if err != nil {
			return err
		}
		cfg.Sequence.Block = val
	}

	if fs.Changed("dataset") {
		val, err := fs.GetString("dataset")
		if err != nil {
			return err
		}
		cfg.Dataset.Path = strings.TrimSpace(val)
	}
	if fs.Changed("dataset-rewind") {
		val, err := fs.GetBool("dataset-rewind")
		if err != nil {
			return err
		}
		cfg.Dataset.Rewind = val
	}
	if err := overrideFloat(fs, "prompt-mean-words", &cfg.Dataset.MeanWords); err != nil {
		return err
	}
	if err := overrideFloat(fs, "prompt-stddev-words", &cfg.Dataset.StdDevWords); err != nil {
		return err
	}
	if err := overrideInt(fs, "max-tokens", &cfg.Dataset.MaxTokens); err != nil {
		return err
	}
	if fs.Changed("seed") {
		val, err := fs.GetInt64("seed")
		if err != nil {
			return err
		}
		cfg.Dataset.Seed = val
		cfg.Slots.Seed = val
		cfg.Sequence.Seed = val
	}

	if fs.Changed("grpc-proto-file") {
		val, err := fs.GetString("grpc-proto-file")
		if err != nil {
			return err
		}
		cfg.GRPC.ProtoFile = val
	}
	if fs.Changed("grpc-service") {
		val, err := fs.GetString("grpc-service")
		if err != nil {
			return err
		}
		cfg.GRPC.Service = val
	}
	if fs.Changed("grpc-method") {
		val, err := fs.GetString("grpc-method")
		if err != nil {
			return err
		}
		cfg.GRPC.Method = val
	}
	if fs.Changed("grpc-template") {
		val, err := fs.GetString("grpc-template")
		if err != nil {
			return err
		}
		cfg.GRPC.Template = val
	}
	if fs.Changed("grpc-metadata") {
		vals, err := fs.GetStringToString("grpc-metadata")
		if err != nil {
			return err
		}
		cfg.GRPC.Metadata = vals
	}
	if fs.Changed("grpc-tls") {
		val, err := fs.GetBool("grpc-tls")
		if err != nil {
			return err
		}
		cfg.GRPC.TLS = val
	}
	if fs.Changed("grpc-insecure") {
		val, err := fs.GetBool("grpc-insecure")
		if err != nil {
			return err
		}
		cfg.GRPC.Insecure = val
	}

	if fs.Changed("telemetry-endpoint") {
		val, err := fs.GetString("telemetry-endpoint")
		if err != nil {
			return err
		}
		cfg.Telemetry.Endpoint = val
	}
	if err := overrideDuration(fs, "telemetry-interval", &cfg.Telemetry.Interval); err != nil {
		return err
	}
	if fs.Changed("telemetry-metric") {
		vals, err := fs.GetStringSlice("telemetry-metric")
		if err != nil {
			return err
		}
		cfg.Telemetry.Metrics = vals
	}

	if fs.Changed("artifact") {
		val, err := fs.GetString("artifact")
		if err != nil {
			return err
		}
		cfg.ArtifactPath = val
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("verbose") {
		val, err := fs.GetBool("verbose")
		if err != nil {
			return err
		}
		cfg.Verbose = val
	}

	if fs.Changed("trace") {
		val, err := fs.GetBool("trace")
		if err != nil {
			return err
		}
		cfg.Tracing.Enabled = val
	}
	if fs.Changed("trace-endpoint") {
		val, err := fs.GetString("trace-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = val
	}
	if fs.Changed("trace-protocol") {
		val, err := fs.GetString("trace-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = val
	}
	if fs.Changed("trace-insecure") {
		val, err := fs.GetBool("trace-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if err := overrideFloat(fs, "trace-sample-rate", &cfg.Tracing.SampleRate); err != nil {
		return err
	}
	if fs.Changed("trace-propagate") {
		val, err := fs.GetBool("trace-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = val
	}

	return nil
}

func overrideInt(fs *pflag.FlagSet, name string, dst *int) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetInt(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func overrideFloat(fs *pflag.FlagSet, name string, dst *float64) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetFloat64(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func overrideDuration(fs *pflag.FlagSet, name string, dst *time.Duration) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetDuration(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}
