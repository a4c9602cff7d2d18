package config

import (
	"fmt"
	"strings"
	"time"
)

type Backend string

const (
	BackendOpenAI    Backend = "openai"
	BackendGRPC      Backend = "grpc"
	BackendWebSocket Backend = "websocket"
)

type Mode string

const (
	ModeSearch Mode = "search"
	ModeSweep  Mode = "sweep"
)

type Dimension string

const (
	DimensionConcurrency Dimension = "concurrency"
	DimensionRate        Dimension = "rate"
)

type PacingModel string

const (
	PacingUniform PacingModel = "uniform"
	PacingPoisson PacingModel = "poisson"
)

type SlotPolicy string

const (
	SlotPolicyFIFO    SlotPolicy = "fifo"
	SlotPolicySliding SlotPolicy = "sliding"
	SlotPolicyRandom  SlotPolicy = "random"
)

type Config struct {
	Target  string            `mapstructure:"target"`
	Backend Backend           `mapstructure:"backend"`
	Model   string            `mapstructure:"model"`
	APIKey  string            `mapstructure:"api_key"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`

	Mode      Mode      `mapstructure:"mode"`
	Dimension Dimension `mapstructure:"dimension"`
	MinLevel  float64   `mapstructure:"min_level"`
	MaxLevel  float64   `mapstructure:"max_level"`
	StepLevel float64   `mapstructure:"step_level"`
	Precision float64   `mapstructure:"precision"`
	MaxTrials int       `mapstructure:"max_trials"`
	Levels    []float64 `mapstructure:"levels"`

	WindowDuration     time.Duration `mapstructure:"window_duration"`
	MinRequests        int           `mapstructure:"min_requests"`
	StabilityTolerance float64       `mapstructure:"stability_tolerance"`
	MaxWindowRetries   int           `mapstructure:"max_window_retries"`
	Constraint         string        `mapstructure:"constraint"`
	ErrorRateCeiling   float64       `mapstructure:"error_rate_ceiling"`
	SweepDuration      time.Duration `mapstructure:"sweep_duration"`

	Pacing                 PacingModel    `mapstructure:"pacing"`
	Schedule               []ScheduleStep `mapstructure:"schedule"`
	ScheduleFile           string         `mapstructure:"schedule_file"`
	OpenWorkers            int            `mapstructure:"open_workers"`
	MaxInFlight            int            `mapstructure:"max_in_flight"`
	MaxConsecutiveFailures int            `mapstructure:"max_consecutive_failures"`
	GracePeriod            time.Duration  `mapstructure:"grace_period"`

	Slots     SlotsConfig     `mapstructure:"slots"`
	Sequence  SequenceConfig  `mapstructure:"sequence"`
	Dataset   DatasetConfig   `mapstructure:"dataset"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`

	ArtifactPath string `mapstructure:"artifact"`
	JSONOutput   bool   `mapstructure:"json_output"`
	Verbose      bool   `mapstructure:"verbose"`

	ConfigFile string `mapstructure:"-"`
}

// ScheduleStep is one segment of a timeline or stepped load plan.
// A ToLevel different from Level ramps linearly across the segment.
type ScheduleStep struct {
	Level    float64       `mapstructure:"level"`
	ToLevel  float64       `mapstructure:"to_level"`
	Duration time.Duration `mapstructure:"duration"`
}

type SlotsConfig struct {
	Policy SlotPolicy `mapstructure:"policy"`
	Window int        `mapstructure:"window"`
	Seed   int64      `mapstructure:"seed"`
}

type SequenceConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	MaxLive      int     `mapstructure:"max_live"`
	LengthDist   string  `mapstructure:"length_dist"` // constant, uniform or normal
	LengthMean   float64 `mapstructure:"length_mean"`
	LengthStdDev float64 `mapstructure:"length_stddev"`
	Block        bool    `mapstructure:"block"` // wait for a free id instead of failing
	Seed         int64   `mapstructure:"seed"`
}

type DatasetConfig struct {
	Path        string  `mapstructure:"path"` // JSONL replay file; empty synthesizes prompts
	Rewind      bool    `mapstructure:"rewind"`
	MeanWords   float64 `mapstructure:"mean_words"`
	StdDevWords float64 `mapstructure:"stddev_words"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Seed        int64   `mapstructure:"seed"`
}

type GRPCConfig struct {
	ProtoFile string            `mapstructure:"proto_file"`
	Service   string            `mapstructure:"service"`
	Method    string            `mapstructure:"method"`
	Template  string            `mapstructure:"template"` // JSON request body with {{prompt}}/{{max_tokens}}
	Metadata  map[string]string `mapstructure:"metadata"`
	TLS       bool              `mapstructure:"tls"`
	Insecure  bool              `mapstructure:"insecure"`
}

type WebSocketConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
}

type TelemetryConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Interval time.Duration `mapstructure:"interval"`
	Metrics  []string      `mapstructure:"metrics"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Propagate   bool    `mapstructure:"propagate"`
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Target) == "" {
		issues = append(issues, "target is required (use --help for usage information)")
	}

	switch c.Backend {
	case BackendOpenAI, BackendGRPC, BackendWebSocket:
	case "":
		issues = append(issues, "backend is required")
	default:
		issues = append(issues, fmt.Sprintf("backend must be 'openai', 'grpc' or 'websocket', got %q", c.Backend))
	}

	switch c.Mode {
	case ModeSearch, ModeSweep, "":
	default:
		issues = append(issues, fmt.Sprintf("mode must be 'search' or 'sweep', got %q", c.Mode))
	}

	switch c.Dimension {
	case DimensionConcurrency, DimensionRate, "":
	default:
		issues = append(issues, fmt.Sprintf("dimension must be 'concurrency' or 'rate', got %q", c.Dimension))
	}

	switch c.Pacing {
	case PacingUniform, PacingPoisson, "":
	default:
		issues = append(issues, fmt.Sprintf("pacing must be 'uniform' or 'poisson', got %q", c.Pacing))
	}

	if c.Mode == ModeSearch {
		if c.MinLevel < 0 {
			issues = append(issues, "min_level must be >= 0")
		}
		if c.MaxLevel > 0 && c.MaxLevel < c.MinLevel {
			issues = append(issues, "max_level must be >= min_level")
		}
		if c.StepLevel < 0 {
			issues = append(issues, "step_level must be >= 0")
		}
		if c.Precision < 0 {
			issues = append(issues, "precision must be >= 0")
		}
	}
	if c.Mode == ModeSweep && len(c.Levels) == 0 && len(c.Schedule) == 0 {
		issues = append(issues, "sweep mode needs levels or a schedule")
	}

	if c.WindowDuration < 0 {
		issues = append(issues, "window_duration must be >= 0")
	}
	if c.MinRequests < 0 {
		issues = append(issues, "min_requests must be >= 0")
	}
	if c.StabilityTolerance < 0 || c.StabilityTolerance > 1 {
		issues = append(issues, "stability_tolerance must be within [0, 1]")
	}
	if c.ErrorRateCeiling < 0 || c.ErrorRateCeiling > 1 {
		issues = append(issues, "error_rate_ceiling must be within [0, 1]")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.MaxInFlight < 0 {
		issues = append(issues, "max_in_flight must be >= 0")
	}

	for idx, step := range c.Schedule {
		if step.Duration <= 0 {
			issues = append(issues, fmt.Sprintf("schedule[%d]: duration must be > 0", idx))
		}
		if step.Level < 0 || step.ToLevel < 0 {
			issues = append(issues, fmt.Sprintf("schedule[%d]: levels must be >= 0", idx))
		}
	}

	issues = append(issues, validateSlots(c.Slots)...)
	issues = append(issues, validateSequence(c.Sequence)...)
	issues = append(issues, validateDataset(c.Dataset)...)
	if c.Backend == BackendGRPC {
		issues = append(issues, validateGRPC(c.GRPC)...)
	}
	if c.Backend == BackendWebSocket {
		if !strings.HasPrefix(c.Target, "ws://") && !strings.HasPrefix(c.Target, "wss://") {
			issues = append(issues, "websocket backend requires a ws:// or wss:// target")
		}
	}
	if c.Telemetry.Interval < 0 {
		issues = append(issues, "telemetry: interval must be >= 0")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing: sample_rate must be within [0, 1]")
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateSlots(s SlotsConfig) []string {
	var issues []string
	switch s.Policy {
	case SlotPolicyFIFO, SlotPolicySliding, SlotPolicyRandom, "":
	default:
		issues = append(issues, fmt.Sprintf("slots: policy must be 'fifo', 'sliding' or 'random', got %q", s.Policy))
	}
	if s.Window < 0 {
		issues = append(issues, "slots: window must be >= 0")
	}
	if s.Policy == SlotPolicySliding && s.Window == 0 {
		issues = append(issues, "slots: sliding policy requires a window")
	}
	return issues
}

func validateSequence(s SequenceConfig) []string {
	if !s.Enabled {
		return nil
	}
	var issues []string
	if s.MaxLive < 0 {
		issues = append(issues, "sequence: max_live must be >= 0 (0 sizes the pool automatically)")
	}
	switch s.LengthDist {
	case "constant", "uniform", "normal", "":
	default:
		issues = append(issues, fmt.Sprintf("sequence: length_dist must be 'constant', 'uniform' or 'normal', got %q", s.LengthDist))
	}
	if s.LengthMean < 1 {
		issues = append(issues, "sequence: length_mean must be >= 1")
	}
	if s.LengthStdDev < 0 {
		issues = append(issues, "sequence: length_stddev must be >= 0")
	}
	return issues
}

func validateDataset(d DatasetConfig) []string {
	var issues []string
	if d.Path == "" {
		if d.MeanWords < 0 {
			issues = append(issues, "dataset: mean_words must be >= 0")
		}
		if d.StdDevWords < 0 {
			issues = append(issues, "dataset: stddev_words must be >= 0")
		}
	}
	if d.MaxTokens < 0 {
		issues = append(issues, "dataset: max_tokens must be >= 0")
	}
	return issues
}

func validateGRPC(g GRPCConfig) []string {
	var issues []string
	if strings.TrimSpace(g.ProtoFile) == "" {
		issues = append(issues, "grpc: proto_file is required")
	}
	if g.Service == "" {
		issues = append(issues, "grpc: service is required")
	}
	if g.Method == "" {
		issues = append(issues, "grpc: method is required")
	}
	return issues
}
