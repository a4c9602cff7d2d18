package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}

	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	settings := cfgViper.AllSettings()

	cfg := defaultConfig()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.Target = strings.TrimSpace(cfg.Target)
	if cfg.ScheduleFile != "" {
		steps, err := loadScheduleFile(cfg.ScheduleFile)
		if err != nil {
			return nil, err
		}
		cfg.Schedule = steps
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("INFERLOAD_API_KEY")
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Backend:            BackendOpenAI,
		Headers:            map[string]string{},
		Timeout:            120 * time.Second,
		Mode:               ModeSearch,
		Dimension:          DimensionConcurrency,
		MinLevel:           1,
		StepLevel:          1,
		Precision:          1,
		MaxTrials:          30,
		WindowDuration:     10 * time.Second,
		StabilityTolerance: 0.05,
		MaxWindowRetries:   3,
		Pacing:             PacingUniform,
		GracePeriod:        5 * time.Second,
		Slots: SlotsConfig{
			Policy: SlotPolicyFIFO,
		},
		Sequence: SequenceConfig{
			LengthDist: "constant",
			LengthMean: 1,
		},
		Dataset: DatasetConfig{
			MeanWords: 64,
			MaxTokens: 128,
		},
		Telemetry: TelemetryConfig{
			Interval: time.Second,
		},
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: 1,
		},
	}
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cfg.Target = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "backend"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("backend: %w", err)
		}
		if val != "" {
			cfg.Backend = Backend(strings.ToLower(val))
		}
	}
	if raw, ok := lookupSetting(settings, "model"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("model: %w", err)
		}
		cfg.Model = val
	}
	if raw, ok := lookupSetting(settings, "apikey", "api_key", "api-key"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("apiKey: %w", err)
		}
		cfg.APIKey = val
	}
	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for k, v := range hdrs {
			cfg.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}
	if raw, ok := lookupSetting(settings, "timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = dur
	}

	if err := applyProfileSettings(cfg, settings); err != nil {
		return err
	}
	if err := applyLoadSettings(cfg, settings); err != nil {
		return err
	}

	if raw, ok := lookupSetting(settings, "slots"); ok {
		section, err := asSettingsMap(raw)
		if err != nil {
			return fmt.Errorf("slots: %w", err)
		}
		if err := applySlotsSettings(&cfg.Slots, section); err != nil {
			return fmt.Errorf("slots: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "sequence"); ok {
		section, err := asSettingsMap(raw)
		if err != nil {
			return fmt.Errorf("sequence: %w", err)
		}
		if err := applySequenceSettings(&cfg.Sequence, section); err != nil {
			return fmt.Errorf("sequence: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "dataset"); ok {
		section, err := asSettingsMap(raw)
		if err != nil {
			return fmt.Errorf("dataset: %w", err)
		}
		if err := applyDatasetSettings(&cfg.Dataset, section); err != nil {
			return fmt.Errorf("dataset: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "grpc"); ok {
		section, err := asSettingsMap(raw)
		if err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		if err := applyGRPCSettings(&cfg.GRPC, section); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "websocket"); ok {
		section, err := asSettingsMap(raw)
		if err != nil {
			return fmt.Errorf("websocket: %w", err)
		}
		if err := applyWebSocketSettings(&cfg.WebSocket, section); err != nil {
			return fmt.Errorf("websocket: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "telemetry"); ok {
		section, err := asSettingsMap(raw)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		if err := applyTelemetrySettings(&cfg.Telemetry, section); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "tracing"); ok {
		section, err := asSettingsMap(raw)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		if err := applyTracingSettings(&cfg.Tracing, section); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "artifact"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("artifact: %w", err)
		}
		cfg.ArtifactPath = val
	}
	if raw, ok := lookupSetting(settings, "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("jsonOutput: %w", err)
		}
		cfg.JSONOutput = val
	}
	if raw, ok := lookupSetting(settings, "verbose"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("verbose: %w", err)
		}
		cfg.Verbose = val
	}

	return nil
}

func applyProfileSettings(cfg *Config, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "mode"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("mode: %w", err)
		}
		if val != "" {
			cfg.Mode = Mode(strings.ToLower(val))
		}
	}
	if raw, ok := lookupSetting(settings, "dimension"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("dimension: %w", err)
		}
		if val != "" {
			cfg.Dimension = Dimension(strings.ToLower(val))
		}
	}
	if raw, ok := lookupSetting(settings, "minlevel", "min_level", "min-level"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("minLevel: %w", err)
		}
		cfg.MinLevel = val
	}
	if raw, ok := lookupSetting(settings, "maxlevel", "max_level", "max-level"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("maxLevel: %w", err)
		}
		cfg.MaxLevel = val
	}
	if raw, ok := lookupSetting(settings, "steplevel", "step_level", "step-level"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("stepLevel: %w", err)
		}
		cfg.StepLevel = val
	}
	if raw, ok := lookupSetting(settings, "precision"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("precision: %w", err)
		}
		cfg.Precision = val
	}
	if raw, ok := lookupSetting(settings, "maxtrials", "max_trials", "max-trials"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("maxTrials: %w", err)
		}
		cfg.MaxTrials = val
	}
	if raw, ok := lookupSetting(settings, "levels"); ok {
		vals, err := asFloatSlice(raw)
		if err != nil {
			return fmt.Errorf("levels: %w", err)
		}
		cfg.Levels = vals
	}
	if raw, ok := lookupSetting(settings, "constraint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("constraint: %w", err)
		}
		cfg.Constraint = val
	}
	if raw, ok := lookupSetting(settings, "errorrateceiling", "error_rate_ceiling", "error-rate-ceiling"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("errorRateCeiling: %w", err)
		}
		cfg.ErrorRateCeiling = val
	}
	if raw, ok := lookupSetting(settings, "windowduration", "window_duration", "window"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("windowDuration: %w", err)
		}
		cfg.WindowDuration = dur
	}
	if raw, ok := lookupSetting(settings, "minrequests", "min_requests", "min-requests"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("minRequests: %w", err)
		}
		cfg.MinRequests = val
	}
	if raw, ok := lookupSetting(settings, "stabilitytolerance", "stability_tolerance", "stability-tolerance"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("stabilityTolerance: %w", err)
		}
		cfg.StabilityTolerance = val
	}
	if raw, ok := lookupSetting(settings, "maxwindowretries", "max_window_retries", "window-retries"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("maxWindowRetries: %w", err)
		}
		cfg.MaxWindowRetries = val
	}
	if raw, ok := lookupSetting(settings, "sweepduration", "sweep_duration", "sweep-duration"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("sweepDuration: %w", err)
		}
		cfg.SweepDuration = dur
	}
	return nil
}

func applyLoadSettings(cfg *Config, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "pacing"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("pacing: %w", err)
		}
		if val != "" {
			cfg.Pacing = PacingModel(strings.ToLower(val))
		}
	}
	if raw, ok := lookupSetting(settings, "openworkers", "open_workers", "open-workers"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("openWorkers: %w", err)
		}
		cfg.OpenWorkers = val
	}
	if raw, ok := lookupSetting(settings, "maxinflight", "max_in_flight", "max-in-flight"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("maxInFlight: %w", err)
		}
		cfg.MaxInFlight = val
	}
	if raw, ok := lookupSetting(settings, "maxconsecutivefailures", "max_consecutive_failures"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("maxConsecutiveFailures: %w", err)
		}
		cfg.MaxConsecutiveFailures = val
	}
	if raw, ok := lookupSetting(settings, "graceperiod", "grace_period", "grace-period"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("gracePeriod: %w", err)
		}
		cfg.GracePeriod = dur
	}
	if raw, ok := lookupSetting(settings, "schedule"); ok {
		steps, err := asScheduleSteps(raw)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		cfg.Schedule = steps
	}
	if raw, ok := lookupSetting(settings, "schedulefile", "schedule_file", "schedule-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("scheduleFile: %w", err)
		}
		cfg.ScheduleFile = val
	}
	return nil
}

// loadScheduleFile reads a timeline plan from a standalone YAML file.
// Steps loaded this way replace any schedule from the main config.
func loadScheduleFile(path string) ([]ScheduleStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schedule file: %w", err)
	}
	var raw []struct {
		Level    float64 `yaml:"level"`
		ToLevel  float64 `yaml:"to_level"`
		Duration string  `yaml:"duration"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schedule file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("schedule file %s: no steps", path)
	}
	steps := make([]ScheduleStep, 0, len(raw))
	for i, entry := range raw {
		dur, err := time.ParseDuration(entry.Duration)
		if err != nil {
			return nil, fmt.Errorf("schedule file %s: step %d duration: %w", path, i+1, err)
		}
		steps = append(steps, ScheduleStep{
			Level:    entry.Level,
			ToLevel:  entry.ToLevel,
			Duration: dur,
		})
	}
	return steps, nil
}

func applySlotsSettings(cfg *SlotsConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "policy"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		if val != "" {
			cfg.Policy = SlotPolicy(strings.ToLower(val))
		}
	}
	if raw, ok := lookupSetting(section, "window"); ok {
		val, err := asInt(raw)
		if err != nil {
			return err
		}
		cfg.Window = val
	}
	if raw, ok := lookupSetting(section, "seed"); ok {
		val, err := asInt64(raw)
		if err != nil {
			return err
		}
		cfg.Seed = val
	}
	return nil
}

func applySequenceSettings(cfg *SequenceConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.Enabled = val
	}
	if raw, ok := lookupSetting(section, "maxlive", "max_live"); ok {
		val, err := asInt(raw)
		if err != nil {
			return err
		}
		cfg.MaxLive = val
	}
	if raw, ok := lookupSetting(section, "lengthdist", "length_dist"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.LengthDist = strings.ToLower(val)
	}
	if raw, ok := lookupSetting(section, "lengthmean", "length_mean"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return err
		}
		cfg.LengthMean = val
	}
	if raw, ok := lookupSetting(section, "lengthstddev", "length_stddev"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return err
		}
		cfg.LengthStdDev = val
	}
	if raw, ok := lookupSetting(section, "block"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.Block = val
	}
	if raw, ok := lookupSetting(section, "seed"); ok {
		val, err := asInt64(raw)
		if err != nil {
			return err
		}
		cfg.Seed = val
	}
	return nil
}

func applyDatasetSettings(cfg *DatasetConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "path"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.Path = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(section, "rewind"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.Rewind = val
	}
	if raw, ok := lookupSetting(section, "meanwords", "mean_words"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return err
		}
		cfg.MeanWords = val
	}
	if raw, ok := lookupSetting(section, "stddevwords", "stddev_words"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return err
		}
		cfg.StdDevWords = val
	}
	if raw, ok := lookupSetting(section, "maxtokens", "max_tokens"); ok {
		val, err := asInt(raw)
		if err != nil {
			return err
		}
		cfg.MaxTokens = val
	}
	if raw, ok := lookupSetting(section, "seed"); ok {
		val, err := asInt64(raw)
		if err != nil {
			return err
		}
		cfg.Seed = val
	}
	return nil
}

func applyGRPCSettings(cfg *GRPCConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "protofile", "proto_file"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.ProtoFile = val
	}
	if raw, ok := lookupSetting(section, "service"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.Service = val
	}
	if raw, ok := lookupSetting(section, "method"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.Method = val
	}
	if raw, ok := lookupSetting(section, "template"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.Template = val
	}
	if raw, ok := lookupSetting(section, "metadata"); ok {
		vals, err := asStringMap(raw)
		if err != nil {
			return err
		}
		cfg.Metadata = vals
	}
	if raw, ok := lookupSetting(section, "tls"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.TLS = val
	}
	if raw, ok := lookupSetting(section, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.Insecure = val
	}
	return nil
}

func applyWebSocketSettings(cfg *WebSocketConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "handshaketimeout", "handshake_timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return err
		}
		cfg.HandshakeTimeout = dur
	}
	if raw, ok := lookupSetting(section, "maxmessagesize", "max_message_size"); ok {
		val, err := asInt64(raw)
		if err != nil {
			return err
		}
		cfg.MaxMessageSize = val
	}
	return nil
}

func applyTelemetrySettings(cfg *TelemetryConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.Endpoint = val
	}
	if raw, ok := lookupSetting(section, "interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return err
		}
		cfg.Interval = dur
	}
	if raw, ok := lookupSetting(section, "metrics"); ok {
		vals, err := asStringSlice(raw)
		if err != nil {
			return err
		}
		cfg.Metrics = vals
	}
	return nil
}

func applyTracingSettings(cfg *TracingConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.Enabled = val
	}
	if raw, ok := lookupSetting(section, "servicename", "service_name"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.ServiceName = val
	}
	if raw, ok := lookupSetting(section, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		cfg.Endpoint = val
	}
	if raw, ok := lookupSetting(section, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		if val != "" {
			cfg.Protocol = strings.ToLower(val)
		}
	}
	if raw, ok := lookupSetting(section, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.Insecure = val
	}
	if raw, ok := lookupSetting(section, "samplerate", "sample_rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return err
		}
		cfg.SampleRate = val
	}
	if raw, ok := lookupSetting(section, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		cfg.Propagate = val
	}
	return nil
}

func asSettingsMap(value interface{}) (map[string]interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return v, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for rawKey, val := range v {
			key, err := asString(rawKey)
			if err != nil {
				return nil, err
			}
			out[strings.ToLower(key)] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a section, got %T", value)
	}
}

func asScheduleSteps(value interface{}) ([]ScheduleStep, error) {
	list, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of steps, got %T", value)
	}
	steps := make([]ScheduleStep, 0, len(list))
	for idx, raw := range list {
		section, err := asSettingsMap(raw)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", idx, err)
		}
		var step ScheduleStep
		if raw, ok := lookupSetting(section, "level"); ok {
			if step.Level, err = asFloat64(raw); err != nil {
				return nil, fmt.Errorf("[%d].level: %w", idx, err)
			}
		}
		if raw, ok := lookupSetting(section, "tolevel", "to_level"); ok {
			if step.ToLevel, err = asFloat64(raw); err != nil {
				return nil, fmt.Errorf("[%d].toLevel: %w", idx, err)
			}
		}
		if raw, ok := lookupSetting(section, "duration"); ok {
			if step.Duration, err = asDuration(raw); err != nil {
				return nil, fmt.Errorf("[%d].duration: %w", idx, err)
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}
