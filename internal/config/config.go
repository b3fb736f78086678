// Package config loads service configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Scorer        ScorerConfig        `yaml:"scorer"`
	Session       SessionConfig       `yaml:"session"`
	Audio         AudioConfig         `yaml:"audio"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds process identity and listener ports.
type ServiceConfig struct {
	Principal string `yaml:"principal"`
	GRPCPort  string `yaml:"grpc_port"`
	HTTPPort  string `yaml:"http_port"`
}

// ScorerConfig selects and configures the acoustic scorer.
type ScorerConfig struct {
	Provider           string `yaml:"provider"` // mock, onnx
	ModelPath          string `yaml:"model_path"`
	VocabPath          string `yaml:"vocab_path"`
	SharedLibraryPath  string `yaml:"shared_library_path"`
	OutputName         string `yaml:"output_name"`
	IntraOpThreads     int    `yaml:"intra_op_threads"`
	MockTranscript     string `yaml:"mock_transcript"`
	MockFramesPerLabel int    `yaml:"mock_frames_per_label"`
}

// SessionConfig holds per-session evaluation defaults and reaper timing.
type SessionConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MinTimeBetweenEvals time.Duration `yaml:"min_time_between_evals"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ReapInterval        time.Duration `yaml:"reap_interval"`
	WindowSize          int           `yaml:"window_size"`
}

// AudioConfig describes inbound PCM and VAD gating.
type AudioConfig struct {
	SampleRate         int     `yaml:"sample_rate"`
	Channels           int     `yaml:"channels"`
	MaxBufferSeconds   float64 `yaml:"max_buffer_seconds"`
	VADEnergyThreshold float64 `yaml:"vad_energy_threshold"`
	VADMinSpeechFrames int     `yaml:"vad_min_speech_frames"`
}

// KafkaConfig holds result event publishing configuration.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	TopicProgress string   `yaml:"topic_progress"`
	TopicFinal    string   `yaml:"topic_final"`
	Principal     string   `yaml:"principal"`
}

// StoreConfig holds the result archive location. Empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsAddr    string `yaml:"metrics_addr"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal: "svc-pronunciation-eval",
			GRPCPort:  "50051",
			HTTPPort:  "8080",
		},
		Scorer: ScorerConfig{
			Provider:           "mock",
			MockTranscript:     "안녕 하세요",
			MockFramesPerLabel: 15,
		},
		Session: SessionConfig{
			ConfidenceThreshold: 0.7,
			MinTimeBetweenEvals: 500 * time.Millisecond,
			IdleTimeout:         time.Hour,
			ReapInterval:        time.Minute,
			WindowSize:          3,
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			Channels:           1,
			MaxBufferSeconds:   10,
			VADEnergyThreshold: 0.0005,
			VADMinSpeechFrames: 10,
		},
		Kafka: KafkaConfig{
			TopicProgress: "pronunciation.evaluation.progress",
			TopicFinal:    "pronunciation.evaluation.final",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration. A YAML file named by CONFIG_FILE is applied
// over the defaults; environment variables win over both. A file that cannot
// be read or parsed is reported and otherwise ignored.
func Load() *Config {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}
	cfg.applyEnv()
	return cfg
}

// LoadFile builds the configuration from defaults and a YAML file only.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.GRPCPort = envOrDefault("GRPC_PORT", c.Service.GRPCPort)
	c.Service.HTTPPort = envOrDefault("HTTP_PORT", c.Service.HTTPPort)

	c.Scorer.Provider = envOrDefault("SCORER_PROVIDER", c.Scorer.Provider)
	c.Scorer.ModelPath = envOrDefault("SCORER_MODEL_PATH", c.Scorer.ModelPath)
	c.Scorer.VocabPath = envOrDefault("SCORER_VOCAB_PATH", c.Scorer.VocabPath)
	c.Scorer.SharedLibraryPath = envOrDefault("ONNXRUNTIME_SHARED_LIBRARY_PATH", c.Scorer.SharedLibraryPath)
	c.Scorer.OutputName = envOrDefault("SCORER_OUTPUT_NAME", c.Scorer.OutputName)
	c.Scorer.IntraOpThreads = envOrDefaultInt("SCORER_INTRA_OP_THREADS", c.Scorer.IntraOpThreads)
	c.Scorer.MockTranscript = envOrDefault("SCORER_MOCK_TRANSCRIPT", c.Scorer.MockTranscript)
	c.Scorer.MockFramesPerLabel = envOrDefaultInt("SCORER_MOCK_FRAMES_PER_LABEL", c.Scorer.MockFramesPerLabel)

	c.Session.ConfidenceThreshold = envOrDefaultFloat("SESSION_CONFIDENCE_THRESHOLD", c.Session.ConfidenceThreshold)
	c.Session.MinTimeBetweenEvals = envOrDefaultDuration("SESSION_MIN_TIME_BETWEEN_EVALS", c.Session.MinTimeBetweenEvals)
	c.Session.IdleTimeout = envOrDefaultDuration("SESSION_IDLE_TIMEOUT", c.Session.IdleTimeout)
	c.Session.ReapInterval = envOrDefaultDuration("SESSION_REAP_INTERVAL", c.Session.ReapInterval)
	c.Session.WindowSize = envOrDefaultInt("SESSION_WINDOW_SIZE", c.Session.WindowSize)

	c.Audio.SampleRate = envOrDefaultInt("AUDIO_SAMPLE_RATE", c.Audio.SampleRate)
	c.Audio.Channels = envOrDefaultInt("AUDIO_CHANNELS", c.Audio.Channels)
	c.Audio.MaxBufferSeconds = envOrDefaultFloat("AUDIO_MAX_BUFFER_SECONDS", c.Audio.MaxBufferSeconds)
	c.Audio.VADEnergyThreshold = envOrDefaultFloat("AUDIO_VAD_ENERGY_THRESHOLD", c.Audio.VADEnergyThreshold)
	c.Audio.VADMinSpeechFrames = envOrDefaultInt("AUDIO_VAD_MIN_SPEECH_FRAMES", c.Audio.VADMinSpeechFrames)

	c.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", c.Kafka.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	c.Kafka.TopicProgress = envOrDefault("KAFKA_TOPIC_PROGRESS", c.Kafka.TopicProgress)
	c.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", c.Kafka.TopicFinal)
	c.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", c.Kafka.Principal)
	if c.Kafka.Principal == "" {
		c.Kafka.Principal = c.Service.Principal
	}

	c.Store.Path = envOrDefault("STORE_PATH", c.Store.Path)

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsAddr = envOrDefault("METRICS_ADDR", c.Observability.MetricsAddr)
	c.Observability.TracingEnabled = envOrDefaultBool("TRACING_ENABLED", c.Observability.TracingEnabled)
	c.Observability.OTLPEndpoint = envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.Observability.OTLPEndpoint)
	c.Observability.OTLPInsecure = envOrDefaultBool("OTEL_EXPORTER_OTLP_INSECURE", c.Observability.OTLPInsecure)
}

// Validate checks every section and joins all problems.
func (c *Config) Validate() error {
	return errors.Join(
		c.Scorer.Validate(),
		c.Session.Validate(),
		c.Audio.Validate(),
		c.Kafka.Validate(),
	)
}

// Validate checks the scorer section.
func (s ScorerConfig) Validate() error {
	switch s.Provider {
	case "mock":
		if strings.TrimSpace(s.MockTranscript) == "" {
			return errors.New("scorer.mock_transcript is required for the mock provider")
		}
	case "onnx":
		if s.ModelPath == "" || s.VocabPath == "" {
			return errors.New("scorer.model_path and scorer.vocab_path are required for the onnx provider")
		}
	default:
		return fmt.Errorf("unknown scorer.provider %q", s.Provider)
	}
	return nil
}

// Validate checks the session section.
func (s SessionConfig) Validate() error {
	var errs []error
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.confidence_threshold must be in [0,1], got %v", s.ConfidenceThreshold))
	}
	if s.MinTimeBetweenEvals < 0 {
		errs = append(errs, errors.New("session.min_time_between_evals must not be negative"))
	}
	if s.IdleTimeout <= 0 || s.ReapInterval <= 0 {
		errs = append(errs, errors.New("session.idle_timeout and session.reap_interval must be positive"))
	}
	if s.WindowSize < 1 {
		errs = append(errs, errors.New("session.window_size must be at least 1"))
	}
	return errors.Join(errs...)
}

// Validate checks the audio section.
func (a AudioConfig) Validate() error {
	var errs []error
	if a.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate must be positive"))
	}
	if a.Channels < 1 {
		errs = append(errs, errors.New("audio.channels must be at least 1"))
	}
	if a.MaxBufferSeconds <= 0 {
		errs = append(errs, errors.New("audio.max_buffer_seconds must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the kafka section.
func (k KafkaConfig) Validate() error {
	if k.Enabled && len(k.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
