// Package config provides the configuration schema, loader, live-reload
// watcher and provider registry for the glyphone softphone.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown or empty levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Provider names understood by the default registry.
const (
	ProviderGeminiLive     = "gemini-live"
	ProviderOpenAIRealtime = "openai-realtime"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Audio    AudioConfig   `yaml:"audio"`
	Call     CallConfig    `yaml:"call"`
}

// ServerConfig holds the admin HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address serving /metrics, /healthz and /readyz.
	// Empty disables the admin server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied live on reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the duplex voice provider. Name is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider, e.g. "gemini-live".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty it is taken from
	// the environment by [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Breaker makes dialling fail fast after repeated connection failures.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the connection circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials that opens the
	// circuit.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the circuit stays open before a probe dial.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig holds device and framing settings.
type AudioConfig struct {
	// InputSampleRate is the microphone capture rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz used for chunks whose MIME
	// tag carries no rate.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per outbound packet.
	FrameSize int `yaml:"frame_size"`

	// OutputGain is the initial playback volume in [0, 1]. 0.2 is the
	// earpiece level, 1.0 the speaker level. Applied live on reload.
	OutputGain float64 `yaml:"output_gain"`

	// CaptureQueue bounds the outbound frame queue.
	CaptureQueue int `yaml:"capture_queue"`
}

// CallConfig holds per-call settings.
type CallConfig struct {
	// Voice selects one of the provider's prebuilt voices.
	Voice string `yaml:"voice"`

	// Instructions is the persona prompt passed to the provider.
	Instructions string `yaml:"instructions"`

	// GreetFirst appends a directive asking the model to speak first. A
	// pointer so that an explicit false survives defaulting.
	GreetFirst *bool `yaml:"greet_first"`

	// Redial configures automatic redialling after a dropped call.
	Redial RedialConfig `yaml:"redial"`
}

// ShouldGreetFirst reports the effective greet_first value (default true).
func (c CallConfig) ShouldGreetFirst() bool {
	return c.GreetFirst == nil || *c.GreetFirst
}

// RedialConfig configures the caller-side redial policy. MaxAttempts of zero
// disables redialling.
type RedialConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":9090"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultOutputGain       = 0.2
	DefaultCaptureQueue     = 8
	DefaultVoice            = "Kore"
	DefaultInstructions     = "You are a friendly, helpful, and concise phone assistant."
	DefaultRedialBackoff    = time.Second
	DefaultRedialMaxBackoff = 30 * time.Second
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
)

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = ProviderGeminiLive
	}
	if cfg.Provider.Breaker.MaxFailures == 0 {
		cfg.Provider.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if cfg.Provider.Breaker.ResetTimeout == 0 {
		cfg.Provider.Breaker.ResetTimeout = DefaultBreakerReset
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
		if cfg.Provider.Name == ProviderOpenAIRealtime {
			cfg.Audio.InputSampleRate = DefaultOutputSampleRate
		}
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.OutputGain == 0 {
		cfg.Audio.OutputGain = DefaultOutputGain
	}
	if cfg.Audio.CaptureQueue == 0 {
		cfg.Audio.CaptureQueue = DefaultCaptureQueue
	}
	if cfg.Call.Voice == "" {
		cfg.Call.Voice = DefaultVoice
	}
	if cfg.Call.Instructions == "" {
		cfg.Call.Instructions = DefaultInstructions
	}
	if cfg.Call.Redial.Backoff == 0 {
		cfg.Call.Redial.Backoff = DefaultRedialBackoff
	}
	if cfg.Call.Redial.MaxBackoff == 0 {
		cfg.Call.Redial.MaxBackoff = DefaultRedialMaxBackoff
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
