package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names the default registry knows.
// [Validate] warns about anything else, since a third-party factory may have
// been registered under it.
var ValidProviderNames = []string{ProviderGeminiLive, ProviderOpenAIRealtime}

// Environment variables consulted by [ApplyEnv], per provider name.
var apiKeyEnv = map[string]string{
	ProviderGeminiLive:     "GEMINI_API_KEY",
	ProviderOpenAIRealtime: "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path, applies defaults and the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment, and validates the result. Unknown keys are an error. An empty
// document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills provider.api_key from the provider's environment variable
// when the file leaves it empty. lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Provider.APIKey != "" {
		return
	}
	name, ok := apiKeyEnv[cfg.Provider.Name]
	if !ok {
		return
	}
	if v, ok := lookup(name); ok {
		cfg.Provider.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" {
		if env, ok := apiKeyEnv[cfg.Provider.Name]; ok {
			slog.Warn("provider.api_key is empty; calls will be rejected", "provider", cfg.Provider.Name, "env", env)
		}
	}

	if b := cfg.Provider.Breaker; b.MaxFailures < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("provider.breaker values must not be negative"))
	}

	a := cfg.Audio
	if a.InputSampleRate < 0 || (a.InputSampleRate > 0 && (a.InputSampleRate < 8000 || a.InputSampleRate > 48000)) {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 48000]", a.InputSampleRate))
	}
	if a.OutputSampleRate < 0 || (a.OutputSampleRate > 0 && (a.OutputSampleRate < 8000 || a.OutputSampleRate > 48000)) {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [8000, 48000]", a.OutputSampleRate))
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", a.FrameSize))
	}
	if a.OutputGain < 0 || a.OutputGain > 1 {
		errs = append(errs, fmt.Errorf("audio.output_gain %.2f is out of range [0, 1]", a.OutputGain))
	}
	if a.CaptureQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_queue %d must be positive", a.CaptureQueue))
	}
	if cfg.Provider.Name == ProviderOpenAIRealtime && a.InputSampleRate != 0 && a.InputSampleRate != 24000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate must be 24000 for %s, got %d", ProviderOpenAIRealtime, a.InputSampleRate))
	}

	r := cfg.Call.Redial
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("call.redial.max_attempts %d must not be negative", r.MaxAttempts))
	}
	if r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("call.redial backoff durations must not be negative"))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("call.redial.max_backoff %s is shorter than backoff %s", r.MaxBackoff, r.Backoff))
	}

	return errors.Join(errs...)
}
