package app

import (
	"log/slog"

	"github.com/MrWong99/glyphone/internal/config"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
	geminilive "github.com/MrWong99/glyphone/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/glyphone/pkg/provider/s2s/openai"
)

// RegisterBuiltinProviders wires the providers that ship with glyphone into
// reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S(config.ProviderGeminiLive, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "event_buffer"); n > 0 {
			opts = append(opts, geminilive.WithEventBuffer(n))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(config.ProviderOpenAIRealtime, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	v, ok := opts[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
