package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/glyphone/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should apply live, RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_OutputGainChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Audio.OutputGain = 1.0

	d := config.Diff(old, new)
	if !d.OutputGainChanged || d.NewOutputGain != 1.0 {
		t.Errorf("got changed=%v gain=%v, want true 1.0", d.OutputGainChanged, d.NewOutputGain)
	}
	if !d.Changed() {
		t.Error("Changed() = false")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Provider.Name = config.ProviderOpenAIRealtime
	new.Audio.FrameSize = 1024
	new.Call.Voice = "Puck"
	no := false
	new.Call.GreetFirst = &no
	new.Call.Redial.MaxAttempts = 2

	d := config.Diff(old, new)
	want := []string{"audio.frame_size", "call.greet_first", "call.redial", "call.voice", "provider.name"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.OutputGainChanged {
		t.Error("live fields reported as changed")
	}
}

func TestDiff_GreetFirstNilEqualsTrue(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	yes := true
	new.Call.GreetFirst = &yes
	if d := config.Diff(old, new); d.Changed() {
		t.Errorf("nil and explicit true greet_first should compare equal, got %+v", d)
	}
}
