package config

import "slices"

// ConfigDiff describes what changed between two configs. Only log_level and
// output_gain are applied live; every other difference is listed in
// RestartRequired so the caller can tell the user.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	OutputGainChanged bool
	NewOutputGain     float64

	// RestartRequired names the changed keys that only take effect on the
	// next start, in a stable order.
	RestartRequired []string
}

// Changed reports whether anything differs between the two configs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.OutputGainChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.OutputGain != new.Audio.OutputGain {
		d.OutputGainChanged = true
		d.NewOutputGain = new.Audio.OutputGain
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("provider.name", old.Provider.Name != new.Provider.Name)
	restart("provider.api_key", old.Provider.APIKey != new.Provider.APIKey)
	restart("provider.base_url", old.Provider.BaseURL != new.Provider.BaseURL)
	restart("provider.model", old.Provider.Model != new.Provider.Model)
	restart("provider.breaker", old.Provider.Breaker != new.Provider.Breaker)
	restart("audio.input_sample_rate", old.Audio.InputSampleRate != new.Audio.InputSampleRate)
	restart("audio.output_sample_rate", old.Audio.OutputSampleRate != new.Audio.OutputSampleRate)
	restart("audio.frame_size", old.Audio.FrameSize != new.Audio.FrameSize)
	restart("audio.capture_queue", old.Audio.CaptureQueue != new.Audio.CaptureQueue)
	restart("call.voice", old.Call.Voice != new.Call.Voice)
	restart("call.instructions", old.Call.Instructions != new.Call.Instructions)
	restart("call.greet_first", old.Call.ShouldGreetFirst() != new.Call.ShouldGreetFirst())
	restart("call.redial", old.Call.Redial != new.Call.Redial)

	slices.Sort(d.RestartRequired)
	return d
}
