package audio

import "time"

// AudioFrame is a block of mono samples moving between a device and the
// pipeline. Samples are normalized to [-1, 1]; the wire representation is
// produced by [Encode].
type AudioFrame struct {
	// Samples holds one float per sample. Channels other than 1 are not used
	// by any bundled device.
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture, 24000 for playback).
	SampleRate int

	// Channels is always 1 in this module.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns how long the frame plays at its sample rate. It is computed
// in integer nanoseconds so that consecutive durations add up exactly.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count at rate Hz to a duration.
// A non-positive rate yields zero.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d to a sample count at rate Hz, rounding to the
// nearest sample.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
