// Package audio defines the sample types, the PCM16 frame codec and the device
// interfaces used by the call pipeline.
//
// The device abstractions are split by direction:
//
//   - [InputSystem] opens an [InputContext], from which the capture pipeline
//     acquires the [Microphone].
//   - [OutputSystem] opens an [OutputDevice], a scheduled playback sink with
//     its own monotonic clock.
//
// Native implementations live in audio/miniaudio (capture) and audio/speaker
// (playback); audio/mock provides recording fakes with a manual clock.
package audio

import "time"

// FrameHandler receives captured samples. It is invoked on the device's audio
// thread and must not block. The slice is only valid for the duration of the
// call.
type FrameHandler func(samples []float32)

// Microphone is an acquired capture device. Close stops delivery and releases
// the device; after Close returns no further FrameHandler calls are made.
type Microphone interface {
	Close() error
}

// InputContext is an open input audio context.
type InputContext interface {
	// OpenMicrophone acquires the default capture device with the given format
	// and delivers samples to onFrame, in periods of roughly periodSize samples.
	// Denied permission or a missing device is a *MicrophoneAccessError.
	OpenMicrophone(format Format, periodSize int, onFrame FrameHandler) (Microphone, error)

	// Close releases the context. Safe to call more than once.
	Close() error
}

// InputSystem opens input contexts.
type InputSystem interface {
	OpenInput() (InputContext, error)
}

// Clock is a monotonic device clock. Zero is the moment the device was opened.
type Clock interface {
	Now() time.Duration
}

// OutputDevice is an open playback sink. Audio is placed on the device's own
// timeline: a frame scheduled at t starts playing when Now reaches t. Frames
// scheduled in the past start immediately.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	Clock

	// Play schedules frame to start at the given time on the device clock.
	Play(frame AudioFrame, at time.Duration) error

	// SetGain sets the output volume in [0, 1].
	SetGain(level float64)

	// Close stops playback and releases the device. Safe to call more than once.
	Close() error
}

// OutputSystem opens output devices.
type OutputSystem interface {
	// OpenOutput opens a playback device at the given format. Failures are
	// reported as *OutputDeviceError.
	OpenOutput(format Format) (OutputDevice, error)
}
