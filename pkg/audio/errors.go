package audio

import "fmt"

// DecodeError reports malformed transport text or PCM data. The codec never
// attempts recovery; callers decide whether the failure is fatal.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MicrophoneAccessError reports that the microphone could not be acquired,
// typically because permission was denied or the device is missing or busy.
type MicrophoneAccessError struct {
	Err error
}

func (e *MicrophoneAccessError) Error() string {
	return fmt.Sprintf("audio: microphone access: %v", e.Err)
}

func (e *MicrophoneAccessError) Unwrap() error { return e.Err }

// OutputDeviceError reports that the output device could not be opened or
// stopped accepting audio.
type OutputDeviceError struct {
	Err error
}

func (e *OutputDeviceError) Error() string {
	return fmt.Sprintf("audio: output device: %v", e.Err)
}

func (e *OutputDeviceError) Unwrap() error { return e.Err }
