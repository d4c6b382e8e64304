package call

import (
	"errors"
	"fmt"

	"github.com/MrWong99/glyphone/internal/playback"
	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

// ErrSessionActive is returned by [Phone.StartSession] while another session
// has not been torn down yet.
var ErrSessionActive = errors.New("call: a session is already active")

// UnexpectedCloseError reports that the remote side ended the session without
// a local hangup. It is delivered through OnEnded, not OnFailed.
type UnexpectedCloseError struct {
	Reason string
}

func (e *UnexpectedCloseError) Error() string {
	if e.Reason == "" {
		return "call: remote closed the session"
	}
	return fmt.Sprintf("call: remote closed the session: %s", e.Reason)
}

// ErrorKind classifies the errors a session can report.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindMicrophoneAccess
	KindOutputDevice
	KindConnection
	KindStreamDecode
	KindUnexpectedClose
	KindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case KindMicrophoneAccess:
		return "microphone_access"
	case KindOutputDevice:
		return "output_device"
	case KindConnection:
		return "connection"
	case KindStreamDecode:
		return "stream_decode"
	case KindUnexpectedClose:
		return "unexpected_close"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// KindOf classifies err by the first typed error found in its chain. nil is
// KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var (
		mae *audio.MicrophoneAccessError
		ode *audio.OutputDeviceError
		ce  *s2s.ConnectionError
		sde *playback.StreamDecodeError
		uce *UnexpectedCloseError
		re  *s2s.RemoteError
	)
	switch {
	case errors.As(err, &mae):
		return KindMicrophoneAccess
	case errors.As(err, &ode):
		return KindOutputDevice
	case errors.As(err, &ce):
		return KindConnection
	case errors.As(err, &sde):
		return KindStreamDecode
	case errors.As(err, &uce):
		return KindUnexpectedClose
	case errors.As(err, &re):
		return KindRemote
	}
	return KindUnknown
}
