// Package s2s defines the Provider interface for live duplex voice backends.
//
// A provider wraps a real-time voice AI service that accepts a continuous
// stream of microphone audio and answers with synthesised speech over the same
// long-lived connection. Examples include Gemini Live and the OpenAI Realtime
// API.
//
// The central abstraction is SessionHandle: a fire-and-forget outbound path for
// audio packets plus one bounded, ordered channel of inbound events. Everything
// the remote side does (setup acknowledged, audio arrived, the user barged in,
// the connection closed) is surfaced as an Event on that channel, so a single
// consumer goroutine observes the session in order.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/glyphone/pkg/audio"
)

// DefaultEventBuffer is the capacity of the event channel returned by
// [SessionHandle.Events] for the bundled providers.
const DefaultEventBuffer = 64

// OutboundPacket is one encoded microphone frame on its way to the remote side.
// Data is base64 text of little-endian PCM16 samples and MIMEType advertises
// the sample rate, e.g. "audio/pcm;rate=16000". Packets are immutable once
// built and are not retained by the session after Send returns.
type OutboundPacket struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// InboundChunk is one unit of synthesised audio delivered by the remote side,
// in the same envelope as [OutboundPacket].
type InboundChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// NewOutboundPacket encodes samples with the frame codec and tags them with
// format's MIME type.
func NewOutboundPacket(samples []float32, format audio.Format) OutboundPacket {
	return OutboundPacket{
		MIMEType: format.MIMEType(),
		Data:     audio.ToTransportText(audio.Encode(samples)),
	}
}

// EventType enumerates the kinds of [Event] a session can emit.
type EventType int

const (
	// EventOpen signals that the remote side accepted the session configuration
	// and is ready for audio.
	EventOpen EventType = iota

	// EventAudio carries one [InboundChunk] of synthesised speech.
	EventAudio

	// EventInterrupted signals that the remote side detected the caller talking
	// over the model and abandoned the current response.
	EventInterrupted

	// EventClose signals that the remote side ended the connection. Reason holds
	// the close reason it supplied, if any. It is a terminal event.
	EventClose

	// EventError signals a transport or protocol failure. Err is non-nil. It is
	// a terminal event.
	EventError
)

// String returns a lower-case name for the event type.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one notification from the remote side.
type Event struct {
	Type EventType

	// Chunk is set for EventAudio.
	Chunk InboundChunk

	// Reason is set for EventClose.
	Reason string

	// Err is set for EventError.
	Err error
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice selects one of the provider's prebuilt voices. Empty means the
	// provider default.
	Voice string

	// Instructions is the system-level prompt. Providers pass it to the remote
	// side verbatim.
	Instructions string

	// InputFormat describes the microphone audio that will be sent. Zero values
	// mean the provider's advertised input rate.
	InputFormat audio.Format

	// OutputFormat describes the audio the caller wants back. Providers that
	// cannot negotiate the output rate ignore it and tag chunks with their own.
	OutputFormat audio.Format
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the microphone rate the provider expects, in Hz.
	InputSampleRate int

	// OutputSampleRate is the rate of the synthesised audio, in Hz.
	OutputSampleRate int

	// MaxSessionDurationMs is the provider-imposed upper bound on session
	// lifetime. Zero means no documented limit.
	MaxSessionDurationMs int

	// DefaultVoice is used when SessionConfig.Voice is empty.
	DefaultVoice string

	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string
}

// HasVoice reports whether name is one of the advertised voices.
func (c Capabilities) HasVoice(name string) bool {
	for _, v := range c.Voices {
		if v == name {
			return true
		}
	}
	return false
}

// SessionHandle represents an open duplex session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Send delivers one packet to the remote side. It is fire-and-forget: there
	// is no acknowledgement, and an error only reports that the packet could not
	// be written (session closed, network failure).
	Send(pkt OutboundPacket) error

	// Events returns the bounded, ordered channel of inbound events. The channel
	// is closed after a terminal event (EventClose or EventError) has been
	// delivered or after Close was called. No events are delivered after Close.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any duplex voice backend.
type Provider interface {
	// Connect dials the remote service and sends the session configuration.
	// The returned SessionHandle emits EventOpen once the remote side is ready.
	// Failures are reported as *ConnectionError.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// ConnectionError reports that a session could not be established.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is an error reported by the remote service itself, as opposed to
// a transport failure.
type RemoteError struct {
	Provider string
	Code     int
	Message  string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: remote error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Provider, e.Message)
}

// ErrSessionClosed is returned by Send after the session has been closed.
var ErrSessionClosed = errors.New("s2s: session closed")
