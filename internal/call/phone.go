// Package call supervises one duplex voice call at a time.
//
// A [Phone] owns the device systems and the provider. StartSession hands back
// a [Session] immediately; the session's actor goroutine then opens the
// output device, the input context and the remote channel, and consumes the
// channel's events in order. Every termination path (local hangup, remote
// close, fatal error, permission denial) runs the same idempotent teardown,
// after which exactly one of Callbacks.OnEnded or Callbacks.OnFailed fires.
//
// The core never retries. Redial policy belongs to the caller.
package call

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/glyphone/internal/capture"
	"github.com/MrWong99/glyphone/internal/observe"
	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

// Gain presets used by the CLI.
const (
	GainEarpiece = 0.2
	GainSpeaker  = 1.0
)

// Callbacks receive session notifications. All fields are optional. They are
// invoked in order on the session goroutine, never under a session lock, so
// they may call back into the Phone or the Session. StateOpen is only
// reported once the microphone is streaming; a session that fails before
// that reports StateClosed alone.
type Callbacks struct {
	// OnStateChange fires on every state transition.
	OnStateChange func(State)

	// OnAudioActivity fires for every inbound audio chunk, before it is
	// scheduled.
	OnAudioActivity func()

	// OnEnded fires once when the session ended without a fatal error. cause
	// is nil for a local hangup and *UnexpectedCloseError when the remote
	// side closed.
	OnEnded func(cause error)

	// OnFailed fires once when the session ended on a fatal error.
	OnFailed func(err error)
}

// Config holds the dependencies of a [Phone].
type Config struct {
	Provider s2s.Provider
	Input    audio.InputSystem
	Output   audio.OutputSystem

	// Capture configures microphone framing. Its Format is also advertised to
	// the provider as the session's input format.
	Capture capture.Config

	// OutputFormat is the playback format. A zero rate means the provider's
	// advertised output rate.
	OutputFormat audio.Format

	// Gain is the initial output gain. Zero means [GainEarpiece].
	Gain float64

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Phone starts and ends sessions. All methods are safe for concurrent use.
type Phone struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	current *Session
	gain    float64
}

// NewPhone creates a Phone. Zero input or output formats are filled from the
// provider's capabilities.
func NewPhone(cfg Config) *Phone {
	caps := cfg.Provider.Capabilities()
	if cfg.Capture.Format.SampleRate <= 0 {
		cfg.Capture.Format = audio.Mono(caps.InputSampleRate)
	}
	if cfg.OutputFormat.SampleRate <= 0 {
		cfg.OutputFormat = audio.Mono(caps.OutputSampleRate)
	}
	if cfg.OutputFormat.Channels <= 0 {
		cfg.OutputFormat.Channels = 1
	}
	gain := cfg.Gain
	if gain <= 0 {
		gain = GainEarpiece
	}

	p := &Phone{
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		gain:    clampGain(gain),
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// StartSession begins a new session and returns it without waiting for the
// connection. The only error is [ErrSessionActive]; every other failure is
// reported through cb after teardown. instructions is passed to the provider
// unmodified.
//
// Cancelling ctx hangs up the session.
func (p *Phone) StartSession(ctx context.Context, voice, instructions string, cb Callbacks) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var prevDone <-chan struct{}
	if prev := p.current; prev != nil {
		if !prev.ended() {
			return nil, ErrSessionActive
		}
		prevDone = prev.Done()
	}

	s := newSession(ctx, p, sessionParams{
		voice:        voice,
		instructions: instructions,
		gain:         p.gain,
		prevDone:     prevDone,
	}, cb)
	p.current = s
	go s.run()
	return s, nil
}

// EndSession hangs up s, or the current session when s is nil. Concurrent and
// repeated calls release resources exactly once.
func (p *Phone) EndSession(s *Session) {
	if s == nil {
		s = p.Current()
	}
	if s != nil {
		s.Hangup()
	}
}

// Current returns the most recently started session, which may already be
// closed, or nil.
func (p *Phone) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Active reports whether a session exists that has not been torn down.
func (p *Phone) Active() bool {
	s := p.Current()
	return s != nil && !s.ended()
}

// SetOutputGain stores level, clamped to [0, 1], as the gain for new sessions
// and applies it to the live one.
func (p *Phone) SetOutputGain(level float64) {
	level = clampGain(level)
	p.mu.Lock()
	p.gain = level
	cur := p.current
	p.mu.Unlock()
	if cur != nil {
		cur.setGain(level)
	}
}

// OutputGain returns the gain new sessions start with.
func (p *Phone) OutputGain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

// Close hangs up the current session and waits for its goroutine to exit or
// ctx to end.
func (p *Phone) Close(ctx context.Context) error {
	s := p.Current()
	if s == nil {
		return nil
	}
	s.Hangup()
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clampGain(level float64) float64 {
	return min(max(level, 0), 1)
}
