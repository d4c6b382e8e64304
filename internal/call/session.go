package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/glyphone/internal/capture"
	"github.com/MrWong99/glyphone/internal/observe"
	"github.com/MrWong99/glyphone/internal/playback"
	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

type sessionParams struct {
	voice        string
	instructions string
	gain         float64
	prevDone     <-chan struct{}
}

// Session is one call. It owns one output device, one input context (with
// the microphone acquired through it), and one remote channel. All of them
// are released by a single idempotent teardown.
type Session struct {
	id     string
	phone  *Phone
	params sessionParams
	cb     Callbacks
	log    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	released chan struct{}

	// connected is the live guard consulted by capture and playback. It is
	// cleared before anything is released.
	connected atomic.Bool
	state     atomic.Int32

	mu        sync.Mutex
	torn      bool
	outcome   outcome
	cause     error
	gain      float64
	sched     *playback.Scheduler
	input     audio.InputContext
	capture   *capture.Pipeline
	handle    s2s.SessionHandle
	startedAt time.Time
	openedAt  time.Time
}

func newSession(parent context.Context, p *Phone, params sessionParams, cb Callbacks) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:        id,
		phone:     p,
		params:    params,
		cb:        cb,
		log:       observe.SessionLogger(parent, id).With("voice", params.voice),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		released:  make(chan struct{}),
		gain:      params.gain,
		startedAt: time.Now(),
	}
	s.state.Store(int32(StateConnecting))
	p.metrics.ActiveSessions.Add(context.Background(), 1)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session's goroutine has exited. By then teardown
// has completed and the callbacks have fired.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cause returns the error the session ended with. It is nil while the session
// is live and after a local hangup.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Hangup ends the session locally. OnEnded(nil) fires unless the session had
// already ended. Safe to call from any goroutine, including callbacks, any
// number of times. Resources are released before Hangup returns; the
// callbacks follow on the session goroutine.
func (s *Session) Hangup() {
	s.teardown(outcomeHangup, nil)
}

func (s *Session) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torn
}

func (s *Session) setGain(level float64) {
	s.mu.Lock()
	s.gain = level
	sched := s.sched
	s.mu.Unlock()
	if sched != nil {
		sched.SetGain(level)
	}
}

// notifyState reports st. It only runs on the session goroutine, so
// observers see transitions in order.
func (s *Session) notifyState(st State) {
	s.log.Debug("call: state changed", "state", st.String())
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(st)
	}
}

// attach runs fn under the session lock unless teardown already ran. The
// caller owns (and must release) whatever it tried to attach when attach
// reports false.
func (s *Session) attach(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return false
	}
	fn()
	return true
}

// run is the session actor. Every callback fires on this goroutine.
func (s *Session) run() {
	defer func() {
		// No-op unless an exit path skipped teardown.
		s.Hangup()
		<-s.released
		s.report()
		close(s.done)
	}()

	if s.params.prevDone != nil {
		select {
		case <-s.params.prevDone:
		case <-s.ctx.Done():
			s.Hangup()
			return
		}
	}

	handle, ok := s.open()
	if !ok {
		return
	}

	events := handle.Events()
	defer audio.Drain(events)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.teardown(outcomeRemote, &UnexpectedCloseError{Reason: "event stream ended"})
				return
			}
			if !s.dispatch(ev) {
				return
			}
		case <-s.ctx.Done():
			s.Hangup()
			return
		}
	}
}

// open acquires the output device, the input context and the remote channel,
// in that order. It reports false when the session ended along the way.
func (s *Session) open() (s2s.SessionHandle, bool) {
	cfg := s.phone.cfg
	if s.ended() {
		return nil, false
	}

	out, err := cfg.Output.OpenOutput(cfg.OutputFormat)
	if err != nil {
		var ode *audio.OutputDeviceError
		if !errors.As(err, &ode) {
			err = &audio.OutputDeviceError{Err: err}
		}
		s.fail(fmt.Errorf("call: open output: %w", err))
		return nil, false
	}
	sched := playback.New(out, cfg.OutputFormat, s.connected.Load,
		playback.WithMetrics(s.phone.metrics), playback.WithLogger(s.log))
	if !s.attach(func() {
		s.sched = sched
		sched.SetGain(s.gain)
	}) {
		_ = sched.Reset()
		return nil, false
	}

	input, err := cfg.Input.OpenInput()
	if err != nil {
		var mae *audio.MicrophoneAccessError
		if !errors.As(err, &mae) {
			err = &audio.MicrophoneAccessError{Err: err}
		}
		s.fail(fmt.Errorf("call: open input: %w", err))
		return nil, false
	}
	pipeline := capture.New(input, cfg.Capture, s.connected.Load,
		capture.WithMetrics(s.phone.metrics), capture.WithLogger(s.log))
	if !s.attach(func() {
		s.input = input
		s.capture = pipeline
	}) {
		_ = input.Close()
		return nil, false
	}

	handle, err := s.connect()
	if err != nil {
		if s.ctx.Err() != nil {
			// Hung up while connecting.
			s.Hangup()
			return nil, false
		}
		var ce *s2s.ConnectionError
		if !errors.As(err, &ce) {
			err = &s2s.ConnectionError{Provider: "unknown", Err: err}
		}
		s.fail(fmt.Errorf("call: %w", err))
		return nil, false
	}
	if !s.attach(func() { s.handle = handle }) {
		_ = handle.Close()
		return nil, false
	}
	return handle, true
}

func (s *Session) connect() (s2s.SessionHandle, error) {
	cfg := s.phone.cfg
	ctx, span := observe.StartSpan(s.ctx, "call.connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.String("voice", s.params.voice),
	)

	start := time.Now()
	handle, err := cfg.Provider.Connect(ctx, s2s.SessionConfig{
		Voice:        s.params.voice,
		Instructions: s.params.instructions,
		InputFormat:  cfg.Capture.Format,
		OutputFormat: cfg.OutputFormat,
	})
	s.phone.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return nil, err
	}
	return handle, nil
}

// dispatch handles one event and reports whether the loop should continue.
func (s *Session) dispatch(ev s2s.Event) bool {
	switch ev.Type {
	case s2s.EventOpen:
		return s.onOpen()

	case s2s.EventAudio:
		if !s.connected.Load() {
			return true
		}
		if s.cb.OnAudioActivity != nil {
			s.cb.OnAudioActivity()
		}
		return s.onAudio(ev.Chunk)

	case s2s.EventInterrupted:
		s.mu.Lock()
		sched := s.sched
		s.mu.Unlock()
		if sched != nil {
			sched.OnInterrupt()
		}
		s.log.Debug("call: interrupted")
		return true

	case s2s.EventClose:
		s.teardown(outcomeRemote, &UnexpectedCloseError{Reason: ev.Reason})
		return false

	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unspecified channel error")
		}
		s.fail(fmt.Errorf("call: channel: %w", err))
		return false
	}
	s.log.Debug("call: ignoring event", "type", ev.Type.String())
	return true
}

func (s *Session) onOpen() bool {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return false
	}
	if !s.openedAt.IsZero() {
		s.mu.Unlock()
		return true
	}
	pipeline, handle := s.capture, s.handle
	s.mu.Unlock()

	// Frames are dropped by the connected guard until the call is published.
	if err := pipeline.Start(handle); err != nil {
		if errors.Is(err, capture.ErrStopped) {
			return false
		}
		s.fail(fmt.Errorf("call: %w", err))
		return false
	}

	if !s.attach(func() {
		s.connected.Store(true)
		s.openedAt = time.Now()
		s.state.Store(int32(StateOpen))
	}) {
		return false
	}
	s.notifyState(StateOpen)
	s.log.Info("call connected", "setup", time.Since(s.startedAt).Round(time.Millisecond))
	return true
}

func (s *Session) onAudio(chunk s2s.InboundChunk) bool {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()

	_, err := sched.Enqueue(chunk)
	var sde *playback.StreamDecodeError
	switch {
	case err == nil, errors.Is(err, playback.ErrInactive):
		return true
	case errors.As(err, &sde):
		s.log.Warn("call: dropping undecodable chunk", "err", err)
		return true
	default:
		s.fail(fmt.Errorf("call: %w", err))
		return false
	}
}

type outcome int

const (
	outcomeHangup outcome = iota
	outcomeRemote
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeHangup:
		return "hangup"
	case outcomeRemote:
		return "remote_close"
	default:
		return "failed"
	}
}

func (s *Session) fail(err error) {
	s.teardown(outcomeFailed, err)
}

// teardown releases everything the session holds. The first call wins; later
// calls return immediately. The outcome is reported by the session goroutine
// once release has finished.
func (s *Session) teardown(o outcome, cause error) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	s.connected.Store(false)
	s.state.Store(int32(StateClosed))
	s.outcome = o
	s.cause = cause
	pipeline, sched, input, handle := s.capture, s.sched, s.input, s.handle
	s.mu.Unlock()

	s.cancel()

	var errs []error
	if pipeline != nil {
		errs = append(errs, pipeline.Stop())
	}
	if sched != nil {
		errs = append(errs, sched.Reset())
	}
	if input != nil {
		errs = append(errs, input.Close())
	}
	if handle != nil {
		errs = append(errs, handle.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("call: releasing resources", "err", err)
	}
	close(s.released)
}

// report records the outcome and fires the terminal callbacks.
func (s *Session) report() {
	s.mu.Lock()
	o, cause, openedAt := s.outcome, s.cause, s.openedAt
	s.mu.Unlock()

	var talk time.Duration
	if !openedAt.IsZero() {
		talk = time.Since(openedAt)
	}
	kind := ""
	if o == outcomeFailed {
		kind = KindOf(cause).String()
	}
	ctx := context.Background()
	s.phone.metrics.ActiveSessions.Add(ctx, -1)
	s.phone.metrics.RecordSessionEnded(ctx, o.String(), kind, talk)

	s.notifyState(StateClosed)
	switch o {
	case outcomeFailed:
		s.log.Error("call failed", "kind", kind, "err", cause, "duration", talk.Round(time.Second))
		if s.cb.OnFailed != nil {
			s.cb.OnFailed(cause)
		}
	default:
		s.log.Info("call ended", "outcome", o.String(), "cause", cause, "duration", talk.Round(time.Second))
		if s.cb.OnEnded != nil {
			s.cb.OnEnded(cause)
		}
	}
}
