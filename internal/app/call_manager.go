package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glyphone/internal/call"
	"github.com/MrWong99/glyphone/internal/redial"
)

// ErrHungUp is returned by [CallManager.Dial] when the call was hung up
// locally before it connected.
var ErrHungUp = errors.New("app: hung up before the call connected")

// CallInfo holds metadata about the current or most recent call.
type CallInfo struct {
	// SessionID is the call's unique identifier.
	SessionID string

	// Voice is the prebuilt voice the call was placed with.
	Voice string

	// State is the call's last reported lifecycle state.
	State call.State

	// DialedAt is when the call was placed.
	DialedAt time.Time

	// ConnectedAt is when the remote side accepted the call. Zero until
	// then.
	ConnectedAt time.Time

	// EndedAt is when the call ended. Zero while it is live.
	EndedAt time.Time

	// Err is the fatal error or unexpected close the call ended with. nil
	// for a local hangup or a live call.
	Err error

	// Failed is true when the call ended on a fatal error.
	Failed bool
}

// Duration returns how long the call has been (or was) connected.
func (i CallInfo) Duration() time.Duration {
	if i.ConnectedAt.IsZero() {
		return 0
	}
	end := i.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(i.ConnectedAt)
}

// Status is delivered to [CallManagerConfig.OnStatus] on every change.
type Status struct {
	Info CallInfo

	// Failed is true when the call ended on a fatal error.
	Failed bool

	// Redialing is true when a redial cycle will follow the end of the call.
	Redialing bool
}

// CallManagerConfig holds the dependencies of a [CallManager].
type CallManagerConfig struct {
	Phone        *call.Phone
	Voice        string
	Instructions string

	// Redial configures automatic redialling. Zero MaxAttempts disables it.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration

	// OnStatus, if set, is called after every state change. It runs on the
	// session's goroutines and must not block.
	OnStatus func(Status)

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// CallManager places, tracks and ends calls on a [call.Phone], and redials
// dropped calls according to its policy. Only one call is live at a time.
// All exported methods are safe for concurrent use.
type CallManager struct {
	phone        *call.Phone
	redialer     *redial.Redialer
	voice        string
	instructions string
	onStatus     func(Status)
	log          *slog.Logger

	mu   sync.Mutex
	base context.Context
	info CallInfo
	have bool
	gen  uint64
}

// NewCallManager creates a CallManager.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	m := &CallManager{
		phone:        cfg.Phone,
		voice:        cfg.Voice,
		instructions: cfg.Instructions,
		onStatus:     cfg.OnStatus,
		log:          cfg.Logger,
		base:         context.Background(),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.redialer = redial.New(redial.Config{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		MaxBackoff:  cfg.MaxBackoff,
		Dial:        m.dialOnce,
		OnGiveUp: func(err error) {
			if !redial.IsAborted(err) {
				m.log.Warn("call: giving up on redial", "err", err)
			}
		},
		Logger: m.log,
	})
	return m
}

// Run binds calls to ctx and runs the redial monitor until ctx ends.
// Cancelling ctx hangs up the live call.
func (m *CallManager) Run(ctx context.Context) error {
	m.bind(ctx)
	return m.redialer.Run(ctx)
}

// bind makes ctx the parent of every call placed from now on.
func (m *CallManager) bind(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
}

// Dial places a call and blocks until it is connected, or until it ended
// and any redial cycle gave up. Dial returns [call.ErrSessionActive] while a
// call is live or being redialled.
func (m *CallManager) Dial(ctx context.Context) error {
	if m.phone.Active() || m.redialer.Redialing() {
		return call.ErrSessionActive
	}
	return m.redialer.Dial(ctx)
}

// Hangup ends the live call and cancels any redial in progress.
func (m *CallManager) Hangup() {
	m.redialer.Abort()
	m.phone.EndSession(nil)
}

// ToggleSpeaker switches the output gain between the earpiece and speaker
// presets and returns the new gain.
func (m *CallManager) ToggleSpeaker() float64 {
	next := call.GainSpeaker
	if m.phone.OutputGain() >= call.GainSpeaker {
		next = call.GainEarpiece
	}
	m.phone.SetOutputGain(next)
	return next
}

// Info returns the current or most recent call. ok is false before the first
// call was placed.
func (m *CallManager) Info() (info CallInfo, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, m.have
}

// Redialing reports whether a redial cycle is in progress.
func (m *CallManager) Redialing() bool { return m.redialer.Redialing() }

// Close stops the redial monitor and hangs up, waiting for teardown to
// finish or ctx to end.
func (m *CallManager) Close(ctx context.Context) error {
	m.redialer.Stop()
	return m.phone.Close(ctx)
}

// dialOnce places one call and waits until it connects or ends.
func (m *CallManager) dialOnce(ctx context.Context) error {
	m.mu.Lock()
	base := m.base
	prev, prevHave := m.info, m.have
	m.gen++
	gen := m.gen
	m.info = CallInfo{
		Voice:    m.voice,
		State:    call.StateConnecting,
		DialedAt: time.Now(),
	}
	m.have = true
	m.mu.Unlock()

	var (
		openOnce sync.Once
		opened   = make(chan struct{})
		early    = make(chan error, 1)
		mu       sync.Mutex
		isOpen   bool
	)
	finish := func(cause error, failed bool) {
		mu.Lock()
		wasOpen := isOpen
		mu.Unlock()

		redialing := wasOpen && m.redialer.NotifyDrop(cause)
		m.update(gen, func(i *CallInfo) {
			i.EndedAt = time.Now()
			i.State = call.StateClosed
			i.Err = cause
			i.Failed = failed
		}, failed, redialing)
		if !wasOpen {
			early <- cause
		}
	}

	s, err := m.phone.StartSession(base, m.voice, m.instructions, call.Callbacks{
		OnStateChange: func(st call.State) {
			if st != call.StateOpen {
				return
			}
			mu.Lock()
			isOpen = true
			mu.Unlock()
			m.update(gen, func(i *CallInfo) {
				i.State = call.StateOpen
				i.ConnectedAt = time.Now()
			}, false, false)
			openOnce.Do(func() { close(opened) })
		},
		OnEnded:  func(cause error) { finish(cause, false) },
		OnFailed: func(err error) { finish(err, true) },
	})
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.info, m.have = prev, prevHave
		}
		m.mu.Unlock()
		return fmt.Errorf("app: dial: %w", err)
	}

	m.mu.Lock()
	if m.gen == gen {
		m.info.SessionID = s.ID()
	}
	m.mu.Unlock()
	m.log.Info("dialling", "session_id", s.ID(), "voice", m.voice)

	select {
	case <-opened:
		return nil
	case cause := <-early:
		if cause == nil {
			return ErrHungUp
		}
		return cause
	case <-ctx.Done():
		s.Hangup()
		return ctx.Err()
	}
}

// update applies fn to the tracked call and reports the new status. Updates
// from a call that has since been superseded are dropped.
func (m *CallManager) update(gen uint64, fn func(*CallInfo), failed, redialing bool) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	fn(&m.info)
	st := Status{Info: m.info, Failed: failed, Redialing: redialing}
	m.mu.Unlock()
	if m.onStatus != nil {
		m.onStatus(st)
	}
}
