// Package resilience guards the voice provider against repeated connection
// failures.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Guard] wraps an [s2s.Provider] so that, once the remote service has failed
// to accept MaxFailures calls in a row, further dials fail fast with a
// *s2s.ConnectionError until the reset timeout has passed and a probe call
// succeeds.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take their defaults.
type BreakerConfig struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1, since calls are placed one at a time.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Default:
	// every non-nil error.
	IsFailure func(error) bool

	// Now defaults to [time.Now].
	Now func() time.Time

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Breaker implements the circuit breaker pattern. It is safe for concurrent
// use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	now          func() time.Time
	log          *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probes       int
	probeSuccess int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		now:          cfg.Now,
		log:          cfg.Logger,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 5
	}
	if b.resetTimeout <= 0 {
		b.resetTimeout = 30 * time.Second
	}
	if b.halfOpenMax <= 0 {
		b.halfOpenMax = 1
	}
	if b.isFailure == nil {
		b.isFailure = func(err error) bool { return err != nil }
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Execute runs fn unless the breaker is open. It returns [ErrCircuitOpen]
// without calling fn while open, and while half-open once the probe budget
// is in flight.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.probeSuccess = 0, 0
		b.log.Info("circuit half-open, probing", "name", b.name)
	}
	probe := b.state == StateHalfOpen
	if probe {
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probes++
	}
	b.mu.Unlock()

	err := fn()
	failed := err != nil && b.isFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case probe && failed:
		b.trip()
	case probe && err == nil:
		b.probeSuccess++
		if b.probeSuccess >= b.halfOpenMax {
			b.state = StateClosed
			b.failures = 0
			b.log.Info("circuit closed", "name", b.name)
		}
	case probe:
		// Neither a success nor a counted failure; free the probe slot.
		b.probes--
	case failed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	case err == nil:
		b.failures = 0
	}
	return err
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.maxFailures
	b.log.Warn("circuit opened", "name", b.name, "reset_timeout", b.resetTimeout)
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes, b.probeSuccess = 0, 0
}
