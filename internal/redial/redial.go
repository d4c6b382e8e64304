// Package redial implements the caller-side redial policy for dropped calls.
//
// The call core never retries. A [Redialer] sits next to it: the caller
// reports drops through [Redialer.NotifyDrop] and the monitor goroutine
// started by [Redialer.Run] dials again with exponential backoff, as long as
// the cause is a connection failure or an unexpected remote close.
package redial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glyphone/internal/call"
)

// Default backoff parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// DialFunc places one call and blocks until it is connected (nil) or ended
// before connecting (the cause).
type DialFunc func(ctx context.Context) error

// Config configures a [Redialer].
type Config struct {
	// MaxAttempts is the number of redials per drop. Zero disables
	// redialling.
	MaxAttempts int

	// Backoff is the delay before the first redial. It doubles per attempt
	// up to MaxBackoff. Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s.
	MaxBackoff time.Duration

	// Dial places a call.
	Dial DialFunc

	// OnGiveUp is called when a redial cycle ends without a connected call.
	// May be nil.
	OnGiveUp func(error)

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// ExhaustedError reports that every redial attempt of a cycle failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("redial: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retryable reports whether a call that ended with cause is worth redialling.
// Only connection failures and unexpected remote closes qualify; a local
// hangup (nil), device errors and remote-reported errors do not.
func Retryable(cause error) bool {
	switch call.KindOf(cause) {
	case call.KindConnection, call.KindUnexpectedClose:
		return true
	}
	return false
}

// Redialer redials dropped calls. All methods are safe for concurrent use.
type Redialer struct {
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	dial        DialFunc
	onGiveUp    func(error)
	log         *slog.Logger

	drops    chan error
	done     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	abortCycle  context.CancelFunc
	cycleActive bool
}

// New returns a [Redialer]. It does nothing until [Redialer.Run] is called.
func New(cfg Config) *Redialer {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Redialer{
		maxAttempts: max(cfg.MaxAttempts, 0),
		backoff:     backoff,
		maxBackoff:  max(maxBackoff, backoff),
		dial:        cfg.Dial,
		onGiveUp:    cfg.OnGiveUp,
		log:         log,
		drops:       make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// Enabled reports whether any redial will ever be attempted.
func (r *Redialer) Enabled() bool { return r.maxAttempts > 0 }

// Dial places a call now. A retryable failure starts a redial cycle in the
// calling goroutine; Dial returns once a call is connected, the cycle is
// exhausted or aborted, or ctx ends.
func (r *Redialer) Dial(ctx context.Context) error {
	err := r.dial(ctx)
	if err == nil || !r.Enabled() || !Retryable(err) {
		return err
	}
	return r.cycle(ctx, err)
}

// NotifyDrop reports that a connected call ended with cause. It returns true
// when a redial cycle will follow. Only one pending drop is kept.
func (r *Redialer) NotifyDrop(cause error) bool {
	if !r.Enabled() || !Retryable(cause) {
		return false
	}
	select {
	case r.drops <- cause:
	default:
	}
	return true
}

// Abort cancels the redial cycle in progress, if any. A later drop starts a
// new cycle.
func (r *Redialer) Abort() {
	r.mu.Lock()
	cancel := r.abortCycle
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// Discard a drop that arrived but has not been picked up yet.
	select {
	case <-r.drops:
	default:
	}
}

// Redialing reports whether a redial cycle is in progress.
func (r *Redialer) Redialing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycleActive
}

// Run waits for drops and redials until ctx ends or [Redialer.Stop] is
// called. It always returns nil.
func (r *Redialer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case cause := <-r.drops:
			if err := r.cycle(ctx, cause); err != nil && r.onGiveUp != nil {
				r.onGiveUp(err)
			}
		}
	}
}

// Stop ends [Redialer.Run] and aborts any cycle in progress. Safe to call
// multiple times.
func (r *Redialer) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.Abort()
}

// cycle redials up to maxAttempts times with exponential backoff.
func (r *Redialer) cycle(parent context.Context, cause error) error {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.abortCycle = cancel
	r.cycleActive = true
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.abortCycle = nil
		r.cycleActive = false
		r.mu.Unlock()
	}()

	wait := r.backoff
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.log.Info("redialling",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"backoff", wait,
			"cause", cause,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.done:
			timer.Stop()
			return context.Canceled
		case <-timer.C:
		}

		err := r.dial(ctx)
		if err == nil {
			r.log.Info("redial successful", "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) {
			r.log.Warn("redial stopped on non-retryable error", "attempt", attempt, "err", err)
			return err
		}
		r.log.Warn("redial attempt failed", "attempt", attempt, "err", err)

		cause = err
		wait = min(wait*2, r.maxBackoff)
	}

	err := &ExhaustedError{Attempts: r.maxAttempts, Last: cause}
	r.log.Error("redial failed after max attempts", "max_attempts", r.maxAttempts, "err", cause)
	return err
}

// IsAborted reports whether err came from an aborted or cancelled cycle.
func IsAborted(err error) bool {
	return errors.Is(err, context.Canceled)
}
