package redial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/glyphone/internal/call"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

var (
	errConn   = &s2s.ConnectionError{Provider: "mock", Err: errors.New("refused")}
	errClosed = &call.UnexpectedCloseError{Reason: "bye"}
	errRemote = &s2s.RemoteError{Provider: "mock", Message: "quota"}
)

// scriptedDial returns the scripted results in order, then nil.
type scriptedDial struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (d *scriptedDial) dial(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil
	}
	err := d.results[0]
	d.results = d.results[1:]
	return err
}

func (d *scriptedDial) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestRedialer(maxAttempts int, d *scriptedDial, onGiveUp func(error)) *Redialer {
	return New(Config{
		MaxAttempts: maxAttempts,
		Backoff:     time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		Dial:        d.dial,
		OnGiveUp:    onGiveUp,
	})
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		cause error
		want  bool
	}{
		{"hangup", nil, false},
		{"connection", errConn, true},
		{"unexpected close", errClosed, true},
		{"remote error", errRemote, false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Retryable(tt.cause); got != tt.want {
				t.Errorf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	r := New(Config{Dial: func(context.Context) error { return nil }})
	if r.Enabled() {
		t.Error("zero MaxAttempts should disable redialling")
	}
	if r.backoff != time.Second {
		t.Errorf("backoff = %v, want 1s", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("maxBackoff = %v, want 30s", r.maxBackoff)
	}
}

func TestDial_DisabledReturnsFirstError(t *testing.T) {
	t.Parallel()
	d := &scriptedDial{results: []error{errConn}}
	r := newTestRedialer(0, d, nil)
	if err := r.Dial(context.Background()); !errors.Is(err, errConn) {
		t.Fatalf("Dial = %v, want errConn", err)
	}
	if d.count() != 1 {
		t.Errorf("dial calls = %d, want 1", d.count())
	}
}

func TestDial_RetriesUntilConnected(t *testing.T) {
	t.Parallel()
	d := &scriptedDial{results: []error{errConn, errConn}}
	r := newTestRedialer(5, d, nil)
	if err := r.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if d.count() != 3 {
		t.Errorf("dial calls = %d, want 3", d.count())
	}
}

func TestDial_Exhausted(t *testing.T) {
	t.Parallel()
	d := &scriptedDial{results: []error{errConn, errConn, errClosed, errConn}}
	r := newTestRedialer(2, d, nil)
	err := r.Dial(context.Background())
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("Dial = %v, want ExhaustedError", err)
	}
	if ex.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", ex.Attempts)
	}
	if call.KindOf(err) != call.KindUnexpectedClose {
		t.Errorf("last cause kind = %v, want unexpected close", call.KindOf(err))
	}
	if d.count() != 3 {
		t.Errorf("dial calls = %d, want 3", d.count())
	}
}

func TestDial_StopsOnNonRetryable(t *testing.T) {
	t.Parallel()
	d := &scriptedDial{results: []error{errConn, errRemote, errConn}}
	r := newTestRedialer(5, d, nil)
	if err := r.Dial(context.Background()); !errors.Is(err, errRemote) {
		t.Fatalf("Dial = %v, want errRemote", err)
	}
	if d.count() != 2 {
		t.Errorf("dial calls = %d, want 2", d.count())
	}
}

func TestNotifyDrop(t *testing.T) {
	t.Parallel()
	d := &scriptedDial{}
	r := newTestRedialer(3, d, nil)

	if r.NotifyDrop(nil) {
		t.Error("hangup should not trigger a redial")
	}
	if r.NotifyDrop(errRemote) {
		t.Error("remote error should not trigger a redial")
	}
	if !r.NotifyDrop(errClosed) {
		t.Error("unexpected close should trigger a redial")
	}
	// Only one drop is kept.
	if !r.NotifyDrop(errConn) {
		t.Error("second drop should still report a pending redial")
	}

	disabled := newTestRedialer(0, d, nil)
	if disabled.NotifyDrop(errClosed) {
		t.Error("disabled redialer accepted a drop")
	}
}

func TestRun_RedialsAfterDrop(t *testing.T) {
	t.Parallel()
	d := &scriptedDial{results: []error{errConn}}
	r := newTestRedialer(3, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	r.NotifyDrop(errClosed)
	deadline := time.After(2 * time.Second)
	for d.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("dial calls = %d, want 2", d.count())
		case <-time.After(time.Millisecond):
		}
	}

	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRun_GiveUpCallback(t *testing.T) {
	t.Parallel()
	d := &scriptedDial{results: []error{errConn, errConn}}
	gaveUp := make(chan error, 1)
	r := newTestRedialer(2, d, func(err error) { gaveUp <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	r.NotifyDrop(errClosed)
	select {
	case err := <-gaveUp:
		var ex *ExhaustedError
		if !errors.As(err, &ex) {
			t.Errorf("OnGiveUp got %v, want ExhaustedError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnGiveUp was not called")
	}
}

func TestAbort_CancelsCycle(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	r := New(Config{
		MaxAttempts: 3,
		Backoff:     time.Hour,
		Dial: func(context.Context) error {
			calls.Add(1)
			return errConn
		},
	})

	errc := make(chan error, 1)
	go func() { errc <- r.Dial(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for !r.Redialing() {
		select {
		case <-deadline:
			t.Fatal("cycle never started")
		case <-time.After(time.Millisecond):
		}
	}
	r.Abort()

	select {
	case err := <-errc:
		if !IsAborted(err) {
			t.Errorf("Dial = %v, want aborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return after Abort")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
	if r.Redialing() {
		t.Error("Redialing = true after abort")
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	r := newTestRedialer(1, &scriptedDial{}, nil)
	r.Stop()
	r.Stop()
	if err := r.Run(context.Background()); err != nil {
		t.Errorf("Run after Stop = %v", err)
	}
}
