package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(maxFailures int) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Minute,
		Now:          clk.Now,
	})
	return b, clk
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.halfOpenMax != 1 {
		t.Errorf("halfOpenMax = %d, want 1", b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	for range 2 {
		_ = b.Execute(fail)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", b.State())
	}
	_ = b.Execute(fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while open")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	_ = b.Execute(succeed)
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed: success should reset the count", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	t.Run("success closes", func(t *testing.T) {
		t.Parallel()
		b, clk := newTestBreaker(1)
		_ = b.Execute(fail)
		clk.Advance(time.Minute)
		if b.State() != StateHalfOpen {
			t.Fatalf("state = %v, want half-open after reset timeout", b.State())
		}
		if err := b.Execute(succeed); err != nil {
			t.Fatalf("probe: %v", err)
		}
		if b.State() != StateClosed {
			t.Errorf("state = %v, want closed after successful probe", b.State())
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		t.Parallel()
		b, clk := newTestBreaker(1)
		_ = b.Execute(fail)
		clk.Advance(time.Minute)
		_ = b.Execute(fail)
		if b.State() != StateOpen {
			t.Errorf("state = %v, want open after failed probe", b.State())
		}
		clk.Advance(30 * time.Second)
		if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("err = %v, want ErrCircuitOpen: reset timer restarts on reopen", err)
		}
	})

	t.Run("probe budget", func(t *testing.T) {
		t.Parallel()
		b, clk := newTestBreaker(1)
		_ = b.Execute(fail)
		clk.Advance(time.Minute)

		release := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_ = b.Execute(func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started
		if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("concurrent probe err = %v, want ErrCircuitOpen", err)
		}
		close(release)
	})
}

func TestBreaker_IgnoredErrors(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errTest) },
	})
	for range 3 {
		if err := b.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("err = %v, want errTest", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed: ignored errors must not trip", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1)
	_ = b.Execute(fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after Reset", b.State())
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(7):      "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(st), got, want)
		}
	}
}
