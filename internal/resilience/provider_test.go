package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/glyphone/pkg/provider/s2s"
	s2smock "github.com/MrWong99/glyphone/pkg/provider/s2s/mock"
)

func TestGuard_OpensOnConnectFailures(t *testing.T) {
	t.Parallel()
	inner := &s2smock.Provider{ConnectErr: &s2s.ConnectionError{Provider: "mock", Err: errors.New("refused")}}
	p := Guard(inner, "gemini-live", BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 2 {
		if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
			t.Fatal("expected connect error")
		}
	}
	if p.Breaker().State() != StateOpen {
		t.Fatalf("state = %v, want open", p.Breaker().State())
	}

	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	var ce *s2s.ConnectionError
	if !errors.As(err, &ce) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ConnectionError wrapping ErrCircuitOpen", err)
	}
	if ce.Provider != "gemini-live" {
		t.Errorf("provider = %q, want gemini-live", ce.Provider)
	}
	if got := inner.Connects(); got != 2 {
		t.Errorf("inner connects = %d, want 2", got)
	}
}

func TestGuard_CancelledDialDoesNotCount(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	inner := &s2smock.Provider{Gate: gate}
	p := Guard(inner, "mock", BreakerConfig{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if p.Breaker().State() != StateClosed {
		t.Errorf("state = %v, want closed", p.Breaker().State())
	}
}

func TestGuard_PassesThrough(t *testing.T) {
	t.Parallel()
	inner := &s2smock.Provider{ProviderCapabilities: s2s.Capabilities{InputSampleRate: 16000}}
	p := Guard(inner, "mock", BreakerConfig{})

	h, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: "Kore"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h == nil {
		t.Fatal("nil handle")
	}
	if inner.LastConfig().Voice != "Kore" {
		t.Error("session config not forwarded")
	}
	if p.Capabilities().InputSampleRate != 16000 {
		t.Error("capabilities not forwarded")
	}
}
