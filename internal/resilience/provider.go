package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

// Provider is an [s2s.Provider] whose Connect is guarded by a [Breaker].
type Provider struct {
	s2s.Provider
	name    string
	breaker *Breaker
}

// Guard wraps p. Cancelled or timed-out dials do not count as failures.
// name labels the *s2s.ConnectionError returned while the circuit is open.
func Guard(p s2s.Provider, name string, cfg BreakerConfig) *Provider {
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = isConnectFailure
	}
	return &Provider{Provider: p, name: name, breaker: NewBreaker(cfg)}
}

// Connect dials through the breaker.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var handle s2s.SessionHandle
	err := p.breaker.Execute(func() error {
		var err error
		handle, err = p.Provider.Connect(ctx, cfg)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &s2s.ConnectionError{Provider: p.name, Err: err}
	}
	return handle, err
}

// Breaker exposes the breaker for readiness checks.
func (p *Provider) Breaker() *Breaker { return p.breaker }

func isConnectFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
