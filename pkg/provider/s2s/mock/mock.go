// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject inbound events and inspect which packets were sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventOpen})
package mock

import (
	"context"
	"sync"

	audiomock "github.com/MrWong99/glyphone/pkg/audio/mock"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session from NewSession.
	Session *Session

	// Fresh makes every Connect return a new Session, replacing Session.
	// Dialled sessions are available through Sessions.
	Fresh bool

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until the channel is closed or
	// the context is cancelled. It simulates a slow handshake.
	Gate <-chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	dialled []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &s2s.ConnectionError{Provider: "mock", Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil || p.Fresh {
		p.Session = NewSession()
	}
	p.dialled = append(p.dialled, p.Session)
	return p.Session, nil
}

// Sessions returns every session handed out by Connect, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.dialled))
	copy(out, p.dialled)
	return out
}

// Current returns the session the next or most recent Connect returns.
func (p *Provider) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Session
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Connects returns the number of recorded Connect calls.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConfig returns the SessionConfig of the most recent Connect call.
func (p *Provider) LastConfig() s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return s2s.SessionConfig{}
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Cfg
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Like the real
// providers it closes its event channel on Close; Emit after Close is a no-op.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool

	// Journal, if set, receives a "channel.close" entry on the first Close.
	Journal *audiomock.Journal

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendCalls records every packet passed to Send in order.
	SendCalls []s2s.OutboundPacket

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// sent is signalled (non-blocking) after every Send.
	sent chan struct{}
}

// NewSession returns a Session with a DefaultEventBuffer-sized event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, s2s.DefaultEventBuffer),
		sent:   make(chan struct{}, 1),
	}
}

// Send records the packet and returns SendErr.
func (s *Session) Send(pkt s2s.OutboundPacket) error {
	s.mu.Lock()
	s.SendCalls = append(s.SendCalls, pkt)
	err := s.SendErr
	s.mu.Unlock()
	select {
	case s.sent <- struct{}{}:
	default:
	}
	return err
}

// Sent returns a channel that receives a value after Send calls. Multiple
// sends between receives coalesce into one signal.
func (s *Session) Sent() <-chan struct{} { return s.sent }

// Packets returns a copy of SendCalls.
func (s *Session) Packets() []s2s.OutboundPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.OutboundPacket, len(s.SendCalls))
	copy(out, s.SendCalls)
	return out
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Emit delivers ev to the consumer. It reports false if the session is
// closed. Terminal events (close, error) also close the channel, as the real
// providers do.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	if ev.Type == s2s.EventClose || ev.Type == s2s.EventError {
		s.closed = true
		close(s.events)
	}
	return true
}

// Close records the call, closes the event channel once and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	first := s.CloseCallCount == 1
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	j := s.Journal
	s.mu.Unlock()
	if first {
		j.Record("channel.close")
	}
	return s.CloseErr
}

// Closes returns CloseCallCount.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
