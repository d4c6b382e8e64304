// Package app wires the glyphone subsystems into a running softphone.
//
// The App owns the full lifecycle: New builds the phone, the call manager and
// the admin HTTP surface; Run serves HTTP, runs the redial monitor and
// optionally places the first call; Shutdown hangs up and flushes telemetry.
//
// For testing, inject doubles through [Devices], the provider argument and
// the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glyphone/internal/call"
	"github.com/MrWong99/glyphone/internal/capture"
	"github.com/MrWong99/glyphone/internal/config"
	"github.com/MrWong99/glyphone/internal/health"
	"github.com/MrWong99/glyphone/internal/observe"
	"github.com/MrWong99/glyphone/internal/resilience"
	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

// serverShutdownTimeout bounds the admin server's graceful shutdown.
const serverShutdownTimeout = 5 * time.Second

// Devices holds the audio back-ends.
type Devices struct {
	Input  audio.InputSystem
	Output audio.OutputSystem
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider *resilience.Provider
	devices  Devices

	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	level     *slog.LevelVar
	log       *slog.Logger
	onStatus  func(Status)
	autoDial  bool

	phone   *call.Phone
	calls   *CallManager
	health  *health.Handler
	handler http.Handler

	mu       sync.Mutex
	addr     net.Addr
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry enables /metrics and flushes t on Shutdown.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithStatusHandler receives every call status change.
func WithStatusHandler(fn func(Status)) Option {
	return func(a *App) { a.onStatus = fn }
}

// WithAutoDial places a call as soon as Run starts.
func WithAutoDial(enabled bool) Option {
	return func(a *App) { a.autoDial = enabled }
}

// New creates an App for cfg. cfg must already carry its defaults.
func New(cfg *config.Config, provider s2s.Provider, devices Devices, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: provider is required")
	}
	if devices.Input == nil || devices.Output == nil {
		return nil, errors.New("app: input and output devices are required")
	}

	a := &App{
		cfg:     cfg,
		devices: devices,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	a.provider = resilience.Guard(provider, cfg.Provider.Name, resilience.BreakerConfig{
		MaxFailures:  cfg.Provider.Breaker.MaxFailures,
		ResetTimeout: cfg.Provider.Breaker.ResetTimeout,
		Logger:       a.log,
	})
	if caps := provider.Capabilities(); len(caps.Voices) > 0 && !caps.HasVoice(cfg.Call.Voice) {
		a.log.Warn("voice not advertised by provider", "voice", cfg.Call.Voice, "provider", cfg.Provider.Name, "voices", caps.Voices)
	}

	a.phone = call.NewPhone(call.Config{
		Provider: a.provider,
		Input:    devices.Input,
		Output:   devices.Output,
		Capture: capture.Config{
			Format:    audio.Mono(cfg.Audio.InputSampleRate),
			FrameSize: cfg.Audio.FrameSize,
			QueueSize: cfg.Audio.CaptureQueue,
		},
		OutputFormat: audio.Mono(cfg.Audio.OutputSampleRate),
		Gain:         cfg.Audio.OutputGain,
		Metrics:      a.metrics,
		Logger:       a.log,
	})

	a.calls = NewCallManager(CallManagerConfig{
		Phone:        a.phone,
		Voice:        cfg.Call.Voice,
		Instructions: Instructions(cfg.Call),
		MaxAttempts:  cfg.Call.Redial.MaxAttempts,
		Backoff:      cfg.Call.Redial.Backoff,
		MaxBackoff:   cfg.Call.Redial.MaxBackoff,
		OnStatus:     a.onStatus,
		Logger:       a.log,
	})

	a.health = health.New(
		health.Checker{Name: "provider", Check: a.checkProvider},
		health.Checker{Name: "call", Check: a.checkCall},
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// Calls returns the call manager.
func (a *App) Calls() *CallManager { return a.calls }

// Health returns the readiness handler.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the admin HTTP handler serving /healthz, /readyz and, with
// telemetry, /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the admin server's bound address, or nil before Run or when
// the server is disabled.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run serves the admin endpoints and supervises calls until ctx is
// cancelled. It returns nil on cancellation and an error when the admin
// listener fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.calls.bind(gctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", addr, err)
		}
		a.mu.Lock()
		a.addr = ln.Addr()
		a.mu.Unlock()

		srv := &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("admin server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error { return a.calls.Run(gctx) })

	if a.autoDial {
		g.Go(func() error {
			if err := a.calls.Dial(gctx); err != nil && gctx.Err() == nil {
				a.log.Warn("call: dial failed", "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Shutdown hangs up the live call and flushes telemetry. Safe to call more
// than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		var errs []error
		if e := a.calls.Close(ctx); e != nil {
			errs = append(errs, fmt.Errorf("app: close calls: %w", e))
		}
		if a.telemetry != nil {
			if e := a.telemetry.Shutdown(ctx); e != nil {
				errs = append(errs, fmt.Errorf("app: shutdown telemetry: %w", e))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// ApplyConfig applies the live-reloadable differences between old and new
// and logs the ones that need a restart. It is the [config.Watcher]
// callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("config: log level changed", "level", string(d.NewLogLevel))
	}
	if d.OutputGainChanged {
		a.phone.SetOutputGain(d.NewOutputGain)
		a.log.Info("config: output gain changed", "gain", d.NewOutputGain)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config: changes take effect after restart", "keys", d.RestartRequired)
	}
}

func (a *App) checkProvider(context.Context) error {
	if a.cfg.Provider.APIKey == "" {
		return fmt.Errorf("no api key configured for %s", a.cfg.Provider.Name)
	}
	if st := a.provider.Breaker().State(); st == resilience.StateOpen {
		return fmt.Errorf("connection circuit %s after repeated failures", st)
	}
	return nil
}

func (a *App) checkCall(context.Context) error {
	info, ok := a.calls.Info()
	if !ok || !info.Failed || a.calls.Redialing() {
		return nil
	}
	return fmt.Errorf("last call failed (%s): %v", call.KindOf(info.Err), info.Err)
}
