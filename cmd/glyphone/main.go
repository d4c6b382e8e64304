// Command glyphone is a terminal softphone that calls a real-time AI voice.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/glyphone/internal/app"
	"github.com/MrWong99/glyphone/internal/call"
	"github.com/MrWong99/glyphone/internal/config"
	"github.com/MrWong99/glyphone/internal/observe"
	"github.com/MrWong99/glyphone/pkg/audio/miniaudio"
	"github.com/MrWong99/glyphone/pkg/audio/speaker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "glyphone.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	voice := flag.String("voice", "", "prebuilt voice to call (overrides call.voice)")
	instructions := flag.String("instructions", "", "persona prompt (overrides call.instructions)")
	noDial := flag.Bool("no-dial", false, "start idle instead of calling immediately")
	flag.Parse()

	// ── Secrets ───────────────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "glyphone: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "glyphone: %v\n", err)
		return 1
	}
	if *voice != "" {
		cfg.Call.Voice = *voice
	}
	if *instructions != "" {
		cfg.Call.Instructions = *instructions
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("glyphone starting",
		"version", version,
		"config", watchPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	provider, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	application, err := app.New(cfg, provider,
		app.Devices{Input: miniaudio.New(), Output: speaker.New()},
		app.WithMetrics(metrics),
		app.WithTelemetry(tel),
		app.WithLevelVar(&level),
		app.WithStatusHandler(printStatus),
		app.WithAutoDial(!*noDial),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Live reload ───────────────────────────────────────────────────────────
	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config live reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg)
	go readCommands(ctx, os.Stdin, application, stop)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		stop()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig loads path. A missing file at the default path falls back to
// the built-in defaults; watchPath is empty in that case.
func loadConfig(path string) (cfg *config.Config, watchPath string, err error) {
	cfg, err = config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || path != defaultConfigPath {
		return nil, "", err
	}
	cfg = config.Default()
	config.ApplyEnv(cfg, os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// ── Commands ──────────────────────────────────────────────────────────────────

const helpText = `commands:
  call      place a call
  hangup    end the call (alias: h)
  speaker   toggle earpiece / speaker volume
  status    show the call and readiness
  quit      hang up and exit (alias: q)`

// readCommands runs the interactive command loop until r is exhausted or ctx
// ends. quit cancels the application.
func readCommands(ctx context.Context, r io.Reader, a *app.App, quit func()) {
	calls := a.Calls()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch cmd := strings.ToLower(strings.TrimSpace(sc.Text())); cmd {
		case "":
		case "call", "dial":
			go func() {
				if err := calls.Dial(ctx); err != nil && ctx.Err() == nil {
					fmt.Printf("✗ call failed: %v\n", err)
				}
			}()
		case "hangup", "h":
			calls.Hangup()
		case "speaker":
			if calls.ToggleSpeaker() >= call.GainSpeaker {
				fmt.Println("🔊 speaker on")
			} else {
				fmt.Println("🔈 earpiece")
			}
		case "status":
			printCallInfo(calls)
			rep := a.Health().Evaluate(ctx)
			for _, name := range rep.Names() {
				fmt.Printf("  %-9s %s\n", name, rep.Checks[name])
			}
		case "q", "quit", "exit":
			calls.Hangup()
			quit()
			return
		case "help", "?":
			fmt.Println(helpText)
		default:
			fmt.Printf("unknown command %q\n%s\n", cmd, helpText)
		}
	}
}

// ── Output ────────────────────────────────────────────────────────────────────

func printStatus(s app.Status) {
	switch s.Info.State {
	case call.StateOpen:
		fmt.Printf("📞 connected (%s)\n", s.Info.Voice)
	case call.StateClosed:
		d := s.Info.Duration().Round(time.Second)
		switch {
		case s.Failed:
			fmt.Printf("✗ call failed after %s: %v\n", d, s.Info.Err)
		case s.Info.Err != nil:
			fmt.Printf("☎ call dropped after %s: %v\n", d, s.Info.Err)
		default:
			fmt.Printf("☎ call ended after %s\n", d)
		}
		if s.Redialing {
			fmt.Println("↻ redialling…")
		}
	}
}

func printCallInfo(calls *app.CallManager) {
	info, ok := calls.Info()
	if !ok {
		fmt.Println("no call placed yet")
		return
	}
	fmt.Printf("call %s: %s, voice %s, connected %s\n",
		info.SessionID, info.State, info.Voice, info.Duration().Round(time.Second))
	if calls.Redialing() {
		fmt.Println("redialling…")
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Glyphone — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Model", orDefault(cfg.Provider.Model))
	printRow("Voice", cfg.Call.Voice)
	printRow("Input rate", fmt.Sprintf("%d Hz", cfg.Audio.InputSampleRate))
	printRow("Frame size", fmt.Sprintf("%d samples", cfg.Audio.FrameSize))
	printRow("Volume", fmt.Sprintf("%.1f", cfg.Audio.OutputGain))
	if cfg.Call.Redial.MaxAttempts > 0 {
		printRow("Redial", fmt.Sprintf("%d attempts", cfg.Call.Redial.MaxAttempts))
	} else {
		printRow("Redial", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("type \"help\" for commands")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}
