package call

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glyphone/internal/capture"
	"github.com/MrWong99/glyphone/internal/observe"
	"github.com/MrWong99/glyphone/pkg/audio"
	audiomock "github.com/MrWong99/glyphone/pkg/audio/mock"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
	s2smock "github.com/MrWong99/glyphone/pkg/provider/s2s/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// harness wires a Phone to recording mocks that share one journal.
type harness struct {
	journal  *audiomock.Journal
	clock    *audiomock.Clock
	device   *audiomock.OutputDevice
	output   *audiomock.Output
	inputCtx *audiomock.InputContext
	input    *audiomock.Input
	channel  *s2smock.Session
	provider *s2smock.Provider
	reader   *sdkmetric.ManualReader
	phone    *Phone
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		journal: &audiomock.Journal{},
		clock:   &audiomock.Clock{},
	}
	h.device = &audiomock.OutputDevice{Clock: h.clock, Journal: h.journal}
	h.output = &audiomock.Output{Device: h.device}
	h.inputCtx = &audiomock.InputContext{Journal: h.journal}
	h.input = &audiomock.Input{Context: h.inputCtx}
	h.channel = s2smock.NewSession()
	h.channel.Journal = h.journal
	h.provider = &s2smock.Provider{
		Session: h.channel,
		ProviderCapabilities: s2s.Capabilities{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			DefaultVoice:     "Kore",
		},
	}

	h.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h.phone = NewPhone(Config{
		Provider: h.provider,
		Input:    h.input,
		Output:   h.output,
		Capture:  capture.Config{FrameSize: 4},
		Metrics:  m,
	})
	t.Cleanup(func() { _ = h.phone.Close(context.Background()) })
	return h
}

// start begins a session and waits until the provider was dialled.
func (h *harness) start(t *testing.T, rec *recorder) *Session {
	t.Helper()
	s, err := h.phone.StartSession(context.Background(), "Kore", "be brief", rec.callbacks())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "connect", func() bool { return h.provider.Connects() >= 1 })
	return s
}

// open starts a session and drives it to StateOpen with capture running.
func (h *harness) open(t *testing.T, rec *recorder) *Session {
	t.Helper()
	s := h.start(t, rec)
	h.channel.Emit(s2s.Event{Type: s2s.EventOpen})
	waitFor(t, "open", func() bool { return s.State() == StateOpen })
	if h.inputCtx.Microphone() == nil {
		t.Fatal("open before the microphone was acquired")
	}
	return s
}

func (h *harness) assertReleasedOnce(t *testing.T) {
	t.Helper()
	if got := h.device.Closes(); got != 1 {
		t.Errorf("output closes = %d, want 1", got)
	}
	if got := h.inputCtx.Closes(); got != 1 {
		t.Errorf("input closes = %d, want 1", got)
	}
	if got := h.channel.Closes(); got != 1 {
		t.Errorf("channel closes = %d, want 1", got)
	}
	if mic := h.inputCtx.Microphone(); mic != nil && mic.Closes() != 1 {
		t.Errorf("microphone closes = %d, want 1", mic.Closes())
	}
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	ended    []error
	failed   []error
	states   []State
	activity int

	onActivity func()
	onState    func(State)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStateChange: func(st State) {
			r.mu.Lock()
			r.states = append(r.states, st)
			fn := r.onState
			r.mu.Unlock()
			if fn != nil {
				fn(st)
			}
		},
		OnAudioActivity: func() {
			r.mu.Lock()
			r.activity++
			fn := r.onActivity
			r.mu.Unlock()
			if fn != nil {
				fn()
			}
		},
		OnEnded: func(cause error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended = append(r.ended, cause)
		},
		OnFailed: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed = append(r.failed, err)
		},
	}
}

func (r *recorder) results() (ended, failed []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ended), slices.Clone(r.failed)
}

// failure asserts that exactly one OnFailed and no OnEnded fired, and returns
// the error.
func (r *recorder) failure(t *testing.T) error {
	t.Helper()
	ended, failed := r.results()
	if len(ended) != 0 || len(failed) != 1 {
		t.Fatalf("ended = %v, failed = %v; want exactly one failure", ended, failed)
	}
	return failed[0]
}

// ending asserts that exactly one OnEnded and no OnFailed fired, and returns
// the cause.
func (r *recorder) ending(t *testing.T) error {
	t.Helper()
	ended, failed := r.results()
	if len(ended) != 1 || len(failed) != 0 {
		t.Fatalf("ended = %v, failed = %v; want exactly one ending", ended, failed)
	}
	return ended[0]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session goroutine did not exit")
	}
}

func speech(samples int) s2s.Event {
	return s2s.Event{Type: s2s.EventAudio, Chunk: s2s.InboundChunk{
		MIMEType: "audio/pcm;rate=24000",
		Data:     audio.ToTransportText(audio.Encode(make([]float32, samples))),
	}}
}

func TestSession_CallAndHangup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	cfg := h.provider.LastConfig()
	if cfg.Voice != "Kore" || cfg.Instructions != "be brief" {
		t.Errorf("session config = %+v", cfg)
	}
	if cfg.InputFormat != audio.Mono(16000) || cfg.OutputFormat != audio.Mono(24000) {
		t.Errorf("formats = %v / %v", cfg.InputFormat, cfg.OutputFormat)
	}

	h.inputCtx.Emit([]float32{0.1, 0.2, 0.3, 0.4})
	waitFor(t, "outbound packet", func() bool { return len(h.channel.Packets()) == 1 })
	if got := h.channel.Packets()[0].MIMEType; got != "audio/pcm;rate=16000" {
		t.Errorf("packet MIME = %q", got)
	}

	h.channel.Emit(speech(2400))
	waitFor(t, "playback", func() bool { return len(h.device.Plays()) == 1 })

	s.Hangup()
	waitDone(t, s)

	if cause := rec.ending(t); cause != nil {
		t.Errorf("cause = %v, want nil for local hangup", cause)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	rec.mu.Lock()
	if rec.activity != 1 {
		t.Errorf("audio activity = %d, want 1", rec.activity)
	}
	if want := []State{StateOpen, StateClosed}; !slices.Equal(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
	rec.mu.Unlock()

	want := []string{"microphone.open", "microphone.close", "output.close", "input.close", "channel.close"}
	if got := h.journal.Entries(); !slices.Equal(got, want) {
		t.Errorf("release order = %v, want %v", got, want)
	}
	h.assertReleasedOnce(t)
}

func TestSession_ConcurrentHangupReleasesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.Hangup()
			} else {
				h.phone.EndSession(nil)
			}
		}()
	}
	wg.Wait()
	waitDone(t, s)

	rec.ending(t)
	h.assertReleasedOnce(t)
}

func TestSession_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.inputCtx.MicrophoneError = &audio.MicrophoneAccessError{Err: errors.New("permission denied")}
	rec := &recorder{}
	s := h.start(t, rec)

	h.channel.Emit(s2s.Event{Type: s2s.EventOpen})
	waitDone(t, s)

	if kind := KindOf(rec.failure(t)); kind != KindMicrophoneAccess {
		t.Errorf("kind = %v, want microphone_access", kind)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	rec.mu.Lock()
	if want := []State{StateClosed}; !slices.Equal(rec.states, want) {
		t.Errorf("states = %v, want %v: a denied microphone must never reach open", rec.states, want)
	}
	rec.mu.Unlock()
	h.assertReleasedOnce(t)

	h.phone.EndSession(s)
	h.assertReleasedOnce(t)
	rec.failure(t)
	if got := len(h.inputCtx.OpenMicrophoneCalls); got != 1 {
		t.Errorf("microphone opens = %d, want 1", got)
	}
}

func TestSession_HangupFromOpenCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	var s *Session
	rec.onState = func(st State) {
		if st == StateOpen {
			s.Hangup()
		}
	}
	s = h.start(t, rec)

	h.channel.Emit(s2s.Event{Type: s2s.EventOpen})
	waitDone(t, s)

	rec.mu.Lock()
	if want := []State{StateOpen, StateClosed}; !slices.Equal(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
	rec.mu.Unlock()
	if cause := rec.ending(t); cause != nil {
		t.Errorf("cause = %v, want nil", cause)
	}
	h.assertReleasedOnce(t)
}

func TestSession_CallbacksFollowExternalHangupInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	s.Hangup()
	// Resources are released before Hangup returns.
	h.assertReleasedOnce(t)
	waitDone(t, s)

	rec.mu.Lock()
	if want := []State{StateOpen, StateClosed}; !slices.Equal(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
	rec.mu.Unlock()
	rec.ending(t)
}

func TestSession_RemoteClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	h.channel.Emit(s2s.Event{Type: s2s.EventClose, Reason: "session expired"})
	waitDone(t, s)

	var uce *UnexpectedCloseError
	if cause := rec.ending(t); !errors.As(cause, &uce) || uce.Reason != "session expired" {
		t.Fatalf("cause = %v, want UnexpectedCloseError(session expired)", cause)
	}
	h.assertReleasedOnce(t)

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "glyphone.sessions.ended" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value("outcome"); ok && v.AsString() == "remote_close" && dp.Value == 1 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("sessions.ended{outcome=remote_close} not recorded")
	}
}

func TestSession_EventStreamEndsWithoutTerminalEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	// The channel closes its event stream without a close or error event.
	_ = h.channel.Close()
	waitDone(t, s)

	if kind := KindOf(rec.ending(t)); kind != KindUnexpectedClose {
		t.Errorf("kind = %v, want unexpected_close", kind)
	}
}

func TestSession_ChannelError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	h.channel.Emit(s2s.Event{Type: s2s.EventError, Err: &s2s.RemoteError{Provider: "mock", Code: 500, Message: "boom"}})
	waitDone(t, s)

	if kind := KindOf(rec.failure(t)); kind != KindRemote {
		t.Errorf("kind = %v, want remote", kind)
	}
	h.assertReleasedOnce(t)
}

func TestSession_ConnectionError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectErr = &s2s.ConnectionError{Provider: "mock", Err: errors.New("dial refused")}
	rec := &recorder{}
	s := h.start(t, rec)
	waitDone(t, s)

	if kind := KindOf(rec.failure(t)); kind != KindConnection {
		t.Errorf("kind = %v, want connection", kind)
	}
	if got := h.device.Closes(); got != 1 {
		t.Errorf("output closes = %d, want 1", got)
	}
	if got := h.inputCtx.Closes(); got != 1 {
		t.Errorf("input closes = %d, want 1", got)
	}
	if got := h.channel.Closes(); got != 0 {
		t.Errorf("channel closes = %d, want 0", got)
	}
}

func TestSession_OutputDeviceFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.output.OpenError = errors.New("no output device")
	rec := &recorder{}
	s, err := h.phone.StartSession(context.Background(), "", "", rec.callbacks())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitDone(t, s)

	if kind := KindOf(rec.failure(t)); kind != KindOutputDevice {
		t.Errorf("kind = %v, want output_device", kind)
	}
	if h.input.CallCountOpen != 0 {
		t.Errorf("input opened %d times after output failure", h.input.CallCountOpen)
	}
	if h.provider.Connects() != 0 {
		t.Error("provider dialled after output failure")
	}
}

func TestSession_HangupWhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gate := make(chan struct{})
	defer close(gate)
	h.provider.Gate = gate
	rec := &recorder{}
	s := h.start(t, rec)

	if s.State() != StateConnecting {
		t.Fatalf("state = %v, want connecting", s.State())
	}
	h.phone.EndSession(s)
	waitDone(t, s)

	if cause := rec.ending(t); cause != nil {
		t.Errorf("cause = %v, want nil", cause)
	}
	if got := h.channel.Closes(); got != 0 {
		t.Errorf("channel closes = %d, want 0", got)
	}
	if got := h.device.Closes(); got != 1 {
		t.Errorf("output closes = %d, want 1", got)
	}
}

func TestSession_ContextCancelHangsUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := h.phone.StartSession(ctx, "", "", rec.callbacks())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "connect", func() bool { return h.provider.Connects() == 1 })
	h.channel.Emit(s2s.Event{Type: s2s.EventOpen})

	cancel()
	waitDone(t, s)

	if cause := rec.ending(t); cause != nil {
		t.Errorf("cause = %v, want nil", cause)
	}
	h.assertReleasedOnce(t)
}

func TestSession_AudioBeforeOpenIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	h.start(t, rec)

	h.channel.Emit(speech(2400))
	h.channel.Emit(s2s.Event{Type: s2s.EventOpen})
	waitFor(t, "microphone", func() bool { return h.inputCtx.Microphone() != nil })

	if got := len(h.device.Plays()); got != 0 {
		t.Errorf("plays = %d, want 0", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.activity != 0 {
		t.Errorf("audio activity = %d, want 0", rec.activity)
	}
}

func TestSession_BargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	h.open(t, rec)

	for range 3 {
		h.channel.Emit(speech(2400)) // 100 ms each
	}
	waitFor(t, "three plays", func() bool { return len(h.device.Plays()) == 3 })

	h.clock.Set(120 * time.Millisecond)
	h.channel.Emit(s2s.Event{Type: s2s.EventInterrupted})
	h.channel.Emit(speech(2400))
	waitFor(t, "fourth play", func() bool { return len(h.device.Plays()) == 4 })

	if at := h.device.Plays()[3].At; at != 120*time.Millisecond {
		t.Errorf("post-interrupt chunk at %v, want 120ms", at)
	}
}

func TestSession_UndecodableChunkIsNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	h.channel.Emit(s2s.Event{Type: s2s.EventAudio, Chunk: s2s.InboundChunk{MIMEType: "audio/pcm;rate=24000", Data: "%%%"}})
	h.channel.Emit(speech(2400))
	waitFor(t, "good chunk", func() bool { return len(h.device.Plays()) == 1 })

	if s.State() != StateOpen {
		t.Errorf("state = %v, want open", s.State())
	}
	if ended, failed := rec.results(); len(ended)+len(failed) != 0 {
		t.Errorf("session ended: %v %v", ended, failed)
	}
}

func TestSession_HangupFromCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	s := h.open(t, rec)

	rec.mu.Lock()
	rec.onActivity = s.Hangup
	rec.mu.Unlock()

	h.channel.Emit(speech(240))
	waitDone(t, s)

	rec.ending(t)
	h.assertReleasedOnce(t)
	if got := len(h.device.Plays()); got != 0 {
		t.Errorf("plays = %d, want 0 after hangup in activity callback", got)
	}
}
