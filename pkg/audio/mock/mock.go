// Package mock provides in-memory implementations of the [audio.InputSystem],
// [audio.InputContext], [audio.Microphone], [audio.OutputSystem] and
// [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. Output devices run on a
// manual [Clock] that only moves when the test says so.
//
// Typical usage:
//
//	clock := &mock.Clock{}
//	out := &mock.Output{Device: &mock.OutputDevice{Clock: clock}}
//	in := &mock.Input{Context: &mock.InputContext{}}
//	// ... run the code under test ...
//	in.Context.Emit(make([]float32, 4096)) // simulate one device period
//	clock.Advance(100 * time.Millisecond)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/glyphone/pkg/audio"
)

// ─── Journal ──────────────────────────────────────────────────────────────────

// Journal is an ordered log shared between mocks so tests can assert on the
// relative order of calls made to different devices.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Record appends entry to the journal. A nil Journal ignores the call.
func (j *Journal) Record(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Entries returns a copy of the recorded entries.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manually driven [audio.Clock].
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now implements [audio.Clock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [OutputDevice.Play] invocation.
type PlayCall struct {
	Frame audio.AudioFrame
	At    time.Duration
}

// End returns the time at which the scheduled frame finishes playing.
func (c PlayCall) End() time.Duration { return c.At + c.Frame.Duration() }

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Clock drives Now. A zero clock is used when nil.
	Clock *Clock

	// Journal, if set, receives "output.close" entries.
	Journal *Journal

	// PlayError is returned by Play.
	PlayError error

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// Gain is the last level passed to SetGain.
	Gain float64

	// CallCountSetGain records how many times SetGain was called.
	CallCountSetGain int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now implements [audio.Clock].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	clock := d.Clock
	d.mu.Unlock()
	if clock == nil {
		return 0
	}
	return clock.Now()
}

// Play implements [audio.OutputDevice]. Records the call and returns PlayError.
func (d *OutputDevice) Play(frame audio.AudioFrame, at time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PlayCalls = append(d.PlayCalls, PlayCall{Frame: frame, At: at})
	return d.PlayError
}

// SetGain implements [audio.OutputDevice].
func (d *OutputDevice) SetGain(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountSetGain++
	d.Gain = level
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	j := d.Journal
	d.mu.Unlock()
	j.Record("output.close")
	return nil
}

// Plays returns a copy of PlayCalls.
func (d *OutputDevice) Plays() []PlayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PlayCall, len(d.PlayCalls))
	copy(out, d.PlayCalls)
	return out
}

// Closes returns CallCountClose.
func (d *OutputDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.OutputSystem].
type Output struct {
	mu sync.Mutex

	// Device is returned by OpenOutput. A fresh OutputDevice is created when nil.
	Device *OutputDevice

	// OpenError is returned by OpenOutput.
	OpenError error

	// OpenCalls records the format of every OpenOutput invocation.
	OpenCalls []audio.Format
}

// OpenOutput implements [audio.OutputSystem].
func (o *Output) OpenOutput(format audio.Format) (audio.OutputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, format)
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	if o.Device == nil {
		o.Device = &OutputDevice{}
	}
	return o.Device, nil
}

// Opens returns how many times OpenOutput was called.
func (o *Output) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.OpenCalls)
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu      sync.Mutex
	ctx     *InputContext
	journal *Journal

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Close implements [audio.Microphone]. After the first Close the owning
// InputContext stops delivering frames.
func (m *Microphone) Close() error {
	m.mu.Lock()
	m.CallCountClose++
	first := m.CallCountClose == 1
	m.mu.Unlock()
	if first && m.ctx != nil {
		m.ctx.detach()
	}
	m.journal.Record("microphone.close")
	return nil
}

// Closes returns CallCountClose.
func (m *Microphone) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose
}

// ─── InputContext ─────────────────────────────────────────────────────────────

// OpenMicrophoneCall records the arguments of a single
// [InputContext.OpenMicrophone] invocation.
type OpenMicrophoneCall struct {
	Format     audio.Format
	PeriodSize int
}

// InputContext is a mock implementation of [audio.InputContext]. Tests drive
// the capture callback with [InputContext.Emit].
type InputContext struct {
	mu sync.Mutex

	// Journal, if set, receives "microphone.open", "microphone.close" and
	// "input.close" entries.
	Journal *Journal

	// MicrophoneError is returned by OpenMicrophone, e.g. a
	// *audio.MicrophoneAccessError to simulate denied permission.
	MicrophoneError error

	// BeforeOpen, if set, runs at the start of OpenMicrophone, outside the
	// mock's lock. Use it to act while the device is initialising.
	BeforeOpen func()

	// OpenMicrophoneCalls records all OpenMicrophone invocations.
	OpenMicrophoneCalls []OpenMicrophoneCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	mic     *Microphone
	handler audio.FrameHandler
}

// OpenMicrophone implements [audio.InputContext].
func (c *InputContext) OpenMicrophone(format audio.Format, periodSize int, onFrame audio.FrameHandler) (audio.Microphone, error) {
	if c.BeforeOpen != nil {
		c.BeforeOpen()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenMicrophoneCalls = append(c.OpenMicrophoneCalls, OpenMicrophoneCall{Format: format, PeriodSize: periodSize})
	if c.MicrophoneError != nil {
		return nil, c.MicrophoneError
	}
	c.Journal.Record("microphone.open")
	c.handler = onFrame
	c.mic = &Microphone{ctx: c, journal: c.Journal}
	return c.mic, nil
}

// Close implements [audio.InputContext].
func (c *InputContext) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	j := c.Journal
	c.mu.Unlock()
	j.Record("input.close")
	return nil
}

// Emit delivers samples to the registered frame handler as the audio thread
// would. It reports whether a microphone was open to receive them.
func (c *InputContext) Emit(samples []float32) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(samples)
	return true
}

// Microphone returns the most recently opened microphone, or nil.
func (c *InputContext) Microphone() *Microphone {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

// Closes returns CallCountClose.
func (c *InputContext) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

func (c *InputContext) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [audio.InputSystem].
type Input struct {
	mu sync.Mutex

	// Context is returned by OpenInput. A fresh InputContext is created when nil.
	Context *InputContext

	// OpenError is returned by OpenInput.
	OpenError error

	// CallCountOpen records how many times OpenInput was called.
	CallCountOpen int
}

// OpenInput implements [audio.InputSystem].
func (i *Input) OpenInput() (audio.InputContext, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountOpen++
	if i.OpenError != nil {
		return nil, i.OpenError
	}
	if i.Context == nil {
		i.Context = &InputContext{}
	}
	return i.Context, nil
}

// Compile-time interface assertions.
var (
	_ audio.InputSystem  = (*Input)(nil)
	_ audio.InputContext = (*InputContext)(nil)
	_ audio.Microphone   = (*Microphone)(nil)
	_ audio.OutputSystem = (*Output)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
)
