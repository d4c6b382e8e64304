// Package speaker implements [audio.OutputSystem] on top of
// github.com/ebitengine/oto/v3.
//
// oto allows a single context per process, so the context is created lazily
// by the first OpenOutput and shared afterwards. Every opened device gets its
// own oto player fed by a sample timeline; frames whose rate differs from the
// shared context are resampled on the way in.
package speaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/ebitengine/oto/v3"
)

// Compile-time interface assertions.
var (
	_ audio.OutputSystem = (*System)(nil)
	_ audio.OutputDevice = (*Device)(nil)
)

const defaultBufferSize = 60 * time.Millisecond

// ErrClosed is wrapped in the *audio.OutputDeviceError returned by Play after
// Close.
var ErrClosed = errors.New("speaker: device closed")

var (
	sharedOnce   sync.Once
	sharedCtx    *oto.Context
	sharedFormat audio.Format
	sharedErr    error
)

// sharedContext returns the process-wide oto context, creating it with format
// on first use.
func sharedContext(format audio.Format, bufferSize time.Duration) (*oto.Context, audio.Format, error) {
	sharedOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			sharedErr = err
			return
		}
		<-ready
		sharedCtx = ctx
		sharedFormat = audio.Mono(format.SampleRate)
		slog.Debug("speaker context ready", "format", sharedFormat.String(), "buffer", bufferSize)
	})
	return sharedCtx, sharedFormat, sharedErr
}

// Option is a functional option for configuring a System.
type Option func(*System)

// WithDeviceRate fixes the rate of the shared oto context instead of taking
// the rate of the first opened device.
func WithDeviceRate(rate int) Option {
	return func(s *System) { s.deviceRate = rate }
}

// WithBufferSize sets the oto driver buffer. Smaller buffers lower latency at
// the risk of underruns.
func WithBufferSize(d time.Duration) Option {
	return func(s *System) { s.bufferSize = d }
}

// System opens oto-backed output devices.
type System struct {
	deviceRate int
	bufferSize time.Duration
}

// New creates a System.
func New(opts ...Option) *System {
	s := &System{bufferSize: defaultBufferSize}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenOutput opens a playback device. The player starts immediately and plays
// silence until frames are scheduled, so the device clock runs from the moment
// the device is opened.
func (s *System) OpenOutput(format audio.Format) (audio.OutputDevice, error) {
	want := format
	if s.deviceRate > 0 {
		want = audio.Mono(s.deviceRate)
	}
	if want.SampleRate <= 0 {
		return nil, &audio.OutputDeviceError{Err: fmt.Errorf("invalid sample rate %d", want.SampleRate)}
	}

	ctx, devFormat, err := sharedContext(want, s.bufferSize)
	if err != nil {
		return nil, &audio.OutputDeviceError{Err: fmt.Errorf("oto context: %w", err)}
	}

	d := &Device{
		timeline: newTimeline(devFormat.SampleRate),
		conv:     &audio.FormatConverter{Target: devFormat},
	}
	d.player = ctx.NewPlayer(d.timeline)
	d.player.Play()
	return d, nil
}

// Device is one oto player on the shared context.
type Device struct {
	player   *oto.Player
	timeline *timeline
	conv     *audio.FormatConverter

	convMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Now returns the playhead of this device.
func (d *Device) Now() time.Duration { return d.timeline.now() }

// Play schedules frame at the given device time.
func (d *Device) Play(frame audio.AudioFrame, at time.Duration) error {
	d.convMu.Lock()
	f := d.conv.Convert(frame)
	d.convMu.Unlock()
	if !d.timeline.schedule(f.Samples, at) {
		return &audio.OutputDeviceError{Err: ErrClosed}
	}
	return nil
}

// SetGain sets the player volume.
func (d *Device) SetGain(level float64) {
	d.player.SetVolume(min(max(level, 0), 1))
}

// Buffered returns how much scheduled audio has not been played yet.
func (d *Device) Buffered() time.Duration {
	return audio.SamplesDuration(int(d.timeline.pending()), d.conv.Target.SampleRate)
}

// Close stops the player and drops everything still scheduled. Idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.timeline.close()
		d.player.Pause()
		if err := d.player.Close(); err != nil {
			d.closeErr = fmt.Errorf("speaker: close player: %w", err)
		}
	})
	return d.closeErr
}
