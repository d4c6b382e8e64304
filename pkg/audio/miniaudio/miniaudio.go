// Package miniaudio implements [audio.InputSystem] on top of miniaudio via
// github.com/gen2brain/malgo.
//
// Each [audio.InputContext] owns one malgo context. The microphone is opened in
// 32-bit float mono so captured periods reach the pipeline without an extra
// integer conversion.
package miniaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertions.
var (
	_ audio.InputSystem  = (*System)(nil)
	_ audio.InputContext = (*inputContext)(nil)
	_ audio.Microphone   = (*microphone)(nil)
)

// errContextClosed is returned by OpenMicrophone after the context was closed.
var errContextClosed = errors.New("miniaudio: input context closed")

// System opens malgo capture contexts.
type System struct {
	realtime bool
}

// Option is a functional option for configuring a System.
type Option func(*System)

// WithRealtimePriority requests real-time scheduling for the audio thread.
func WithRealtimePriority(enabled bool) Option {
	return func(s *System) { s.realtime = enabled }
}

// New creates a System. Real-time thread priority is on by default.
func New(opts ...Option) *System {
	s := &System{realtime: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenInput initialises a malgo context for capture.
func (s *System) OpenInput() (audio.InputContext, error) {
	cfg := malgo.ContextConfig{}
	if s.realtime {
		cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	}
	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &inputContext{ctx: ctx}, nil
}

type inputContext struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// OpenMicrophone initialises and starts the default capture device. Any
// failure, including denied permission, is a *audio.MicrophoneAccessError.
func (c *inputContext) OpenMicrophone(format audio.Format, periodSize int, onFrame audio.FrameHandler) (audio.Microphone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &audio.MicrophoneAccessError{Err: errContextClosed}
	}

	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(format.SampleRate)
	if periodSize > 0 {
		cfg.PeriodSizeInFrames = uint32(periodSize)
	}

	// The data callback always runs on the same audio thread, so the scratch
	// slice can be reused between periods.
	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			scratch = decodeF32(scratch[:0], in, channels)
			onFrame(scratch)
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, &audio.MicrophoneAccessError{Err: fmt.Errorf("init capture device: %w", err)}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &audio.MicrophoneAccessError{Err: fmt.Errorf("start capture device: %w", err)}
	}

	slog.Debug("microphone opened", "format", format.String(), "period_frames", periodSize)
	return &microphone{dev: dev}, nil
}

// Close uninitialises and frees the malgo context. Idempotent.
func (c *inputContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.ctx.Uninit()
	c.ctx.Free()
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

type microphone struct {
	once sync.Once
	dev  *malgo.Device
	err  error
}

// Close stops the device, which waits for an in-flight data callback, and
// releases it.
func (m *microphone) Close() error {
	m.once.Do(func() {
		if err := m.dev.Stop(); err != nil {
			m.err = fmt.Errorf("miniaudio: stop capture device: %w", err)
		}
		m.dev.Uninit()
	})
	return m.err
}

// decodeF32 appends the little-endian float32 samples in raw to dst. When the
// device delivers more than one channel only the first is kept.
func decodeF32(dst []float32, raw []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	stride := 4 * channels
	for i := 0; i+4 <= len(raw); i += stride {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
	}
	return dst
}
