// Package capture turns microphone audio into outbound packets.
//
// A Pipeline acquires the microphone from an [audio.InputContext], re-frames
// whatever period sizes the device delivers into fixed-size frames, encodes
// each frame as PCM16 transport text and hands it to a [Sender]. Encoding
// happens on the audio thread; sending happens on a single goroutine fed by a
// bounded queue so that a slow network can never block the device callback.
// When the queue is full the frame is dropped.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/glyphone/internal/observe"
	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

const (
	// DefaultSampleRate is the microphone rate used when Config leaves it unset.
	DefaultSampleRate = 16000

	// DefaultFrameSize is 4096 samples, about 256 ms at 16 kHz.
	DefaultFrameSize = 4096

	// DefaultQueueSize bounds the number of encoded frames waiting for the
	// sender goroutine.
	DefaultQueueSize = 8
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("capture: stopped")
)

// Sender is the outbound half of a duplex channel. [s2s.SessionHandle]
// satisfies it.
type Sender interface {
	Send(pkt s2s.OutboundPacket) error
}

// Config controls framing.
type Config struct {
	// Format is the capture format advertised in every packet's MIME tag.
	Format audio.Format

	// FrameSize is the number of samples per outbound packet.
	FrameSize int

	// QueueSize is the capacity of the send queue.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = DefaultSampleRate
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline streams microphone frames to a Sender. Start and Stop may be
// called from any goroutine.
type Pipeline struct {
	input   audio.InputContext
	cfg     Config
	active  func() bool
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	mic     audio.Microphone
	done    chan struct{}
	started bool
	stopped bool

	// pending is only touched on the audio thread.
	pending []float32

	sent     atomic.Int64
	dropped  atomic.Int64
	sendErrs atomic.Int64
}

// New creates a pipeline reading from input. active is the session's live
// guard: frames completed while it reports false are discarded. nil means
// always active.
func New(input audio.InputContext, cfg Config, active func() bool, opts ...Option) *Pipeline {
	if active == nil {
		active = func() bool { return true }
	}
	p := &Pipeline{
		input:  input,
		cfg:    cfg.withDefaults(),
		active: active,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.pending = make([]float32, 0, 2*p.cfg.FrameSize)
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Start acquires the microphone and begins streaming to target. A failure to
// acquire the device is a *audio.MicrophoneAccessError; there is no retry.
// The device is opened outside the pipeline lock so a concurrent Stop does
// not wait for it; Start then returns ErrStopped and releases the device.
func (p *Pipeline) Start(target Sender) error {
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return ErrStopped
	case p.started:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	queue := make(chan s2s.OutboundPacket, p.cfg.QueueSize)
	done := make(chan struct{})

	mic, err := p.input.OpenMicrophone(p.cfg.Format, p.cfg.FrameSize, func(samples []float32) {
		p.onSamples(samples, queue, done)
	})
	if err != nil {
		var mae *audio.MicrophoneAccessError
		if !errors.As(err, &mae) {
			err = &audio.MicrophoneAccessError{Err: err}
		}
		return fmt.Errorf("capture: start: %w", err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		close(done)
		if err := mic.Close(); err != nil {
			p.log.Warn("capture: close microphone", "err", err)
		}
		return ErrStopped
	}
	p.mic = mic
	p.done = done
	p.mu.Unlock()
	go p.sendLoop(target, queue, done)

	p.log.Debug("capture: microphone open",
		"format", p.cfg.Format.String(),
		"frame_size", p.cfg.FrameSize)
	return nil
}

// onSamples runs on the device's audio thread.
func (p *Pipeline) onSamples(samples []float32, queue chan<- s2s.OutboundPacket, done <-chan struct{}) {
	p.pending = append(p.pending, samples...)

	n := p.cfg.FrameSize
	off := 0
	for len(p.pending)-off >= n {
		p.emit(p.pending[off:off+n], queue, done)
		off += n
	}
	p.pending = p.pending[:copy(p.pending, p.pending[off:])]
}

func (p *Pipeline) emit(frame []float32, queue chan<- s2s.OutboundPacket, done <-chan struct{}) {
	ctx := context.Background()
	if !p.active() {
		p.metrics.RecordCapturePacket(ctx, "inactive")
		return
	}

	pkt := s2s.NewOutboundPacket(frame, p.cfg.Format)
	select {
	case <-done:
	case queue <- pkt:
	default:
		p.dropped.Add(1)
		p.metrics.RecordCapturePacket(ctx, "dropped")
	}
}

func (p *Pipeline) sendLoop(target Sender, queue <-chan s2s.OutboundPacket, done <-chan struct{}) {
	ctx := context.Background()
	for {
		select {
		case <-done:
			return
		case pkt := <-queue:
			if !p.active() {
				continue
			}
			if err := target.Send(pkt); err != nil {
				select {
				case <-done:
					return
				default:
				}
				if p.sendErrs.Add(1) == 1 {
					p.log.Warn("capture: send failed", "err", err)
				} else {
					p.log.Debug("capture: send failed", "err", err)
				}
				p.metrics.RecordCapturePacket(ctx, "send_error")
				continue
			}
			p.sent.Add(1)
			p.metrics.RecordCapturePacket(ctx, "sent")
		}
	}
}

// Stop releases the microphone and stops the sender goroutine without waiting
// for an in-flight Send. It is idempotent and safe when Start never ran or
// failed.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	mic := p.mic
	p.mic = nil
	if p.done != nil {
		close(p.done)
	}
	p.mu.Unlock()

	if mic == nil {
		return nil
	}
	if err := mic.Close(); err != nil {
		return fmt.Errorf("capture: close microphone: %w", err)
	}
	return nil
}

// Stats returns the number of packets sent, dropped on a full queue and
// rejected by the Sender.
func (p *Pipeline) Stats() (sent, dropped, sendErrors int64) {
	return p.sent.Load(), p.dropped.Load(), p.sendErrs.Load()
}
