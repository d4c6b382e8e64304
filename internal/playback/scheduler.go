// Package playback schedules inbound speech chunks on the output device's
// timeline so that consecutive chunks play back to back without gaps or
// overlap.
//
// The Scheduler owns the playback anchor ("next start time"), the device-clock
// instant at which the next chunk should begin. Every chunk is placed at
// max(now, anchor) and the anchor advances by the chunk's exact duration. When
// the network stalls and the anchor falls behind the clock, the next chunk
// starts immediately and the timeline re-anchors from there. An interruption
// (barge-in) pulls the anchor back to the present so new speech does not queue
// behind abandoned speech.
//
// All methods are safe for concurrent use; the anchor is only ever read or
// written under the scheduler's mutex.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glyphone/internal/observe"
	"github.com/MrWong99/glyphone/pkg/audio"
	"github.com/MrWong99/glyphone/pkg/provider/s2s"
)

// ErrInactive is returned by Enqueue when the session guard is down or the
// scheduler was reset. The chunk is discarded and the timeline is untouched.
var ErrInactive = errors.New("playback: scheduler inactive")

// StreamDecodeError reports an inbound chunk whose payload could not be
// decoded. The chunk is dropped; playback continues with the next one.
type StreamDecodeError struct {
	MIMEType string
	Err      error
}

func (e *StreamDecodeError) Error() string {
	return fmt.Sprintf("playback: decode chunk (%s): %v", e.MIMEType, e.Err)
}

func (e *StreamDecodeError) Unwrap() error { return e.Err }

// Placement describes where a chunk landed on the device timeline.
type Placement struct {
	Start    time.Duration
	Duration time.Duration

	// Stalled is true when the timeline had run dry before this chunk arrived.
	Stalled bool
}

// End returns the instant the chunk finishes playing.
func (p Placement) End() time.Duration { return p.Start + p.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler places decoded chunks on an [audio.OutputDevice].
type Scheduler struct {
	out     audio.OutputDevice
	format  audio.Format
	active  func() bool
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	next    time.Duration
	primed  bool // a chunk was placed since open or the last interrupt
	closed  bool
	stalls  int
	dropped int
}

// New creates a scheduler for out. format is the output format used for
// chunks whose MIME tag carries no sample rate. active is the session's live
// guard; nil means always active.
func New(out audio.OutputDevice, format audio.Format, active func() bool, opts ...Option) *Scheduler {
	if active == nil {
		active = func() bool { return true }
	}
	s := &Scheduler{
		out:    out,
		format: format,
		active: active,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Enqueue decodes chunk and schedules it at max(now, next). A chunk that
// cannot be decoded is a *StreamDecodeError and leaves the timeline as it was.
func (s *Scheduler) Enqueue(chunk s2s.InboundChunk) (Placement, error) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.active() {
		s.metrics.RecordPlaybackChunk(ctx, "inactive")
		return Placement{}, ErrInactive
	}

	samples, err := audio.DecodeText(chunk.Data)
	if err != nil {
		s.dropped++
		s.metrics.RecordPlaybackChunk(ctx, "decode_error")
		return Placement{}, &StreamDecodeError{MIMEType: chunk.MIMEType, Err: err}
	}
	if len(samples) == 0 {
		s.metrics.RecordPlaybackChunk(ctx, "empty")
		return Placement{}, nil
	}

	frame := audio.AudioFrame{
		Samples:    samples,
		SampleRate: s.chunkFormat(chunk.MIMEType).SampleRate,
		Channels:   1,
	}
	dur := frame.Duration()

	now := s.out.Now()
	p := Placement{Start: s.next, Duration: dur}
	if now > s.next {
		p.Start = now
		p.Stalled = s.primed
	}
	frame.Timestamp = p.Start

	if err := s.out.Play(frame, p.Start); err != nil {
		s.metrics.RecordPlaybackChunk(ctx, "device_error")
		var ode *audio.OutputDeviceError
		if !errors.As(err, &ode) {
			err = &audio.OutputDeviceError{Err: err}
		}
		return Placement{}, fmt.Errorf("playback: play: %w", err)
	}

	if p.Stalled {
		s.stalls++
		s.metrics.PlaybackStalls.Add(ctx, 1)
		s.log.Debug("playback: timeline ran dry", "behind", now-s.next)
	}
	s.next = p.End()
	s.primed = true
	s.metrics.RecordPlaybackChunk(ctx, "scheduled")
	s.metrics.RecordPlaybackLead(ctx, p.Start-now)
	return p, nil
}

// chunkFormat resolves the sample rate advertised by mimeType, falling back
// to the configured output format.
func (s *Scheduler) chunkFormat(mimeType string) audio.Format {
	if mimeType == "" {
		return s.format
	}
	f, err := audio.ParseMIMEType(mimeType)
	if err != nil {
		s.log.Debug("playback: using default output rate", "mime_type", mimeType, "err", err)
		return s.format
	}
	return f
}

// OnInterrupt pulls the anchor back to the current device time. Chunks already
// handed to the device still play out; only chunks enqueued afterwards start
// from the present.
func (s *Scheduler) OnInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.next = s.out.Now()
	s.primed = false
	s.metrics.PlaybackInterruptions.Add(context.Background(), 1)
}

// SetGain clamps level to [0, 1] and applies it to the device.
func (s *Scheduler) SetGain(level float64) {
	level = min(max(level, 0), 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out.SetGain(level)
}

// Reset closes the output device. Subsequent calls return nil and enqueues
// return [ErrInactive].
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.out.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// Next returns the current anchor.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Stats returns the number of stalls and dropped (undecodable) chunks so far.
func (s *Scheduler) Stats() (stalls, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalls, s.dropped
}
