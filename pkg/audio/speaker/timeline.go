package speaker

import (
	"encoding/binary"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// segment is a block of samples placed at an absolute sample offset.
type segment struct {
	start   int64
	samples []float32
}

func (s segment) end() int64 { return s.start + int64(len(s.samples)) }

// timeline renders scheduled segments into a float32 stream. It is the
// io.Reader handed to the oto player: every Read advances the playhead by the
// number of samples returned, which makes the playhead the device clock. Gaps
// between segments render as silence and overlapping segments are summed.
type timeline struct {
	mu      sync.Mutex
	rate    int
	pos     int64 // samples rendered so far
	lastEnd int64
	segs    []segment
	mix     []float32
	closed  bool
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

// now returns the playhead as a duration since the device was opened.
func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.pos * int64(time.Second) / int64(t.rate))
}

// schedule places samples at the given device time. A start within one
// sample of the previous segment's end is snapped onto it, so that rounding
// between durations and sample offsets never opens a click-sized gap. Samples
// that fall before the playhead are discarded.
func (t *timeline) schedule(samples []float32, at time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(samples) == 0 {
		return !t.closed
	}

	start := (int64(at)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
	if d := start - t.lastEnd; d >= -1 && d <= 1 && t.lastEnd >= t.pos {
		start = t.lastEnd
	}
	if start < t.pos {
		skip := t.pos - start
		if skip >= int64(len(samples)) {
			return true
		}
		samples = samples[skip:]
		start = t.pos
	}

	seg := segment{start: start, samples: samples}
	i, _ := slices.BinarySearchFunc(t.segs, start, func(s segment, v int64) int {
		switch {
		case s.start < v:
			return -1
		case s.start > v:
			return 1
		}
		return 0
	})
	t.segs = slices.Insert(t.segs, i, seg)
	if e := seg.end(); e > t.lastEnd {
		t.lastEnd = e
	}
	return true
}

// Read implements io.Reader with Float32LE mono output.
func (t *timeline) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}

	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	if cap(t.mix) < n {
		t.mix = make([]float32, n)
	}
	mix := t.mix[:n]
	clear(mix)

	from, to := t.pos, t.pos+int64(n)
	keep := t.segs[:0]
	for _, s := range t.segs {
		if s.start >= to {
			keep = append(keep, s)
			continue
		}
		lo := max(s.start, from)
		hi := min(s.end(), to)
		for i := lo; i < hi; i++ {
			mix[i-from] += s.samples[i-s.start]
		}
		if s.end() > to {
			keep = append(keep, s)
		}
	}
	clear(t.segs[len(keep):])
	t.segs = keep

	for i, v := range mix {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(clampSample(v)))
	}
	t.pos = to
	return n * 4, nil
}

// pending returns how many samples are scheduled at or after the playhead.
func (t *timeline) pending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastEnd <= t.pos {
		return 0
	}
	return t.lastEnd - t.pos
}

func (t *timeline) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.segs = nil
}

func clampSample(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
