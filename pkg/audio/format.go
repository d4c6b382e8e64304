package audio

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// pcmMediaType is the media type of the raw PCM16 envelope exchanged with the
// remote side.
const pcmMediaType = "audio/pcm"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel Format at rate Hz.
func Mono(rate int) Format { return Format{SampleRate: rate, Channels: 1} }

// MIMEType renders the envelope tag for f, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("%s;rate=%d", pcmMediaType, f.SampleRate)
}

// String implements fmt.Stringer.
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// ParseMIMEType parses an envelope tag produced by [Format.MIMEType]. The media
// type must be audio/pcm and a positive rate parameter must be present.
func ParseMIMEType(s string) (Format, error) {
	mediaType, params, err := mime.ParseMediaType(s)
	if err != nil {
		return Format{}, fmt.Errorf("audio: parse mime type %q: %w", s, err)
	}
	if !strings.EqualFold(mediaType, pcmMediaType) {
		return Format{}, fmt.Errorf("audio: unsupported media type %q", mediaType)
	}
	raw, ok := params["rate"]
	if !ok {
		return Format{}, fmt.Errorf("audio: mime type %q has no rate", s)
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return Format{}, fmt.Errorf("audio: invalid rate %q in mime type", raw)
	}
	return Mono(rate), nil
}

func formatString(sampleRate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels != 1 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", sampleRate, ch)
}
