package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Encode converts normalized samples to little-endian PCM16. Samples are
// clamped to [-1, 1]; negative values scale by 32768 and non-negative values
// by 32767, truncating toward zero.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sampleToInt16(s)))
	}
	return out
}

func sampleToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Decode converts little-endian PCM16 to normalized samples in [-1, 1).
// An odd byte count is a *DecodeError.
func Decode(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("odd PCM16 byte count %d", len(pcm))}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// ToTransportText renders PCM bytes as standard base64 text.
func ToTransportText(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// FromTransportText reverses [ToTransportText]. Text outside the base64
// alphabet, or text that decodes to an odd byte count, is a *DecodeError.
func FromTransportText(text string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("odd PCM16 byte count %d", len(pcm))}
	}
	return pcm, nil
}

// DecodeText is FromTransportText followed by Decode.
func DecodeText(text string) ([]float32, error) {
	pcm, err := FromTransportText(text)
	if err != nil {
		return nil, err
	}
	return Decode(pcm)
}
