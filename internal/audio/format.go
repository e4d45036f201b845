// Package audio holds raw PCM helpers shared by the pipeline and the VAD
// component: chunk timing, energy and WAV output.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Default microphone format used across the pipeline.
const (
	DefaultRate     = 16000
	DefaultWidth    = 2
	DefaultChannels = 1
)

// Format describes interleaved little-endian PCM.
type Format struct {
	Rate     int
	Width    int
	Channels int
}

func (f Format) withDefaults() Format {
	if f.Rate <= 0 {
		f.Rate = DefaultRate
	}
	if f.Width <= 0 {
		f.Width = DefaultWidth
	}
	if f.Channels <= 0 {
		f.Channels = DefaultChannels
	}
	return f
}

// Duration returns how long n bytes of audio in format f last.
func Duration(f Format, n int) time.Duration {
	f = f.withDefaults()
	frames := n / (f.Width * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.Rate)
}

// Bytes returns the byte length of d worth of audio, rounded down to whole
// frames.
func Bytes(f Format, d time.Duration) int {
	f = f.withDefaults()
	if d <= 0 {
		return 0
	}
	frames := int(d * time.Duration(f.Rate) / time.Second)
	return frames * f.Width * f.Channels
}

// RMS16 returns the root-mean-square level of PCM16LE samples normalized to
// [0, 1]. Trailing odd bytes are ignored.
func RMS16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
