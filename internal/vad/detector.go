package vad

import (
	"fmt"

	"github.com/ent0n29/voxpipe/internal/audio"
	"github.com/ent0n29/voxpipe/internal/protocol"
)

// Detector classifies one audio chunk as speech or not. Implementations may
// hold model state and are not required to be safe for concurrent use.
type Detector interface {
	Name() string
	IsSpeech(chunk protocol.AudioChunk) (bool, error)
}

// EnergyDetector treats a chunk as speech when its normalized RMS level
// reaches Threshold. It only understands 16-bit samples.
type EnergyDetector struct {
	Threshold float64
}

func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = 0.02
	}
	return &EnergyDetector{Threshold: threshold}
}

func (d *EnergyDetector) Name() string { return "energy" }

func (d *EnergyDetector) IsSpeech(chunk protocol.AudioChunk) (bool, error) {
	if chunk.Width != 2 {
		return false, fmt.Errorf("energy detector needs 16-bit audio, got width %d", chunk.Width)
	}
	return audio.RMS16(chunk.Audio) >= d.Threshold, nil
}
