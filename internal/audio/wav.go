package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// EncodeWAV wraps raw little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes raw PCM audio as a WAV file.
func WriteWAVFile(path string, pcm []byte, f Format) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVTo(out, pcm, f); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// WriteWAVTo writes raw PCM audio to out as a WAV stream.
func WriteWAVTo(out io.Writer, pcm []byte, f Format) error {
	const audioFormat = 1 // PCM
	f = f.withDefaults()
	if f.Width > 4 {
		return fmt.Errorf("unsupported sample width %d", f.Width)
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(f.Rate * f.Channels * f.Width)
	blockAlign := uint16(f.Channels * f.Width)
	bitsPerSample := uint16(f.Width * 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fields := []any{
		uint32(16),
		uint16(audioFormat),
		uint16(f.Channels),
		uint32(f.Rate),
		byteRate,
		blockAlign,
		bitsPerSample,
	}
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
